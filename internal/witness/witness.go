// Package witness assembles the per-input witness stack for a committee
// spend: signatures (or empty placeholders) in reverse committee order,
// the committee Tapscript, and its control block.
package witness

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btc-federation/internal/commscript"
	"github.com/klingon-exchange/btc-federation/pkg/helpers"
)

var (
	// ErrMatrixShape is returned when a SignatureMatrix's dimensions don't
	// match the transaction it is meant to finalise.
	ErrMatrixShape = errors.New("witness: signature matrix shape mismatch")
)

// SignatureMatrix is a two-dimensional table indexed by [inputIndex][validatorIndex]
// whose cells are either a 64-byte Schnorr signature or nil ("absent"), per
// spec.md §3. The outer dimension must equal the candidate's input count; the
// inner dimension must equal the committee size and preserve committee order.
type SignatureMatrix struct {
	Sigs [][][]byte
}

// NewSignatureMatrix allocates an empty matrix of the given shape, every
// cell initialised absent.
func NewSignatureMatrix(inputCount, committeeSize int) *SignatureMatrix {
	m := &SignatureMatrix{Sigs: make([][][]byte, inputCount)}
	for i := range m.Sigs {
		m.Sigs[i] = make([][]byte, committeeSize)
	}
	return m
}

// Set records validator validatorIdx's signature for input inputIdx. A nil
// sig marks the slot absent.
func (m *SignatureMatrix) Set(inputIdx, validatorIdx int, sig []byte) {
	m.Sigs[inputIdx][validatorIdx] = sig
}

// Weight returns the sum of calibrated weights of every present signature
// slot for a given input, against the supplied per-member weights (same
// order as the matrix's inner dimension). Used by tests and the Orchestrator
// to predict whether an input's witness will meet threshold before
// submission.
func (m *SignatureMatrix) Weight(inputIdx int, weights []int32) int64 {
	var sum int64
	for i, sig := range m.Sigs[inputIdx] {
		if len(sig) > 0 && !helpers.IsZeroBytes(sig) {
			sum += int64(weights[i])
		}
	}
	return sum
}

// Finalize populates tx's per-input witness stacks from matrix, cs's
// Tapscript, and cs's control block, per spec.md §4.6:
//
//  1. For each validator slot in REVERSE committee order: the 64-byte
//     signature, or a zero-length element if absent.
//  2. The committee Tapscript bytes.
//  3. The single-leaf control block.
//
// Reversal aligns stack consumption (top-down) with the script's iterative
// OP_CHECKSIG/OP_IF sequence (spec order, bottom-up). Absent signers are
// encoded as zero-length witness elements, never omitted: Tapscript's
// OP_CHECKSIG treats an empty signature as "invalid, do not fail the
// script", which is the mechanism non-signers rely on to contribute 0 to the
// accumulator without aborting evaluation.
func Finalize(tx *wire.MsgTx, matrix *SignatureMatrix, cs *commscript.CommitteeScript, committeeSize int) error {
	if len(matrix.Sigs) != len(tx.TxIn) {
		return fmt.Errorf("%w: matrix has %d inputs, tx has %d", ErrMatrixShape, len(matrix.Sigs), len(tx.TxIn))
	}

	for i, txIn := range tx.TxIn {
		row := matrix.Sigs[i]
		if len(row) != committeeSize {
			return fmt.Errorf("%w: input %d has %d signature slots, committee has %d members", ErrMatrixShape, i, len(row), committeeSize)
		}

		witnessStack := make(wire.TxWitness, 0, committeeSize+2)
		for j := committeeSize - 1; j >= 0; j-- {
			sig := row[j]
			if len(sig) == 0 {
				witnessStack = append(witnessStack, []byte{})
			} else {
				witnessStack = append(witnessStack, sig)
			}
		}
		witnessStack = append(witnessStack, cs.Script)
		witnessStack = append(witnessStack, cs.ControlBlock)

		if len(witnessStack) != committeeSize+2 {
			return fmt.Errorf("%w: input %d produced %d witness elements, want %d", ErrMatrixShape, i, len(witnessStack), committeeSize+2)
		}

		txIn.Witness = witnessStack
	}

	return nil
}
