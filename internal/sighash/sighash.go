// Package sighash computes Taproot script-path sighashes for every input of
// a candidate transaction against its previous outputs and the committee
// Tapscript.
package sighash

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// CandidateTx pairs an unsigned transaction with the previous TxOut of each
// of its inputs, in input order, per spec.md §3. This is the sole argument
// threaded into the Sighash Engine and the Witness Finaliser.
type CandidateTx struct {
	Tx      *wire.MsgTx
	Prevouts []*wire.TxOut
}

// ComputeAll returns one Taproot script-path sighash per input of cand.Tx,
// computed against the full previous-outputs vector (required by BIP-341
// script-path sighashing) and leafScript, using the default sighash type
// (spec.md §4.3). The call does not mutate cand.Tx and is deterministic:
// repeated calls on a structurally equal CandidateTx yield identical hashes.
func ComputeAll(cand CandidateTx, leafScript []byte) ([][32]byte, error) {
	if len(cand.Prevouts) != len(cand.Tx.TxIn) {
		return nil, fmt.Errorf("sighash: prevout count %d does not match input count %d", len(cand.Prevouts), len(cand.Tx.TxIn))
	}

	prevOutFetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range cand.Tx.TxIn {
		prevOutFetcher.AddPrevOut(txIn.PreviousOutPoint, cand.Prevouts[i])
	}

	sigHashes := txscript.NewTxSigHashes(cand.Tx, prevOutFetcher)
	leaf := txscript.NewBaseTapLeaf(leafScript)

	hashes := make([][32]byte, len(cand.Tx.TxIn))
	for i := range cand.Tx.TxIn {
		h, err := txscript.CalcTapscriptSignaturehash(
			sigHashes,
			txscript.SigHashDefault,
			cand.Tx,
			i,
			prevOutFetcher,
			leaf,
		)
		if err != nil {
			return nil, fmt.Errorf("sighash: input %d: %w", i, err)
		}
		var fixed [32]byte
		copy(fixed[:], h)
		hashes[i] = fixed
	}

	return hashes, nil
}

// Hash32 is a convenience alias matching chainhash.Hash's size, used by
// callers that need to round-trip a sighash through chainhash helpers.
type Hash32 = chainhash.Hash
