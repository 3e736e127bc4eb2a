// Package reftest provides a reference Tapscript interpreter used by tests
// across the engine to assert that an assembled witness actually validates
// against Bitcoin Script semantics, not merely that this package's own logic
// produced the expected bytes.
package reftest

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// VerifyInput runs btcd's reference Script interpreter against tx's input at
// inputIndex, given the full prevouts vector (required for Taproot
// script-path verification), and returns the engine's verdict: nil on
// accept, a non-nil error on script-evaluated-false or any other rejection.
func VerifyInput(tx *wire.MsgTx, inputIndex int, prevouts []*wire.TxOut) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevouts[i])
	}

	prevOut := prevouts[inputIndex]
	engine, err := txscript.NewEngine(
		prevOut.PkScript,
		tx,
		inputIndex,
		txscript.StandardVerifyFlags,
		nil,
		txscript.NewTxSigHashes(tx, fetcher),
		prevOut.Value,
		fetcher,
	)
	if err != nil {
		return err
	}

	return engine.Execute()
}
