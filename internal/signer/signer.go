// Package signer produces Schnorr signatures over a presented Taproot
// sighash under a validator's held secret key. The signer is intentionally
// stateless and blind: it has no opinion about which sighash it is asked to
// sign. All policy decisions happen upstream in the Orchestrator.
package signer

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Sign returns a 64-byte BIP-340 Schnorr signature over sighash under
// secretKey, using the default sighash flag (no trailing sighash-type byte).
func Sign(secretKey *btcec.PrivateKey, sighash [32]byte) ([]byte, error) {
	sig, err := schnorr.Sign(secretKey, sighash[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Validator wraps a single committee member's secret key and produces
// signatures for whatever sighash it is handed, per input, for a round.
type Validator struct {
	OperatorAddress string
	secretKey       *btcec.PrivateKey
}

// NewValidator constructs a Validator signer for a held secret key.
func NewValidator(operatorAddress string, secretKey *btcec.PrivateKey) *Validator {
	return &Validator{OperatorAddress: operatorAddress, secretKey: secretKey}
}

// SignAll signs every sighash in order, returning one signature per sighash.
func (v *Validator) SignAll(sighashes [][32]byte) ([][]byte, error) {
	sigs := make([][]byte, len(sighashes))
	for i, h := range sighashes {
		sig, err := Sign(v.secretKey, h)
		if err != nil {
			return nil, err
		}
		sigs[i] = sig
	}
	return sigs, nil
}
