// Package commscript builds the weighted-threshold Tapscript a committee
// spend proves against, and derives its Taproot output key from a
// nothing-up-my-sleeve internal key.
package commscript

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/btc-federation/internal/committee"
)

var (
	// ErrScriptConstruction covers a CommitteeSpec that violates the
	// Script Builder's preconditions (weight/threshold out of Script's
	// 32-bit signed range, or threshold exceeding the weight total) and
	// the inconceivable generator-key-never-valid case.
	ErrScriptConstruction = errors.New("script construction error")
)

// CommitteeScript is the serialized Tapscript bytes for a CommitteeSpec
// together with the P2TR script-pubkey derived from it. It is a pure
// function of the spec: equal specs yield byte-identical scripts (spec.md §3,
// Testable Property 3).
type CommitteeScript struct {
	Script       []byte
	InternalKey  *btcec.PublicKey
	OutputKey    *btcec.PublicKey
	MerkleRoot   [32]byte
	ControlBlock []byte
}

// ScriptPubKey returns the P2TR scriptPubKey: OP_1 <32-byte-x-only-output-key>.
func (c *CommitteeScript) ScriptPubKey() []byte {
	xOnly := schnorr.SerializePubKey(c.OutputKey)
	pk := make([]byte, 34)
	pk[0] = txscript.OP_1
	pk[1] = txscript.OP_DATA_32
	copy(pk[2:], xOnly)
	return pk
}

// ScriptHex returns the hex-encoded Tapscript bytes.
func (c *CommitteeScript) ScriptHex() string {
	return hex.EncodeToString(c.Script)
}

// Validate rejects a CommitteeSpec whose weights or threshold fall outside
// Script's legal 32-bit signed range, or whose threshold cannot be met even
// with every member signing, before any script bytes are emitted. This is
// the Go rendering of spec.md §4.1's "Builder fails fatally": a Go program
// fails fatally by returning an error the Orchestrator treats as terminal,
// not by panicking on an ordinary precondition violation.
func Validate(spec committee.CommitteeSpec) error {
	if len(spec.Members) == 0 {
		return fmt.Errorf("%w: committee has no members", ErrScriptConstruction)
	}
	if spec.Threshold < 0 || spec.Threshold > committee.ScriptMaxInt {
		return fmt.Errorf("%w: threshold %d out of range [0, %d]", ErrScriptConstruction, spec.Threshold, committee.ScriptMaxInt)
	}
	var sum int64
	for i, m := range spec.Members {
		if m.Weight < 0 || m.Weight > committee.ScriptMaxInt {
			return fmt.Errorf("%w: member %d weight %d out of range [0, %d]", ErrScriptConstruction, i, m.Weight, committee.ScriptMaxInt)
		}
		sum += int64(m.Weight)
	}
	if int64(spec.Threshold) > sum {
		return fmt.Errorf("%w: threshold %d exceeds sum of weights %d", ErrScriptConstruction, spec.Threshold, sum)
	}
	return nil
}

// BuildScript emits the weighted-threshold Tapscript for spec per spec.md
// §4.1: an accumulator initialised to 0, folding in each member's weight via
// OP_SWAP / OP_CHECKSIG / OP_IF-OP_ELSE-OP_ENDIF / OP_ADD in spec order, then
// comparing the accumulator against threshold with OP_GREATERTHANOREQUAL.
func BuildScript(spec committee.CommitteeSpec) ([]byte, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(0)

	for _, m := range spec.Members {
		builder.AddOp(txscript.OP_SWAP)
		builder.AddData(m.XOnlyPubKey())
		builder.AddOp(txscript.OP_CHECKSIG)
		builder.AddOp(txscript.OP_IF)
		builder.AddInt64(int64(m.Weight))
		builder.AddOp(txscript.OP_ELSE)
		builder.AddInt64(0)
		builder.AddOp(txscript.OP_ENDIF)
		builder.AddOp(txscript.OP_ADD)
	}

	builder.AddInt64(int64(spec.Threshold))
	builder.AddOp(txscript.OP_GREATERTHANOREQUAL)

	return builder.Script()
}

// nothingUpMySleeveSeed is secp256k1's standard generator Gx, the BIP-341
// §"constructing and spending taproot outputs" bullet 3 starting point for
// deriving a provably unspendable internal key.
var nothingUpMySleeveSeed = [32]byte{
	0x79, 0xBE, 0x66, 0x7E, 0xF9, 0xDC, 0xBB, 0xAC, 0x55, 0xA0, 0x62,
	0x95, 0xCE, 0x87, 0x0B, 0x07, 0x02, 0x9B, 0xFC, 0xDB, 0x2D, 0xCE,
	0x28, 0xD9, 0x59, 0xF2, 0x81, 0x5B, 0x16, 0xF8, 0x17, 0x99,
}

// UnspendableInternalKey derives the nothing-up-my-sleeve internal key by
// incrementing the generator's x-coordinate, as a big-endian 256-bit integer,
// by one until the result parses as a valid x-only point. This guarantees no
// known discrete log exists for the key, forcing every spend through the
// script path.
func UnspendableInternalKey() (*btcec.PublicKey, error) {
	candidate := new(big.Int).SetBytes(nothingUpMySleeveSeed[:])
	one := big.NewInt(1)

	// 2^256 iterations would exhaust the field; in practice a valid x-only
	// point is found on the first or second attempt. A bound here guards
	// against an infinite loop on an implementation defect, not a realistic
	// failure: the Builder still treats any failure as fatal per spec.md §4.1.
	const maxAttempts = 1 << 16
	for attempt := 0; attempt < maxAttempts; attempt++ {
		// Increment before the first parse: G_x itself is the generator,
		// whose discrete log is 1.
		candidate.Add(candidate, one)
		buf := candidate.Bytes()
		if len(buf) < 32 {
			padded := make([]byte, 32)
			copy(padded[32-len(buf):], buf)
			buf = padded
		}
		if pk, err := schnorr.ParsePubKey(buf); err == nil {
			return pk, nil
		}
	}
	return nil, fmt.Errorf("%w: no valid nothing-up-my-sleeve key found after %d increments", ErrScriptConstruction, maxAttempts)
}

// Build derives the full CommitteeScript (Tapscript bytes, internal key,
// tweaked P2TR output key, merkle root, and control block) for spec.
func Build(spec committee.CommitteeSpec) (*CommitteeScript, error) {
	script, err := BuildScript(spec)
	if err != nil {
		return nil, err
	}

	internalKey, err := UnspendableInternalKey()
	if err != nil {
		return nil, err
	}

	leaf := txscript.NewBaseTapLeaf(script)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	merkleRoot := tree.RootNode.TapHash()

	outputKey := txscript.ComputeTaprootOutputKey(internalKey, merkleRoot[:])

	ctrlBlock := tree.LeafMerkleProofs[0].ToControlBlock(internalKey)
	ctrlBlockBytes, err := ctrlBlock.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: control block serialization: %v", ErrScriptConstruction, err)
	}

	return &CommitteeScript{
		Script:       script,
		InternalKey:  internalKey,
		OutputKey:    outputKey,
		MerkleRoot:   merkleRoot,
		ControlBlock: ctrlBlockBytes,
	}, nil
}
