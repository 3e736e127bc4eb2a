// Package committee compresses raw validator voting power into the
// script-legal integers the Script Builder can emit, and carries the
// ordered committee spec those scripts are a pure function of.
package committee

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ScriptMaxInt is the maximum value representable by Bitcoin Script's
// 32-bit signed numeric encoding (2^31 - 1).
const ScriptMaxInt = 1<<31 - 1

var (
	// ErrCalibrationImpossible is returned when the raw weight total is zero:
	// no shift can produce a meaningful threshold.
	ErrCalibrationImpossible = errors.New("calibration impossible: zero total weight")
	// ErrEmptyCommittee is returned when no validator entries are supplied.
	ErrEmptyCommittee = errors.New("committee: no validator entries")
)

// ValidatorEntry is one member of the committee as fetched from the
// directory, with its locally held secret key attached. Weight is mutated
// in place by Calibrate (right-shift only); every other field is set once
// at directory load and never rotated within a round.
type ValidatorEntry struct {
	OperatorAddress string
	Weight          uint64
	secretKey       *btcec.PrivateKey
}

// NewValidatorEntry constructs an entry from a directory-reported weight and
// a locally held secret. secretKey may be nil, but such an entry carries no
// public key: PubKey panics on it, so Calibrate cannot include it.
func NewValidatorEntry(operatorAddress string, weight uint64, secretKey *btcec.PrivateKey) ValidatorEntry {
	return ValidatorEntry{OperatorAddress: operatorAddress, Weight: weight, secretKey: secretKey}
}

// PubKey returns the entry's deterministic X-only public key, derived from
// its secret-key handle. Panics if the entry holds no secret key: an entry
// without one cannot participate in a local CommitteeSpec derivation.
func (v ValidatorEntry) PubKey() *btcec.PublicKey {
	if v.secretKey == nil {
		panic("committee: ValidatorEntry has no secret key handle")
	}
	return v.secretKey.PubKey()
}

// SecretKey returns the entry's held secret key, or nil if this process does
// not sign on this validator's behalf.
func (v ValidatorEntry) SecretKey() *btcec.PrivateKey {
	return v.secretKey
}

// Member is one (X-only public key, weight) pair in a CommitteeSpec.
type Member struct {
	PubKey *btcec.PublicKey
	Weight int32
}

// XOnlyPubKey returns the 32-byte x-only serialization used in the Tapscript.
func (m Member) XOnlyPubKey() []byte {
	return schnorr.SerializePubKey(m.PubKey)
}

// CommitteeSpec is the ordered sequence of committee members plus the single
// threshold integer, as spec.md §3 defines it. Order is significant and must
// never be re-sorted once constructed — Script Builder, Witness Finaliser,
// and Validator Signer collection all depend on the same ordering.
type CommitteeSpec struct {
	Members   []Member
	Threshold int32
}

// SumWeights returns the sum of every member's calibrated weight.
func (c CommitteeSpec) SumWeights() int64 {
	var sum int64
	for _, m := range c.Members {
		sum += int64(m.Weight)
	}
	return sum
}

// Calibrate compresses a committee's raw (directory-reported) weights into
// script-legal 32-bit integers and computes the two-thirds threshold,
// per spec.md §4.2:
//
//	threshold = floor(sum(weights)/3) * 2
//	while threshold > 2^31-1: right-shift every weight by one; recompute.
//
// Entries are calibrated in place; weight that reaches zero under shifting
// stays zero and keeps its committee slot (see spec.md §4.2 edge cases — a
// zero-weight member's public key still occupies an ordered slot because the
// witness layout depends on a fixed committee size).
func Calibrate(entries []ValidatorEntry) (CommitteeSpec, error) {
	if len(entries) == 0 {
		return CommitteeSpec{}, ErrEmptyCommittee
	}

	weights := make([]uint64, len(entries))
	for i, e := range entries {
		weights[i] = e.Weight
	}

	var sum uint64
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		return CommitteeSpec{}, ErrCalibrationImpossible
	}

	threshold := (sum / 3) * 2
	for threshold > ScriptMaxInt {
		for i := range weights {
			weights[i] >>= 1
		}
		var newSum uint64
		for _, w := range weights {
			newSum += w
		}
		threshold = (newSum / 3) * 2
	}

	for _, w := range weights {
		if w > ScriptMaxInt {
			return CommitteeSpec{}, fmt.Errorf("committee: calibrated weight %d exceeds script maximum after shifting", w)
		}
	}

	members := make([]Member, len(entries))
	for i, e := range entries {
		members[i] = Member{PubKey: e.PubKey(), Weight: int32(weights[i])}
		entries[i].Weight = weights[i]
	}

	return CommitteeSpec{Members: members, Threshold: int32(threshold)}, nil
}
