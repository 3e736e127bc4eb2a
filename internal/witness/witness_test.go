package witness

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btc-federation/internal/commscript"
	"github.com/klingon-exchange/btc-federation/internal/committee"
	"github.com/klingon-exchange/btc-federation/internal/reftest"
	"github.com/klingon-exchange/btc-federation/internal/sighash"
)

// threeMemberFixture builds the S1/S3/S4 committee: three equal-weight
// members, threshold 2.
func threeMemberFixture(t *testing.T) ([]*btcec.PrivateKey, *commscript.CommitteeScript, committee.CommitteeSpec) {
	t.Helper()
	sks := make([]*btcec.PrivateKey, 3)
	members := make([]committee.Member, 3)
	for i := range sks {
		sk, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		sks[i] = sk
		members[i] = committee.Member{PubKey: sk.PubKey(), Weight: 1}
	}
	spec := committee.CommitteeSpec{Members: members, Threshold: 2}
	cs, err := commscript.Build(spec)
	if err != nil {
		t.Fatalf("unexpected error building script: %v", err)
	}
	return sks, cs, spec
}

func candidateSpendingCustody(cs *commscript.CommitteeScript) (*wire.MsgTx, []*wire.TxOut) {
	prevOut := &wire.TxOut{Value: 100_000, PkScript: cs.ScriptPubKey()}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, cs.ScriptPubKey()))
	return tx, []*wire.TxOut{prevOut}
}

// TestFinalize_S3 exercises spec.md §8 S3: every witness slot empty ⇒ the
// accumulator reaches 0, 0 >= 2 is false, the reference interpreter rejects
// cleanly (not an abort on an invalid signature).
func TestFinalize_S3(t *testing.T) {
	_, cs, spec := threeMemberFixture(t)
	tx, prevouts := candidateSpendingCustody(cs)

	matrix := NewSignatureMatrix(1, len(spec.Members))
	if err := Finalize(tx, matrix, cs, len(spec.Members)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := reftest.VerifyInput(tx, 0, prevouts); err == nil {
		t.Fatal("expected script evaluation to reject an all-empty witness, got accept")
	}
}

// TestFinalize_S4 exercises spec.md §8 S4: members 1 and 3 sign (index 0 and
// 2), member 2 (index 1) is absent; accumulated weight is 1+0+1=2, meeting
// threshold 2, so the reference interpreter accepts.
func TestFinalize_S4(t *testing.T) {
	sks, cs, spec := threeMemberFixture(t)
	tx, prevouts := candidateSpendingCustody(cs)

	cand := sighash.CandidateTx{Tx: tx, Prevouts: prevouts}
	hashes, err := sighash.ComputeAll(cand, cs.Script)
	if err != nil {
		t.Fatalf("unexpected sighash error: %v", err)
	}

	matrix := NewSignatureMatrix(1, len(spec.Members))
	for _, idx := range []int{0, 2} {
		sig, err := schnorr.Sign(sks[idx], hashes[0][:])
		if err != nil {
			t.Fatalf("unexpected signing error: %v", err)
		}
		matrix.Set(0, idx, sig.Serialize())
	}

	if err := Finalize(tx, matrix, cs, len(spec.Members)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := reftest.VerifyInput(tx, 0, prevouts); err != nil {
		t.Fatalf("expected script evaluation to accept a threshold-meeting witness, got: %v", err)
	}
}

func TestFinalize_WitnessShape(t *testing.T) {
	_, cs, spec := threeMemberFixture(t)
	tx, _ := candidateSpendingCustody(cs)

	matrix := NewSignatureMatrix(1, len(spec.Members))
	if err := Finalize(tx, matrix, cs, len(spec.Members)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := len(spec.Members) + 2
	if got := len(tx.TxIn[0].Witness); got != want {
		t.Errorf("witness has %d elements, want %d", got, want)
	}
}

func TestSignatureMatrix_Weight(t *testing.T) {
	_, _, spec := threeMemberFixture(t)
	weights := make([]int32, len(spec.Members))
	for i, m := range spec.Members {
		weights[i] = m.Weight
	}

	matrix := NewSignatureMatrix(1, len(spec.Members))
	matrix.Set(0, 0, []byte{1}) // present, non-empty placeholder
	matrix.Set(0, 1, []byte{})  // absent
	matrix.Set(0, 2, []byte{1}) // present

	if got, want := matrix.Weight(0, weights), int64(2); got != want {
		t.Errorf("accumulated weight = %d, want %d", got, want)
	}
}

func TestFinalize_ShapeMismatch(t *testing.T) {
	_, cs, spec := threeMemberFixture(t)
	tx, _ := candidateSpendingCustody(cs)

	matrix := NewSignatureMatrix(2, len(spec.Members)) // wrong input count
	if err := Finalize(tx, matrix, cs, len(spec.Members)); err == nil {
		t.Fatal("expected a shape-mismatch error, got nil")
	}
}
