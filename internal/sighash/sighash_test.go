package sighash

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btc-federation/internal/commscript"
	"github.com/klingon-exchange/btc-federation/internal/committee"
)

func oneMemberScript(t *testing.T) *commscript.CommitteeScript {
	t.Helper()
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	spec := committee.CommitteeSpec{
		Members:   []committee.Member{{PubKey: sk.PubKey(), Weight: 1}},
		Threshold: 1,
	}
	cs, err := commscript.Build(spec)
	if err != nil {
		t.Fatalf("unexpected error building script: %v", err)
	}
	return cs
}

func twoInputCandidate(cs *commscript.CommitteeScript) CandidateTx {
	prevouts := []*wire.TxOut{
		{Value: 50_000, PkScript: cs.ScriptPubKey()},
		{Value: 60_000, PkScript: cs.ScriptPubKey()},
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(100_000, cs.ScriptPubKey()))
	return CandidateTx{Tx: tx, Prevouts: prevouts}
}

// TestComputeAll_InputCount checks one sighash per input is returned, and
// that the two inputs' sighashes differ.
func TestComputeAll_InputCount(t *testing.T) {
	cs := oneMemberScript(t)
	cand := twoInputCandidate(cs)

	hashes, err := ComputeAll(cand, cs.Script)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hashes) != len(cand.Tx.TxIn) {
		t.Fatalf("got %d sighashes, want %d", len(hashes), len(cand.Tx.TxIn))
	}
	if hashes[0] == hashes[1] {
		t.Error("sighashes for two distinct inputs must not collide")
	}
}

// TestComputeAll_Deterministic exercises Testable Property 4: repeated
// calls on a structurally equal CandidateTx yield identical hashes.
func TestComputeAll_Deterministic(t *testing.T) {
	cs := oneMemberScript(t)
	cand := twoInputCandidate(cs)

	a, err := ComputeAll(cand, cs.Script)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := ComputeAll(cand, cs.Script)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("got %d and %d sighashes on repeated calls", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("sighash %d differs across repeated calls", i)
		}
	}
}

func TestComputeAll_PrevoutCountMismatch(t *testing.T) {
	cs := oneMemberScript(t)
	cand := twoInputCandidate(cs)
	cand.Prevouts = cand.Prevouts[:1]

	if _, err := ComputeAll(cand, cs.Script); err == nil {
		t.Fatal("expected an error on mismatched prevout/input counts, got nil")
	}
}
