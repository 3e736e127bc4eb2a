package commscript

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/btc-federation/internal/committee"
)

func fixedKeys(t *testing.T, n int) []*btcec.PublicKey {
	t.Helper()
	keys := make([]*btcec.PublicKey, n)
	for i := 0; i < n; i++ {
		sk, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		keys[i] = sk.PubKey()
	}
	return keys
}

// TestBuildScript_S1 asserts the S1 fixture shape from spec.md §8: for three
// equal-weight members and threshold 2, the script is exactly
// 00 SWAP <K1> CHECKSIG IF 01 ELSE 00 ENDIF ADD SWAP <K2> CHECKSIG IF 01 ELSE 00 ENDIF ADD
// SWAP <K3> CHECKSIG IF 01 ELSE 00 ENDIF ADD 02 GREATERTHANOREQUAL.
func TestBuildScript_S1(t *testing.T) {
	keys := fixedKeys(t, 3)
	spec := committee.CommitteeSpec{
		Members: []committee.Member{
			{PubKey: keys[0], Weight: 1},
			{PubKey: keys[1], Weight: 1},
			{PubKey: keys[2], Weight: 1},
		},
		Threshold: 2,
	}

	script, err := BuildScript(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := buildExpectedS1(t, keys)
	if string(script) != string(want) {
		t.Fatalf("script bytes mismatch:\ngot:  %x\nwant: %x", script, want)
	}
}

func buildExpectedS1(t *testing.T, keys []*btcec.PublicKey) []byte {
	t.Helper()
	b := txscript.NewScriptBuilder()
	b.AddInt64(0)
	for _, k := range keys {
		b.AddOp(txscript.OP_SWAP)
		b.AddData(schnorr.SerializePubKey(k))
		b.AddOp(txscript.OP_CHECKSIG)
		b.AddOp(txscript.OP_IF)
		b.AddInt64(1)
		b.AddOp(txscript.OP_ELSE)
		b.AddInt64(0)
		b.AddOp(txscript.OP_ENDIF)
		b.AddOp(txscript.OP_ADD)
	}
	b.AddInt64(2)
	b.AddOp(txscript.OP_GREATERTHANOREQUAL)
	script, err := b.Script()
	if err != nil {
		t.Fatalf("failed to build expected script: %v", err)
	}
	return script
}

func TestBuildScript_Purity(t *testing.T) {
	keys := fixedKeys(t, 2)
	spec := committee.CommitteeSpec{
		Members: []committee.Member{
			{PubKey: keys[0], Weight: 3},
			{PubKey: keys[1], Weight: 4},
		},
		Threshold: 5,
	}

	a, err := Build(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Build(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(a.Script) != string(b.Script) {
		t.Error("equal specs produced different script bytes")
	}
	if !a.OutputKey.IsEqual(b.OutputKey) {
		t.Error("equal specs produced different P2TR output keys")
	}
}

func TestValidate(t *testing.T) {
	keys := fixedKeys(t, 1)

	tests := []struct {
		name        string
		spec        committee.CommitteeSpec
		wantErr     bool
		errContains string
	}{
		{
			name: "valid",
			spec: committee.CommitteeSpec{
				Members:   []committee.Member{{PubKey: keys[0], Weight: 1}},
				Threshold: 1,
			},
		},
		{
			name:        "no members",
			spec:        committee.CommitteeSpec{Threshold: 0},
			wantErr:     true,
			errContains: "no members",
		},
		{
			name: "threshold exceeds sum",
			spec: committee.CommitteeSpec{
				Members:   []committee.Member{{PubKey: keys[0], Weight: 1}},
				Threshold: 2,
			},
			wantErr:     true,
			errContains: "exceeds sum",
		},
		{
			name: "negative weight",
			spec: committee.CommitteeSpec{
				Members:   []committee.Member{{PubKey: keys[0], Weight: -1}},
				Threshold: 0,
			},
			wantErr:     true,
			errContains: "out of range",
		},
		{
			name: "negative threshold",
			spec: committee.CommitteeSpec{
				Members:   []committee.Member{{PubKey: keys[0], Weight: 1}},
				Threshold: -1,
			},
			wantErr:     true,
			errContains: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %q, should contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestUnspendableInternalKey(t *testing.T) {
	key, err := UnspendableInternalKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key == nil {
		t.Fatal("expected a non-nil key")
	}
	// The derivation must be deterministic.
	again, err := UnspendableInternalKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !key.IsEqual(again) {
		t.Error("UnspendableInternalKey is not deterministic")
	}
}
