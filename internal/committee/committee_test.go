package committee

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func newEntryWithWeight(t *testing.T, addr string, weight uint64) ValidatorEntry {
	t.Helper()
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return NewValidatorEntry(addr, weight, sk)
}

func TestCalibrate(t *testing.T) {
	tests := []struct {
		name          string
		weights       []uint64
		wantErr       bool
		errContains   string
		wantWeights   []int32
		wantThreshold int32
	}{
		{
			name:          "no shift needed",
			weights:       []uint64{1, 1, 1},
			wantWeights:   []int32{1, 1, 1},
			wantThreshold: 2,
		},
		{
			name:        "S2 calibration overflow",
			weights:     []uint64{1 << 30, 1 << 30, 1 << 30},
			wantWeights: []int32{1 << 29, 1 << 29, 1 << 29},
			// one shift: weights become [2^29,2^29,2^29], threshold 2^30
			wantThreshold: 1 << 30,
		},
		{
			name:        "zero total weight is impossible",
			weights:     []uint64{0, 0, 0},
			wantErr:     true,
			errContains: "impossible",
		},
		{
			name:          "zero-weight member keeps its slot",
			weights:       []uint64{0, 3, 0},
			wantWeights:   []int32{0, 3, 0},
			wantThreshold: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := make([]ValidatorEntry, len(tt.weights))
			for i, w := range tt.weights {
				entries[i] = newEntryWithWeight(t, "validator", w)
			}

			spec, err := Calibrate(entries)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !contains(err.Error(), tt.errContains) {
					t.Errorf("error = %q, should contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(spec.Members) != len(tt.wantWeights) {
				t.Fatalf("got %d members, want %d", len(spec.Members), len(tt.wantWeights))
			}
			for i, m := range spec.Members {
				if m.Weight != tt.wantWeights[i] {
					t.Errorf("member %d weight = %d, want %d", i, m.Weight, tt.wantWeights[i])
				}
			}
			if spec.Threshold != tt.wantThreshold {
				t.Errorf("threshold = %d, want %d", spec.Threshold, tt.wantThreshold)
			}

			// Invariant 1 & 2: every pushed integer in [0, 2^31-1], and
			// sum(calibrated) >= threshold.
			if spec.Threshold < 0 || spec.Threshold > ScriptMaxInt {
				t.Errorf("threshold %d out of script range", spec.Threshold)
			}
			if spec.SumWeights() < int64(spec.Threshold) {
				t.Errorf("sum(weights) %d < threshold %d", spec.SumWeights(), spec.Threshold)
			}
		})
	}
}

func TestCalibrateEmptyCommittee(t *testing.T) {
	_, err := Calibrate(nil)
	if err != ErrEmptyCommittee {
		t.Fatalf("err = %v, want %v", err, ErrEmptyCommittee)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
