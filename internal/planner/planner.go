// Package planner selects UTXOs for a peg-out transaction and chunks the
// custody pool into handover transactions, per spec.md §4.5.
package planner

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/btc-federation/internal/config"
)

var (
	// ErrPoolExhausted is returned by PegOut when the pool empties before
	// the payout-plus-fee goal is met.
	ErrPoolExhausted = errors.New("planner: pool exhausted before goal met")
	// ErrFeeInsolvent is returned by PlanHandover when no output across the
	// round clears fee + dust.
	ErrFeeInsolvent = errors.New("planner: no handover output clears fee and dust")
)

// Utxo is a previous-output reference plus its full previous TxOut, per
// spec.md §3. The TxOut is required to compute Taproot sighashes later.
type Utxo struct {
	OutPoint wire.OutPoint
	TxOut    *wire.TxOut
}

// UtxoPool is the Orchestrator-owned mutable set of UTXOs presumed spendable
// under the active committee script. No two entries share an outpoint;
// PegOut removes the entries it consumes, and a handover replaces the whole
// pool with its outputs (Replace). The pool is never persisted across runs.
type UtxoPool struct {
	entries []Utxo
}

// NewUtxoPool constructs a pool from an initial UTXO set.
func NewUtxoPool(initial []Utxo) *UtxoPool {
	p := &UtxoPool{entries: make([]Utxo, len(initial))}
	copy(p.entries, initial)
	return p
}

// Add appends a newly observed UTXO to the pool.
func (p *UtxoPool) Add(u Utxo) {
	p.entries = append(p.entries, u)
}

// Len returns the number of UTXOs currently in the pool.
func (p *UtxoPool) Len() int {
	return len(p.entries)
}

// Snapshot returns a copy of the pool's current entries, for inspection.
func (p *UtxoPool) Snapshot() []Utxo {
	out := make([]Utxo, len(p.entries))
	copy(out, p.entries)
	return out
}

// pop removes and returns the most recently added UTXO (LIFO, acceptable per
// spec.md §4.5 step 3 — "last-in-first-out is acceptable").
func (p *UtxoPool) pop() (Utxo, bool) {
	if len(p.entries) == 0 {
		return Utxo{}, false
	}
	last := p.entries[len(p.entries)-1]
	p.entries = p.entries[:len(p.entries)-1]
	return last, true
}

// Replace empties the pool and installs a new set of entries — the handover
// outputs taking over custody from the old committee script.
func (p *UtxoPool) Replace(newEntries []Utxo) {
	p.entries = make([]Utxo, len(newEntries))
	copy(p.entries, newEntries)
}

// Payout is one requested peg-out destination: an amount and a recipient
// scriptPubKey.
type Payout struct {
	NetPayout      uint64
	ReceiverScript []byte
}

// PegOutPlan is the result of PegOut: the unsigned transaction, the
// previous TxOut of each consumed input (in the same order, required by the
// Sighash Engine), and the consumed UTXOs (for bookkeeping/logging).
type PegOutPlan struct {
	Tx       *wire.MsgTx
	Prevouts []*wire.TxOut
	Consumed []Utxo
}

// inputVbytes estimates the incremental virtual size one committee P2TR
// input adds to a transaction: the non-witness portion (counted at weight 4)
// plus one signature's worth of witness bytes (counted at weight 1),
// rounded up to whole vbytes. With the default FeeConfig (SigSize=64,
// FixedInputOverhead=42) this evaluates to 58 vbytes, matching the
// committee's own historical ~58-vbyte P2TR input estimate.
func inputVbytes(fee config.FeeConfig) uint64 {
	weightUnits := uint64(fee.FixedInputOverhead)*4 + uint64(fee.SigSize)
	return (weightUnits + 3) / 4
}

// PegOut performs greedy UTXO selection for a peg-out transaction, per
// spec.md §4.5:
//
//  1. Materialise the output list with exactly the payout amounts and
//     recipient scripts.
//  2. goal = sum(net_payout); collected = 0; inputs empty.
//  3. Repeat while collected < goal: pop one UTXO (LIFO); append an input
//     consuming it; collected += utxo.amount; goal += fee_rate *
//     ceil_vbytes(one input's incremental size).
//  4. If the pool empties before goal is met, fail with ErrPoolExhausted.
//  5. Append a change output for collected - goal back to changeScript.
func PegOut(pool *UtxoPool, payouts []Payout, feeRate uint64, changeScript []byte, fee config.FeeConfig) (*PegOutPlan, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	var goal uint64
	for _, p := range payouts {
		tx.AddTxOut(wire.NewTxOut(int64(p.NetPayout), p.ReceiverScript))
		goal += p.NetPayout
	}

	var collected uint64
	var prevouts []*wire.TxOut
	var consumed []Utxo
	perInputFee := feeRate * inputVbytes(fee)

	for collected < goal {
		u, ok := pool.pop()
		if !ok {
			return nil, fmt.Errorf("%w: need %d, collected %d", ErrPoolExhausted, goal, collected)
		}
		tx.AddTxIn(wire.NewTxIn(&u.OutPoint, nil, nil))
		prevouts = append(prevouts, u.TxOut)
		consumed = append(consumed, u)
		collected += uint64(u.TxOut.Value)
		goal += perInputFee
	}

	changeAmount := collected - goal
	tx.AddTxOut(wire.NewTxOut(int64(changeAmount), changeScript))

	return &PegOutPlan{Tx: tx, Prevouts: prevouts, Consumed: consumed}, nil
}

// HandoverChunk is one transaction of a handover round: the unsigned
// transaction, its input previous-TxOuts (old committee script-pubkey,
// same value, every input), and the grouped old UTXOs it consumes.
type HandoverChunk struct {
	Tx       *wire.MsgTx
	Prevouts []*wire.TxOut
	Consumed [][]Utxo // one group of old UTXOs per new output
}

// HandoverPlan is the full set of chunks produced by one handover round,
// plus the new UTXOs the round creates.
type HandoverPlan struct {
	Chunks  []HandoverChunk
	NewPool []Utxo // OutPoint left unset; TxOut/amount only
}

// PlanHandover chunks the custody pool into handover transactions migrating
// funds from the old committee script to newScriptPubKey, per spec.md §4.5:
//
//   - fan_in = max(1, pool_size / maxOutputs): how many old UTXOs collapse
//     into one new output.
//   - assumedInputSize = fee.HandoverInputSize(committeeSize), an upper
//     bound assuming every member signs.
//   - maxOutputsPerTx = maxTxSize / (fan_in*assumedInputSize + outputSize).
//   - Partition the pool into groups of fan_in (each group becomes one new
//     output summing the group's amounts); partition the groups into chunks
//     of maxOutputsPerTx (each chunk becomes one transaction).
//   - Exactly one output across the entire round has feeSats subtracted —
//     the first output whose amount exceeds feeSats+dustLimit. If none
//     exists, the round fails with ErrFeeInsolvent.
func PlanHandover(
	pool *UtxoPool,
	committeeSize int,
	newScriptPubKey []byte,
	maxOutputs int,
	maxTxSize int,
	feeSats uint64,
	dustLimit uint64,
	fee config.FeeConfig,
) (*HandoverPlan, error) {
	entries := pool.Snapshot()
	if len(entries) == 0 {
		return &HandoverPlan{}, nil
	}

	fanIn := len(entries) / maxOutputs
	if fanIn < 1 {
		fanIn = 1
	}

	assumedInputSize := fee.HandoverInputSize(committeeSize)
	maxOutputsPerTx := maxTxSize / (fanIn*assumedInputSize + fee.OutputSize)
	if maxOutputsPerTx < 1 {
		maxOutputsPerTx = 1
	}

	groups := groupUtxos(entries, fanIn)

	type newOutput struct {
		amount uint64
		group  []Utxo
	}
	outputs := make([]newOutput, len(groups))
	for i, g := range groups {
		var sum uint64
		for _, u := range g {
			sum += uint64(u.TxOut.Value)
		}
		outputs[i] = newOutput{amount: sum, group: g}
	}

	feeApplied := false
	for i := range outputs {
		if !feeApplied && outputs[i].amount > feeSats+dustLimit {
			outputs[i].amount -= feeSats
			feeApplied = true
		}
	}
	if !feeApplied {
		return nil, ErrFeeInsolvent
	}

	var chunks []HandoverChunk
	var newPool []Utxo
	for start := 0; start < len(outputs); start += maxOutputsPerTx {
		end := start + maxOutputsPerTx
		if end > len(outputs) {
			end = len(outputs)
		}
		chunkOutputs := outputs[start:end]

		tx := wire.NewMsgTx(wire.TxVersion)
		var prevouts []*wire.TxOut
		var consumed [][]Utxo
		for _, out := range chunkOutputs {
			for _, u := range out.group {
				tx.AddTxIn(wire.NewTxIn(&u.OutPoint, nil, nil))
				prevouts = append(prevouts, u.TxOut)
			}
			consumed = append(consumed, out.group)
			txOut := wire.NewTxOut(int64(out.amount), newScriptPubKey)
			tx.AddTxOut(txOut)
			newPool = append(newPool, Utxo{TxOut: txOut})
		}

		chunks = append(chunks, HandoverChunk{Tx: tx, Prevouts: prevouts, Consumed: consumed})
	}

	return &HandoverPlan{Chunks: chunks, NewPool: newPool}, nil
}

// groupUtxos partitions entries into consecutive groups of size fanIn. The
// final group may be smaller if len(entries) is not a multiple of fanIn.
func groupUtxos(entries []Utxo, fanIn int) [][]Utxo {
	var groups [][]Utxo
	for start := 0; start < len(entries); start += fanIn {
		end := start + fanIn
		if end > len(entries) {
			end = len(entries)
		}
		groups = append(groups, entries[start:end])
	}
	return groups
}
