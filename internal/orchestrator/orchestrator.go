// Package orchestrator drives one bridge round: directory fetch,
// calibration, script construction, optional handover, peg-out, and
// submission to the node RPC, per spec.md §4.7. It does not build or submit
// the peg-in transaction; the UTXO that a peg-in creates is added to the pool
// through Pool().Add.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/klingon-exchange/btc-federation/internal/commscript"
	"github.com/klingon-exchange/btc-federation/internal/committee"
	"github.com/klingon-exchange/btc-federation/internal/config"
	"github.com/klingon-exchange/btc-federation/internal/directory"
	"github.com/klingon-exchange/btc-federation/internal/planner"
	"github.com/klingon-exchange/btc-federation/internal/rpcclient"
	"github.com/klingon-exchange/btc-federation/internal/sighash"
	"github.com/klingon-exchange/btc-federation/internal/signer"
	"github.com/klingon-exchange/btc-federation/internal/witness"
	"github.com/klingon-exchange/btc-federation/pkg/logging"
)

var (
	// ErrRpcFailure wraps any node RPC failure (wallet, sign, broadcast, test-accept).
	ErrRpcFailure = errors.New("node rpc failure")
	// ErrMempoolRejected is returned when testmempoolaccept reports
	// allowed=false for any candidate in the round's batch.
	ErrMempoolRejected = errors.New("mempool rejected a candidate")
)

// Orchestrator drives bridge rounds. It owns the UtxoPool and is the only
// component that touches it within a round.
type Orchestrator struct {
	cfg       *config.Config
	directory *directory.Client
	rpc       *rpcclient.Client
	pool      *planner.UtxoPool
	log       *logging.Logger
}

// New constructs an Orchestrator from its collaborators.
func New(cfg *config.Config, dir *directory.Client, rpc *rpcclient.Client) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		directory: dir,
		rpc:       rpc,
		pool:      planner.NewUtxoPool(nil),
		log:       logging.GetDefault().Component("orchestrator"),
	}
}

// candidateSet tracks every unsigned-then-signed transaction built in a
// round, for the diagnostic dump on abort and for the final ordered
// admission-test/broadcast batch.
type candidateSet struct {
	labels []string
	txs    []*wire.MsgTx
}

func (c *candidateSet) add(label string, tx *wire.MsgTx) {
	c.labels = append(c.labels, label)
	c.txs = append(c.txs, tx)
}

// dump logs the hex of every candidate built so far, at Error level, so an
// operator can reproduce a failed round out-of-band. Per spec.md §7, this is
// the only diagnostic the Orchestrator performs on abort — no retries, no
// alternate choices.
func (c *candidateSet) dump(log *logging.Logger, roundID uuid.UUID) {
	for i, tx := range c.txs {
		var buf []byte
		if raw, err := serializeTx(tx); err == nil {
			buf = raw
		}
		log.Error("round aborted, dumping candidate", "round_id", roundID.String(), "candidate", c.labels[i], "hex", hex.EncodeToString(buf))
	}
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf []byte
	w := &byteSliceWriter{buf: &buf}
	if err := tx.Serialize(w); err != nil {
		return nil, err
	}
	return buf, nil
}

// byteSliceWriter adapts a growable []byte to io.Writer without importing
// bytes.Buffer, mirroring the minimalism of the rest of this package's I/O.
type byteSliceWriter struct {
	buf *[]byte
}

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// Round holds everything one bridge round needs: the calibrated committee,
// its script, and the validators able to sign on its behalf.
type Round struct {
	ID         uuid.UUID
	Spec       committee.CommitteeSpec
	Script     *commscript.CommitteeScript
	Validators []*signer.Validator
	Entries    []committee.ValidatorEntry
}

// PrepareRound fetches the directory, filters to chain maintainers,
// calibrates weights, and builds the committee script — the first stage of
// spec.md §4.7's control flow.
func (o *Orchestrator) PrepareRound(ctx context.Context, entries []committee.ValidatorEntry) (*Round, error) {
	roundID := uuid.New()
	o.log.Info("preparing round", "round_id", roundID.String())

	maintainers, err := o.directory.FilterMaintainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("round %s: %w", roundID, err)
	}
	maintainerWeight := make(map[string]uint64, len(maintainers))
	for _, m := range maintainers {
		maintainerWeight[m.OperatorAddress] = m.Weight
	}

	// Join: the directory is authoritative for weight, the caller-supplied
	// entry is authoritative for the locally held secret key. An entry whose
	// address the directory doesn't report as a chain maintainer is dropped.
	var active []committee.ValidatorEntry
	for _, e := range entries {
		weight, ok := maintainerWeight[e.OperatorAddress]
		if !ok {
			continue
		}
		active = append(active, committee.NewValidatorEntry(e.OperatorAddress, weight, e.SecretKey()))
	}

	spec, err := committee.Calibrate(active)
	if err != nil {
		return nil, fmt.Errorf("round %s: %w", roundID, err)
	}

	cs, err := commscript.Build(spec)
	if err != nil {
		return nil, fmt.Errorf("round %s: %w", roundID, err)
	}

	validators := make([]*signer.Validator, len(active))
	for i, e := range active {
		validators[i] = signer.NewValidator(e.OperatorAddress, e.SecretKey())
	}

	o.log.Info("committee calibrated", "round_id", roundID.String(), "members", len(spec.Members), "threshold", spec.Threshold)

	return &Round{ID: roundID, Spec: spec, Script: cs, Validators: validators, Entries: active}, nil
}

// collectSignatures sighashes cand against leafScript and has every
// validator sign every input, producing a fully populated SignatureMatrix.
// In production some validators would be unreachable and return nothing;
// this engine models signer absence as a slot the caller simply never sets.
func (o *Orchestrator) collectSignatures(round *Round, cand sighash.CandidateTx) (*witness.SignatureMatrix, [][32]byte, error) {
	hashes, err := sighash.ComputeAll(cand, round.Script.Script)
	if err != nil {
		return nil, nil, err
	}

	matrix := witness.NewSignatureMatrix(len(cand.Tx.TxIn), len(round.Validators))
	for vi, v := range round.Validators {
		sigs, err := v.SignAll(hashes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: validator %s: %v", ErrRpcFailure, v.OperatorAddress, err)
		}
		for ii, sig := range sigs {
			matrix.Set(ii, vi, sig)
		}
	}

	return matrix, hashes, nil
}

// finalizeCandidate sighashes, collects signatures, and finalises the
// witness for a single candidate transaction spent from round's committee
// script.
func (o *Orchestrator) finalizeCandidate(round *Round, tx *wire.MsgTx, prevouts []*wire.TxOut) error {
	cand := sighash.CandidateTx{Tx: tx, Prevouts: prevouts}
	matrix, _, err := o.collectSignatures(round, cand)
	if err != nil {
		return err
	}

	weights := make([]int32, len(round.Spec.Members))
	for i, m := range round.Spec.Members {
		weights[i] = m.Weight
	}
	for i := range tx.TxIn {
		o.log.Debugf("round %s input %d accumulated weight %d (threshold %d)", round.ID, i, matrix.Weight(i, weights), round.Spec.Threshold)
	}

	return witness.Finalize(tx, matrix, round.Script, len(round.Validators))
}

// RunHandover produces and finalises a handover batch migrating the pool
// from round's committee script to newScript, per spec.md §4.5/§4.7 step 3.
// Once every chunk is finalised, the handover outputs replace the pool, keyed
// by each chunk's txid (the txid does not cover witness data, so it is fixed
// before broadcast).
func (o *Orchestrator) RunHandover(ctx context.Context, round *Round, newScript *commscript.CommitteeScript, candidates *candidateSet) ([]*wire.MsgTx, error) {
	plan, err := planner.PlanHandover(
		o.pool,
		len(round.Validators),
		newScript.ScriptPubKey(),
		o.cfg.Handover.MaxOutputsPerTx,
		o.cfg.Handover.MaxTxSizeBytes,
		o.cfg.Fee.DefaultFeeRateSatPerVByte*uint64(o.cfg.Fee.OutputSize),
		o.cfg.Fee.DustLimitSats,
		o.cfg.Fee,
	)
	if err != nil {
		return nil, fmt.Errorf("round %s: handover: %w", round.ID, err)
	}

	txs := make([]*wire.MsgTx, 0, len(plan.Chunks))
	for i, chunk := range plan.Chunks {
		if err := o.finalizeCandidate(round, chunk.Tx, chunk.Prevouts); err != nil {
			return nil, fmt.Errorf("round %s: handover chunk %d: %w", round.ID, i, err)
		}
		candidates.add(fmt.Sprintf("handover[%d]", i), chunk.Tx)
		txs = append(txs, chunk.Tx)
	}

	newEntries := make([]planner.Utxo, 0, len(plan.NewPool))
	for _, tx := range txs {
		txid := tx.TxHash()
		for vout, out := range tx.TxOut {
			newEntries = append(newEntries, planner.Utxo{OutPoint: wire.OutPoint{Hash: txid, Index: uint32(vout)}, TxOut: out})
		}
	}
	o.pool.Replace(newEntries)

	return txs, nil
}

// RunPegOut produces and finalises one peg-out transaction paying payouts
// from round's committee script, changing back to the committee's own
// output, per spec.md §4.5/§4.7 step 4.
func (o *Orchestrator) RunPegOut(ctx context.Context, round *Round, payouts []planner.Payout, candidates *candidateSet) (*wire.MsgTx, error) {
	plan, err := planner.PegOut(o.pool, payouts, o.cfg.Fee.DefaultFeeRateSatPerVByte, round.Script.ScriptPubKey(), o.cfg.Fee)
	if err != nil {
		return nil, fmt.Errorf("round %s: peg-out: %w", round.ID, err)
	}

	if err := o.finalizeCandidate(round, plan.Tx, plan.Prevouts); err != nil {
		return nil, fmt.Errorf("round %s: peg-out: %w", round.ID, err)
	}
	candidates.add("peg-out", plan.Tx)

	return plan.Tx, nil
}

// SubmitBatch tests every candidate for mempool admission, in the order they
// were added to candidates (RunHandover's chunks and RunPegOut's transaction,
// in call order). The peg-in transaction is not part of the set: a
// candidateSet can only be filled by RunHandover and RunPegOut. Broadcast and block generation happen only after every candidate is
// admitted — no partial on-chain state is ever created by a partial
// rejection.
func (o *Orchestrator) SubmitBatch(ctx context.Context, round *Round, candidates *candidateSet) error {
	hexes := make([]string, len(candidates.txs))
	for i, tx := range candidates.txs {
		raw, err := serializeTx(tx)
		if err != nil {
			return fmt.Errorf("%w: serializing %s: %v", ErrRpcFailure, candidates.labels[i], err)
		}
		hexes[i] = hex.EncodeToString(raw)
	}

	results, err := o.rpc.TestMempoolAccept(ctx, hexes)
	if err != nil {
		candidates.dump(o.log, round.ID)
		return fmt.Errorf("%w: testmempoolaccept: %v", ErrRpcFailure, err)
	}

	for i, r := range results {
		if !r.Allowed {
			candidates.dump(o.log, round.ID)
			return fmt.Errorf("round %s: %w: %s rejected: %s", round.ID, ErrMempoolRejected, candidates.labels[i], r.RejectReason)
		}
	}

	for i, hexTx := range hexes {
		if _, err := o.rpc.SendRawTransaction(ctx, hexTx); err != nil {
			candidates.dump(o.log, round.ID)
			return fmt.Errorf("%w: broadcasting %s: %v", ErrRpcFailure, candidates.labels[i], err)
		}
	}

	o.log.Info("round submitted", "round_id", round.ID.String(), "candidates", len(candidates.txs))
	return nil
}

// NewCandidateSet exposes a fresh candidateSet to callers assembling a round.
func NewCandidateSet() *candidateSet {
	return &candidateSet{}
}

// Pool returns the Orchestrator's UTXO pool, for callers seeding or
// inspecting it directly (e.g. after observing a confirmed peg-in).
func (o *Orchestrator) Pool() *planner.UtxoPool {
	return o.pool
}
