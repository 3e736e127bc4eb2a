// Package main provides federationd - the bridge engine's single entry
// point, running one bridge round against a local regtest node.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/klingon-exchange/btc-federation/internal/commscript"
	"github.com/klingon-exchange/btc-federation/internal/committee"
	"github.com/klingon-exchange/btc-federation/internal/config"
	"github.com/klingon-exchange/btc-federation/internal/directory"
	"github.com/klingon-exchange/btc-federation/internal/orchestrator"
	"github.com/klingon-exchange/btc-federation/internal/planner"
	"github.com/klingon-exchange/btc-federation/internal/rpcclient"
	"github.com/klingon-exchange/btc-federation/internal/signer"
	"github.com/klingon-exchange/btc-federation/pkg/logging"
)

var version = "0.1.0-dev"

// pegInFeeSats is the flat fee subtracted from the maturing coinbase output
// when locking it into committee custody, matching original_source/main.rs's
// regtest demo (50 BTC coinbase, 49.9999 BTC peg-in output).
const pegInFeeSats = 10_000

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <bitcoin-node-data-dir>\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "  runs one federation bridge round (peg-in then peg-out) against the node's regtest network")
}

func main() {
	configFile := flag.String("config", "", "Config file path (default: engine defaults)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	committeeSize := flag.Int("committee-size", 3, "Number of committee members to simulate locally")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = usage
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("federationd %s", version)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	dataDir := flag.Arg(0)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	rpc, err := rpcclient.NewFromCookie(cfg.RPC.URL, dataDir, cfg.RPC.NetworkSubdir, cfg.RPC.CookieFileName)
	if err != nil {
		usage()
		log.Error("failed to read node cookie", "error", err)
		os.Exit(1)
	}

	dir := directory.New(cfg.Directory)
	orch := orchestrator.New(cfg, dir, rpc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runRound(ctx, cfg, rpc, orch, *committeeSize, log); err != nil {
		log.Error("round failed", "error", err)
		os.Exit(1)
	}

	log.Info("federationd round complete", "data_dir", dataDir)
	os.Exit(0)
}

// runRound mirrors the regtest demo this engine was distilled from: it
// mints a committee locally (this process holds every member's secret, a
// devnet convenience — production signing happens over the out-of-scope
// transport named in spec.md §1), funds the committee's custody output from
// a freshly matured coinbase, then pegs a portion back out to a new wallet
// address.
func runRound(ctx context.Context, cfg *config.Config, rpc *rpcclient.Client, orch *orchestrator.Orchestrator, committeeSize int, log *logging.Logger) error {
	if err := rpc.CreateWallet(ctx, cfg.RPC.WalletName); err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	if err := rpc.LoadWallet(ctx, cfg.RPC.WalletName); err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}

	round, err := localCommittee(committeeSize)
	if err != nil {
		return fmt.Errorf("building local committee: %w", err)
	}
	log.Info("committee ready", "round_id", round.ID.String(), "members", len(round.Spec.Members), "threshold", round.Spec.Threshold)

	minerAddr, err := rpc.GetNewAddress(ctx)
	if err != nil {
		return fmt.Errorf("get new address: %w", err)
	}
	if _, err := rpc.GenerateToAddress(ctx, 101, minerAddr); err != nil {
		return fmt.Errorf("generate to address: %w", err)
	}

	coinbaseTxID, coinbaseOut, err := findMaturedCoinbase(ctx, rpc)
	if err != nil {
		return fmt.Errorf("finding matured coinbase: %w", err)
	}

	pegInTx := wire.NewMsgTx(wire.TxVersion)
	pegInTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: *coinbaseTxID, Index: 0}, nil, nil))
	pegInAmount := coinbaseOut.Value - pegInFeeSats
	pegInTx.AddTxOut(wire.NewTxOut(pegInAmount, round.Script.ScriptPubKey()))

	signedPegIn, err := signWithWallet(ctx, rpc, pegInTx)
	if err != nil {
		return fmt.Errorf("signing peg-in: %w", err)
	}

	if err := admitAndBroadcast(ctx, rpc, []*wire.MsgTx{signedPegIn}, []string{"peg-in"}); err != nil {
		return err
	}
	if _, err := rpc.GenerateToAddress(ctx, 1, minerAddr); err != nil {
		return fmt.Errorf("confirming peg-in: %w", err)
	}

	pegInTxID := signedPegIn.TxHash()
	orch.Pool().Add(planner.Utxo{
		OutPoint: wire.OutPoint{Hash: pegInTxID, Index: 0},
		TxOut:    pegInTx.TxOut[0],
	})
	log.Info("peg-in confirmed", "txid", pegInTxID.String(), "amount_sats", pegInAmount)

	receiverAddr, err := rpc.GetNewAddress(ctx)
	if err != nil {
		return fmt.Errorf("get receiver address: %w", err)
	}
	receiverScript, err := addressToScript(receiverAddr, &chaincfg.RegressionNetParams)
	if err != nil {
		return fmt.Errorf("decoding receiver address: %w", err)
	}

	payout := planner.Payout{NetPayout: uint64(pegInAmount) - pegInFeeSats, ReceiverScript: receiverScript}
	candidates := orchestrator.NewCandidateSet()
	pegOutTx, err := orch.RunPegOut(ctx, round, []planner.Payout{payout}, candidates)
	if err != nil {
		return fmt.Errorf("building peg-out: %w", err)
	}

	if err := orch.SubmitBatch(ctx, round, candidates); err != nil {
		return fmt.Errorf("submitting peg-out: %w", err)
	}
	if _, err := rpc.GenerateToAddress(ctx, 1, minerAddr); err != nil {
		return fmt.Errorf("confirming peg-out: %w", err)
	}

	log.Info("peg-out confirmed", "txid", pegOutTx.TxHash().String())
	return nil
}

// localCommittee synthesizes a committee of committeeSize members, each
// weighted by index+1 (the same convention original_source/main.rs uses for
// its regtest demo), calibrates it, and builds its Tapscript.
func localCommittee(committeeSize int) (*orchestrator.Round, error) {
	entries := make([]committee.ValidatorEntry, committeeSize)
	for i := 0; i < committeeSize; i++ {
		sk, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}
		entries[i] = committee.NewValidatorEntry(fmt.Sprintf("local-validator-%d", i), uint64(i+1), sk)
	}

	spec, err := committee.Calibrate(entries)
	if err != nil {
		return nil, err
	}
	cs, err := commscript.Build(spec)
	if err != nil {
		return nil, err
	}

	validators := make([]*signer.Validator, len(entries))
	for i, e := range entries {
		validators[i] = signer.NewValidator(e.OperatorAddress, e.SecretKey())
	}

	return &orchestrator.Round{ID: uuid.New(), Spec: spec, Script: cs, Validators: validators, Entries: entries}, nil
}

// findMaturedCoinbase scans the wallet's recent transactions for a confirmed
// coinbase ("generate" category) entry and returns its txid and first output.
func findMaturedCoinbase(ctx context.Context, rpc *rpcclient.Client) (*chainhash.Hash, *wire.TxOut, error) {
	entries, err := rpc.ListTransactions(ctx, "*", 200, 0)
	if err != nil {
		return nil, nil, err
	}

	for _, e := range entries {
		if e.Category != "generate" || e.Confirmations < 1 {
			continue
		}
		detail, err := rpc.GetTransaction(ctx, e.TxID)
		if err != nil {
			return nil, nil, err
		}
		tx, err := decodeTx(detail.Hex)
		if err != nil {
			return nil, nil, err
		}
		txid := tx.TxHash()
		return &txid, tx.TxOut[0], nil
	}

	return nil, nil, fmt.Errorf("no matured coinbase transaction found in wallet history")
}

func decodeTx(hexStr string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func signWithWallet(ctx context.Context, rpc *rpcclient.Client, tx *wire.MsgTx) (*wire.MsgTx, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	result, err := rpc.SignRawTransactionWithWallet(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	if !result.Complete {
		return nil, fmt.Errorf("wallet could not fully sign transaction: %+v", result.Errors)
	}

	return decodeTx(result.Hex)
}

func admitAndBroadcast(ctx context.Context, rpc *rpcclient.Client, txs []*wire.MsgTx, labels []string) error {
	hexes := make([]string, len(txs))
	for i, tx := range txs {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return err
		}
		hexes[i] = hex.EncodeToString(buf.Bytes())
	}

	results, err := rpc.TestMempoolAccept(ctx, hexes)
	if err != nil {
		return fmt.Errorf("testmempoolaccept: %w", err)
	}
	for i, r := range results {
		if !r.Allowed {
			return fmt.Errorf("%s rejected from mempool: %s", labels[i], r.RejectReason)
		}
	}

	for i, hexTx := range hexes {
		if _, err := rpc.SendRawTransaction(ctx, hexTx); err != nil {
			return fmt.Errorf("broadcasting %s: %w", labels[i], err)
		}
	}
	return nil
}

// addressToScript converts a bech32/bech32m address string to its
// scriptPubKey under params.
func addressToScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
