// Package config provides centralized configuration for the federation engine.
// ALL round parameters (network, fees, fee-estimator constants, directory knobs)
// MUST be defined here. No hardcoded values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NetworkType selects the Bitcoin network the engine operates against.
type NetworkType string

const (
	Regtest NetworkType = "regtest"
	Testnet NetworkType = "testnet"
	Mainnet NetworkType = "mainnet"
)

// FeeConfig holds the constants the UTXO Planner uses to estimate transaction
// size before a transaction is fully built. SigSize, RestScriptSize, and
// FixedInputOverhead are the knobs the source left as TODOs rather than
// committed constants — see DESIGN.md for why they keep their source values.
type FeeConfig struct {
	// SigSize is the stack size in bytes of one committee Schnorr signature.
	SigSize int
	// RestScriptSize approximates the non-signature portion of one committee
	// input's witness (script + control block), counted once per input.
	RestScriptSize int
	// FixedInputOverhead approximates the non-witness serialized size of one
	// input (outpoint + sequence + empty scriptSig length byte).
	FixedInputOverhead int
	// OutputSize approximates the serialized size of one P2TR output.
	OutputSize int
	// DefaultFeeRateSatPerVByte is used when a round does not supply its own.
	DefaultFeeRateSatPerVByte uint64
	// DustLimitSats is the minimum amount a non-change output may carry.
	DustLimitSats uint64
}

// DefaultFeeConfig returns the fee-estimator constants from spec.md §9 /
// §4.5, unmodified: SIG_SIZE=64, REST_SCRIPT_SIZE=42, FIXED_INPUT_OVERHEAD=42.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		SigSize:                   64,
		RestScriptSize:            42,
		FixedInputOverhead:        42,
		OutputSize:                43,
		DefaultFeeRateSatPerVByte: 1,
		DustLimitSats:             330,
	}
}

// HandoverConfig bounds a single handover round.
type HandoverConfig struct {
	MaxOutputsPerTx int
	MaxTxSizeBytes  int
}

// DefaultHandoverConfig returns conservative defaults; rounds typically
// override MaxOutputsPerTx/MaxTxSizeBytes per S5's fixture shape.
func DefaultHandoverConfig() HandoverConfig {
	return HandoverConfig{
		MaxOutputsPerTx: 4,
		MaxTxSizeBytes:  100_000,
	}
}

// DirectoryConfig names the validator directory's HTTP endpoints and the
// JSON field carrying voting power, plus the chain-maintainer query value.
type DirectoryConfig struct {
	BaseURL string
	// VotingPowerField names the JSON field carrying a validator's raw
	// weight. The directory hard-codes "quadratic_voting_power" rather than
	// a linear alternative; this is the source's literal field name, kept
	// as a configuration knob per spec.md §9, not reinterpreted.
	VotingPowerField string
	// ChainName is the chain queried against getChainMaintainers. The
	// source hard-codes "avalanche" as a placeholder rather than "bitcoin";
	// kept here unchanged for the same reason as VotingPowerField.
	ChainName string
}

// DefaultDirectoryConfig returns the directory knobs as the source leaves them.
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		VotingPowerField: "quadratic_voting_power",
		ChainName:        "avalanche",
	}
}

// RPCConfig describes how the node RPC adapter reaches the Bitcoin node.
type RPCConfig struct {
	URL             string
	NetworkSubdir   string
	CookieFileName  string
	WalletName      string
}

// DefaultRPCConfig returns the regtest conventions the CLI assumes per spec.md §6.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		URL:            "http://127.0.0.1:18443",
		NetworkSubdir:  "regtest",
		CookieFileName: ".cookie",
		WalletName:     "default",
	}
}

// Config is the root configuration object threaded through the Orchestrator.
type Config struct {
	Network   NetworkType     `yaml:"network"`
	Fee       FeeConfig       `yaml:"fee"`
	Handover  HandoverConfig  `yaml:"handover"`
	Directory DirectoryConfig `yaml:"directory"`
	RPC       RPCConfig       `yaml:"rpc"`
	LogLevel  string          `yaml:"log_level"`
}

// Default returns the configuration a fresh round uses absent a config file.
func Default() *Config {
	return &Config{
		Network:   Regtest,
		Fee:       DefaultFeeConfig(),
		Handover:  DefaultHandoverConfig(),
		Directory: DefaultDirectoryConfig(),
		RPC:       DefaultRPCConfig(),
		LogLevel:  "info",
	}
}

// Load reads a YAML config file, falling back to Default() for any field the
// file leaves unset. A missing file is not an error: Default() is returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// HandoverInputSize is the pure, committee-size-keyed estimate of one
// handover input's serialized size in bytes, witness and non-witness parts
// together: SIG_SIZE*n + REST_SCRIPT_SIZE + FIXED_INPUT_OVERHEAD.
// Kept a pure function of committeeSize so callers may cache it, per spec.md §9.
func (f FeeConfig) HandoverInputSize(committeeSize int) int {
	return f.SigSize*committeeSize + f.RestScriptSize + f.FixedInputOverhead
}
