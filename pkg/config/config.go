package config

// Package config provides a reusable loader for shardbft configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"shardbft/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a shardbft validator
// node. It mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ChainID        int      `mapstructure:"chain_id" json:"chain_id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		RPCEnabled     bool     `mapstructure:"rpc_enabled" json:"rpc_enabled"`
		RPCAddr        string   `mapstructure:"rpc_addr" json:"rpc_addr"`
		RPCReqPerSec   float64  `mapstructure:"rpc_req_per_sec" json:"rpc_req_per_sec"`
		RPCBurst       int      `mapstructure:"rpc_burst" json:"rpc_burst"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MetricsAddr    string   `mapstructure:"metrics_addr" json:"metrics_addr"`
	} `mapstructure:"network" json:"network"`

	// Shard names the half-open [Start, End) range of shard numbers this
	// node's committee is responsible for (spec.md §3). The global shard
	// sentinel is not part of this range and is not configured here.
	Shard struct {
		Start uint32 `mapstructure:"start" json:"start"`
		End   uint32 `mapstructure:"end" json:"end"`
	} `mapstructure:"shard" json:"shard"`

	// Epoch controls how long one epoch lasts and how committees rotate
	// (spec.md §4.6).
	Epoch struct {
		LengthBlocks     uint64 `mapstructure:"length_blocks" json:"length_blocks"`
		CommitteeRotate  bool   `mapstructure:"committee_rotate" json:"committee_rotate"`
	} `mapstructure:"epoch" json:"epoch"`

	Consensus struct {
		MaxMisses     int           `mapstructure:"max_misses" json:"max_misses"`
		PacemakerBase time.Duration `mapstructure:"pacemaker_base" json:"pacemaker_base"`
		PacemakerMax  time.Duration `mapstructure:"pacemaker_max" json:"pacemaker_max"`
		MaxCommands   int           `mapstructure:"max_commands" json:"max_commands"`
		MaxFeeWeight  uint64        `mapstructure:"max_fee_weight" json:"max_fee_weight"`

		// Validators is the local shard group's committee, as hex-encoded
		// ed25519 public keys, until genesis/epoch state supplies committee
		// membership dynamically (spec.md §4.5 "round-robin over the
		// committee membership").
		Validators []string `mapstructure:"validators" json:"validators"`
		// NodeSeedHex is this validator's own ed25519 seed, hex-encoded.
		// Empty means "generate an ephemeral identity", fine for a
		// single-run sync/checkpoint command but not for a long-lived
		// "start" process, which needs a stable leader-rotation slot.
		NodeSeedHex string `mapstructure:"node_seed" json:"node_seed"`
		// EvictionLogPath is where committed EvictNode commands' QC proofs
		// are appended as NDJSON, for submission to layer-one (spec.md §6).
		EvictionLogPath string `mapstructure:"eviction_log_path" json:"eviction_log_path"`
	} `mapstructure:"consensus" json:"consensus"`

	VM struct {
		MaxFuelPerCall int  `mapstructure:"max_fuel_per_call" json:"max_fuel_per_call"`
		OpcodeDebug    bool `mapstructure:"opcode_debug" json:"opcode_debug"`
	} `mapstructure:"vm" json:"vm"`

	// TemplateCache sizes the weighted LRU template-module cache (spec.md
	// §4.2).
	TemplateCache struct {
		MaxBytes int `mapstructure:"max_bytes" json:"max_bytes"`
	} `mapstructure:"template_cache" json:"template_cache"`

	// Sync tunes the checkpoint/state-sync session of spec.md §4.8.
	Sync struct {
		BatchSize     int           `mapstructure:"batch_size" json:"batch_size"`
		RetryBackoff  time.Duration `mapstructure:"retry_backoff" json:"retry_backoff"`
		MaxRounds     int           `mapstructure:"max_rounds" json:"max_rounds"`
		RoundTimeout  time.Duration `mapstructure:"round_timeout" json:"round_timeout"`
	} `mapstructure:"sync" json:"sync"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up matching process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyEnvOverrides(&AppConfig)
	return &AppConfig, nil
}

// applyEnvOverrides lets an operator override a handful of deployment-time
// settings without an env-specific YAML overlay, the way a container
// orchestrator typically injects per-replica values (max_peers per
// instance, a fee-weight cap bumped for a burst window).
func applyEnvOverrides(cfg *Config) {
	cfg.Network.MaxPeers = utils.EnvOrDefaultInt("SHARDBFT_MAX_PEERS", cfg.Network.MaxPeers)
	cfg.Consensus.MaxFeeWeight = utils.EnvOrDefaultUint64("SHARDBFT_MAX_FEE_WEIGHT", cfg.Consensus.MaxFeeWeight)
}

// LoadFromEnv loads configuration using the SHARDBFT_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SHARDBFT_ENV", ""))
}
