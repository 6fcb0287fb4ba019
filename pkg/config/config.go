// Package config loads the indexer's node configuration from a YAML file
// plus environment variable overrides. It is versioned so dependents can
// pin to a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"opnet-indexer/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for one opnetd instance.
type Config struct {
	Network struct {
		Name           string `mapstructure:"name" json:"name"` // mainnet, testnet, regtest
		ChainID        uint64 `mapstructure:"chain_id" json:"chain_id"`
		BitcoinRPCAddr string `mapstructure:"bitcoin_rpc_addr" json:"bitcoin_rpc_addr"`
		BitcoinRPCUser string `mapstructure:"bitcoin_rpc_user" json:"bitcoin_rpc_user"`
		BitcoinRPCPass string `mapstructure:"bitcoin_rpc_pass" json:"bitcoin_rpc_pass"`
	} `mapstructure:"network" json:"network"`

	Indexing struct {
		Reindex                bool   `mapstructure:"reindex" json:"reindex"`
		ReindexFromBlock       uint64 `mapstructure:"reindex_from_block" json:"reindex_from_block"`
		MaximumPrefetchBlocks  int    `mapstructure:"maximum_prefetch_blocks" json:"maximum_prefetch_blocks"`
		ReadonlyMode           bool   `mapstructure:"readonly_mode" json:"readonly_mode"`
		PurgeSpentUTXOOlderBlk uint64 `mapstructure:"purge_spent_utxo_older_than_blocks" json:"purge_spent_utxo_older_than_blocks"`
		ReorgPollIntervalMS    int    `mapstructure:"reorg_poll_interval_ms" json:"reorg_poll_interval_ms"`
	} `mapstructure:"indexing" json:"indexing"`

	VM struct {
		MaxCallDepth       int    `mapstructure:"max_call_depth" json:"max_call_depth"`
		MaxDeploymentDepth int    `mapstructure:"max_deployment_depth" json:"max_deployment_depth"`
		DefaultGasLimit    uint64 `mapstructure:"default_gas_limit" json:"default_gas_limit"`
		StrictAccessList   bool   `mapstructure:"strict_access_list" json:"strict_access_list"`
	} `mapstructure:"vm" json:"vm"`

	Epoch struct {
		BlocksPerEpoch    uint64 `mapstructure:"blocks_per_epoch" json:"blocks_per_epoch"`
		MinDifficulty     int    `mapstructure:"min_difficulty" json:"min_difficulty"`
		SafeSignatureMode bool   `mapstructure:"safe_signature_mode" json:"safe_signature_mode"`
	} `mapstructure:"epoch" json:"epoch"`

	Storage struct {
		Dir              string `mapstructure:"dir" json:"dir"` // directory holding store.wal/store.snap/store.archive.gz
		SnapshotInterval int    `mapstructure:"snapshot_interval" json:"snapshot_interval"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads default.yaml (from cmd/config or config), merges the named
// environment's <env>.yaml over it when env is non-empty (a missing overlay
// file is an error), and merges OPNET_-prefixed environment variable
// overrides. The result is stored in AppConfig and returned.
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

	viper.SetEnvPrefix("OPNET")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the OPNET_NETWORK environment
// variable to select the environment-specific overlay.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("OPNET_NETWORK", ""))
}
