// Package config loads the sidechain node's configuration from a YAML
// file plus environment variable overrides, layered with viper the same
// way the node's ambient stack expects every other concern to be
// handled: through the pack's libraries, not hand-rolled flag parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/meeray/sidechain-node/pkg/utils"
)

// Config is the unified runtime configuration for a node process,
// covering every environment variable named in the external interfaces
// table (§6): block store location, rebuild flags, document-store and
// upstream-RPC connection info, P2P bootstrap, witness identity,
// warmup limits, and ancillary write-op toggles.
type Config struct {
	BlocksDir string `mapstructure:"blocks_dir"`

	RebuildState      bool `mapstructure:"rebuild_state"`
	RebuildNoVerify   bool `mapstructure:"rebuild_no_verify"`
	RebuildNoValidate bool `mapstructure:"rebuild_no_validate"`
	UnzipBlocks       bool `mapstructure:"unzip_blocks"`
	TerminateAfterRebuild bool `mapstructure:"terminate_after_rebuild"`

	MongoURL string `mapstructure:"mongo_url"`
	MongoDB  string `mapstructure:"mongo_db"`

	SteemAPI []string `mapstructure:"steem_api"`
	Peers    []string `mapstructure:"peers"`

	WitnessPrivateKey string `mapstructure:"witness_private_key"`
	SteemAccount      string `mapstructure:"steem_account"`
	WitnessPublicKey  string `mapstructure:"witness_public_key"`

	WarmupAccounts int `mapstructure:"warmup_accounts"`
	WarmupTokens   int `mapstructure:"warmup_tokens"`

	Notifications bool `mapstructure:"notifications"`
	TxHistory     bool `mapstructure:"tx_history"`
	WitnessStats  bool `mapstructure:"witness_stats"`

	NodeEnv string `mapstructure:"node_env"`

	SidechainTag string `mapstructure:"sidechain_tag"`

	BlockTime             time.Duration `mapstructure:"block_time"`
	SyncBlockTime         time.Duration `mapstructure:"sync_block_time"`
	SteemBlockDelay       int64         `mapstructure:"steem_block_delay"`
	SteemBlockMaxDelay    int64         `mapstructure:"steem_block_max_delay"`
	SyncExitThreshold     int64         `mapstructure:"sync_exit_threshold"`
	SyncExitQuorumPercent float64       `mapstructure:"sync_exit_quorum_percent"`
	PostSyncLenientBlocks int64         `mapstructure:"post_sync_lenient_blocks"`

	MaxTxPerBlock     int           `mapstructure:"max_tx_per_block"`
	MaxMempool        int           `mapstructure:"max_mempool"`
	MempoolMaxAge     time.Duration `mapstructure:"mempool_max_age"`
	WitnessReward     string        `mapstructure:"witness_reward"`
	TotalWitnesses    int           `mapstructure:"total_witnesses"`
	MaxPeers          int           `mapstructure:"max_peers"`
	CanonicalP2PPort  string        `mapstructure:"canonical_p2p_port"`

	CircuitBreakerThreshold int `mapstructure:"circuit_breaker_threshold"`
	MaxPrefetchBlocks       int `mapstructure:"max_prefetch_blocks"`
	ConsensusRounds         int `mapstructure:"consensus_rounds"`
	MemoryBlocks            int `mapstructure:"memory_blocks"`

	LogLevel string `mapstructure:"log_level"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("blocks_dir", "")
	viper.SetDefault("rebuild_state", false)
	viper.SetDefault("rebuild_no_verify", false)
	viper.SetDefault("rebuild_no_validate", false)
	viper.SetDefault("unzip_blocks", false)
	viper.SetDefault("terminate_after_rebuild", false)
	viper.SetDefault("sidechain_tag", "sidechain")
	viper.SetDefault("block_time", "3s")
	viper.SetDefault("sync_block_time", "1s")
	viper.SetDefault("steem_block_delay", 3)
	viper.SetDefault("steem_block_max_delay", 50)
	viper.SetDefault("sync_exit_threshold", 5)
	viper.SetDefault("sync_exit_quorum_percent", 0.6)
	viper.SetDefault("post_sync_lenient_blocks", 20)
	viper.SetDefault("max_tx_per_block", 50)
	viper.SetDefault("max_mempool", 5000)
	viper.SetDefault("mempool_max_age", "10m")
	viper.SetDefault("witness_reward", "0")
	viper.SetDefault("total_witnesses", 21)
	viper.SetDefault("max_peers", 30)
	viper.SetDefault("canonical_p2p_port", "4200")
	viper.SetDefault("circuit_breaker_threshold", 5)
	viper.SetDefault("max_prefetch_blocks", 10)
	viper.SetDefault("consensus_rounds", 3)
	viper.SetDefault("memory_blocks", 100)
	viper.SetDefault("warmup_accounts", 1000)
	viper.SetDefault("warmup_tokens", 1000)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("node_env", "")
}

// Load reads .env (if present), a YAML config file (if found at
// configPath), and environment variables. .env values are loaded into
// the process environment (without replacing variables already set), so
// they rank with environment variables: environment (including .env)
// overrides the file, which overrides defaults. env-specific
// knobs like STEEM_API and PEERS are read as comma-separated lists.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !isNotExistErr(err) {
		return nil, utils.WrapKind(err, "load .env", utils.KindFatal)
	}

	setDefaults()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnvAliases()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil && !isNotExistErr(err) {
			return nil, utils.WrapKind(err, "read config file", utils.KindFatal)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, utils.WrapKind(err, "unmarshal config", utils.KindFatal)
	}
	cfg.SteemAPI = splitCSV(viper.GetString("steem_api"))
	cfg.Peers = splitCSV(viper.GetString("peers"))

	AppConfig = cfg
	return &cfg, nil
}

// bindEnvAliases explicitly binds the spec's upper-snake-case
// environment variable names (§6) to this package's lower_snake
// mapstructure keys. viper.Unmarshal only considers keys viper already
// knows (defaults, config file, or bound env vars), so keys without a
// default, such as witness_private_key, would otherwise never be read
// from the environment.
func bindEnvAliases() {
	aliases := map[string]string{
		"blocks_dir":              "BLOCKS_DIR",
		"rebuild_state":           "REBUILD_STATE",
		"rebuild_no_verify":       "REBUILD_NO_VERIFY",
		"rebuild_no_validate":     "REBUILD_NO_VALIDATE",
		"unzip_blocks":            "UNZIP_BLOCKS",
		"terminate_after_rebuild": "TERMINATE_AFTER_REBUILD",
		"mongo_url":               "MONGO_URL",
		"mongo_db":                "MONGO_DB",
		"steem_api":               "STEEM_API",
		"peers":                   "PEERS",
		"witness_private_key":     "WITNESS_PRIVATE_KEY",
		"steem_account":           "STEEM_ACCOUNT",
		"witness_public_key":      "WITNESS_PUBLIC_KEY",
		"warmup_accounts":         "WARMUP_ACCOUNTS",
		"warmup_tokens":           "WARMUP_TOKENS",
		"notifications":           "NOTIFICATIONS",
		"tx_history":              "TX_HISTORY",
		"witness_stats":           "WITNESS_STATS",
		"node_env":                "NODE_ENV",
	}
	for key, env := range aliases {
		_ = viper.BindEnv(key, env)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isNotExistErr(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	_, ok := err.(*viper.ConfigFileNotFoundError)
	if ok {
		return true
	}
	return fmt.Sprintf("%v", err) == "open .env: no such file or directory"
}
