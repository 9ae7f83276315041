// Package config loads process configuration from defaults, config.yaml,
// .env, environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every automatic environment variable.
const EnvPrefix = "FEEPIPE"

// Config is the root configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	ClickHouse   ClickHouseConfig   `mapstructure:"clickhouse"`
	Solana       SolanaConfig       `mapstructure:"solana"`
	Keys         KeysConfig         `mapstructure:"keys"`
	Swap         SwapConfig         `mapstructure:"swap"`
	Collector    CollectorConfig    `mapstructure:"collector"`
	Distribution DistributionConfig `mapstructure:"distribution"`
	Bootstrap    BootstrapConfig    `mapstructure:"bootstrap"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Prefetch     PrefetchConfig     `mapstructure:"prefetch"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

type LogConfig struct {
	Verbose bool `mapstructure:"verbose"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ClickHouseConfig enables the audit mirror when URL is set.
type ClickHouseConfig struct {
	URL string `mapstructure:"url"`
}

type SolanaConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	WSURL          string        `mapstructure:"ws_url"`
	RPS            float64       `mapstructure:"rps"`
	Burst          int           `mapstructure:"burst"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// KeysConfig holds the system signer and the key that seals custodial keys.
type KeysConfig struct {
	SystemKey string `mapstructure:"system_key"` // base58 private key
	SealKey   string `mapstructure:"seal_key"`   // hex, 32 bytes
	CacheSize int    `mapstructure:"cache_size"`
}

type SwapConfig struct {
	APIURL              string `mapstructure:"api_url"`
	SlippageBps         int    `mapstructure:"slippage_bps"`
	BondingCurveProgram string `mapstructure:"bonding_curve_program"`
}

type CollectorConfig struct {
	WithdrawBatchSize int    `mapstructure:"withdraw_batch_size"`
	MinCollectAmount  uint64 `mapstructure:"min_collect_amount"`
}

type DistributionConfig struct {
	BatchSize       int    `mapstructure:"batch_size"`
	FeeVaultBps     int64  `mapstructure:"fee_vault_bps"`
	FeeVaultAddress string `mapstructure:"fee_vault_address"`
	MinAmount       uint64 `mapstructure:"min_amount"`
}

type BootstrapConfig struct {
	RentExemptLamports uint64 `mapstructure:"rent_exempt_lamports"`
}

// IdempotencyConfig selects the claim backend: memory, badger or postgres.
type IdempotencyConfig struct {
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	BadgerDir string        `mapstructure:"badger_dir"`
}

// QueueConfig selects the broker backend: memory or postgres.
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Lease        time.Duration `mapstructure:"lease"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// PrefetchConfig is the per-topic consumer concurrency.
type PrefetchConfig struct {
	Collect       int `mapstructure:"collect"`
	Burn          int `mapstructure:"burn"`
	Swap          int `mapstructure:"swap"`
	Prepare       int `mapstructure:"prepare"`
	Execute       int `mapstructure:"execute"`
	JackpotUpdate int `mapstructure:"jackpot_update"`
	Jackpot       int `mapstructure:"jackpot"`
	Bootstrap     int `mapstructure:"bootstrap"`
}

type SchedulerConfig struct {
	CollectInterval      time.Duration `mapstructure:"collect_interval"`
	DistributionInterval time.Duration `mapstructure:"distribution_interval"`
}

// Load reads configuration. Flags registered with RegisterFlags on fs take
// precedence over everything else; fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setupEnvAliases(v)

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// RegisterFlags adds the command-line overrides to fs. Flag names match
// config keys so viper binds them directly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Bool("log.verbose", false, "Enable debug logging (env: FEEPIPE_LOG_VERBOSE)")
	fs.String("database.url", "", "Postgres DSN (env: DATABASE_URL)")
	fs.String("clickhouse.url", "", "ClickHouse DSN for the audit mirror (env: CLICKHOUSE_URL)")
	fs.String("solana.rpc_url", "", "Solana JSON-RPC endpoint (env: SOLANA_RPC_URL)")
	fs.String("http.addr", "", "Metrics and health listen address (env: FEEPIPE_HTTP_ADDR)")
	fs.String("queue.backend", "", "Broker backend: memory or postgres (env: FEEPIPE_QUEUE_BACKEND)")
	fs.String("idempotency.backend", "", "Claim backend: memory, badger or postgres (env: FEEPIPE_IDEMPOTENCY_BACKEND)")
}

func setupEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("database.url", "FEEPIPE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("clickhouse.url", "FEEPIPE_CLICKHOUSE_URL", "CLICKHOUSE_URL")
	_ = v.BindEnv("solana.rpc_url", "FEEPIPE_SOLANA_RPC_URL", "SOLANA_RPC_URL")
	_ = v.BindEnv("solana.ws_url", "FEEPIPE_SOLANA_WS_URL", "SOLANA_WS_URL")
	_ = v.BindEnv("keys.system_key", "FEEPIPE_KEYS_SYSTEM_KEY", "SYSTEM_PRIVATE_KEY")
	_ = v.BindEnv("keys.seal_key", "FEEPIPE_KEYS_SEAL_KEY", "CUSTODY_SEAL_KEY")
	_ = v.BindEnv("swap.api_url", "FEEPIPE_SWAP_API_URL", "SWAP_API_URL")
	_ = v.BindEnv("distribution.fee_vault_address", "FEEPIPE_DISTRIBUTION_FEE_VAULT_ADDRESS", "FEE_VAULT_ADDRESS")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.verbose", false)
	v.SetDefault("http.addr", ":9090")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("clickhouse.url", "")

	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.ws_url", "")
	v.SetDefault("solana.rps", 10.0)
	v.SetDefault("solana.burst", 20)
	v.SetDefault("solana.confirm_timeout", 60*time.Second)

	v.SetDefault("keys.system_key", "")
	v.SetDefault("keys.seal_key", "")
	v.SetDefault("keys.cache_size", 1024)

	v.SetDefault("swap.api_url", "")
	v.SetDefault("swap.slippage_bps", 100)
	v.SetDefault("swap.bonding_curve_program", "")

	v.SetDefault("collector.withdraw_batch_size", 20)
	v.SetDefault("collector.min_collect_amount", 1)

	v.SetDefault("distribution.batch_size", 20)
	v.SetDefault("distribution.fee_vault_bps", 0)
	v.SetDefault("distribution.fee_vault_address", "")
	v.SetDefault("distribution.min_amount", 1_000_000)

	v.SetDefault("bootstrap.rent_exempt_lamports", 890880)

	v.SetDefault("idempotency.backend", "postgres")
	v.SetDefault("idempotency.ttl", 10*time.Minute)
	v.SetDefault("idempotency.badger_dir", "data/idempotency")

	v.SetDefault("queue.backend", "postgres")
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	v.SetDefault("queue.max_attempts", 10)
	v.SetDefault("queue.lease", 2*time.Minute)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)

	v.SetDefault("prefetch.collect", 16)
	v.SetDefault("prefetch.burn", 16)
	v.SetDefault("prefetch.swap", 1)
	v.SetDefault("prefetch.prepare", 8)
	v.SetDefault("prefetch.execute", 32)
	v.SetDefault("prefetch.jackpot_update", 8)
	v.SetDefault("prefetch.jackpot", 4)
	v.SetDefault("prefetch.bootstrap", 8)

	v.SetDefault("scheduler.collect_interval", 5*time.Minute)
	v.SetDefault("scheduler.distribution_interval", time.Minute)
}
