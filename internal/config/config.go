package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"blertbank/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppPort     string
	Version     string
	DatabaseURL string

	// Postgres pool
	DBMaxConns       int32
	StatementTimeout time.Duration
	// TxTimeout caps one ledger unit of work
	TxTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel string
	LogJSON  bool

	// Service auth: static "name:token" pairs and/or HS256 JWTs
	ServiceTokens string
	JWTSecret     string

	// System account names
	TreasuryAccount string
	SinkAccount     string

	// Posting engine
	Isolation      string
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Per-service rate limit
	RateLimit       int
	RateLimitWindow time.Duration

	// Committed-transaction feed
	FeedEnabled      bool
	FeedPollInterval time.Duration
	FeedSettleDelay  time.Duration
	FeedGapGrace     time.Duration
	FeedGapTimeout   time.Duration
	FeedBatchSize    int
	KafkaBrokers     []string
	KafkaTopic       string

	AllowedOrigin string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_port", "8080")
	v.SetDefault("version", "dev")
	v.SetDefault("db_max_conns", 20)
	v.SetDefault("statement_timeout", "5s")
	v.SetDefault("tx_timeout", "10s")
	v.SetDefault("redis_db", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("treasury_account", "treasury")
	v.SetDefault("sink_account", "sink")
	v.SetDefault("isolation", "read_committed")
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_base_delay", "20ms")
	v.SetDefault("retry_max_delay", "500ms")
	v.SetDefault("rate_limit", 600)
	v.SetDefault("rate_limit_window", "1m")
	v.SetDefault("feed_enabled", true)
	v.SetDefault("feed_poll_interval", "500ms")
	v.SetDefault("feed_settle_delay", "2s")
	v.SetDefault("feed_gap_grace", "1s")
	v.SetDefault("feed_gap_timeout", "15s")
	v.SetDefault("feed_batch_size", 200)
	v.SetDefault("kafka_topic", "blertcoin.transactions")
}

// Parse builds a Config from env vars and, if BLERTBANK_CONFIG points at one,
// a YAML file. Env vars win over the file.
func Parse() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("BLERTBANK_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		AppPort:          v.GetString("app_port"),
		Version:          v.GetString("version"),
		DatabaseURL:      v.GetString("database_url"),
		DBMaxConns:       v.GetInt32("db_max_conns"),
		StatementTimeout: v.GetDuration("statement_timeout"),
		TxTimeout:        v.GetDuration("tx_timeout"),
		RedisAddr:        v.GetString("redis_addr"),
		RedisPassword:    v.GetString("redis_password"),
		RedisDB:          v.GetInt("redis_db"),
		LogLevel:         strings.ToLower(v.GetString("log_level")),
		LogJSON:          v.GetBool("log_json"),
		ServiceTokens:    v.GetString("service_tokens"),
		JWTSecret:        v.GetString("jwt_secret"),
		TreasuryAccount:  v.GetString("treasury_account"),
		SinkAccount:      v.GetString("sink_account"),
		Isolation:        strings.ToLower(v.GetString("isolation")),
		RetryAttempts:    v.GetInt("retry_attempts"),
		RetryBaseDelay:   v.GetDuration("retry_base_delay"),
		RetryMaxDelay:    v.GetDuration("retry_max_delay"),
		RateLimit:        v.GetInt("rate_limit"),
		RateLimitWindow:  v.GetDuration("rate_limit_window"),
		FeedEnabled:      v.GetBool("feed_enabled"),
		FeedPollInterval: v.GetDuration("feed_poll_interval"),
		FeedSettleDelay:  v.GetDuration("feed_settle_delay"),
		FeedGapGrace:     v.GetDuration("feed_gap_grace"),
		FeedGapTimeout:   v.GetDuration("feed_gap_timeout"),
		FeedBatchSize:    v.GetInt("feed_batch_size"),
		KafkaBrokers:     splitList(v.GetString("kafka_brokers")),
		KafkaTopic:       v.GetString("kafka_topic"),
		AllowedOrigin:    v.GetString("allowed_origin"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	switch c.Isolation {
	case "read_committed", "serializable":
	default:
		return fmt.Errorf("ISOLATION must be read_committed or serializable, got %q", c.Isolation)
	}
	if c.TreasuryAccount == c.SinkAccount {
		return errors.New("TREASURY_ACCOUNT and SINK_ACCOUNT must differ")
	}
	if c.RetryAttempts < 1 {
		return errors.New("RETRY_ATTEMPTS must be at least 1")
	}
	if c.TxTimeout <= 0 {
		return errors.New("TX_TIMEOUT must be positive")
	}
	// the relay may only give up on a missing id once its writer is gone
	if c.FeedGapTimeout <= c.TxTimeout {
		return fmt.Errorf("FEED_GAP_TIMEOUT (%s) must exceed TX_TIMEOUT (%s)", c.FeedGapTimeout, c.TxTimeout)
	}
	return nil
}

// ValidateServer checks settings only the HTTP server needs
func (c *Config) ValidateServer() error {
	if c.ServiceTokens == "" && c.JWTSecret == "" {
		return errors.New("one of SERVICE_TOKENS or JWT_SECRET must be set")
	}
	if c.RateLimit < 0 {
		return errors.New("RATE_LIMIT must not be negative")
	}
	return nil
}

// Load reads .env then the environment and exits on an invalid config
func Load() *Config {
	_ = godotenv.Load()

	cfg, err := Parse()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	return cfg
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
