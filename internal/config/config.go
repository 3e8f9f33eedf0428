// Package config loads pointsd settings from the environment, an optional .env file
// and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

// Config holds server configuration
type Config struct {
	HTTP    HTTPConfig
	Log     LogConfig
	Storage StorageConfig
	Ledger  LedgerConfig
	Sweep   SweepConfig
	Breaker BreakerConfig
	Users   UsersConfig
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type StorageConfig struct {
	Backend string

	PostgresDSN      string
	PostgresMaxConns int

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string
	RedisHistoryTTL time.Duration

	SQLitePath string

	FirestoreProjectID string
}

type LedgerConfig struct {
	MaxExpiryHorizon time.Duration
	OperationTimeout time.Duration
	MaxRetries       int
}

// UsersConfig selects the user resolver. An empty Allowed list accepts every user ID.
type UsersConfig struct {
	Allowed   []string
	CacheSize int // 0 disables the lookup cache
	CacheTTL  time.Duration
}

type SweepConfig struct {
	Enabled     bool
	Interval    time.Duration
	RunOnStart  bool
	BatchSize   int
	Concurrency int
}

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	ResetTimeout     time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 20*time.Second)
	v.SetDefault("http.metrics_path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "gopoints:")
	v.SetDefault("storage.redis.history_ttl", time.Duration(0))
	v.SetDefault("storage.sqlite.path", "gopoints.db")
	v.SetDefault("storage.firestore.project_id", "")

	v.SetDefault("ledger.max_expiry_horizon", time.Duration(0))
	v.SetDefault("ledger.operation_timeout", 10*time.Second)
	v.SetDefault("ledger.max_retries", 3)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", time.Hour)
	v.SetDefault("sweep.run_on_start", true)
	v.SetDefault("sweep.batch_size", 500)
	v.SetDefault("sweep.concurrency", 4)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)

	v.SetDefault("users.allowed", []string{})
	v.SetDefault("users.cache_size", 0)
	v.SetDefault("users.cache_ttl", time.Minute)
}

// Load reads configuration. Values come, in increasing priority, from defaults,
// the config file, a .env file and GOPOINTS_* environment variables.
// An empty path searches for gopoints.yaml in the working directory and /etc/gopoints.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gopoints")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gopoints")
	}

	v.SetEnvPrefix("GOPOINTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
			MetricsPath:     v.GetString("http.metrics_path"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Storage: StorageConfig{
			Backend:            strings.ToLower(strings.TrimSpace(v.GetString("storage.backend"))),
			PostgresDSN:        v.GetString("storage.postgres.dsn"),
			PostgresMaxConns:   v.GetInt("storage.postgres.max_conns"),
			RedisAddr:          v.GetString("storage.redis.addr"),
			RedisPassword:      v.GetString("storage.redis.password"),
			RedisDB:            v.GetInt("storage.redis.db"),
			RedisKeyPrefix:     v.GetString("storage.redis.key_prefix"),
			RedisHistoryTTL:    v.GetDuration("storage.redis.history_ttl"),
			SQLitePath:         v.GetString("storage.sqlite.path"),
			FirestoreProjectID: v.GetString("storage.firestore.project_id"),
		},
		Ledger: LedgerConfig{
			MaxExpiryHorizon: v.GetDuration("ledger.max_expiry_horizon"),
			OperationTimeout: v.GetDuration("ledger.operation_timeout"),
			MaxRetries:       v.GetInt("ledger.max_retries"),
		},
		Sweep: SweepConfig{
			Enabled:     v.GetBool("sweep.enabled"),
			Interval:    v.GetDuration("sweep.interval"),
			RunOnStart:  v.GetBool("sweep.run_on_start"),
			BatchSize:   v.GetInt("sweep.batch_size"),
			Concurrency: v.GetInt("sweep.concurrency"),
		},
		Breaker: BreakerConfig{
			Enabled:          v.GetBool("breaker.enabled"),
			FailureThreshold: v.GetInt("breaker.failure_threshold"),
			ResetTimeout:     v.GetDuration("breaker.reset_timeout"),
		},
		Users: UsersConfig{
			Allowed:   splitList(v.GetStringSlice("users.allowed")),
			CacheSize: v.GetInt("users.cache_size"),
			CacheTTL:  v.GetDuration("users.cache_ttl"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("invalid config: storage.postgres.dsn is required for the postgres backend")
		}
	case BackendFirestore:
		if c.Storage.FirestoreProjectID == "" {
			return fmt.Errorf("invalid config: storage.firestore.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("invalid config: unknown storage backend %q", c.Storage.Backend)
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid config: log.format must be json or console")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("invalid config: sweep.interval must be positive")
	}
	if c.Breaker.Enabled && (c.Breaker.FailureThreshold <= 0 || c.Breaker.ResetTimeout <= 0) {
		return fmt.Errorf("invalid config: breaker threshold and reset timeout must be positive")
	}
	if c.Users.CacheSize < 0 {
		return fmt.Errorf("invalid config: users.cache_size must not be negative")
	}
	if c.Users.CacheSize > 0 && c.Users.CacheTTL <= 0 {
		return fmt.Errorf("invalid config: users.cache_ttl must be positive when the cache is enabled")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated environment values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
