package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/trogers1052/portfolio-valuation/internal/logging"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig      `yaml:"server" toml:"server"`
	Database     DatabaseConfig    `yaml:"database" toml:"database"`
	Redis        RedisConfig       `yaml:"redis" toml:"redis"`
	Kafka        KafkaConfig       `yaml:"kafka" toml:"kafka"`
	Logging      logging.Config    `yaml:"logging" toml:"logging"`
	Cache        CacheConfig       `yaml:"cache" toml:"cache"`
	Retry        RetryConfig       `yaml:"retry" toml:"retry"`
	Providers    ProvidersConfig   `yaml:"providers" toml:"providers"`
	Scheduler    SchedulerConfig   `yaml:"scheduler" toml:"scheduler"`
	ManualPrices map[string]string `yaml:"manual_prices" toml:"manual_prices"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port" toml:"port"`
	Host string `yaml:"host" toml:"host"`
}

// DatabaseConfig holds durable store configuration
type DatabaseConfig struct {
	Driver     string `yaml:"driver" toml:"driver"`
	Host       string `yaml:"host" toml:"host"`
	Port       string `yaml:"port" toml:"port"`
	User       string `yaml:"user" toml:"user"`
	Password   string `yaml:"password" toml:"password"`
	DBName     string `yaml:"dbname" toml:"dbname"`
	SSLMode    string `yaml:"sslmode" toml:"sslmode"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// RedisConfig holds the latest-quote store configuration
type RedisConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Addr      string   `yaml:"addr" toml:"addr"`
	Password  string   `yaml:"password" toml:"password"`
	DB        int      `yaml:"db" toml:"db"`
	KeyPrefix string   `yaml:"key_prefix" toml:"key_prefix"`
	QuoteTTL  Duration `yaml:"quote_ttl" toml:"quote_ttl"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Brokers      []string `yaml:"brokers" toml:"brokers"`
	Topic        string   `yaml:"topic" toml:"topic"`
	RequestTopic string   `yaml:"request_topic" toml:"request_topic"`
	GroupID      string   `yaml:"group_id" toml:"group_id"`
}

// CacheConfig holds per-kind freshness and the capacity bound
type CacheConfig struct {
	QuoteTTL   Duration `yaml:"quote_ttl" toml:"quote_ttl"`
	CandleTTL  Duration `yaml:"candle_ttl" toml:"candle_ttl"`
	ProfileTTL Duration `yaml:"profile_ttl" toml:"profile_ttl"`
	NewsTTL    Duration `yaml:"news_ttl" toml:"news_ttl"`
	MaxEntries int      `yaml:"max_entries" toml:"max_entries"`
}

// RetryConfig holds the provider retry policy
type RetryConfig struct {
	MaxAttempts   int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseBackoff   Duration `yaml:"base_backoff" toml:"base_backoff"`
	MaxBackoff    Duration `yaml:"max_backoff" toml:"max_backoff"`
	DisableJitter bool     `yaml:"disable_jitter" toml:"disable_jitter"`
}

// ProvidersConfig selects and tunes the upstream providers
type ProvidersConfig struct {
	Order   []string      `yaml:"order" toml:"order"`
	Seed    uint64        `yaml:"seed" toml:"seed"`
	Yahoo   YahooConfig   `yaml:"yahoo" toml:"yahoo"`
	EODHD   EODHDConfig   `yaml:"eodhd" toml:"eodhd"`
	Breaker BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// YahooConfig configures the Yahoo provider
type YahooConfig struct {
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	Proxy   string   `yaml:"proxy" toml:"proxy"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// EODHDConfig configures the EODHD provider
type EODHDConfig struct {
	BaseURL  string   `yaml:"base_url" toml:"base_url"`
	APIKey   string   `yaml:"api_key" toml:"api_key"`
	Exchange string   `yaml:"exchange" toml:"exchange"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
}

// BreakerConfig configures the per-provider circuit breaker and pacing
type BreakerConfig struct {
	FailureThreshold uint32   `yaml:"failure_threshold" toml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown" toml:"cooldown"`
	MinInterval      Duration `yaml:"min_interval" toml:"min_interval"`
}

// SchedulerConfig configures the cron jobs
type SchedulerConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	BackfillSpec  string   `yaml:"backfill_spec" toml:"backfill_spec"`
	RetentionSpec string   `yaml:"retention_spec" toml:"retention_spec"`
	Symbols       []string `yaml:"symbols" toml:"symbols"`
	BackfillDays  int      `yaml:"backfill_days" toml:"backfill_days"`
	RetentionDays int      `yaml:"retention_days" toml:"retention_days"`
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Host: "0.0.0.0"},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       "5432",
			User:       "postgres",
			Password:   "postgres",
			DBName:     "valuation",
			SSLMode:    "disable",
			SQLitePath: "data/valuation.db",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "marketdata:quote:",
			QuoteTTL:  Duration(24 * time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "valuation-events",
			RequestTopic: "valuation-requests",
			GroupID:      "valuationd",
		},
		Logging: logging.Config{Level: "info", Outputs: []string{"console"}},
		Cache: CacheConfig{
			QuoteTTL:   Duration(30 * time.Second),
			CandleTTL:  Duration(time.Hour),
			ProfileTTL: Duration(24 * time.Hour),
			NewsTTL:    Duration(24 * time.Hour),
			MaxEntries: 1000,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: Duration(300 * time.Millisecond),
			MaxBackoff:  Duration(5 * time.Second),
		},
		Providers: ProvidersConfig{
			Order: []string{"synthetic"},
			Seed:  42,
			Yahoo: YahooConfig{Timeout: Duration(30 * time.Second)},
			EODHD: EODHDConfig{Exchange: "US", Timeout: Duration(30 * time.Second)},
			Breaker: BreakerConfig{
				FailureThreshold: 3,
				Cooldown:         Duration(60 * time.Second),
				MinInterval:      Duration(250 * time.Millisecond),
			},
		},
		Scheduler: SchedulerConfig{
			BackfillSpec:  "0 30 22 * * MON-FRI",
			RetentionSpec: "0 0 3 * * SUN",
			BackfillDays:  7,
			RetentionDays: 3650,
		},
	}
}

// Load reads configuration from an optional YAML or TOML file, then applies
// environment overrides and validates the result. An empty path skips the file
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			err = toml.Unmarshal(data, cfg)
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Kafka.Brokers = getEnvList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.RequestTopic = getEnv("KAFKA_REQUEST_TOPIC", c.Kafka.RequestTopic)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	c.Providers.Order = getEnvList("PROVIDER_ORDER", c.Providers.Order)
	c.Providers.EODHD.APIKey = getEnv("EODHD_API_KEY", c.Providers.EODHD.APIKey)

	var err error
	if c.Redis.Enabled, err = getEnvBool("REDIS_ENABLED", c.Redis.Enabled); err != nil {
		return err
	}
	if c.Kafka.Enabled, err = getEnvBool("KAFKA_ENABLED", c.Kafka.Enabled); err != nil {
		return err
	}
	if c.Scheduler.Enabled, err = getEnvBool("SCHEDULER_ENABLED", c.Scheduler.Enabled); err != nil {
		return err
	}
	if c.Cache.MaxEntries, err = getEnvInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries); err != nil {
		return err
	}
	if c.Retry.MaxAttempts, err = getEnvInt("MAX_RETRY_ATTEMPTS", c.Retry.MaxAttempts); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"QUOTE_TTL", &c.Cache.QuoteTTL},
		{"CANDLE_TTL", &c.Cache.CandleTTL},
		{"PROFILE_TTL", &c.Cache.ProfileTTL},
		{"NEWS_TTL", &c.Cache.NewsTTL},
		{"BASE_BACKOFF", &c.Retry.BaseBackoff},
		{"MAX_BACKOFF", &c.Retry.MaxBackoff},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("providers.order must name at least one provider")
	}
	for _, id := range c.Providers.Order {
		switch id {
		case "synthetic", "yahoo":
		case "eodhd":
			if c.Providers.EODHD.APIKey == "" {
				return fmt.Errorf("provider eodhd requires an api key")
			}
		default:
			return fmt.Errorf("unknown provider %q", id)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	for name, ttl := range map[string]Duration{
		"quote_ttl":   c.Cache.QuoteTTL,
		"candle_ttl":  c.Cache.CandleTTL,
		"profile_ttl": c.Cache.ProfileTTL,
		"news_ttl":    c.Cache.NewsTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("cache.%s must be positive", name)
		}
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries cannot be negative")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue Duration) (Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return Duration(d), nil
}
