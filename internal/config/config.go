package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Address   AddressConfig   `yaml:"address" mapstructure:"address"`
	BatchData BatchDataConfig `yaml:"batchdata" mapstructure:"batchdata"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// AddressConfig configures address normalization.
type AddressConfig struct {
	// KnownCities disambiguates multi-word city names when splitting the
	// locality line, e.g. "New York" or "San Francisco".
	KnownCities []string `yaml:"known_cities" mapstructure:"known_cities"`
}

// BatchDataConfig holds BatchData skip-trace API settings.
type BatchDataConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// EnrichConfig configures the enrichment worker loop. Zero retry and
// breaker values fall back to the resilience package defaults.
type EnrichConfig struct {
	PolicyPath     string        `yaml:"policy_path" mapstructure:"policy_path"`
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	Workers        int           `yaml:"workers" mapstructure:"workers"`
	DailyLimit     int           `yaml:"daily_limit" mapstructure:"daily_limit"`
	Cooldown       time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	StaleLock      time.Duration `yaml:"stale_lock" mapstructure:"stale_lock"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`

	RetryMaxAttempts        int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs   int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs       int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeoutSecs int `yaml:"breaker_reset_timeout_secs" mapstructure:"breaker_reset_timeout_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROPENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "propenrich.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("address.known_cities", []string{
		"New York", "Los Angeles", "San Francisco", "San Diego", "San Antonio",
		"San Jose", "Las Vegas", "New Orleans", "St Louis", "St Paul",
		"Salt Lake City", "Kansas City", "Oklahoma City", "Fort Worth",
		"El Paso", "Colorado Springs", "Virginia Beach", "Long Beach",
	})
	v.SetDefault("batchdata.base_url", "https://api.batchdata.com")
	v.SetDefault("batchdata.rate_limit_rps", 2.0)
	v.SetDefault("enrich.batch_size", 100)
	v.SetDefault("enrich.workers", 4)
	v.SetDefault("enrich.daily_limit", 500)
	v.SetDefault("enrich.cooldown", 7*24*time.Hour)
	v.SetDefault("enrich.stale_lock", 15*time.Minute)
	v.SetDefault("enrich.request_timeout", 30*time.Second)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required for a given run mode are set
// and in bounds. Modes: "enrich", "serve", "store" (anything that only
// touches the database).
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case "store":
	case "enrich":
		if c.BatchData.Key == "" {
			problems = append(problems, "batchdata.key is required")
		}
		if c.Enrich.Workers < 1 || c.Enrich.Workers > 32 {
			problems = append(problems, "enrich.workers must be between 1 and 32")
		}
		if c.Enrich.BatchSize < 1 {
			problems = append(problems, "enrich.batch_size must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
