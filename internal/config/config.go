// Package config loads service configuration from an optional file and
// ENERGY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/energy-market/internal/model"
)

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	OutboxDir     string        `mapstructure:"outbox_dir"`
	RelayInterval time.Duration `mapstructure:"relay_interval"`
	RelayBatch    int           `mapstructure:"relay_batch"`
}

type LimitsConfig struct {
	MaxAmount             uint64 `mapstructure:"max_amount"`
	MaxPrice              uint64 `mapstructure:"max_price"`
	MaxNotional           string `mapstructure:"max_notional"`
	MaxOpenPerParticipant int    `mapstructure:"max_open_per_participant"`
}

type AuthConfig struct {
	JWTSecret string   `mapstructure:"jwt_secret"`
	Operators []string `mapstructure:"operators"`
}

type Config struct {
	ServiceName string `mapstructure:"service_name"`
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`

	// Market names the ledger this instance serves.
	Market string `mapstructure:"market"`

	// MatchInterval runs a clearing pass on a timer; zero leaves clearing to
	// operators.
	MatchInterval time.Duration `mapstructure:"match_interval"`

	DatabaseURL string        `mapstructure:"database_url"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`

	HTTP   HTTPConfig   `mapstructure:"http"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Limits LimitsConfig `mapstructure:"limits"`
	Auth   AuthConfig   `mapstructure:"auth"`
}

// Load reads path if it exists, then overlays the environment.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENERGY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Unprefixed names kept for existing deployments.
	_ = v.BindEnv("http.port", "ENERGY_HTTP_PORT", "PORT")
	_ = v.BindEnv("database_url", "ENERGY_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "ENERGY_REDIS_URL", "REDIS_URL")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "energy-market")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("market", "default")
	v.SetDefault("match_interval", "0s")

	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "energy.trades")
	v.SetDefault("kafka.outbox_dir", "")
	v.SetDefault("kafka.relay_interval", "250ms")
	v.SetDefault("kafka.relay_batch", 256)

	v.SetDefault("limits.max_amount", 0)
	v.SetDefault("limits.max_price", 0)
	v.SetDefault("limits.max_notional", "0")
	v.SetDefault("limits.max_open_per_participant", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.operators", []string{})
}

func (c *Config) validate() error {
	if c.Market == "" {
		return errors.New("config: market must not be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: invalid http port %d", c.HTTP.Port)
	}
	if c.MatchInterval < 0 {
		return fmt.Errorf("config: negative match_interval %s", c.MatchInterval)
	}
	if _, err := c.MaxNotional(); err != nil {
		return err
	}
	if _, err := c.OperatorIdentities(); err != nil {
		return err
	}
	if c.Kafka.RelayInterval <= 0 {
		return fmt.Errorf("config: kafka.relay_interval must be positive, got %s", c.Kafka.RelayInterval)
	}
	return nil
}

// MaxNotional parses the configured notional bound. Zero disables it.
func (c *Config) MaxNotional() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Limits.MaxNotional)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: limits.max_notional %q: %w", raw, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: limits.max_notional %s is negative", d)
	}
	return d, nil
}

// OperatorIdentities parses auth.operators.
func (c *Config) OperatorIdentities() ([]model.Identity, error) {
	out := make([]model.Identity, 0, len(c.Auth.Operators))
	for _, raw := range c.Auth.Operators {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id, err := model.ParseIdentity(raw)
		if err != nil {
			return nil, fmt.Errorf("config: auth.operators: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// SlogLevel maps LogLevel onto slog levels, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the JSON logger used as the process default.
func (c *Config) NewLogger() *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.SlogLevel()})
	return slog.New(h).With(
		slog.String("service", c.ServiceName),
		slog.String("env", c.Env),
	)
}
