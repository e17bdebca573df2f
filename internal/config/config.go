// Package config loads pixybroker's YAML configuration: read file,
// unmarshal, validate, overlay environment overrides for the knobs
// operators tune per-deploy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker process's top-level configuration (spec.md §6
// "Configuration options recognized") plus the ambient stack every
// deploy needs alongside the domain config: HTTP/WS transport,
// postgres, redis cache, logging, and rate limiting.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	HTTP     HTTPConfig     `yaml:"http"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stream   StreamConfig   `yaml:"stream"`
}

// BrokerConfig carries the defaults spec.md §6.2 names.
type BrokerConfig struct {
	MaxQueueSize            int           `yaml:"max_queue_size"`
	MessageRetentionMS      int64         `yaml:"message_retention_ms"`
	MaxRetries              int           `yaml:"max_retries"`
	DeadLetterMaxSize       int           `yaml:"dead_letter_max_size"`
	DeadLetterAuditOnDrop   bool          `yaml:"dead_letter_audit_on_drop"`
	RequestTimeoutDefaultMS int           `yaml:"request_timeout_default_ms"`
	Environment             string        `yaml:"environment"` // "development" | "staging" | "production"
}

// HTTPConfig configures the transport's listener.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// PostgresConfig configures the optional persistence backend; when
// Enabled is false the broker runs on the in-memory memstore.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// RedisConfig configures the optional history read-through cache.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures zerolog's output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Pretty bool   `yaml:"pretty"` // console writer vs. JSON
}

// RateLimitConfig bounds per-publisher/per-requester throughput.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// StreamConfig configures the optional external event-bus mirror
// (spec.md §4.11). When Enabled is false the broker runs with no
// bridge and every publish stays entirely in-process.
type StreamConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Backend  string   `yaml:"backend"` // "stub" | "kafka" | "pulsar"
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
}

// Default returns the configuration spec.md §4.1/§6.2 names as
// defaults, with an in-memory store and a local-only HTTP listener.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			MaxQueueSize:            1000,
			MessageRetentionMS:      int64(time.Hour / time.Millisecond),
			MaxRetries:              3,
			DeadLetterMaxSize:       1000,
			DeadLetterAuditOnDrop:   false,
			RequestTimeoutDefaultMS: 30_000,
			Environment:             "development",
		},
		HTTP: HTTPConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Log: LogConfig{Level: "info", Pretty: true},
		RateLimit: RateLimitConfig{RPS: 100, Burst: 200},
		Stream: StreamConfig{
			Enabled:  false,
			Backend:  "stub",
			ClientID: "pixybroker",
		},
	}
}

// Load reads configPath (if non-empty and present) over the defaults,
// then overlays recognized environment variables, then validates.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PIXYBROKER_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("PIXYBROKER_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("PIXYBROKER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PIXYBROKER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PIXYBROKER_ENV"); v != "" {
		cfg.Broker.Environment = v
	}
}

// Validate ensures the configuration is internally consistent. A
// production environment with a broken config is the one case
// spec.md §6's exit-code note calls out: non-zero on validation
// failure.
func (c *Config) Validate() error {
	if c.Broker.MaxQueueSize <= 0 {
		return fmt.Errorf("broker.max_queue_size must be positive, got %d", c.Broker.MaxQueueSize)
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries cannot be negative, got %d", c.Broker.MaxRetries)
	}
	if c.Broker.RequestTimeoutDefaultMS <= 0 {
		return fmt.Errorf("broker.request_timeout_default_ms must be positive, got %d", c.Broker.RequestTimeoutDefaultMS)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when postgres.enabled is true")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps cannot be negative, got %f", c.RateLimit.RPS)
	}
	switch c.Broker.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("broker.environment must be development, staging, or production, got %q", c.Broker.Environment)
	}
	if c.Stream.Enabled {
		switch c.Stream.Backend {
		case "stub", "kafka", "pulsar":
		default:
			return fmt.Errorf("stream.backend must be stub, kafka, or pulsar, got %q", c.Stream.Backend)
		}
	}
	return nil
}

// RequestTimeoutDefault returns the configured default as a
// time.Duration.
func (c *Config) RequestTimeoutDefault() time.Duration {
	return time.Duration(c.Broker.RequestTimeoutDefaultMS) * time.Millisecond
}

// MessageRetention returns the configured retention as a
// time.Duration.
func (c *Config) MessageRetention() time.Duration {
	return time.Duration(c.Broker.MessageRetentionMS) * time.Millisecond
}
