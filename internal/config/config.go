// Package config loads and validates auditwatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all watcher configuration knobs loaded via Viper.
type Config struct {
	Service Service `mapstructure:"service"`
	Client  Client  `mapstructure:"client"`
	Stream  Stream  `mapstructure:"stream"`
	Report  Report  `mapstructure:"report"`
	Storage Storage `mapstructure:"storage"`
	Server  Server  `mapstructure:"server"`
	Logging Logging `mapstructure:"logging"`
}

// Service locates the remote audit service.
type Service struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Client identifies this watcher to the audit service.
type Client struct {
	// IDPath is the file the generated client ID persists in. Empty keeps
	// the platform default under the user config directory.
	IDPath string `mapstructure:"id_path"`
}

// Stream controls event-stream reconnect behavior and the fallback poll.
type Stream struct {
	BackoffInitialMs    int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int `mapstructure:"backoff_max_ms"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

// Report controls terminal report retrieval retries.
type Report struct {
	RetryIntervalMs int `mapstructure:"retry_interval_ms"`
	MaxAttempts     int `mapstructure:"max_attempts"`
}

// Storage selects and configures the session record store.
type Storage struct {
	// Driver is one of "memory", "badger", or "postgres".
	Driver     string `mapstructure:"driver"`
	BadgerPath string `mapstructure:"badger_path"`
	DSN        string `mapstructure:"dsn"`
}

// Server controls the local HTTP API.
type Server struct {
	Port int `mapstructure:"port"`
}

// Logging toggles zap development features.
type Logging struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDITWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.base_url", "http://localhost:3000")
	v.SetDefault("service.timeout_seconds", 15)
	v.SetDefault("stream.backoff_initial_ms", 1000)
	v.SetDefault("stream.backoff_max_ms", 30000)
	v.SetDefault("stream.poll_interval_seconds", 30)
	v.SetDefault("report.retry_interval_ms", 1500)
	v.SetDefault("report.max_attempts", 20)
	v.SetDefault("storage.driver", "badger")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Service.BaseURL == "" {
		return fmt.Errorf("service.base_url must be set")
	}
	if c.Service.TimeoutSeconds <= 0 {
		return fmt.Errorf("service.timeout_seconds must be > 0")
	}
	switch c.Storage.Driver {
	case "memory", "badger":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, badger, postgres")
	}
	if c.Report.MaxAttempts <= 0 {
		return fmt.Errorf("report.max_attempts must be > 0")
	}
	if c.Report.RetryIntervalMs <= 0 {
		return fmt.Errorf("report.retry_interval_ms must be > 0")
	}
	if c.Stream.BackoffInitialMs <= 0 || c.Stream.BackoffMaxMs < c.Stream.BackoffInitialMs {
		return fmt.Errorf("stream backoff must satisfy 0 < backoff_initial_ms <= backoff_max_ms")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// ServiceTimeout converts the HTTP timeout into a duration.
func (c Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Service.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first reconnect delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Stream.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps reconnect delays.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Stream.BackoffMaxMs) * time.Millisecond
}

// PollInterval is the fallback report-probe cadence. Zero disables it.
func (c Config) PollInterval() time.Duration {
	if c.Stream.PollIntervalSeconds <= 0 {
		return -1
	}
	return time.Duration(c.Stream.PollIntervalSeconds) * time.Second
}

// RetryInterval is the delay between report fetch attempts.
func (c Config) RetryInterval() time.Duration {
	return time.Duration(c.Report.RetryIntervalMs) * time.Millisecond
}
