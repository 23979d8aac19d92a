package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:3000", cfg.Service.BaseURL)
	require.Equal(t, "badger", cfg.Storage.Driver)
	require.Equal(t, 20, cfg.Report.MaxAttempts)
	require.Equal(t, 1500*time.Millisecond, cfg.RetryInterval())
	require.Equal(t, time.Second, cfg.BackoffInitial())
	require.Equal(t, 30*time.Second, cfg.BackoffMax())
	require.Equal(t, 30*time.Second, cfg.PollInterval())
	require.True(t, cfg.Logging.Development)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
service:
  base_url: https://audit.example.com
  timeout_seconds: 45
client:
  id_path: /var/lib/auditwatch/client-id
stream:
  backoff_initial_ms: 500
  backoff_max_ms: 10000
  poll_interval_seconds: 0
report:
  retry_interval_ms: 250
  max_attempts: 5
storage:
  driver: postgres
  dsn: postgres://watch:secret@db/audit
server:
  port: 9090
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://audit.example.com", cfg.Service.BaseURL)
	require.Equal(t, 45*time.Second, cfg.ServiceTimeout())
	require.Equal(t, "/var/lib/auditwatch/client-id", cfg.Client.IDPath)
	require.Equal(t, 500*time.Millisecond, cfg.BackoffInitial())
	require.Negative(t, cfg.PollInterval(), "poll_interval_seconds 0 disables the fallback poll")
	require.Equal(t, 5, cfg.Report.MaxAttempts)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Service: Service{BaseURL: "http://localhost:3000", TimeoutSeconds: 15},
		Stream:  Stream{BackoffInitialMs: 1000, BackoffMaxMs: 30000},
		Report:  Report{RetryIntervalMs: 1500, MaxAttempts: 20},
		Storage: Storage{Driver: "memory"},
		Server:  Server{Port: 8080},
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing base url",
			mutate: func(c *Config) { c.Service.BaseURL = "" },
			want:   "service.base_url",
		},
		{
			name:   "invalid timeout",
			mutate: func(c *Config) { c.Service.TimeoutSeconds = 0 },
			want:   "service.timeout_seconds",
		},
		{
			name:   "unknown storage driver",
			mutate: func(c *Config) { c.Storage.Driver = "etcd" },
			want:   "storage.driver",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Storage.Driver = "postgres" },
			want:   "storage.dsn",
		},
		{
			name:   "invalid max attempts",
			mutate: func(c *Config) { c.Report.MaxAttempts = 0 },
			want:   "report.max_attempts",
		},
		{
			name:   "invalid retry interval",
			mutate: func(c *Config) { c.Report.RetryIntervalMs = -5 },
			want:   "report.retry_interval_ms",
		},
		{
			name:   "backoff cap below initial",
			mutate: func(c *Config) { c.Stream.BackoffMaxMs = 10 },
			want:   "backoff",
		},
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "server.port",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorContains(t, err, tt.want)
		})
	}
}
