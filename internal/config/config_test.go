package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "batchguard", cfg.App.Name)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Detector.SerializeBatches)
	assert.Equal(t, 5*time.Second, cfg.Detector.LockTimeout)
	assert.Equal(t, ":5000", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Second, cfg.Chain.PollInterval)
	assert.Equal(t, "batchguard:alerts", cfg.Alerting.Redis.Channel)
	assert.Equal(t, 100000, cfg.Export.MaxDataPoints)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  driver: sqlite
  sqlite:
    path: /tmp/guard.db
chain:
  enabled: true
  rpc_url: http://localhost:8545
  contract_address: "0x0000000000000000000000000000000000000001"
  poll_interval: 30s
  confirmations: 3
detector:
  serialize_batches: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("BATCHGUARD_HTTP_ADDR", ":8080")
	t.Setenv("BATCHGUARD_DETECTOR_LOCK_TIMEOUT", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/guard.db", cfg.Storage.SQLite.Path)
	assert.True(t, cfg.Chain.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Chain.PollInterval)
	assert.Equal(t, uint64(3), cfg.Chain.Confirmations)
	assert.False(t, cfg.Detector.SerializeBatches)
	assert.Equal(t, 250*time.Millisecond, cfg.Detector.LockTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Storage: StorageConfig{Driver: "memory"},
			Export:  ExportConfig{MaxDataPoints: 10},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: true},
		{name: "rtdb without url", mutate: func(c *Config) { c.Storage.Driver = "rtdb" }, wantErr: true},
		{name: "rtdb with url", mutate: func(c *Config) {
			c.Storage.Driver = "rtdb"
			c.Storage.RTDB.URL = "https://example.firebaseio.com"
		}},
		{name: "chain without rpc", mutate: func(c *Config) {
			c.Chain.Enabled = true
			c.Chain.ContractAddress = "0x01"
			c.Chain.PollInterval = time.Second
		}, wantErr: true},
		{name: "telegram without token", mutate: func(c *Config) {
			c.Alerting.Telegram.Enabled = true
			c.Alerting.Telegram.ChatID = "1"
		}, wantErr: true},
		{name: "redis without addr", mutate: func(c *Config) { c.Alerting.Redis.Enabled = true }, wantErr: true},
		{name: "zero export points", mutate: func(c *Config) { c.Export.MaxDataPoints = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := Config{Export: ExportConfig{MaxDataPoints: 50}}
	assert.Equal(t, 50, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
}
