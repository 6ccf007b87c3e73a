package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Validates(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverlaysOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port: 9999
upstream_transport: tcp
logging:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.ListenPort)
	assert.Equal(t, "tcp", cfg.UpstreamTransport)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched fields keep their default.
	assert.Equal(t, "127.0.0.1", cfg.ListenHost)
	assert.Equal(t, 2*time.Second, cfg.UpstreamTimeout)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestValidate_RejectsBadFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen host", func(c *Config) { c.ListenHost = "" }},
		{"bad listen port", func(c *Config) { c.ListenPort = 70000 }},
		{"bad upstream port", func(c *Config) { c.UpstreamPort = 0 }},
		{"bad transport", func(c *Config) { c.UpstreamTransport = "quic" }},
		{"non-positive timeout", func(c *Config) { c.UpstreamTimeout = 0 }},
		{"negative serve_stale_max", func(c *Config) { c.ServeStaleMax = -1 }},
		{"zero tick_ms", func(c *Config) { c.Refresh.TickMs = 0 }},
		{"warmup without file", func(c *Config) { c.Refresh.WarmupEnabled = true }},
		{"relay transport without base_url", func(c *Config) { c.UpstreamTransport = "relay" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RelayConfigRequiresCleanBaseURL(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.BaseURL = "https://relay.example.com/v1?x=1"
	assert.Error(t, cfg.Validate())

	cfg.Relay.BaseURL = "https://relay.example.com"
	assert.NoError(t, cfg.Validate())
}

func TestClone_IsIndependentCopy(t *testing.T) {
	cfg := Defaults()
	clone := cfg.Clone()
	clone.ListenPort = 1

	assert.NotEqual(t, cfg.ListenPort, clone.ListenPort)
}
