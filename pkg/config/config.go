// Package config loads and validates runtime configuration for dnsrelay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	FilePath  string `yaml:"file_path"`
	AddSource bool   `yaml:"add_source"`
}

// RelayConfig describes the HTTP batch relay upstream and its negotiated limits.
type RelayConfig struct {
	BaseURL             string `yaml:"base_url"`
	APIVersion          int    `yaml:"api_version"`
	AuthToken           string `yaml:"auth_token"`
	StartupCheck        string `yaml:"startup_check"` // "require", "warn", or "off"
	MaxItems            int    `yaml:"max_items"`
	MaxRequestBytes     int    `yaml:"max_request_bytes"`
	PerItemMaxWireBytes int    `yaml:"per_item_max_wire_bytes"`
	MaxResponseBytes    int    `yaml:"max_response_bytes"`
}

// RefreshConfig tunes the background stale-ahead refresh engine.
type RefreshConfig struct {
	Enabled                bool   `yaml:"enabled"`
	AheadSeconds           int    `yaml:"ahead_seconds"`
	PopularityThreshold    int    `yaml:"popularity_threshold"`
	PopularityDecaySeconds int    `yaml:"popularity_decay_seconds"`
	TickMs                 int    `yaml:"tick_ms"`
	BatchSize              int    `yaml:"batch_size"`
	Concurrency            int    `yaml:"concurrency"`
	QueueMax               int    `yaml:"queue_max"`
	WarmupEnabled          bool   `yaml:"warmup_enabled"`
	WarmupFile             string `yaml:"warmup_file"`
	WarmupLimit            int    `yaml:"warmup_limit"`
}

// Config is the full set of runtime settings for one dnsrelay process.
type Config struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	MaxInflight int `yaml:"max_inflight"`

	MetricsHost string `yaml:"metrics_host"`
	MetricsPort int    `yaml:"metrics_port"`

	UpstreamTransport string        `yaml:"upstream_transport"` // "udp", "tcp", "relay"
	UpstreamHost      string        `yaml:"upstream_host"`
	UpstreamPort      int           `yaml:"upstream_port"`
	UpstreamTimeout   time.Duration `yaml:"upstream_timeout"`

	ServeStaleMax time.Duration `yaml:"serve_stale_max"`
	NegativeTTL   time.Duration `yaml:"negative_ttl"`

	CacheMaxEntries int `yaml:"cache_max_entries"`

	TCPPoolMaxConns    int           `yaml:"tcp_pool_max_conns"`
	TCPPoolIdleTimeout time.Duration `yaml:"tcp_pool_idle_timeout"`

	// TCPListenReadTimeout bounds how long a connection may take to finish
	// sending one framed message after its length prefix arrives;
	// TCPListenIdleTimeout bounds how long it may sit with no message in
	// flight before being closed. Distinct from the TCPPool* pair above,
	// which govern the connection pool dialed out to the upstream.
	TCPListenReadTimeout time.Duration `yaml:"tcp_listen_read_timeout"`
	TCPListenIdleTimeout time.Duration `yaml:"tcp_listen_idle_timeout"`

	MaxUDPPayload  int `yaml:"max_udp_payload"`
	MaxMessageSize int `yaml:"max_message_size"`

	UDPMaxWorkers int `yaml:"udp_max_workers"`

	Verbose bool `yaml:"verbose"`

	Relay   RelayConfig   `yaml:"relay"`
	Refresh RefreshConfig `yaml:"refresh"`
	Logging LoggingConfig `yaml:"logging"`
}

// Defaults returns a Config populated with the same defaults the CLI flags
// fall back to when unset.
func Defaults() *Config {
	return &Config{
		ListenHost:           "127.0.0.1",
		ListenPort:           5353,
		MaxInflight:          256,
		MetricsHost:          "127.0.0.1",
		MetricsPort:          0,
		UpstreamTransport:    "udp",
		UpstreamHost:         "1.1.1.1",
		UpstreamPort:         53,
		UpstreamTimeout:      2 * time.Second,
		ServeStaleMax:        300 * time.Second,
		NegativeTTL:          60 * time.Second,
		CacheMaxEntries:      0,
		TCPPoolMaxConns:      4,
		TCPPoolIdleTimeout:   30 * time.Second,
		TCPListenReadTimeout: 2 * time.Second,
		TCPListenIdleTimeout: 30 * time.Second,
		MaxUDPPayload:        1232,
		MaxMessageSize:       65535,
		UDPMaxWorkers:        32,
		Relay: RelayConfig{
			APIVersion:          1,
			StartupCheck:        "require",
			MaxItems:            32,
			MaxRequestBytes:     65536,
			PerItemMaxWireBytes: 4096,
			MaxResponseBytes:    262144,
		},
		Refresh: RefreshConfig{
			AheadSeconds: 30,
			TickMs:       500,
			BatchSize:    50,
			Concurrency:  5,
			QueueMax:     1024,
			WarmupLimit:  200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads a YAML file and overlays it on top of Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Clone returns a copy safe to hand to a reader while the original is
// mutated by a later reload; Config has no pointer/slice fields so a value
// copy already suffices.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Validate mirrors the authoritative validation rules: non-empty hosts,
// in-range ports, positive durations, and relay/refresh cross-field checks.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenHost) == "" {
		return fmt.Errorf("listen_host must be non-empty")
	}
	if strings.TrimSpace(c.UpstreamHost) == "" {
		return fmt.Errorf("upstream_host must be non-empty")
	}
	if strings.TrimSpace(c.MetricsHost) == "" {
		return fmt.Errorf("metrics_host must be non-empty")
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 1 and 65535")
	}
	if c.UpstreamPort < 1 || c.UpstreamPort > 65535 {
		return fmt.Errorf("upstream_port must be between 1 and 65535")
	}
	if c.MetricsPort != 0 && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		return fmt.Errorf("metrics_port must be 0 or between 1 and 65535")
	}
	switch c.UpstreamTransport {
	case "udp", "tcp", "relay":
	default:
		return fmt.Errorf("upstream_transport must be 'udp', 'tcp', or 'relay'")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be > 0")
	}
	if c.ServeStaleMax < 0 {
		return fmt.Errorf("serve_stale_max must be >= 0")
	}
	if c.NegativeTTL < 0 {
		return fmt.Errorf("negative_ttl must be >= 0")
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("cache_max_entries must be >= 0")
	}
	if c.MaxInflight < 1 {
		return fmt.Errorf("max_inflight must be >= 1")
	}
	if c.UDPMaxWorkers < 1 {
		return fmt.Errorf("udp_max_workers must be >= 1")
	}
	if c.TCPPoolMaxConns < 0 {
		return fmt.Errorf("tcp_pool_max_conns must be >= 0")
	}
	if c.TCPPoolIdleTimeout <= 0 {
		return fmt.Errorf("tcp_pool_idle_timeout must be > 0")
	}
	if c.TCPListenReadTimeout <= 0 {
		return fmt.Errorf("tcp_listen_read_timeout must be > 0")
	}
	if c.TCPListenIdleTimeout <= 0 {
		return fmt.Errorf("tcp_listen_idle_timeout must be > 0")
	}
	if c.MaxUDPPayload <= 0 {
		return fmt.Errorf("max_udp_payload must be > 0")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be > 0")
	}

	r := c.Refresh
	if r.AheadSeconds < 0 {
		return fmt.Errorf("refresh.ahead_seconds must be >= 0")
	}
	if r.PopularityThreshold < 0 {
		return fmt.Errorf("refresh.popularity_threshold must be >= 0")
	}
	if r.PopularityDecaySeconds < 0 {
		return fmt.Errorf("refresh.popularity_decay_seconds must be >= 0")
	}
	if r.TickMs <= 0 {
		return fmt.Errorf("refresh.tick_ms must be > 0")
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("refresh.batch_size must be > 0")
	}
	if r.Concurrency < 0 {
		return fmt.Errorf("refresh.concurrency must be >= 0")
	}
	if r.QueueMax < 0 {
		return fmt.Errorf("refresh.queue_max must be >= 0")
	}
	if r.WarmupEnabled && r.WarmupFile == "" {
		return fmt.Errorf("refresh.warmup_file is required when warmup is enabled")
	}
	if r.WarmupEnabled && r.WarmupLimit <= 0 {
		return fmt.Errorf("refresh.warmup_limit must be > 0 when warmup is enabled")
	}

	if c.Relay.BaseURL != "" {
		if err := validateRelayBaseURL(c.Relay.BaseURL); err != nil {
			return err
		}
		switch c.Relay.StartupCheck {
		case "require", "warn", "off":
		default:
			return fmt.Errorf("relay.startup_check must be 'require', 'warn', or 'off'")
		}
		if c.Relay.MaxItems <= 0 || c.Relay.MaxRequestBytes <= 0 ||
			c.Relay.PerItemMaxWireBytes <= 0 || c.Relay.MaxResponseBytes <= 0 {
			return fmt.Errorf("relay limits must all be positive")
		}
	}

	if c.UpstreamTransport == "relay" {
		if c.Relay.BaseURL == "" {
			return fmt.Errorf("relay.base_url is required when upstream_transport=relay")
		}
		if c.Relay.APIVersion < 1 {
			return fmt.Errorf("relay.api_version must be >= 1")
		}
	}

	return nil
}
