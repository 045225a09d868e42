// Package config handles configuration loading from YAML, CLI flags, and
// environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy       ProxyConfig       `yaml:"proxy"`
	CA          CAConfig          `yaml:"ca"`
	Memory      MemoryConfig      `yaml:"memory"`
	Script      ScriptConfig      `yaml:"script"`
	Body        BodyConfig        `yaml:"body"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Redaction   RedactionConfig   `yaml:"redaction"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ProxyConfig configures the listening sockets.
type ProxyConfig struct {
	Listen    string   `yaml:"listen"` // e.g. "localhost:6969"
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	H3Port    int      `yaml:"h3_port"`    // 0 disables the HTTP/3/QUIC listener
	Intercept []string `yaml:"intercept"` // host suffixes to MITM; empty = intercept everything
	Exclude   []string `yaml:"exclude"`   // host suffixes to always pass through opaquely, even if Intercept matches
}

// CAConfig configures the Certificate Authority.
type CAConfig struct {
	Dir              string `yaml:"dir"`
	ValidityYears    int    `yaml:"validity_years"`
	LeafCacheSize    int    `yaml:"leaf_cache_size"`
	LeafKeyAlgorithm string `yaml:"leaf_key_algorithm"` // "ec" (default) or "rsa"
}

// MemoryConfig configures in-memory flow retention.
type MemoryConfig struct {
	MaxFlows       int `yaml:"max_flows"`
	EventQueueSize int `yaml:"event_queue_size"`
}

// ScriptConfig configures the scripting engine.
type ScriptConfig struct {
	Language    string        `yaml:"language"` // "js", "lua", "python", or "" (inferred from the file extension)
	File        string        `yaml:"file"`
	HookTimeout time.Duration `yaml:"hook_timeout"`
}

// BodyConfig bounds request/response body buffering.
type BodyConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// TimeoutsConfig configures network timeouts.
type TimeoutsConfig struct {
	Connect time.Duration `yaml:"connect"`
	TLS     time.Duration `yaml:"tls"`
	Request time.Duration `yaml:"request"`
}

// PersistenceConfig selects and configures a durable Flow Store backend.
type PersistenceConfig struct {
	Backend   string `yaml:"backend"` // "", "sqlite", or "redis"
	DBPath    string `yaml:"db_path"`
	RedisAddr string `yaml:"redis_addr"`
}

// RedactionConfig configures credential redaction.
type RedactionConfig struct {
	AlwaysRedactHeaders  []string `yaml:"always_redact_headers"`
	PatternRedactHeaders []string `yaml:"pattern_redact_headers"`
	RedactAPIKeys        bool     `yaml:"redact_api_keys"`
	RedactBase64Images   bool     `yaml:"redact_base64_images"`
}

// MetricsConfig configures the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token guards the /metrics endpoint with a bearer token. Left
	// empty, a fresh one is generated on startup and logged once so an
	// operator can scrape it; set it explicitly to pin a stable token
	// across restarts.
	Token string `yaml:"token"`
}

// DefaultConfig returns a Config with secure, spec-mandated defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen: "localhost:6969",
			H3Port: 0,
		},
		CA: CAConfig{
			ValidityYears:    10,
			LeafCacheSize:    512,
			LeafKeyAlgorithm: "ec",
		},
		Memory: MemoryConfig{
			MaxFlows:       10000,
			EventQueueSize: 10000,
		},
		Script: ScriptConfig{
			HookTimeout: 5 * time.Second,
		},
		Body: BodyConfig{
			MaxBytes: 10 * 1024 * 1024,
		},
		Timeouts: TimeoutsConfig{
			Connect: 30 * time.Second,
			TLS:     30 * time.Second,
			Request: 60 * time.Second,
		},
		Persistence: PersistenceConfig{
			Backend: "",
		},
		Redaction: RedactionConfig{
			AlwaysRedactHeaders: []string{
				"authorization",
				"proxy-authorization",
				"cookie",
				"set-cookie",
			},
			PatternRedactHeaders: []string{
				`^x-.*-token$`,
				`^x-.*-key$`,
			},
			RedactAPIKeys:      true,
			RedactBase64Images: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "localhost:9091",
		},
	}
}

// CADir returns the configured CA directory, defaulting to $HOME/.roxy.
func (c *Config) CADir() (string, error) {
	if c.CA.Dir != "" {
		return c.CA.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".roxy"), nil
}

// ListenAddr returns the proxy's HTTP/S listen address.
func (c *ProxyConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 6969
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Load loads configuration from path (YAML), applying environment
// overrides. A missing file is not an error: defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes cfg to path with restrictive permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ROXY_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("ROXY_CA_DIR"); v != "" {
		c.CA.Dir = v
	}
	if v := os.Getenv("ROXY_SCRIPT_FILE"); v != "" {
		c.Script.File = v
	}
}

// GenerateOpaqueToken returns a random bearer token, used to guard the
// optional metrics endpoint when no fixed token is configured.
func GenerateOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "roxy_" + hex.EncodeToString(buf), nil
}

// MetricsToken returns c.Metrics.Token, generating and caching a fresh
// opaque one if none is configured.
func (c *Config) MetricsToken() (string, error) {
	if c.Metrics.Token != "" {
		return c.Metrics.Token, nil
	}
	token, err := GenerateOpaqueToken()
	if err != nil {
		return "", err
	}
	c.Metrics.Token = token
	return token, nil
}
