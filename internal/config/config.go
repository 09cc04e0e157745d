// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the agent emission cadence and collector endpoint
const (
	DefaultCollectorURL = "http://localhost:3001/state"
	DefaultInitialDelay = 1000 * time.Millisecond
	DefaultInterval     = 2000 * time.Millisecond
	DefaultSendTimeout  = 5 * time.Second

	DefaultListenAddr      = "127.0.0.1:3001"
	DefaultDBPath          = "statebridge.db"
	DefaultMaxPayloadBytes = 4 << 20
)

// AgentConfig for the capture agent
type AgentConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CollectorURL string        `yaml:"collector_url"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
	SendTimeout  time.Duration `yaml:"send_timeout"`

	// Browser host settings, used by the agent command only
	PageURL         string `yaml:"page_url"`
	BrowserURL      string `yaml:"browser_url"` // remote CDP endpoint; empty launches a local Chrome
	Stealth         bool   `yaml:"stealth"`
	PersistentStore string `yaml:"persistent_store"` // SQLite path for the in-process persistent store
}

// CollectorConfig for the local collector
type CollectorConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	DBPath          string `yaml:"db_path"`
	MaxPayloadBytes int64  `yaml:"max_payload_bytes"`
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
}

// DefaultAgentConfig returns an enabled agent pointed at the local collector
func DefaultAgentConfig() *AgentConfig {
	cfg := &AgentConfig{Enabled: true}
	cfg.applyDefaults()
	return cfg
}

// DefaultCollectorConfig returns a collector listening on the loopback address
func DefaultCollectorConfig() *CollectorConfig {
	cfg := &CollectorConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *AgentConfig) applyDefaults() {
	if c.CollectorURL == "" {
		c.CollectorURL = DefaultCollectorURL
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

func (c *CollectorConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
}

// LoadAgentConfig loads agent config from YAML file with env overrides.
// An empty path yields the defaults plus env overrides.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := AgentConfig{Enabled: true}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if u := os.Getenv("STATEBRIDGE_COLLECTOR_URL"); u != "" {
		cfg.CollectorURL = u
	}
	if v := os.Getenv("STATEBRIDGE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("STATEBRIDGE_ENABLED: %w", err)
		}
		cfg.Enabled = enabled
	}
	if u := os.Getenv("STATEBRIDGE_PAGE_URL"); u != "" {
		cfg.PageURL = u
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadCollectorConfig loads collector config from YAML file with env overrides
func LoadCollectorConfig(path string) (*CollectorConfig, error) {
	var cfg CollectorConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if addr := os.Getenv("STATEBRIDGE_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if p := os.Getenv("STATEBRIDGE_DB_PATH"); p != "" {
		cfg.DBPath = p
	}

	cfg.applyDefaults()
	return &cfg, nil
}
