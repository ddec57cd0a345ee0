// Package config loads and validates the server configuration tree.
// The file is YAML; every key has a default so an empty file yields a
// runnable server. A SafeConfig wrapper gives concurrent readers a
// consistent snapshot.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/persist"
)

// Config is the complete configuration tree.
type Config struct {
	Core     CoreConfig    `yaml:"core"`
	Server   ServerConfig  `yaml:"server"`
	Persist  PersistConfig `yaml:"persist"`
	Slaves   SlavesConfig  `yaml:"slaves"`
	Webhooks FeatureConfig `yaml:"webhooks"`
	Reverse  FeatureConfig `yaml:"reverse"`
	Ports    []PortConfig  `yaml:"ports"`
	Logging  LoggingConfig `yaml:"logging"`
}

// CoreConfig tunes the scheduler and client-facing limits.
type CoreConfig struct {
	TickIntervalMS    int `yaml:"tick_interval"`
	EventQueueSize    int `yaml:"event_queue_size"`
	MaxClientTimeSkew int `yaml:"max_client_time_skew"` // seconds
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

// PersistConfig selects and parameterizes the persistence driver.
type PersistConfig struct {
	Driver string         `yaml:"driver"`
	Params map[string]any `yaml:"params"`
}

// SlavesConfig tunes outbound slave API calls.
type SlavesConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutS       int  `yaml:"timeout"`
	LongTimeoutS   int  `yaml:"long_timeout"`
	KeepaliveS     int  `yaml:"keepalive"`
	RetryCount     int  `yaml:"retry_count"`
	RetryIntervalS int  `yaml:"retry_interval"`
}

// FeatureConfig gates an optional subsystem on or off; its runtime
// parameters live in persistence.
type FeatureConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PortConfig declares a static port materialized at startup.
type PortConfig struct {
	ID      string    `yaml:"id"`
	Type    string    `yaml:"type"`
	Min     *float64  `yaml:"min"`
	Max     *float64  `yaml:"max"`
	Integer bool      `yaml:"integer"`
	Step    *float64  `yaml:"step"`
	Choices []float64 `yaml:"choices"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var portIDRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]{0,63}$`)

// Default returns the configuration an empty file produces.
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			TickIntervalMS:    50,
			EventQueueSize:    256,
			MaxClientTimeSkew: 300,
		},
		Server: ServerConfig{
			Addr: "0.0.0.0",
			Port: 8888,
		},
		Persist: PersistConfig{
			Driver: "memory",
		},
		Slaves: SlavesConfig{
			Enabled:        true,
			TimeoutS:       10,
			LongTimeoutS:   60,
			KeepaliveS:     60,
			RetryCount:     3,
			RetryIntervalS: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and validates a configuration file. A missing file is an
// error; an empty one is not.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", path)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "config",
			"Parse", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the tree for values the server cannot run with.
func (c *Config) Validate() error {
	fail := func(detail string) error {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config",
			"Validate", detail)
	}

	if c.Core.TickIntervalMS <= 0 {
		return fail("core.tick_interval must be positive")
	}
	if c.Core.EventQueueSize <= 0 {
		return fail("core.event_queue_size must be positive")
	}
	if c.Core.MaxClientTimeSkew < 0 {
		return fail("core.max_client_time_skew must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fail("server.port out of range")
	}

	known := false
	for _, name := range persist.DriverNames() {
		if name == c.Persist.Driver {
			known = true
			break
		}
	}
	if !known {
		return errors.WrapFatal(errors.ErrUnknownDriver, "config", "Validate",
			c.Persist.Driver)
	}

	if c.Slaves.TimeoutS <= 0 || c.Slaves.LongTimeoutS <= 0 {
		return fail("slaves timeouts must be positive")
	}
	// The keepalive rides as the /listen timeout, which peers cap at
	// one hour.
	if c.Slaves.KeepaliveS < 1 || c.Slaves.KeepaliveS > 3600 {
		return fail("slaves.keepalive out of range")
	}
	if c.Slaves.RetryCount < 0 || c.Slaves.RetryIntervalS <= 0 {
		return fail("slaves retry settings out of range")
	}

	seen := map[string]struct{}{}
	for _, p := range c.Ports {
		if !portIDRegexp.MatchString(p.ID) {
			return fail(fmt.Sprintf("ports: bad id %q", p.ID))
		}
		if _, dup := seen[p.ID]; dup {
			return fail(fmt.Sprintf("ports: duplicate id %q", p.ID))
		}
		seen[p.ID] = struct{}{}
		if p.Type != "boolean" && p.Type != "number" {
			return fail(fmt.Sprintf("ports: bad type %q for %q", p.Type, p.ID))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fail(fmt.Sprintf("logging.level: unknown level %q", c.Logging.Level))
	}
	return nil
}

// TickInterval returns core.tick_interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Core.TickIntervalMS) * time.Millisecond
}

// SafeConfig provides thread-safe access to the configuration.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps an already validated configuration.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns the current configuration snapshot. Callers must not
// mutate it.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg
}

// Update validates and atomically replaces the configuration.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config",
			"Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	sc.cfg = cfg
	sc.mu.Unlock()
	return nil
}
