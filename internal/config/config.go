package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nimo/internal/mangle"
	"nimo/internal/reward"
	"nimo/internal/validation"
)

// Config holds all nimo configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Fact store and its backend
	Store StoreConfig `yaml:"store"`

	// Scoring policy
	Validation validation.Config `yaml:"validation"`

	// Token awards and secondary-asset payouts
	Reward reward.Config       `yaml:"reward"`
	Payout reward.PayoutConfig `yaml:"payout"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the fact store.
type StoreConfig struct {
	Backend      string `yaml:"backend"`       // mangle, memory
	StatePath    string `yaml:"state_path"`    // persisted fact document
	ArchivePath  string `yaml:"archive_path"`  // SQLite snapshot archive; empty disables
	FactLimit    int    `yaml:"fact_limit"`    // mangle backend only; 0 = unlimited
	QueryTimeout string `yaml:"query_timeout"` // mangle backend only
}

// Backends lists the supported fact store backends.
var Backends = []string{"mangle", "memory"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "nimo",
		Version: "1.0.0",
		Store: StoreConfig{
			Backend:      "mangle",
			StatePath:    filepath.Join(".nimo", "facts.json"),
			FactLimit:    100000,
			QueryTimeout: "30s",
		},
		Validation: validation.DefaultConfig(),
		Reward:     reward.DefaultConfig(),
		Payout:     reward.DefaultPayoutConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults.
// Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := cfg.clearListedMaps(data); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// mapSections records which category tables a config file sets.
type mapSections struct {
	Validation struct {
		CategoryBase   yaml.Node `yaml:"category_base"`
		CategorySkills yaml.Node `yaml:"category_skills"`
	} `yaml:"validation"`
	Reward struct {
		CategoryMultipliers yaml.Node `yaml:"category_multipliers"`
	} `yaml:"reward"`
}

// clearListedMaps drops the default category tables that data sets, so a
// table in the file replaces the default table instead of merging into it.
func (c *Config) clearListedMaps(data []byte) error {
	var sections mapSections
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return err
	}
	if sections.Validation.CategoryBase.Kind != 0 {
		c.Validation.CategoryBase = nil
	}
	if sections.Validation.CategorySkills.Kind != 0 {
		c.Validation.CategorySkills = nil
	}
	if sections.Reward.CategoryMultipliers.Kind != 0 {
		c.Reward.CategoryMultipliers = nil
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("NIMO_STATE"); path != "" {
		c.Store.StatePath = path
	}
	if backend := os.Getenv("NIMO_BACKEND"); backend != "" {
		c.Store.Backend = strings.ToLower(backend)
	}
	if path := os.Getenv("NIMO_ARCHIVE"); path != "" {
		c.Store.ArchivePath = path
	}
	if level := os.Getenv("NIMO_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if asset := os.Getenv("NIMO_PAYOUT_ASSET"); asset != "" {
		c.Payout.Asset = asset
	}
}

// GetQueryTimeout returns the Datalog query timeout.
func (c *Config) GetQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Store.QueryTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// MangleConfig returns the engine settings for the mangle backend.
func (c *Config) MangleConfig() mangle.Config {
	return mangle.Config{
		FactLimit:    c.Store.FactLimit,
		QueryTimeout: c.GetQueryTimeout(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validBackend := false
	for _, b := range Backends {
		if c.Store.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, Backends)
	}
	if c.Store.FactLimit < 0 {
		return fmt.Errorf("store.fact_limit must not be negative: %d", c.Store.FactLimit)
	}
	if c.Store.QueryTimeout != "" {
		if _, err := time.ParseDuration(c.Store.QueryTimeout); err != nil {
			return fmt.Errorf("invalid store.query_timeout %q: %w", c.Store.QueryTimeout, err)
		}
	}
	if err := c.Validation.Validate(); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if err := c.Reward.Validate(); err != nil {
		return fmt.Errorf("reward: %w", err)
	}
	if err := c.Payout.Validate(); err != nil {
		return fmt.Errorf("payout: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
