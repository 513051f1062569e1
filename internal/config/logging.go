package config

import (
	"fmt"
	"strings"

	"nimo/internal/logging"
)

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`                     // debug, info, warn, error
	Format     string          `yaml:"format" json:"format,omitempty"`                   // json, text
	File       string          `yaml:"file,omitempty" json:"file,omitempty"`             // empty = stderr
	Categories map[string]bool `yaml:"categories,omitempty" json:"categories,omitempty"` // Per-category toggles
}

// IsCategoryEnabled reports whether a category logs. Categories not listed
// are enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	enabled, exists := c.Categories[category]
	return !exists || enabled
}

// Options converts the configuration for logging.Initialize.
func (c *LoggingConfig) Options() logging.Options {
	opts := logging.Options{
		Level:  c.Level,
		Format: c.Format,
		File:   c.File,
	}
	for _, cat := range logging.AllCategories() {
		if c.IsCategoryEnabled(string(cat)) {
			continue
		}
		if opts.Categories == nil {
			opts.Categories = make(map[string]bool)
		}
		opts.Categories[string(cat)] = false
	}
	return opts
}

// Validate rejects unknown levels, formats and categories.
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "text", "console", "json":
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	for name := range c.Categories {
		if !knownCategory(name) {
			return fmt.Errorf("unknown category %q", name)
		}
	}
	return nil
}

func knownCategory(name string) bool {
	for _, cat := range logging.AllCategories() {
		if string(cat) == name {
			return true
		}
	}
	return false
}
