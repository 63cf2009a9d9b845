// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the jitdebug reader binary.
type Config struct {
	Reader        ReaderConfig  `yaml:"reader"`
	SelfTelemetry SelfTelemetry `yaml:"selfTelemetry"`
}

// ReaderConfig mirrors jitdebug.Config's constructor options so they
// can be supplied from a YAML file instead of flags.
type ReaderConfig struct {
	SymfilePrefix string `yaml:"symfile_prefix"`
	SymfileOption string `yaml:"symfile_option"` // "keep" | "drop_on_close"
	SyncOption    string `yaml:"sync_option"`    // "eager" | "reorder"
}

// SelfTelemetry controls where the reader's own Prometheus metrics are
// exposed.
type SelfTelemetry struct {
	Listen string `yaml:"listen"`
	NS     string `yaml:"prometheus_namespace"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Reader.SymfilePrefix == "" {
		c.Reader.SymfilePrefix = "/tmp/jitdebug"
	}
	if c.Reader.SymfileOption == "" {
		c.Reader.SymfileOption = "keep"
	}
	if c.Reader.SyncOption == "" {
		c.Reader.SyncOption = "eager"
	}
	if c.SelfTelemetry.Listen == "" {
		c.SelfTelemetry.Listen = ":19090"
	}
	if c.SelfTelemetry.NS == "" {
		c.SelfTelemetry.NS = "jitdebug"
	}
}

func (c *Config) validate() error {
	switch c.Reader.SymfileOption {
	case "keep", "drop_on_close":
	default:
		return fmt.Errorf("config: reader.symfile_option must be \"keep\" or \"drop_on_close\", got %q", c.Reader.SymfileOption)
	}
	switch c.Reader.SyncOption {
	case "eager", "reorder":
	default:
		return fmt.Errorf("config: reader.sync_option must be \"eager\" or \"reorder\", got %q", c.Reader.SyncOption)
	}
	return nil
}
