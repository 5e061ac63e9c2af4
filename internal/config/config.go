// Package config parses tagbuild.toml, the declarative description of a
// build: where to scan, where to stage outputs, and which shell rules to
// wire in as action factories. It follows the decode-then-validate shape
// deeklead-horde's internal/ritual package uses for its own TOML format.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the parsed contents of tagbuild.toml.
type Config struct {
	SrcDir        string     `toml:"src_dir"`
	TmpDir        string     `toml:"tmp_dir"`
	MaxConcurrent int        `toml:"max_concurrent"`
	LogFormat     string     `toml:"log_format"`
	Rules         []RuleSpec `toml:"rule"`
}

// RuleSpec declares one shellaction.Rule. Command is a template string;
// the literal substrings "{{input}}" and "{{output}}" are replaced with
// the triggering file's and the allocated output's canonical paths.
type RuleSpec struct {
	Extension    string            `toml:"extension"`
	Verb         string            `toml:"verb"`
	Silent       bool              `toml:"silent"`
	OutputSuffix string            `toml:"output_suffix"`
	Command      string            `toml:"command"`
	Tag          string            `toml:"tag"`
	Env          map[string]string `toml:"env"`
}

// LogFormat values accepted for the log_format field.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Load reads and parses path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses TOML content from bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("config: parsing TOML: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.LogFormat == "" {
		c.LogFormat = LogFormatText
	}
}

// Validate checks that the config describes a runnable build.
func (c *Config) Validate() error {
	if c.SrcDir == "" {
		return fmt.Errorf("config: src_dir is required")
	}
	if c.TmpDir == "" {
		return fmt.Errorf("config: tmp_dir is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("config: invalid log_format %q (want %q or %q)", c.LogFormat, LogFormatText, LogFormatJSON)
	}

	seen := make(map[string]bool)
	for _, r := range c.Rules {
		if r.Extension == "" {
			return fmt.Errorf("config: rule missing required extension field")
		}
		if r.Verb == "" {
			return fmt.Errorf("config: rule %q missing required verb field", r.Extension)
		}
		if r.Command == "" {
			return fmt.Errorf("config: rule %q missing required command field", r.Extension)
		}
		if seen[r.Extension] {
			return fmt.Errorf("config: duplicate rule for extension %q", r.Extension)
		}
		seen[r.Extension] = true
	}
	return nil
}
