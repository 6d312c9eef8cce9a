package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sigreer/deploykit/internal/journal"
	"github.com/sigreer/deploykit/internal/mirror"
	"github.com/sigreer/deploykit/internal/recipe"
)

// Config is the installer configuration. Arch, when set, replaces the
// detected machine name, e.g. "powerpc".
type Config struct {
	ManifestURL string    `yaml:"manifest_url"`
	Arch        string    `yaml:"arch,omitempty"`
	Speedtest   Speedtest `yaml:"speedtest"`
	Journal     Journal   `yaml:"journal"`
	Log         Log       `yaml:"log"`
	Disks       Disks     `yaml:"disks"`
}

type Speedtest struct {
	Workers int           `yaml:"workers"`
	Timeout time.Duration `yaml:"timeout"`
}

type Journal struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path"`
}

// LogLevels are the accepted log.level values
var LogLevels = []string{"debug", "info", "warn", "error"}

// ValidLogLevel reports whether level is one of LogLevels
func ValidLogLevel(level string) bool {
	return slices.Contains(LogLevels, level)
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Disks struct {
	// Exclude holds device path globs hidden from partition listings
	Exclude []string `yaml:"exclude,omitempty"`
}

// defaultConfig provides baseline settings for a stock installer image
var defaultConfig = Config{
	ManifestURL: recipe.DefaultManifestURL,
	Speedtest: Speedtest{
		Workers: mirror.DefaultWorkers,
		Timeout: mirror.DefaultTimeout,
	},
	Journal: Journal{
		Path: journal.DefaultPath,
	},
	Log: Log{
		Level:  "info",
		Format: "text",
	},
	Disks: Disks{
		Exclude: []string{"/dev/loop*", "/dev/zram*", "/dev/sr*"},
	},
}

// Default returns a copy of the built-in configuration
func Default() *Config {
	cfg := defaultConfig
	cfg.Disks.Exclude = append([]string(nil), defaultConfig.Disks.Exclude...)
	return &cfg
}

// Load reads the config file at path, or the first default location that
// exists. Missing files fall back to the built-in configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		candidates := []string{
			"/etc/deploykit/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/deploykit/config.yaml"),
			"deploykit.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(os.ExpandEnv(path))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			merge(cfg, &fileCfg)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge copies every field set in src over dst
func merge(dst, src *Config) {
	if src.ManifestURL != "" {
		dst.ManifestURL = src.ManifestURL
	}
	if src.Arch != "" {
		dst.Arch = src.Arch
	}
	if src.Speedtest.Workers != 0 {
		dst.Speedtest.Workers = src.Speedtest.Workers
	}
	if src.Speedtest.Timeout != 0 {
		dst.Speedtest.Timeout = src.Speedtest.Timeout
	}
	if src.Journal.Enabled != nil {
		dst.Journal.Enabled = src.Journal.Enabled
	}
	if src.Journal.Path != "" {
		dst.Journal.Path = src.Journal.Path
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
	if src.Disks.Exclude != nil {
		dst.Disks.Exclude = src.Disks.Exclude
	}
}

// Validate checks values that cannot be corrected silently
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.ManifestURL, "https://") && !strings.HasPrefix(c.ManifestURL, "http://") {
		return fmt.Errorf("manifest_url must be an http(s) URL, got %q", c.ManifestURL)
	}
	if c.Speedtest.Workers < 1 {
		return fmt.Errorf("speedtest.workers must be at least 1, got %d", c.Speedtest.Workers)
	}
	if c.Speedtest.Timeout <= 0 {
		return fmt.Errorf("speedtest.timeout must be positive, got %s", c.Speedtest.Timeout)
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if !ValidLogLevel(c.Log.Level) {
		return fmt.Errorf("log.level must be one of %s, got %q", strings.Join(LogLevels, ", "), c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	for _, pattern := range c.Disks.Exclude {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("disks.exclude: bad pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// JournalEnabled reports whether disk and benchmark activity is recorded
func (c *Config) JournalEnabled() bool {
	return c.Journal.Enabled == nil || *c.Journal.Enabled
}

// Excluded reports whether a device path matches an exclude pattern
func (c *Config) Excluded(path string) bool {
	for _, pattern := range c.Disks.Exclude {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
