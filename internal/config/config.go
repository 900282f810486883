// Package config loads the webclaw configuration and provides atomic file
// persistence helpers used by the storage watchdog.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the merged webclaw configuration. Fields that default to true
// are pointers so an explicit false in a config file survives the merge.
type Config struct {
	CDP        CDPConfig        `json:"cdp" toml:"cdp" yaml:"cdp"`
	Navigation NavigationConfig `json:"navigation" toml:"navigation" yaml:"navigation"`
	Screenshot ScreenshotConfig `json:"screenshot" toml:"screenshot" yaml:"screenshot"`
	Query      QueryConfig      `json:"query" toml:"query" yaml:"query"`
	Storage    StorageConfig    `json:"storage" toml:"storage" yaml:"storage"`
	Log        LogConfig        `json:"log" toml:"log" yaml:"log"`
}

type CDPConfig struct {
	Endpoint    string `json:"endpoint" toml:"endpoint" yaml:"endpoint"`
	OpTimeoutMS int    `json:"opTimeoutMs" toml:"opTimeoutMs" yaml:"opTimeoutMs"`
}

type NavigationConfig struct {
	TimeoutMS    int   `json:"timeoutMs" toml:"timeoutMs" yaml:"timeoutMs"`
	ValidateURLs *bool `json:"validateUrls" toml:"validateUrls" yaml:"validateUrls"`
}

type ScreenshotConfig struct {
	Format   string `json:"format" toml:"format" yaml:"format"`
	Quality  int    `json:"quality" toml:"quality" yaml:"quality"`
	MaxWidth int    `json:"maxWidth" toml:"maxWidth" yaml:"maxWidth"`
}

type QueryConfig struct {
	WaitForSelector *bool `json:"waitForSelector" toml:"waitForSelector" yaml:"waitForSelector"`
	WaitWindowMS    int   `json:"waitWindowMs" toml:"waitWindowMs" yaml:"waitWindowMs"`
	PollMS          int   `json:"pollMs" toml:"pollMs" yaml:"pollMs"`
}

type StorageConfig struct {
	Path          string `json:"path" toml:"path" yaml:"path"`
	FlushSchedule string `json:"flushSchedule" toml:"flushSchedule" yaml:"flushSchedule"`
	MaxBackups    int    `json:"maxBackups" toml:"maxBackups" yaml:"maxBackups"`
}

type LogConfig struct {
	Level string `json:"level" toml:"level" yaml:"level"`
}

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		CDP: CDPConfig{
			Endpoint:    "http://localhost:9222",
			OpTimeoutMS: 5000,
		},
		Navigation: NavigationConfig{
			TimeoutMS:    30000,
			ValidateURLs: boolPtr(true),
		},
		Screenshot: ScreenshotConfig{
			Format:   "jpeg",
			Quality:  80,
			MaxWidth: 1600,
		},
		Query: QueryConfig{
			WaitForSelector: boolPtr(true),
			WaitWindowMS:    5000,
			PollMS:          100,
		},
		Storage: StorageConfig{
			FlushSchedule: "@every 5m",
			MaxBackups:    5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// candidatePaths lists the default config locations, first hit wins
func candidatePaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, ".webclaw")
	return []string{
		filepath.Join(dir, "webclaw.json"),
		filepath.Join(dir, "webclaw.toml"),
		filepath.Join(dir, "webclaw.yaml"),
		filepath.Join(dir, "webclaw.yml"),
	}
}

// Load reads the config at path, or the first of the default locations
// when path is empty. File values win over defaults; missing fields are
// filled in. No file at all yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, p := range candidatePaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("config %s: unsupported format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}
	return cfg, nil
}

// ResolveOpTimeout is the per-command deadline
func (c *Config) ResolveOpTimeout() time.Duration {
	return time.Duration(c.CDP.OpTimeoutMS) * time.Millisecond
}

// ResolveNavigateTimeout is the load-event wait deadline
func (c *Config) ResolveNavigateTimeout() time.Duration {
	return time.Duration(c.Navigation.TimeoutMS) * time.Millisecond
}

// ResolveWaitWindow is the wait-for-selector window, zero when the wait is
// disabled
func (c *Config) ResolveWaitWindow() time.Duration {
	if c.Query.WaitForSelector != nil && !*c.Query.WaitForSelector {
		return 0
	}
	return time.Duration(c.Query.WaitWindowMS) * time.Millisecond
}

// ResolvePoll is the wait-for-selector re-query interval
func (c *Config) ResolvePoll() time.Duration {
	return time.Duration(c.Query.PollMS) * time.Millisecond
}

// ValidateURLsEnabled reports whether SSRF checks run before navigation
func (c *Config) ValidateURLsEnabled() bool {
	return c.Navigation.ValidateURLs == nil || *c.Navigation.ValidateURLs
}
