// Package config implements YAML configuration loading, atomic persistence,
// and change notification for sia. The config lives at ~/.sia/config.yaml;
// defaults are materialized and written on first run so users always have a
// file to edit. Unknown keys are ignored and missing keys fall back to
// defaults, keeping old config files forward-compatible.
package config

import (
	"os"
	"path/filepath"
)

// Config is the durable daemon configuration. All fields have working
// defaults; a zero-config first run produces a usable archive under
// ~/SIA-Gallery served on the default loopback port.
type Config struct {
	BaseDir         string         `yaml:"base_dir" json:"base_dir"`
	Port            int            `yaml:"port" json:"port"`
	HMACKey         string         `yaml:"hmac_key" json:"hmac_key"`
	Concurrency     int            `yaml:"concurrency" json:"concurrency"`
	RetryBackoff    float64        `yaml:"retry_backoff" json:"retry_backoff"`
	EnableHardlinks bool           `yaml:"enable_hardlinks" json:"enable_hardlinks"`
	LogDir          string         `yaml:"log_dir" json:"log_dir"`
	LogLevel        string         `yaml:"log_level" json:"log_level"`
	SortMode        string         `yaml:"sort_mode" json:"sort_mode"`
	ConflictPolicy  string         `yaml:"conflict_policy" json:"conflict_policy"`
	Download        DownloadPolicy `yaml:"download" json:"download"`
}

// DownloadPolicy controls the strict downloader: which content types are
// admitted, how large a /save request body may be, and the per-URL retry
// budget.
type DownloadPolicy struct {
	AllowedTypes   []string `yaml:"allowed_types" json:"allowed_types"`
	MaxBodyKB      int      `yaml:"max_body_kb" json:"max_body_kb"`
	MaxAttempts    int      `yaml:"max_attempts" json:"max_attempts"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Sort mode and conflict policy values accepted by the naming engine.
const (
	SortByName  = "name"
	SortByMtime = "mtime"
	SortByEXIF  = "exif"

	ConflictSkip  = "skip"
	ConflictDedup = "dedup"
)

// Default values. The HMAC key default is deliberately unusable as a
// secret; the serve command warns when it is still in place.
const (
	defaultPort         = 18080
	defaultHMACKey      = "change-me"
	defaultConcurrency  = 2
	defaultRetryBackoff = 0.5
	defaultMaxBodyKB    = 64
	defaultMaxAttempts  = 4
	defaultTimeoutSecs  = 30
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		BaseDir:        filepath.Join(home, "SIA-Gallery"),
		Port:           defaultPort,
		HMACKey:        defaultHMACKey,
		Concurrency:    defaultConcurrency,
		RetryBackoff:   defaultRetryBackoff,
		LogDir:         filepath.Join(ConfigDir(), "logs"),
		LogLevel:       "info",
		SortMode:       SortByName,
		ConflictPolicy: ConflictSkip,
		Download: DownloadPolicy{
			AllowedTypes: []string{
				"image/jpeg",
				"image/png",
				"image/gif",
				"image/webp",
			},
			MaxBodyKB:      defaultMaxBodyKB,
			MaxAttempts:    defaultMaxAttempts,
			TimeoutSeconds: defaultTimeoutSecs,
		},
	}
}

// ConfigDir returns the sia configuration directory (~/.sia).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".sia")
}

// DefaultConfigPath returns the default config file location
// (~/.sia/config.yaml).
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// AllowsType reports whether the given media type (parameters already
// stripped) is admitted by the download policy.
func (p DownloadPolicy) AllowsType(mediaType string) bool {
	for _, t := range p.AllowedTypes {
		if t == mediaType {
			return true
		}
	}

	return false
}

// MaxBodyBytes returns the request body admission limit in bytes.
func (p DownloadPolicy) MaxBodyBytes() int64 {
	return int64(p.MaxBodyKB) * 1024
}
