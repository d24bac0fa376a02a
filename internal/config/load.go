package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrInvalid marks a malformed configuration. Fatal at startup; the CLI
// maps it to exit code 2.
var ErrInvalid = errors.New("config: invalid configuration")

// Load reads and parses a YAML config file, applying defaults for any
// missing keys. Unknown keys are ignored so old daemons can read config
// files written by newer versions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrInit reads the config file if it exists; otherwise it materializes
// the defaults, writes them to path, and returns them. This supports the
// zero-config first-run experience.
func LoadOrInit(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}

		return cfg, nil
	}

	return Load(path)
}

// Validate checks the structural invariants of a config. It returns
// ErrInvalid-wrapped errors so callers can classify the failure.
func Validate(cfg *Config) error {
	if cfg.BaseDir == "" {
		return fmt.Errorf("%w: base_dir must not be empty", ErrInvalid)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, cfg.Port)
	}

	if cfg.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalid)
	}

	switch cfg.SortMode {
	case SortByName, SortByMtime, SortByEXIF:
	default:
		return fmt.Errorf("%w: unknown sort_mode %q", ErrInvalid, cfg.SortMode)
	}

	switch cfg.ConflictPolicy {
	case ConflictSkip, ConflictDedup:
	default:
		return fmt.Errorf("%w: unknown conflict_policy %q", ErrInvalid, cfg.ConflictPolicy)
	}

	if cfg.Download.MaxAttempts < 1 {
		return fmt.Errorf("%w: download.max_attempts must be at least 1", ErrInvalid)
	}

	if len(cfg.Download.AllowedTypes) == 0 {
		return fmt.Errorf("%w: download.allowed_types must not be empty", ErrInvalid)
	}

	return nil
}

// Save serializes cfg to YAML and writes it atomically (temp file +
// rename). Parent directories are created as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}

	return atomicWriteFile(path, data)
}

// Signature returns a stable content signature for cfg: the SHA-256 of
// its canonical YAML serialization. Components compare signatures to
// cheaply detect config changes.
func Signature(cfg *Config) string {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
