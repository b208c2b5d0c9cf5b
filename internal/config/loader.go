// Package config provides configuration loading for cass.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// envKeyMap maps the fixed, historically-named environment variables onto
// koanf's dotted key space. cass's env vars don't follow a single
// SECTION_FIELD convention: CASS_DAEMON_RETRY_MAX and OPENCODE_STORAGE_ROOT
// have unrelated prefixes inherited from the per-connector tools they name,
// so the mapping is an explicit table rather than a generic
// split-on-first-underscore transform.
var envKeyMap = map[string]string{
	"CASS_STREAMING_INDEX":        "indexing.streaming_index",
	"CASS_DAEMON_RETRY_MAX":       "daemon.retry_max",
	"CASS_DAEMON_BACKOFF_BASE_MS": "daemon.backoff_base_ms",
	"CASS_DAEMON_BACKOFF_MAX_MS":  "daemon.backoff_max_ms",
	"CASS_DAEMON_JITTER_PCT":      "daemon.jitter_pct",
	"OPENCODE_STORAGE_ROOT":       "connectors.opencode.storage_root",
	"CHATGPT_ENCRYPTION_KEY":      "connectors.chatgpt.encryption_key",
	"PI_CODING_AGENT_DIR":         "connectors.piagent.dir",
	"CODEX_HOME":                  "connectors.codex.home",
}

// LoadWithFile loads configuration from a YAML file, then overrides with the
// environment variables named in envKeyMap.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CASS_DAEMON_RETRY_MAX, OPENCODE_STORAGE_ROOT, etc.)
//  2. YAML config file (~/.config/cass/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, uses
// the default path.
//
// # Security Considerations
//
// File Permissions: Configuration file MUST have 0600 (owner read/write) or
// 0400 (owner read-only) permissions. Any other mode (e.g. 0644
// world-readable) is rejected.
//
// Path Validation: Only configuration files in allowed directories can be
// loaded:
//   - ~/.config/cass/ (user's config directory)
//   - /etc/cass/ (system-wide config directory)
//
// Absolute paths outside these directories are rejected to prevent path
// traversal.
//
// File Size Limit: Configuration files larger than 1MB are rejected to
// prevent resource exhaustion.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "cass", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		if key, ok := envKeyMap[s]; ok {
			return key
		}
		return ""
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the cass config directory if it doesn't exist.
// The directory is created with 0700 permissions (owner read/write/execute
// only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "cass")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "cass"),
		"/etc/cass",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/cass/ or /etc/cass/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid TOCTOU.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Daemon.RetryMax == 0 {
		cfg.Daemon.RetryMax = 2
	}
	if cfg.Daemon.BackoffBaseMS == 0 {
		cfg.Daemon.BackoffBaseMS = 200
	}
	if cfg.Daemon.BackoffMaxMS == 0 {
		cfg.Daemon.BackoffMaxMS = 5000
	}
	if cfg.Daemon.JitterPct == 0 {
		cfg.Daemon.JitterPct = 0.2
	}
}
