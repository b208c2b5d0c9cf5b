// internal/config/config.go
package config

import (
	"fmt"
)

// Config is the resolved configuration value the core subsystems accept.
// Loading it (file + environment overlay) is internal/config's job; once
// resolved, a Config is plain data and every subsystem that reads from it
// treats it as immutable.
type Config struct {
	Indexing   IndexingConfig   `koanf:"indexing"`
	Daemon     DaemonConfig     `koanf:"daemon"`
	Connectors ConnectorsConfig `koanf:"connectors"`
}

// IndexingConfig controls pipeline indexing behavior.
type IndexingConfig struct {
	// StreamingIndex enables the streaming ingest path (the bounded
	// producer/writer pipeline) instead of a batch full rebuild.
	StreamingIndex bool `koanf:"streaming_index"`
}

// DaemonConfig mirrors daemon.RetryConfig's shape so a config file or the
// CASS_DAEMON_* env vars can override the daemon client's retry/backoff
// policy without touching daemon.RetryConfigFromEnv's own getenv path.
type DaemonConfig struct {
	RetryMax      int     `koanf:"retry_max"`
	BackoffBaseMS int     `koanf:"backoff_base_ms"`
	BackoffMaxMS  int     `koanf:"backoff_max_ms"`
	JitterPct     float64 `koanf:"jitter_pct"`
}

// ConnectorsConfig holds per-connector overrides. Each field maps directly
// onto the corresponding connector's *Override field; an empty value means
// "let the connector fall back to its own default resolution".
type ConnectorsConfig struct {
	OpenCode      OpenCodeConnectorConfig      `koanf:"opencode"`
	ChatGPT       ChatGPTConnectorConfig       `koanf:"chatgpt"`
	PiCodingAgent PiCodingAgentConnectorConfig `koanf:"piagent"`
	Codex         CodexConnectorConfig         `koanf:"codex"`
}

// OpenCodeConnectorConfig overrides connectors/opencode's storage root.
type OpenCodeConnectorConfig struct {
	StorageRoot string `koanf:"storage_root"`
}

// ChatGPTConnectorConfig holds the ChatGPT desktop export decryption key.
type ChatGPTConnectorConfig struct {
	EncryptionKey Secret `koanf:"encryption_key"`
}

// PiCodingAgentConnectorConfig overrides connectors/piagent's home directory.
type PiCodingAgentConnectorConfig struct {
	Dir string `koanf:"dir"`
}

// CodexConnectorConfig overrides connectors/codex's CODEX_HOME.
type CodexConnectorConfig struct {
	Home string `koanf:"home"`
}

// Validate checks a resolved Config for internally inconsistent values.
// It does not check filesystem existence of any path; connectors already
// degrade gracefully when a configured path is absent.
func (c *Config) Validate() error {
	if c.Daemon.RetryMax < 0 {
		return fmt.Errorf("daemon.retry_max must be >= 0, got %d", c.Daemon.RetryMax)
	}
	if c.Daemon.BackoffBaseMS < 0 {
		return fmt.Errorf("daemon.backoff_base_ms must be >= 0, got %d", c.Daemon.BackoffBaseMS)
	}
	if c.Daemon.BackoffMaxMS < 0 {
		return fmt.Errorf("daemon.backoff_max_ms must be >= 0, got %d", c.Daemon.BackoffMaxMS)
	}
	if c.Daemon.BackoffMaxMS > 0 && c.Daemon.BackoffBaseMS > c.Daemon.BackoffMaxMS {
		return fmt.Errorf("daemon.backoff_base_ms (%d) must be <= daemon.backoff_max_ms (%d)",
			c.Daemon.BackoffBaseMS, c.Daemon.BackoffMaxMS)
	}
	if c.Daemon.JitterPct < 0 || c.Daemon.JitterPct > 1 {
		return fmt.Errorf("daemon.jitter_pct must be within [0,1], got %f", c.Daemon.JitterPct)
	}
	return nil
}
