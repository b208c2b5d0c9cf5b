// Package sources holds the data model and TOML persistence for remote
// source definitions: named locations (local or SSH) cass can scan agent
// sessions from, with path-rewrite rules mapping remote workspace paths to
// local equivalents. Adapted from original_source/src/sources/config.rs;
// the core query/index/export machinery accepts a resolved
// []normalize.ScanRoot rather than loading this file itself, so this
// package's Load/Save pair is used only by cmd/cass at startup.
package sources

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cassctl/cass/internal/sanitize"
)

// SourceKind distinguishes a local filesystem source from a remote SSH one.
type SourceKind string

const (
	KindLocal SourceKind = "local"
	KindSSH   SourceKind = "ssh"
)

// SyncSchedule controls when a remote source is automatically synced.
type SyncSchedule string

const (
	ScheduleManual SyncSchedule = "manual"
	ScheduleHourly SyncSchedule = "hourly"
	ScheduleDaily  SyncSchedule = "daily"
)

// Platform hints which default session paths apply to a source.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// PathMapping rewrites a path prefix from a remote location to a local one,
// optionally scoped to specific agents.
type PathMapping struct {
	From   string   `toml:"from"`
	To     string   `toml:"to"`
	Agents []string `toml:"agents,omitempty"`
}

func NewPathMapping(from, to string) PathMapping {
	return PathMapping{From: from, To: to}
}

func NewPathMappingForAgents(from, to string, agents []string) PathMapping {
	return PathMapping{From: from, To: to, Agents: agents}
}

// Apply rewrites path if it has this mapping's From prefix, honoring a
// separator boundary so "/home/user2" does not match mapping "/home/user".
func (m PathMapping) Apply(path string) (string, bool) {
	if path == m.From {
		return m.To, true
	}
	if !strings.HasPrefix(path, m.From) {
		return "", false
	}
	rest := path[len(m.From):]
	boundaryOK := strings.HasSuffix(m.From, "/") || strings.HasSuffix(m.From, "\\") ||
		strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "\\")
	if !boundaryOK {
		return "", false
	}
	return m.To + rest, true
}

// AppliesToAgent reports whether this mapping is in scope for agent. A nil
// Agents list applies to every agent.
func (m PathMapping) AppliesToAgent(agent string) bool {
	if len(m.Agents) == 0 {
		return true
	}
	if agent == "" {
		return true
	}
	for _, a := range m.Agents {
		if a == agent {
			return true
		}
	}
	return false
}

// SourceDefinition describes a single source, local or remote.
type SourceDefinition struct {
	Name         string        `toml:"name"`
	Type         SourceKind    `toml:"type"`
	Host         string        `toml:"host,omitempty"`
	Paths        []string      `toml:"paths,omitempty"`
	SyncSchedule SyncSchedule  `toml:"sync_schedule,omitempty"`
	PathMappings []PathMapping `toml:"path_mappings,omitempty"`
	Platform     Platform      `toml:"platform,omitempty"`
}

func NewLocalSource(name string) SourceDefinition {
	return SourceDefinition{Name: name, Type: KindLocal, SyncSchedule: ScheduleManual}
}

func NewSSHSource(name, host string) SourceDefinition {
	return SourceDefinition{Name: name, Type: KindSSH, Host: host, SyncSchedule: ScheduleManual}
}

func (s SourceDefinition) IsRemote() bool { return s.Type == KindSSH }

// Validate checks the structural invariants on a source definition: a
// non-empty name with no path separators or dot components, a present,
// well-formed host for SSH sources, and safe scan path glob patterns.
func (s SourceDefinition) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name cannot be empty")
	}
	if strings.ContainsAny(s.Name, "/\\") {
		return fmt.Errorf("source name cannot contain path separators")
	}
	if s.Name == "." || s.Name == ".." {
		return fmt.Errorf("source name cannot be '.' or '..'")
	}
	if s.IsRemote() {
		if s.Host == "" {
			return fmt.Errorf("ssh sources require a host")
		}
		if err := validateSSHHost(s.Host); err != nil {
			return err
		}
	}
	if err := sanitize.ValidateGlobPatterns(s.Paths); err != nil {
		return fmt.Errorf("invalid scan path pattern: %w", err)
	}
	return nil
}

func validateSSHHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("ssh host cannot be empty")
	}
	if strings.HasPrefix(host, "-") {
		return fmt.Errorf("ssh host cannot start with '-' (would be parsed as an ssh option)")
	}
	for _, r := range host {
		if r <= ' ' || r == 127 {
			return fmt.Errorf("ssh host cannot contain whitespace or control characters")
		}
	}
	return nil
}

// RewritePath applies RewritePathForAgent with no agent filter.
func (s SourceDefinition) RewritePath(path string) string {
	return s.RewritePathForAgent(path, "")
}

// RewritePathForAgent applies the longest matching prefix mapping scoped to
// agent, or returns path unchanged if none match.
func (s SourceDefinition) RewritePathForAgent(path, agent string) string {
	candidates := make([]PathMapping, 0, len(s.PathMappings))
	for _, m := range s.PathMappings {
		if m.AppliesToAgent(agent) {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i].From) > len(candidates[j].From) })
	for _, m := range candidates {
		if rewritten, ok := m.Apply(path); ok {
			return rewritten
		}
	}
	return path
}

// SourcesConfig is the root TOML document.
type SourcesConfig struct {
	Sources []SourceDefinition `toml:"sources"`
}

// Validate validates every source in the config.
func (c SourcesConfig) Validate() error {
	for _, s := range c.Sources {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("source %q: %w", s.Name, err)
		}
	}
	return nil
}

// ConfigPath resolves the default sources.toml location, honoring
// XDG_CONFIG_HOME before falling back to ~/.config/cass/sources.toml.
func ConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "cass", "sources.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(home, ".config", "cass", "sources.toml"), nil
}

// Load reads SourcesConfig from the default location, returning an empty
// config (not an error) if the file does not exist.
func Load() (SourcesConfig, error) {
	path, err := ConfigPath()
	if err != nil {
		return SourcesConfig{}, err
	}
	return LoadFrom(path)
}

// LoadFrom reads and validates SourcesConfig from an explicit path.
func LoadFrom(path string) (SourcesConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return SourcesConfig{}, nil
	}
	var cfg SourcesConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return SourcesConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return SourcesConfig{}, err
	}
	return cfg, nil
}

// Save writes SourcesConfig to the default location, creating parent
// directories as needed.
func (c SourcesConfig) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes SourcesConfig to an explicit path.
func (c SourcesConfig) SaveTo(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}
