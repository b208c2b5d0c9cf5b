// Package stub provides detect-only connectors for assistants whose storage
// format was not available to ground a full parser on: gemini, aider,
// cline, amp (referenced in original_source/src/connectors/mod.rs as
// `pub mod gemini;`, `pub mod aider;`, `pub mod cline;`, `pub mod amp;`, but
// without retrievable parsing source in this pack). Detect reports whether
// the assistant's well-known directory exists; Scan always returns a single
// warning rather than guessing at an unverified format.
package stub

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/normalize"
)

// Connector is a detect-only stand-in. Scan never returns conversations.
type Connector struct {
	slug        string
	defaultPath func() (string, error)
}

func New(slug string, defaultPath func() (string, error)) *Connector {
	return &Connector{slug: slug, defaultPath: defaultPath}
}

func (c *Connector) Slug() string { return c.slug }

// DefaultRoot exposes the connector's default scan root for callers (e.g.
// watch mode) that need a directory to monitor without running a scan.
func (c *Connector) DefaultRoot() (string, error) { return c.defaultPath() }

func (c *Connector) Detect(ctx context.Context) connectors.DetectionResult {
	path, err := c.defaultPath()
	if err != nil {
		return connectors.DetectionResult{Evidence: []string{err.Error()}}
	}
	if _, err := os.Stat(path); err != nil {
		return connectors.DetectionResult{Evidence: []string{"no directory at " + path}}
	}
	return connectors.DetectionResult{Detected: true, Evidence: []string{"found " + path + " (parsing not implemented)"}}
}

func (c *Connector) Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []connectors.Warning, error) {
	return nil, []connectors.Warning{{
		Connector: c.slug,
		Message:   "connector is detect-only, session parsing is not implemented",
	}}, nil
}

var _ connectors.Connector = (*Connector)(nil)

func homeJoin(parts ...string) func() (string, error) {
	return func() (string, error) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(append([]string{home}, parts...)...), nil
	}
}

// Gemini returns a stub for Google's Gemini CLI, whose session directory is
// conventionally ~/.gemini.
func Gemini() *Connector { return New("gemini", homeJoin(".gemini")) }

// Aider returns a stub for aider, which keeps its chat history alongside
// the project (.aider.chat.history.md) rather than under a home directory;
// default path points at aider's cache directory for coarse detection.
func Aider() *Connector { return New("aider", homeJoin(".aider")) }

// Cline returns a stub for the Cline VS Code extension's task storage.
func Cline() *Connector {
	return New("cline", homeJoin(".config", "Code", "User", "globalStorage", "saoudrizwan.claude-dev"))
}

// Amp returns a stub for Sourcegraph Amp's session storage.
func Amp() *Connector { return New("amp", homeJoin(".amp")) }
