// Package codex implements the Connector for OpenAI Codex CLI's rollout
// session format: JSONL files under
// $CODEX_HOME/sessions/<year>/<month>/<day>/rollout-*.jsonl (default
// CODEX_HOME is ~/.codex), one event object per line with a "type"
// discriminator distinguishing prompts from model responses.
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/normalize"
)

const Slug = "codex"

const envHome = "CODEX_HOME"

const maxLineSize = 10 * 1024 * 1024

type rolloutEvent struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Timestamp string          `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
	CWD       string          `json:"cwd"`
}

type Connector struct {
	HomeOverride string // test hook; falls back to $CODEX_HOME then ~/.codex
}

func New() *Connector { return &Connector{} }

func (c *Connector) Slug() string { return Slug }

func (c *Connector) home() (string, error) {
	if c.HomeOverride != "" {
		return c.HomeOverride, nil
	}
	if v := os.Getenv(envHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".codex"), nil
}

// DefaultRoot exposes the connector's default scan root for callers (e.g.
// watch mode) that need a directory to monitor without running a scan.
func (c *Connector) DefaultRoot() (string, error) { return c.home() }

func (c *Connector) Detect(ctx context.Context) connectors.DetectionResult {
	home, err := c.home()
	if err != nil {
		return connectors.DetectionResult{Evidence: []string{err.Error()}}
	}
	sessionsDir := filepath.Join(home, "sessions")
	if _, err := os.Stat(sessionsDir); err != nil {
		return connectors.DetectionResult{Evidence: []string{"no sessions directory at " + sessionsDir}}
	}
	return connectors.DetectionResult{Detected: true, Evidence: []string{"found " + sessionsDir}}
}

func (c *Connector) Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []connectors.Warning, error) {
	roots := sc.ScanRoots
	if sc.UseDefaultDetection() {
		home, err := c.home()
		if err != nil {
			return nil, nil, err
		}
		roots = []normalize.ScanRoot{{Path: filepath.Join(home, "sessions"), Origin: normalize.DefaultOrigin()}}
	}

	var conversations []normalize.Conversation
	var warnings []connectors.Warning

	for _, root := range roots {
		select {
		case <-ctx.Done():
			return conversations, warnings, ctx.Err()
		default:
		}
		matches, _ := filepath.Glob(filepath.Join(root.Path, "*", "*", "*", "rollout-*.jsonl"))
		for _, path := range matches {
			if !connectors.ModifiedSince(path, sc.SinceTS) {
				continue
			}
			conv, warn, err := c.parseRollout(path, root)
			if err != nil {
				warnings = append(warnings, connectors.Warning{Connector: Slug, Path: path, Message: err.Error()})
				continue
			}
			warnings = append(warnings, warn...)
			if conv != nil {
				conversations = append(conversations, *conv)
			}
		}
	}
	return conversations, warnings, nil
}

func (c *Connector) parseRollout(path string, root normalize.ScanRoot) (*normalize.Conversation, []connectors.Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var messages []normalize.Message
	var warnings []connectors.Warning
	var workspace string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev rolloutEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			warnings = append(warnings, connectors.Warning{Connector: Slug, Path: path, Message: "malformed line, skipped"})
			continue
		}
		if ev.CWD != "" {
			workspace = ev.CWD
		}
		var role normalize.Role
		switch {
		case ev.Role == "user" || ev.Type == "prompt":
			role = normalize.RoleUser
		case ev.Role == "assistant" || ev.Type == "response":
			role = normalize.RoleAssistant
		default:
			continue
		}
		content := normalize.FlattenContent(ev.Content)
		ms, ok := normalize.ParseTimestampString(ev.Timestamp)
		messages = append(messages, normalize.Message{
			Role:      role,
			CreatedAt: normalize.MillisToTime(ms, ok),
			Content:   content,
			ExtraJSON: line,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, err
	}

	messages = normalize.Renumber(messages)
	if len(messages) == 0 {
		return nil, warnings, nil
	}

	externalID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	conv := &normalize.Conversation{
		ID:         externalID,
		Agent:      Slug,
		Workspace:  workspace,
		ExternalID: externalID,
		SourcePath: path,
		Origin:     root.Origin,
		Messages:   messages,
	}
	if messages[0].CreatedAt != nil {
		conv.StartedAt = messages[0].CreatedAt
	}
	if last := messages[len(messages)-1].CreatedAt; last != nil {
		conv.EndedAt = last
	}
	return conv, warnings, nil
}

var _ connectors.Connector = (*Connector)(nil)
