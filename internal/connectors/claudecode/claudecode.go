// Package claudecode implements the Connector for Claude Code's on-disk
// session format: one JSONL file per session under ~/.claude/projects/, one
// JSON object per line, each carrying a "type" discriminator ("user" or
// "assistant") plus a nested "message" object.
//
// Adapted from a conversation parser that parsed this exact envelope shape
// for a single project; generalized here into a Connector that discovers
// all sessions under the default root (or an injected ScanRoot) and
// applies file-level incremental selection.
package claudecode

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

const Slug = "claude_code"

// maxLineSize guards against unexpectedly large single JSONL lines.
const maxLineSize = 10 * 1024 * 1024

type jsonlEntry struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	ParentUUID string         `json:"parentUuid"`
	Timestamp string          `json:"timestamp"`
	CWD       string          `json:"cwd"`
	GitBranch string          `json:"gitBranch"`
	Message   json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Connector implements connectors.Connector for Claude Code.
type Connector struct {
	// HomeDir overrides the user's home directory; empty means os.UserHomeDir().
	HomeDir string
}

func New() *Connector { return &Connector{} }

func (c *Connector) Slug() string { return Slug }

func (c *Connector) defaultRoot() (string, error) {
	home := c.HomeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		home = h
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// DefaultRoot exposes the connector's default scan root for callers (e.g.
// watch mode) that need a directory to monitor without running a scan.
func (c *Connector) DefaultRoot() (string, error) { return c.defaultRoot() }

func (c *Connector) Detect(ctx context.Context) connectors.DetectionResult {
	root, err := c.defaultRoot()
	if err != nil {
		return connectors.DetectionResult{Detected: false, Evidence: []string{"cannot resolve home directory: " + err.Error()}}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return connectors.DetectionResult{Detected: false, Evidence: []string{"no directory at " + root}}
	}
	return connectors.DetectionResult{Detected: len(entries) > 0, Evidence: []string{"found " + root}}
}

func (c *Connector) Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []connectors.Warning, error) {
	var warnings []connectors.Warning
	var conversations []normalize.Conversation

	roots := sc.ScanRoots
	if sc.UseDefaultDetection() {
		def, err := c.defaultRoot()
		if err != nil {
			return nil, nil, err
		}
		roots = []normalize.ScanRoot{{Path: def, Origin: normalize.DefaultOrigin()}}
	}

	for _, root := range roots {
		select {
		case <-ctx.Done():
			return conversations, warnings, ctx.Err()
		default:
		}
		matches, _ := filepath.Glob(filepath.Join(root.Path, "*", "*.jsonl"))
		flat, _ := filepath.Glob(filepath.Join(root.Path, "*.jsonl"))
		matches = append(matches, flat...)

		for _, path := range matches {
			if !connectors.ModifiedSince(path, sc.SinceTS) {
				continue
			}
			conv, warn, err := c.parseSession(path, root)
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

func (c *Connector) parseSession(path string, root normalize.ScanRoot) (*normalize.Conversation, []connectors.Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var messages []normalize.Message
	var warnings []connectors.Warning
	var workspace, gitBranch string
	var sessionUUID string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			warnings = append(warnings, connectors.Warning{Connector: Slug, Path: path, Message: "malformed line, skipped"})
			continue
		}
		if entry.CWD != "" {
			workspace = entry.CWD
		}
		if entry.GitBranch != "" {
			gitBranch = entry.GitBranch
		}
		if sessionUUID == "" {
			sessionUUID = entry.UUID
		}
		if entry.Type != "user" && entry.Type != "assistant" {
			continue
		}
		var m claudeMessage
		if err := json.Unmarshal(entry.Message, &m); err != nil {
			continue
		}
		content := normalize.FlattenContent(m.Content)
		ms, ok := normalize.ParseTimestampString(entry.Timestamp)
		role := normalize.RoleAssistant
		if m.Role == "user" {
			role = normalize.RoleUser
		}
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

	externalID := sessionUUID
	if externalID == "" {
		externalID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}

	origin := root.Origin
	conv := &normalize.Conversation{
		ID:         externalID,
		Agent:      Slug,
		Workspace:  workspace,
		ExternalID: externalID,
		SourcePath: path,
		Origin:     origin,
		Messages:   messages,
		MetadataRaw: map[string]string{
			"git_branch": gitBranch,
		},
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
