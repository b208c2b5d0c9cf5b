// Package piagent implements the Connector for the pi-mono coding agent
// (https://github.com/badlogic/pi-mono). Sessions are JSONL files under
// ~/.pi/agent/sessions/<safe-path>/<timestamp>_<uuid>.jsonl, where safe-path
// is derived from the working directory. Entry types: "session" (header),
// "message", "thinking_level_change", "model_change". Adapted from
// original_source/src/connectors/pi_agent.rs.
package piagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/normalize"
)

const Slug = "pi_agent"

const envHome = "PI_CODING_AGENT_DIR"

const maxLineSize = 10 * 1024 * 1024

type Connector struct {
	HomeOverride string
}

func New() *Connector { return &Connector{} }

func (c *Connector) Slug() string { return Slug }

func (c *Connector) home() string {
	if c.HomeOverride != "" {
		return c.HomeOverride
	}
	if v := os.Getenv(envHome); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pi", "agent")
}

// DefaultRoot exposes the connector's default scan root for callers (e.g.
// watch mode) that need a directory to monitor without running a scan.
func (c *Connector) DefaultRoot() (string, error) {
	home := c.home()
	if home == "" {
		return "", fmt.Errorf("cannot resolve home directory")
	}
	return home, nil
}

func (c *Connector) Detect(ctx context.Context) connectors.DetectionResult {
	home := c.home()
	if home == "" {
		return connectors.DetectionResult{Evidence: []string{"cannot resolve home directory"}}
	}
	if _, err := os.Stat(filepath.Join(home, "sessions")); err != nil {
		return connectors.DetectionResult{Evidence: []string{"no sessions directory under " + home}}
	}
	return connectors.DetectionResult{Detected: true, Evidence: []string{"found " + home}}
}

// sessionFiles walks root/sessions recursively for files named
// <timestamp>_<uuid>.jsonl.
func sessionFiles(root string) []string {
	var out []string
	sessions := filepath.Join(root, "sessions")
	filepath.Walk(sessions, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		name := info.Name()
		if strings.HasSuffix(name, ".jsonl") && strings.Contains(name, "_") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func (c *Connector) Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []connectors.Warning, error) {
	home := c.home()
	if !sc.UseDefaultDetection() && len(sc.ScanRoots) > 0 {
		home = sc.ScanRoots[0].Path
	}
	if home == "" {
		return nil, nil, nil
	}
	origin := normalize.DefaultOrigin()
	if !sc.UseDefaultDetection() && len(sc.ScanRoots) > 0 {
		origin = sc.ScanRoots[0].Origin
	}

	var conversations []normalize.Conversation
	var warnings []connectors.Warning
	sessionsDir := filepath.Join(home, "sessions")

	for _, path := range sessionFiles(home) {
		select {
		case <-ctx.Done():
			return conversations, warnings, ctx.Err()
		default:
		}
		if !connectors.ModifiedSince(path, sc.SinceTS) {
			continue
		}
		conv, warn, err := parseSession(path, sessionsDir, origin)
		if err != nil {
			warnings = append(warnings, connectors.Warning{Connector: Slug, Path: path, Message: err.Error()})
			continue
		}
		warnings = append(warnings, warn...)
		if conv != nil {
			conversations = append(conversations, *conv)
		}
	}
	return conversations, warnings, nil
}

type sessionEntry struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	CWD        string          `json:"cwd"`
	Provider   string          `json:"provider"`
	ModelID    string          `json:"modelId"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Message    json.RawMessage `json:"message"`
}

type piMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

func parseSession(path, sessionsDir string, origin normalize.Origin) (*normalize.Conversation, []connectors.Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var messages []normalize.Message
	var warnings []connectors.Warning
	var cwd, sessionID, provider, modelID string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev sessionEntry
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			warnings = append(warnings, connectors.Warning{Connector: Slug, Path: path, Message: "malformed line, skipped"})
			continue
		}

		switch ev.Type {
		case "session":
			sessionID = ev.ID
			cwd = ev.CWD
			provider = ev.Provider
			modelID = ev.ModelID
		case "model_change":
			provider = ev.Provider
			modelID = ev.ModelID
		case "message":
			if len(ev.Message) == 0 {
				continue
			}
			var m piMessage
			if err := json.Unmarshal(ev.Message, &m); err != nil {
				continue
			}
			content := flattenContent(m.Content)
			if normalize.IsBlank(content) {
				continue
			}
			role := normalizeRole(m.Role)
			var author string
			if role == normalize.RoleAssistant {
				author = m.Model
				if author == "" {
					author = modelID
				}
			}
			ms, ok := normalize.ParseTimestamp(ev.Timestamp)
			messages = append(messages, normalize.Message{
				Role:      role,
				Author:    author,
				CreatedAt: normalize.MillisToTime(ms, ok),
				Content:   content,
				ExtraJSON: line,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, err
	}

	messages = normalize.Renumber(messages)
	if len(messages) == 0 {
		return nil, warnings, nil
	}

	externalID := path
	if rel, err := filepath.Rel(sessionsDir, path); err == nil {
		externalID = rel
	}

	title := firstLineFrom(messages, normalize.RoleUser)
	if title == "" {
		title = firstLineFrom(messages, "")
	}

	conv := &normalize.Conversation{
		ID:         sessionID,
		Agent:      Slug,
		Workspace:  cwd,
		ExternalID: externalID,
		Title:      title,
		SourcePath: path,
		Origin:     origin,
		Messages:   messages,
		MetadataRaw: map[string]string{
			"session_id": sessionID,
			"provider":   provider,
			"model_id":   modelID,
		},
	}
	if conv.ID == "" {
		conv.ID = externalID
	}
	if messages[0].CreatedAt != nil {
		conv.StartedAt = messages[0].CreatedAt
	}
	if last := messages[len(messages)-1].CreatedAt; last != nil {
		conv.EndedAt = last
	}
	return conv, warnings, nil
}

func normalizeRole(role string) normalize.Role {
	switch role {
	case "user":
		return normalize.RoleUser
	case "assistant":
		return normalize.RoleAssistant
	case "toolResult":
		return normalize.RoleTool
	default:
		return normalize.RoleAssistant
	}
}

// flattenContent handles pi-agent's content shapes: a plain string, or an
// array of {type: text|thinking|toolCall|image} blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type      string                 `json:"type"`
		Text      string                 `json:"text"`
		Thinking  string                 `json:"thinking"`
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "thinking":
			if b.Thinking != "" {
				parts = append(parts, "[Thinking] "+b.Thinking)
			}
		case "toolCall":
			name := b.Name
			if name == "" {
				name = "unknown"
			}
			var argParts []string
			for k, v := range b.Arguments {
				if sv, ok := v.(string); ok {
					argParts = append(argParts, k+"="+sv)
					if len(argParts) >= 3 {
						break
					}
				}
			}
			if len(argParts) == 0 {
				parts = append(parts, "[Tool: "+name+"]")
			} else {
				parts = append(parts, "[Tool: "+name+"] "+strings.Join(argParts, ", "))
			}
		case "image":
			// skipped for text extraction
		}
	}
	return strings.Join(parts, "\n")
}

func firstLineFrom(messages []normalize.Message, role normalize.Role) string {
	for _, m := range messages {
		if role != "" && m.Role != role {
			continue
		}
		line := strings.SplitN(m.Content, "\n", 2)[0]
		if len(line) > 100 {
			line = line[:100]
		}
		return line
	}
	return ""
}

var _ connectors.Connector = (*Connector)(nil)
