// Package cursor implements the Connector for the Cursor IDE's chat storage:
// per-workspace (and one global) SQLite databases named state.vscdb, holding
// chat history either in a "composerData:*" key-value table or a legacy
// ItemTable row. Adapted from original_source/src/connectors/cursor.rs.
package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/normalize"
)

const Slug = "cursor"

type Connector struct {
	HomeOverride string
}

func New() *Connector { return &Connector{} }

func (c *Connector) Slug() string { return Slug }

// appSupportDir resolves Cursor's per-OS application support directory.
func (c *Connector) appSupportDir() (string, error) {
	if c.HomeOverride != "" {
		return c.HomeOverride, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Cursor"), nil
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "Cursor"), nil
	default:
		return filepath.Join(home, ".config", "Cursor"), nil
	}
}

// DefaultRoot exposes the connector's default scan root for callers (e.g.
// watch mode) that need a directory to monitor without running a scan.
func (c *Connector) DefaultRoot() (string, error) { return c.appSupportDir() }

func (c *Connector) Detect(ctx context.Context) connectors.DetectionResult {
	dir, err := c.appSupportDir()
	if err != nil {
		return connectors.DetectionResult{Evidence: []string{err.Error()}}
	}
	dbs := c.findDBFiles(dir)
	if len(dbs) == 0 {
		return connectors.DetectionResult{Evidence: []string{"no state.vscdb files under " + dir}}
	}
	return connectors.DetectionResult{Detected: true, Evidence: []string{fmt.Sprintf("found %d state.vscdb files", len(dbs))}}
}

// findDBFiles locates the global storage DB plus every workspace-scoped DB,
// mirroring the two-location lookup in the original Rust connector.
func (c *Connector) findDBFiles(root string) []string {
	var out []string
	global := filepath.Join(root, "User", "globalStorage", "state.vscdb")
	if _, err := os.Stat(global); err == nil {
		out = append(out, global)
	}
	wsRoot := filepath.Join(root, "User", "workspaceStorage")
	entries, err := os.ReadDir(wsRoot)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		db := filepath.Join(wsRoot, e.Name(), "state.vscdb")
		if _, err := os.Stat(db); err == nil {
			out = append(out, db)
		}
	}
	return out
}

func (c *Connector) Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []connectors.Warning, error) {
	roots := sc.ScanRoots
	var dbFiles []string
	origin := normalize.DefaultOrigin()

	if sc.UseDefaultDetection() {
		dir, err := c.appSupportDir()
		if err != nil {
			return nil, nil, err
		}
		dbFiles = c.findDBFiles(dir)
	} else {
		for _, root := range roots {
			dbFiles = append(dbFiles, c.findDBFiles(root.Path)...)
			origin = root.Origin
		}
	}

	var conversations []normalize.Conversation
	var warnings []connectors.Warning
	seen := make(map[string]bool)

	for _, dbPath := range dbFiles {
		select {
		case <-ctx.Done():
			return conversations, warnings, ctx.Err()
		default:
		}
		if !connectors.ModifiedSince(dbPath, sc.SinceTS) {
			continue
		}
		convs, warn, err := c.extractFromDB(dbPath, origin, seen)
		if err != nil {
			warnings = append(warnings, connectors.Warning{Connector: Slug, Path: dbPath, Message: err.Error()})
			continue
		}
		warnings = append(warnings, warn...)
		conversations = append(conversations, convs...)
	}
	return conversations, warnings, nil
}

// extractFromDB opens dbPath read-only with no-mutex and pulls every
// composer-style session, deduplicating by composite id across the two
// tables (composerData entries and legacy ItemTable rows).
func (c *Connector) extractFromDB(dbPath string, origin normalize.Origin, seen map[string]bool) ([]normalize.Conversation, []connectors.Warning, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	var conversations []normalize.Conversation
	var warnings []connectors.Warning

	rows, err := db.Query(`SELECT key, value FROM cursorDiskKV WHERE key LIKE 'composerData:%'`)
	if err == nil {
		for rows.Next() {
			var key, value string
			if err := rows.Scan(&key, &value); err != nil {
				continue
			}
			id := strings.TrimPrefix(key, "composerData:")
			if seen[id] {
				continue
			}
			seen[id] = true
			conv, ok := parseComposerData(id, value, dbPath, origin)
			if ok {
				conversations = append(conversations, conv)
			}
		}
		rows.Close()
	}

	rows2, err := db.Query(`SELECT key, value FROM ItemTable WHERE key LIKE '%aichat%chatdata%' OR key LIKE '%composer%'`)
	if err == nil {
		for rows2.Next() {
			var key, value string
			if err := rows2.Scan(&key, &value); err != nil {
				continue
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			conv, ok := parseLegacyItem(key, value, dbPath, origin)
			if ok {
				conversations = append(conversations, conv)
			}
		}
		rows2.Close()
	}

	return conversations, warnings, nil
}

type composerTab struct {
	Bubbles []composerBubble `json:"bubbles"`
}

type composerBubble struct {
	Type      any    `json:"type"`
	Text      string `json:"text"`
	RichText  string `json:"richText"`
	ModelType string `json:"modelType"`
}

type composerDocument struct {
	Tabs            []composerTab              `json:"tabs"`
	ConversationMap map[string]struct {
		Bubbles []composerBubble `json:"bubbles"`
	} `json:"conversationMap"`
}

func parseComposerData(id, raw, dbPath string, origin normalize.Origin) (normalize.Conversation, bool) {
	var doc composerDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return normalize.Conversation{}, false
	}
	var bubbles []composerBubble
	for _, tab := range doc.Tabs {
		bubbles = append(bubbles, tab.Bubbles...)
	}
	for _, conv := range doc.ConversationMap {
		bubbles = append(bubbles, conv.Bubbles...)
	}
	messages := bubblesToMessages(bubbles)
	if len(messages) == 0 {
		return normalize.Conversation{}, false
	}
	title := firstLineTitle(messages[0].Content)
	return normalize.Conversation{
		ID:         id,
		Agent:      Slug,
		ExternalID: id,
		Title:      title,
		SourcePath: dbPath,
		Origin:     origin,
		Messages:   messages,
	}, true
}

func parseLegacyItem(key, raw, dbPath string, origin normalize.Origin) (normalize.Conversation, bool) {
	var legacy struct {
		Tabs []composerTab `json:"tabs"`
	}
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return normalize.Conversation{}, false
	}
	var bubbles []composerBubble
	for _, tab := range legacy.Tabs {
		bubbles = append(bubbles, tab.Bubbles...)
	}
	messages := bubblesToMessages(bubbles)
	if len(messages) == 0 {
		return normalize.Conversation{}, false
	}
	return normalize.Conversation{
		ID:         key,
		Agent:      Slug,
		ExternalID: key,
		Title:      firstLineTitle(messages[0].Content),
		SourcePath: dbPath,
		Origin:     origin,
		Messages:   messages,
	}, true
}

func bubblesToMessages(bubbles []composerBubble) []normalize.Message {
	var messages []normalize.Message
	for _, b := range bubbles {
		content := b.Text
		if content == "" {
			content = b.RichText
		}
		if normalize.IsBlank(content) {
			continue
		}
		role := normalizeBubbleRole(b.Type)
		messages = append(messages, normalize.Message{
			Role:    role,
			Author:  b.ModelType,
			Content: strings.TrimSpace(content),
		})
	}
	return normalize.Renumber(messages)
}

func normalizeBubbleRole(t any) normalize.Role {
	s := fmt.Sprintf("%v", t)
	switch strings.ToLower(s) {
	case "1", "user", "human":
		return normalize.RoleUser
	default:
		return normalize.RoleAssistant
	}
}

func firstLineTitle(content string) string {
	line := strings.SplitN(content, "\n", 2)[0]
	if len(line) > 100 {
		line = line[:100]
	}
	return line
}

var _ connectors.Connector = (*Connector)(nil)
