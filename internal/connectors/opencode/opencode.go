// Package opencode implements the Connector for OpenCode's hierarchical JSON
// file storage under ~/.local/share/opencode/storage/ (or
// $OPENCODE_STORAGE_ROOT):
//
//	session/{projectID}/{sessionID}.json  - session metadata
//	message/{sessionID}/{messageID}.json  - message metadata
//	part/{messageID}/{partID}.json        - actual message content
//
// Unlike the JSONL connectors, a single "conversation" is reassembled from
// many small files rather than one file, so incremental selection happens
// at the session-directory level: a session is rescanned if any of its
// message or part files changed since the high-water mark. Grounded on
// original_source/src/connectors/opencode.rs (doc comment and storage-root
// resolution; the available upstream source stops short of the parsing
// logic, which is built here in the same connector idiom as
// claude_code/codex).
package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/normalize"
)

const Slug = "opencode"

const envStorageRoot = "OPENCODE_STORAGE_ROOT"

type Connector struct {
	StorageRootOverride string
}

func New() *Connector { return &Connector{} }

func (c *Connector) Slug() string { return Slug }

func (c *Connector) storageRoot() string {
	if c.StorageRootOverride != "" {
		return c.StorageRootOverride
	}
	if v := os.Getenv(envStorageRoot); v != "" {
		if _, err := os.Stat(v); err == nil {
			return v
		}
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		p := filepath.Join(dataHome, "opencode", "storage")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "opencode", "storage")
}

// DefaultRoot exposes the connector's default scan root for callers (e.g.
// watch mode) that need a directory to monitor without running a scan.
func (c *Connector) DefaultRoot() (string, error) {
	root := c.storageRoot()
	if root == "" {
		return "", fmt.Errorf("cannot resolve opencode storage root")
	}
	return root, nil
}

func (c *Connector) Detect(ctx context.Context) connectors.DetectionResult {
	root := c.storageRoot()
	if root == "" {
		return connectors.DetectionResult{Evidence: []string{"cannot resolve storage root"}}
	}
	if _, err := os.Stat(filepath.Join(root, "session")); err != nil {
		return connectors.DetectionResult{Evidence: []string{"no session directory under " + root}}
	}
	return connectors.DetectionResult{Detected: true, Evidence: []string{"found " + root}}
}

type sessionFile struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Directory string          `json:"directory"`
	Time      json.RawMessage `json:"time"`
}

type messageFile struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	ModelID   string          `json:"modelID"`
	Time      json.RawMessage `json:"time"`
}

type partFile struct {
	MessageID string          `json:"messageID"`
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Tool      string          `json:"tool"`
}

func (c *Connector) Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []connectors.Warning, error) {
	root := c.storageRoot()
	if !sc.UseDefaultDetection() && len(sc.ScanRoots) > 0 {
		root = sc.ScanRoots[0].Path
	}
	if root == "" {
		return nil, nil, nil
	}
	origin := normalize.DefaultOrigin()
	if !sc.UseDefaultDetection() && len(sc.ScanRoots) > 0 {
		origin = sc.ScanRoots[0].Origin
	}

	var conversations []normalize.Conversation
	var warnings []connectors.Warning

	sessionRoot := filepath.Join(root, "session")
	projectDirs, _ := os.ReadDir(sessionRoot)
	for _, pd := range projectDirs {
		if !pd.IsDir() {
			continue
		}
		sessionFiles, _ := os.ReadDir(filepath.Join(sessionRoot, pd.Name()))
		for _, sf := range sessionFiles {
			select {
			case <-ctx.Done():
				return conversations, warnings, ctx.Err()
			default:
			}
			if sf.IsDir() || !strings.HasSuffix(sf.Name(), ".json") {
				continue
			}
			sessionPath := filepath.Join(sessionRoot, pd.Name(), sf.Name())
			sessionID := strings.TrimSuffix(sf.Name(), ".json")

			if !c.anyChangedSince(root, sessionID, sessionPath, sc.SinceTS) {
				continue
			}

			conv, warn, err := c.assembleSession(root, sessionPath, sessionID, origin)
			if err != nil {
				warnings = append(warnings, connectors.Warning{Connector: Slug, Path: sessionPath, Message: err.Error()})
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

// anyChangedSince reports whether the session file or any of its message or
// part files changed since the high-water mark, since a conversation here is
// reassembled from many small files rather than a single one.
func (c *Connector) anyChangedSince(root, sessionID, sessionPath string, sinceTS *int64) bool {
	if connectors.ModifiedSince(sessionPath, sinceTS) {
		return true
	}
	msgDir := filepath.Join(root, "message", sessionID)
	entries, err := os.ReadDir(msgDir)
	if err != nil {
		return true
	}
	for _, e := range entries {
		if connectors.ModifiedSince(filepath.Join(msgDir, e.Name()), sinceTS) {
			return true
		}
		partDir := filepath.Join(root, "part", strings.TrimSuffix(e.Name(), ".json"))
		parts, _ := os.ReadDir(partDir)
		for _, p := range parts {
			if connectors.ModifiedSince(filepath.Join(partDir, p.Name()), sinceTS) {
				return true
			}
		}
	}
	return false
}

func (c *Connector) assembleSession(root, sessionPath, sessionID string, origin normalize.Origin) (*normalize.Conversation, []connectors.Warning, error) {
	var warnings []connectors.Warning

	raw, err := os.ReadFile(sessionPath)
	if err != nil {
		return nil, nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, nil, err
	}

	msgDir := filepath.Join(root, "message", sessionID)
	msgEntries, err := os.ReadDir(msgDir)
	if err != nil {
		return nil, warnings, nil
	}

	type msgWithPath struct {
		msg  messageFile
		path string
	}
	var msgs []msgWithPath
	for _, e := range msgEntries {
		if e.IsDir() {
			continue
		}
		mp := filepath.Join(msgDir, e.Name())
		mraw, err := os.ReadFile(mp)
		if err != nil {
			warnings = append(warnings, connectors.Warning{Connector: Slug, Path: mp, Message: "unreadable message file, skipped"})
			continue
		}
		var m messageFile
		if err := json.Unmarshal(mraw, &m); err != nil {
			warnings = append(warnings, connectors.Warning{Connector: Slug, Path: mp, Message: "malformed message file, skipped"})
			continue
		}
		msgs = append(msgs, msgWithPath{msg: m, path: mp})
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].path < msgs[j].path })

	var messages []normalize.Message
	for _, mp := range msgs {
		content := c.assembleParts(root, mp.msg.ID)
		if normalize.IsBlank(content) {
			continue
		}
		ms, ok := normalize.ParseTimestamp(mp.msg.Time)
		messages = append(messages, normalize.Message{
			Role:      roleFrom(mp.msg.Role),
			Author:    mp.msg.ModelID,
			CreatedAt: normalize.MillisToTime(ms, ok),
			Content:   content,
		})
	}
	messages = normalize.Renumber(messages)
	if len(messages) == 0 {
		return nil, warnings, nil
	}

	conv := &normalize.Conversation{
		ID:         sessionID,
		Agent:      Slug,
		Workspace:  session.Directory,
		ExternalID: sessionID,
		Title:      session.Title,
		SourcePath: sessionPath,
		Origin:     origin,
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

// assembleParts concatenates every part/{messageID}/{partID}.json file into
// the bracketed-token string shared with the other connectors' content
// flattening.
func (c *Connector) assembleParts(root, messageID string) string {
	partDir := filepath.Join(root, "part", messageID)
	entries, err := os.ReadDir(partDir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(partDir, name))
		if err != nil {
			continue
		}
		var p partFile
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		switch p.Type {
		case "text":
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		case "reasoning":
			if p.Text != "" {
				parts = append(parts, "[Thinking] "+p.Text)
			}
		case "tool":
			name := p.Tool
			if name == "" {
				name = "unknown"
			}
			parts = append(parts, "[Tool: "+name+"]")
		}
	}
	return strings.Join(parts, "\n")
}

func roleFrom(role string) normalize.Role {
	switch role {
	case "user":
		return normalize.RoleUser
	case "assistant":
		return normalize.RoleAssistant
	case "tool":
		return normalize.RoleTool
	default:
		return normalize.RoleAssistant
	}
}

var _ connectors.Connector = (*Connector)(nil)
