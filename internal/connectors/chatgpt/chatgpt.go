// Package chatgpt implements the Connector for the ChatGPT desktop app.
// Conversations live under "conversations-{uuid}" directories (unencrypted,
// v1) or "conversations-v2-{uuid}"/"conversations-v3-{uuid}" directories
// (AES-256-GCM encrypted). The decryption key, when available, is loaded
// from CHATGPT_ENCRYPTION_KEY (base64) or a key file, never derived or
// extracted by this package. Adapted from
// original_source/src/connectors/chatgpt.rs.
package chatgpt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/normalize"
)

const Slug = "chatgpt"

const (
	nonceSize = 12
	keySize   = 32
	envKey    = "CHATGPT_ENCRYPTION_KEY"
)

type Connector struct {
	HomeOverride  string
	EncryptionKey []byte // 32 bytes, or nil if unavailable
}

func New() *Connector {
	return &Connector{EncryptionKey: loadEncryptionKey()}
}

func (c *Connector) Slug() string { return Slug }

// loadEncryptionKey tries the env var first, then well-known key file
// locations under the user's config directory. Absence of a key is not an
// error: encrypted conversations are simply skipped with a warning.
func loadEncryptionKey() []byte {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err == nil && len(raw) == keySize {
			return raw
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	candidates := []string{
		filepath.Join(home, ".config", "cass", "chatgpt_key.bin"),
		filepath.Join(home, ".cass", "chatgpt_key.bin"),
	}
	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if err == nil && len(raw) == keySize {
			return raw
		}
	}
	return nil
}

func (c *Connector) appSupportDir() (string, error) {
	if c.HomeOverride != "" {
		return c.HomeOverride, nil
	}
	if runtime.GOOS != "darwin" {
		return "", fmt.Errorf("chatgpt desktop app is macOS-only")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Application Support", "com.openai.chat"), nil
}

// DefaultRoot exposes the connector's default scan root for callers (e.g.
// watch mode) that need a directory to monitor without running a scan.
func (c *Connector) DefaultRoot() (string, error) { return c.appSupportDir() }

func (c *Connector) Detect(ctx context.Context) connectors.DetectionResult {
	dir, err := c.appSupportDir()
	if err != nil {
		return connectors.DetectionResult{Evidence: []string{err.Error()}}
	}
	dirs := findConversationDirs(dir)
	if len(dirs) == 0 {
		return connectors.DetectionResult{Evidence: []string{"no conversation directories under " + dir}}
	}
	return connectors.DetectionResult{Detected: true, Evidence: []string{fmt.Sprintf("found %d conversation directories", len(dirs))}}
}

type convDir struct {
	path      string
	encrypted bool
}

func findConversationDirs(base string) []convDir {
	var out []convDir
	entries, err := os.ReadDir(base)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "conversations-") {
			continue
		}
		encrypted := strings.Contains(name, "-v2-") || strings.Contains(name, "-v3-")
		out = append(out, convDir{path: filepath.Join(base, name), encrypted: encrypted})
	}
	return out
}

func (c *Connector) Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []connectors.Warning, error) {
	var warnings []connectors.Warning
	var conversations []normalize.Conversation

	var base string
	origin := normalize.DefaultOrigin()
	if sc.UseDefaultDetection() {
		dir, err := c.appSupportDir()
		if err != nil {
			return nil, nil, err
		}
		base = dir
	} else if len(sc.ScanRoots) > 0 {
		base = sc.ScanRoots[0].Path
		origin = sc.ScanRoots[0].Origin
	}

	for _, d := range findConversationDirs(base) {
		select {
		case <-ctx.Done():
			return conversations, warnings, ctx.Err()
		default:
		}
		files, _ := filepath.Glob(filepath.Join(d.path, "*.json"))
		for _, path := range files {
			if !connectors.ModifiedSince(path, sc.SinceTS) {
				continue
			}
			if d.encrypted && c.EncryptionKey == nil {
				warnings = append(warnings, connectors.Warning{Connector: Slug, Path: path, Message: "skipped encrypted conversation, no key available"})
				continue
			}
			conv, err := c.parseConversationFile(path, d.encrypted, origin)
			if err != nil {
				warnings = append(warnings, connectors.Warning{Connector: Slug, Path: path, Message: err.Error()})
				continue
			}
			if conv != nil {
				conversations = append(conversations, *conv)
			}
		}
	}
	return conversations, warnings, nil
}

func (c *Connector) decrypt(data []byte) ([]byte, error) {
	if len(data) < nonceSize+16 {
		return nil, fmt.Errorf("encrypted data too short: %d bytes", len(data))
	}
	block, err := aes.NewCipher(c.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := data[:nonceSize]
	ciphertext := data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

type mappingNode struct {
	Parent  *string         `json:"parent"`
	Message json.RawMessage `json:"message"`
}

type chatMessage struct {
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	Content struct {
		Parts []string `json:"parts"`
		Text  string   `json:"text"`
	} `json:"content"`
	CreateTime *float64        `json:"create_time"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (c *Connector) parseConversationFile(path string, encrypted bool, origin normalize.Origin) (*normalize.Conversation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if encrypted {
		raw, err = c.decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", path, err)
		}
	}

	var doc struct {
		ID             string                     `json:"id"`
		ConversationID string                     `json:"conversation_id"`
		Title          string                     `json:"title"`
		Mapping        map[string]mappingNode     `json:"mapping"`
		Messages       []json.RawMessage          `json:"messages"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse JSON from %s: %w", path, err)
	}

	id := doc.ID
	if id == "" {
		id = doc.ConversationID
	}
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	messages := messagesFromMapping(doc.Mapping)
	if len(messages) == 0 {
		messages = messagesFromFlatArray(doc.Messages)
	}
	messages = normalize.Renumber(messages)
	if len(messages) == 0 {
		return nil, nil
	}

	conv := &normalize.Conversation{
		ID:         id,
		Agent:      Slug,
		Title:      doc.Title,
		ExternalID: id,
		SourcePath: path,
		Origin:     origin,
		Messages:   messages,
	}
	if messages[0].CreatedAt != nil {
		conv.StartedAt = messages[0].CreatedAt
	}
	if last := messages[len(messages)-1].CreatedAt; last != nil {
		conv.EndedAt = last
	}
	return conv, nil
}

// messagesFromMapping walks the ChatGPT tree-of-nodes export format,
// ordering by create_time since the mapping itself is unordered.
func messagesFromMapping(mapping map[string]mappingNode) []normalize.Message {
	if len(mapping) == 0 {
		return nil
	}
	type entry struct {
		msg chatMessage
		ts  float64
	}
	var entries []entry
	for _, node := range mapping {
		if len(node.Message) == 0 {
			continue
		}
		var m chatMessage
		if err := json.Unmarshal(node.Message, &m); err != nil {
			continue
		}
		var ts float64
		if m.CreateTime != nil {
			ts = *m.CreateTime
		}
		entries = append(entries, entry{msg: m, ts: ts})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	var messages []normalize.Message
	for _, e := range entries {
		m := e.msg
		if m.Author.Role == "system" {
			continue
		}
		content := strings.Join(m.Content.Parts, "\n")
		if content == "" {
			content = m.Content.Text
		}
		if normalize.IsBlank(content) {
			continue
		}
		role := roleFrom(m.Author.Role)
		var createdAt *int64
		if m.CreateTime != nil {
			ms := int64(*m.CreateTime * 1000.0)
			createdAt = &ms
		}
		messages = append(messages, normalize.Message{
			Role:      role,
			CreatedAt: normalize.MillisToTime(derefOr0(createdAt), createdAt != nil),
			Content:   strings.TrimSpace(content),
		})
	}
	return messages
}

func messagesFromFlatArray(raw []json.RawMessage) []normalize.Message {
	var messages []normalize.Message
	for _, item := range raw {
		var m struct {
			Role      string          `json:"role"`
			Content   string          `json:"content"`
			Timestamp json.RawMessage `json:"timestamp"`
			CreateTime json.RawMessage `json:"create_time"`
		}
		if err := json.Unmarshal(item, &m); err != nil {
			continue
		}
		if m.Role == "system" || normalize.IsBlank(m.Content) {
			continue
		}
		ts := m.Timestamp
		if len(ts) == 0 {
			ts = m.CreateTime
		}
		ms, ok := normalize.ParseTimestamp(ts)
		messages = append(messages, normalize.Message{
			Role:      roleFrom(m.Role),
			CreatedAt: normalize.MillisToTime(ms, ok),
			Content:   strings.TrimSpace(m.Content),
		})
	}
	return messages
}

func roleFrom(s string) normalize.Role {
	if s == "user" {
		return normalize.RoleUser
	}
	return normalize.RoleAssistant
}

func derefOr0(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

var _ connectors.Connector = (*Connector)(nil)
