// Package normalize defines the common record types every connector emits:
// Conversation, Message, Snippet, and Origin. Connectors
// deal with a union of per-agent shapes; this package is the boundary past
// which no source-specific shape may leak.
package normalize

import "time"

// Role is the normalized sender role for a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// SourceKind identifies the kind of a Source (conversation provenance bucket).
type SourceKind string

const (
	SourceLocal SourceKind = "local"
	SourceSSH   SourceKind = "ssh"
)

// LocalSourceID is the reserved source_id for the default local source.
const LocalSourceID = "local"

// Origin is the provenance record attached to every ingested conversation.
type Origin struct {
	SourceID string
	Kind     SourceKind
	Host     string // empty for local
}

// DefaultOrigin returns the origin used when a connector scans without an
// explicit ScanRoot (its default on-disk location).
func DefaultOrigin() Origin {
	return Origin{SourceID: LocalSourceID, Kind: SourceLocal}
}

// Snippet is a structured code block captured from message content.
type Snippet struct {
	FilePath  string
	StartLine int // 0 means unset
	EndLine   int
	Language  string
	Text      string
}

// Message is the normalized record for a single turn within a conversation.
// Idx is assigned densely (0-based) by the connector after empty-message
// filtering; it is never derived from
// the source's own ordering field directly.
type Message struct {
	ID        int64 // durable storage row id; zero until the message has been inserted
	Idx       int
	Role      Role
	Author    string // optional: model name, username, etc.
	CreatedAt *time.Time
	Content   string // flattened, searchable projection
	ExtraJSON string // original record, preserved for fidelity, never indexed
	Snippets  []Snippet
}

// Conversation is the normalized session record produced by Connector.Scan.
type Conversation struct {
	ID          string // stable id within (SourceID, Agent): external id or derived
	Agent       string // agent slug, e.g. "claude_code", "codex"
	Workspace   string // canonicalized path, optional
	ExternalID  string // agent-native session id, optional
	Title       string
	SourcePath  string // filesystem pointer; not a stable key
	StartedAt   *time.Time
	EndedAt     *time.Time
	MetadataRaw map[string]string
	Origin      Origin
	Messages    []Message
}

// ScanRoot scopes a connector to a specific directory tree instead of its
// default location(s), carrying the Origin and any path rewrite rules that
// must be injected into every record emitted from within it.
type ScanRoot struct {
	Path      string
	Origin    Origin
	Rewrites  []PathRewrite
}

// PathRewrite maps a path prefix seen on the source machine to a prefix
// meaningful on this machine.
type PathRewrite struct {
	From      string
	To        string
	AgentOnly []string // empty means applies to all agents
}

// ScanContext is the input to Connector.Scan.
type ScanContext struct {
	DataDir   string
	ScanRoots []ScanRoot
	SinceTS   *int64 // ms since epoch; nil means full scan
}

// UseDefaultDetection reports whether the connector should fall back to its
// own default on-disk locations because no scan roots were supplied.
func (c ScanContext) UseDefaultDetection() bool {
	return len(c.ScanRoots) == 0
}

// LocalDefault builds a ScanContext with no explicit roots, instructing every
// connector to use its own default detection locations.
func LocalDefault(dataDir string, sinceTS *int64) ScanContext {
	return ScanContext{DataDir: dataDir, SinceTS: sinceTS}
}

// WithRoots builds a ScanContext confined to the given roots.
func WithRoots(dataDir string, sinceTS *int64, roots ...ScanRoot) ScanContext {
	return ScanContext{DataDir: dataDir, ScanRoots: roots, SinceTS: sinceTS}
}
