// Package storage is the durable relational store: agents,
// workspaces, sources, conversations and their messages, plus the
// per-source high-water mark used to bound incremental rescans. It is the
// single owner of conversation/message rows; the text and vector indexes
// are derivative and fully reconstructable from this store.
//
// Follows a single-writer WAL-mode handle with a migrate-on-open schema and
// context-aware query methods, generalized from a flat single-table chat
// log into a conversation/message/agent/workspace schema.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cassctl/cass/internal/casserr"
	"github.com/cassctl/cass/internal/normalize"
)

// Store is a relational store backed by SQLite. All exported methods are
// safe for concurrent use; writes serialize through a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a Store at path and runs the schema migration.
// Use ":memory:" for an ephemeral in-test database.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "open storage database", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS sources (
    source_id TEXT PRIMARY KEY,
    kind      TEXT NOT NULL,
    host      TEXT
);

CREATE TABLE IF NOT EXISTS agents (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    slug         TEXT NOT NULL UNIQUE,
    display_name TEXT,
    kind         TEXT
);

CREATE TABLE IF NOT EXISTS workspaces (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id TEXT NOT NULL DEFAULT 'local',
    path      TEXT NOT NULL,
    UNIQUE(source_id, path)
);

CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    agent_id      INTEGER NOT NULL REFERENCES agents(id),
    workspace_id  INTEGER REFERENCES workspaces(id),
    external_id   TEXT,
    title         TEXT,
    source_path   TEXT NOT NULL,
    source_id     TEXT NOT NULL DEFAULT 'local',
    origin_host   TEXT,
    started_at    INTEGER,
    ended_at      INTEGER,
    metadata_json TEXT,
    UNIQUE(source_id, source_path)
);
CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id);
CREATE INDEX IF NOT EXISTS idx_conversations_workspace ON conversations(workspace_id);

CREATE TABLE IF NOT EXISTS messages (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    idx             INTEGER NOT NULL,
    role            TEXT NOT NULL,
    author          TEXT,
    created_at      INTEGER,
    content         TEXT NOT NULL,
    extra_json      TEXT,
    UNIQUE(conversation_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS snippets (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    file_path  TEXT,
    start_line INTEGER,
    end_line   INTEGER,
    language   TEXT,
    text       TEXT
);
CREATE INDEX IF NOT EXISTS idx_snippets_message ON snippets(message_id);

CREATE TABLE IF NOT EXISTS high_water_marks (
    source_id TEXT PRIMARY KEY,
    since_ts  INTEGER NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return casserr.Wrap(casserr.Io, "migrate storage schema", err)
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO sources (source_id, kind) VALUES ('local', 'local')`); err != nil {
		return casserr.Wrap(casserr.Io, "seed local source", err)
	}
	return nil
}

// EnsureAgent idempotently upserts an agent by slug and returns its row id.
func (s *Store) EnsureAgent(ctx context.Context, slug, displayName, kind string) (int64, error) {
	if slug == "" {
		return 0, casserr.New(casserr.InvalidInput, "agent slug must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (slug, display_name, kind) VALUES (?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET display_name = excluded.display_name, kind = excluded.kind`,
		slug, displayName, kind)
	if err != nil {
		return 0, casserr.Wrap(casserr.Io, "ensure agent", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE slug = ?`, slug).Scan(&id); err != nil {
		return 0, casserr.Wrap(casserr.Io, "fetch agent id", err)
	}
	return id, nil
}

// AgentBySlug returns the display name and kind recorded for slug, for
// callers (the Export Engine) that need to recreate the agent row in a
// separate store without re-deriving it from a Conversation, which only
// carries the slug.
func (s *Store) AgentBySlug(ctx context.Context, slug string) (displayName, kind string, err error) {
	var dn, k sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT display_name, kind FROM agents WHERE slug = ?`, slug).Scan(&dn, &k)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", casserr.Wrap(casserr.Io, "lookup agent by slug", err)
	}
	return dn.String, k.String, nil
}

// EnsureWorkspace idempotently upserts a workspace path within sourceID and
// returns its row id. An empty path is a valid no-op that returns 0.
func (s *Store) EnsureWorkspace(ctx context.Context, path, sourceID string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	if sourceID == "" {
		sourceID = normalize.LocalSourceID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (source_id, path) VALUES (?, ?) ON CONFLICT(source_id, path) DO NOTHING`,
		sourceID, path)
	if err != nil {
		return 0, casserr.Wrap(casserr.Io, "ensure workspace", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM workspaces WHERE source_id = ? AND path = ?`, sourceID, path).Scan(&id); err != nil {
		return 0, casserr.Wrap(casserr.Io, "fetch workspace id", err)
	}
	return id, nil
}

// EnsureSource idempotently upserts a source row.
func (s *Store) EnsureSource(ctx context.Context, sourceID, kind, host string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (source_id, kind, host) VALUES (?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET kind = excluded.kind, host = excluded.host`,
		sourceID, kind, host)
	if err != nil {
		return casserr.Wrap(casserr.Io, "ensure source", err)
	}
	return nil
}

// InsertConversationTree replaces the conversation keyed by (source_id,
// source_path) and its message/snippet children in a single transaction.
// Re-ingestion is replace-not-merge: the prior message set is deleted
// first via ON DELETE CASCADE through a delete-then-insert of the parent row.
// It returns the durable message id assigned to each of conv.Messages, in
// the same order, so callers can project them into the text and vector
// indexes without a second read.
func (s *Store) InsertConversationTree(ctx context.Context, agentID, workspaceID int64, conv normalize.Conversation) ([]int64, error) {
	if conv.Origin.SourceID == "" {
		conv.Origin.SourceID = normalize.LocalSourceID
	}
	if conv.StartedAt != nil && conv.EndedAt != nil && conv.StartedAt.After(*conv.EndedAt) {
		return nil, casserr.New(casserr.InvalidInput, "started_at must not be after ended_at")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "begin transaction", err)
	}
	defer tx.Rollback()

	metaJSON, err := json.Marshal(conv.MetadataRaw)
	if err != nil {
		return nil, casserr.Wrap(casserr.InvalidInput, "marshal conversation metadata", err)
	}

	var wsID sql.NullInt64
	if workspaceID != 0 {
		wsID = sql.NullInt64{Int64: workspaceID, Valid: true}
	}

	id := conv.ID
	if id == "" {
		id = conv.SourcePath
	}

	// Replace-not-merge: a prior row for this id, or for the same
	// (source_id, source_path), is fully superseded.
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? OR (source_id = ? AND source_path = ?)`,
		id, conv.Origin.SourceID, conv.SourcePath); err != nil {
		return nil, casserr.Wrap(casserr.Io, "delete prior conversation", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations
		   (id, agent_id, workspace_id, external_id, title, source_path, source_id, origin_host, started_at, ended_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, agentID, wsID, nullIfEmpty(conv.ExternalID), nullIfEmpty(conv.Title), conv.SourcePath,
		conv.Origin.SourceID, nullIfEmpty(conv.Origin.Host), millisPtr(conv.StartedAt), millisPtr(conv.EndedAt), string(metaJSON))
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "insert conversation", err)
	}

	messageIDs := make([]int64, len(conv.Messages))
	for i, m := range conv.Messages {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, idx, role, author, created_at, content, extra_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, m.Idx, string(m.Role), nullIfEmpty(m.Author), millisPtr(m.CreatedAt), m.Content, nullIfEmpty(m.ExtraJSON))
		if err != nil {
			return nil, casserr.Wrap(casserr.Io, "insert message", err)
		}
		msgID, err := res.LastInsertId()
		if err != nil {
			return nil, casserr.Wrap(casserr.Io, "read message id", err)
		}
		messageIDs[i] = msgID
		for _, sn := range m.Snippets {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO snippets (message_id, file_path, start_line, end_line, language, text)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				msgID, nullIfEmpty(sn.FilePath), sn.StartLine, sn.EndLine, nullIfEmpty(sn.Language), nullIfEmpty(sn.Text))
			if err != nil {
				return nil, casserr.Wrap(casserr.Io, "insert snippet", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, casserr.Wrap(casserr.Io, "commit conversation tree", err)
	}
	return messageIDs, nil
}

// GetSinceTS returns the high-water mark for sourceID, or nil if unset.
func (s *Store) GetSinceTS(ctx context.Context, sourceID string) (*int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT since_ts FROM high_water_marks WHERE source_id = ?`, sourceID).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "get since_ts", err)
	}
	return &ts, nil
}

// SetSinceTS records the high-water mark for sourceID.
func (s *Store) SetSinceTS(ctx context.Context, sourceID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO high_water_marks (source_id, since_ts) VALUES (?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET since_ts = excluded.since_ts`,
		sourceID, ts)
	if err != nil {
		return casserr.Wrap(casserr.Io, "set since_ts", err)
	}
	return nil
}

// ConversationView is a read-hydrated projection of a conversation and a
// subset of its messages, used by the Query Engine to materialize matches
// with surrounding context.
type ConversationView struct {
	Conversation normalize.Conversation
	MatchedIdx   []int
}

// HydrateByMessageIDs groups message rows (identified by storage message
// id) into their parent conversations, for the Query Engine's result
// materialization step.
func (s *Store) HydrateByMessageIDs(ctx context.Context, messageIDs []int64) ([]ConversationView, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	convIDs := make(map[string]bool)
	matched := make(map[string]map[int]bool)

	for _, mid := range messageIDs {
		var convID string
		var idx int
		err := s.db.QueryRowContext(ctx,
			`SELECT conversation_id, idx FROM messages WHERE id = ?`, mid).Scan(&convID, &idx)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, casserr.Wrap(casserr.Io, "lookup message", err)
		}
		convIDs[convID] = true
		if matched[convID] == nil {
			matched[convID] = make(map[int]bool)
		}
		matched[convID][idx] = true
	}

	var views []ConversationView
	for convID := range convIDs {
		conv, err := s.LoadConversation(ctx, convID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			continue
		}
		var idxs []int
		for i := range matched[convID] {
			idxs = append(idxs, i)
		}
		views = append(views, ConversationView{Conversation: *conv, MatchedIdx: idxs})
	}
	return views, nil
}

// LoadConversation hydrates one conversation and its messages by id.
// It returns (nil, nil) if id does not exist, matching the Query Engine's
// "no such row" convention rather than surfacing a not-found error.
func (s *Store) LoadConversation(ctx context.Context, id string) (*normalize.Conversation, error) {
	var conv normalize.Conversation
	var agentSlug string
	var wsPath sql.NullString
	var externalID, title, originHost, metaJSON sql.NullString
	var startedAt, endedAt sql.NullInt64

	row := s.db.QueryRowContext(ctx, `
		SELECT c.external_id, c.title, c.source_path, c.source_id, c.origin_host,
		       c.started_at, c.ended_at, c.metadata_json, a.slug, w.path
		FROM conversations c
		JOIN agents a ON a.id = c.agent_id
		LEFT JOIN workspaces w ON w.id = c.workspace_id
		WHERE c.id = ?`, id)
	if err := row.Scan(&externalID, &title, &conv.SourcePath, &conv.Origin.SourceID, &originHost,
		&startedAt, &endedAt, &metaJSON, &agentSlug, &wsPath); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, casserr.Wrap(casserr.Io, "load conversation", err)
	}

	conv.ID = id
	conv.Agent = agentSlug
	conv.ExternalID = externalID.String
	conv.Title = title.String
	conv.Origin.Host = originHost.String
	conv.Workspace = wsPath.String
	conv.StartedAt = timeFromMillisNull(startedAt)
	conv.EndedAt = timeFromMillisNull(endedAt)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &conv.MetadataRaw)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idx, role, author, created_at, content, extra_json
		 FROM messages WHERE conversation_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "load messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m normalize.Message
		var msgID int64
		var role string
		var author, extraJSON sql.NullString
		var createdAt sql.NullInt64
		if err := rows.Scan(&msgID, &m.Idx, &role, &author, &createdAt, &m.Content, &extraJSON); err != nil {
			return nil, casserr.Wrap(casserr.Io, "scan message", err)
		}
		m.ID = msgID
		m.Role = normalize.Role(role)
		m.Author = author.String
		m.ExtraJSON = extraJSON.String
		m.CreatedAt = timeFromMillisNull(createdAt)
		conv.Messages = append(conv.Messages, m)
	}
	return &conv, nil
}

// ConversationFilter narrows the candidate set for the Export Engine: a nil
// or empty Agents/Workspaces slice matches every agent/workspace; a nil
// Since/Until leaves that bound open.
type ConversationFilter struct {
	Agents     []string
	Workspaces []string
	Since      *int64
	Until      *int64
}

// FilterConversationIDs returns the ids of conversations matching filter,
// ordered by (started_at, source_path) so callers that reassign ids in this
// order produce deterministic output across repeated exports of the same
// snapshot.
func (s *Store) FilterConversationIDs(ctx context.Context, filter ConversationFilter) ([]string, error) {
	query := `
		SELECT c.id
		FROM conversations c
		JOIN agents a ON a.id = c.agent_id
		LEFT JOIN workspaces w ON w.id = c.workspace_id
		WHERE 1=1`
	var args []any
	if len(filter.Agents) > 0 {
		query += ` AND a.slug IN (` + placeholders(len(filter.Agents)) + `)`
		for _, a := range filter.Agents {
			args = append(args, a)
		}
	}
	if len(filter.Workspaces) > 0 {
		query += ` AND w.path IN (` + placeholders(len(filter.Workspaces)) + `)`
		for _, w := range filter.Workspaces {
			args = append(args, w)
		}
	}
	if filter.Since != nil {
		query += ` AND c.started_at >= ?`
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += ` AND c.started_at <= ?`
		args = append(args, *filter.Until)
	}
	query += ` ORDER BY c.started_at ASC, c.source_path ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "filter conversation ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, casserr.Wrap(casserr.Io, "scan conversation id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	ph := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			ph = append(ph, ',')
		}
		ph = append(ph, '?')
	}
	return string(ph)
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func millisPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromMillisNull(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
