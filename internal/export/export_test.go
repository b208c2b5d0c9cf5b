package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cassctl/cass/internal/normalize"
	"github.com/cassctl/cass/internal/storage"
)

func seedStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	agentID, err := st.EnsureAgent(ctx, "claude_code", "Claude Code", "cli")
	if err != nil {
		t.Fatalf("ensure agent: %v", err)
	}
	wsID, err := st.EnsureWorkspace(ctx, "/home/dev/project", normalize.LocalSourceID)
	if err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	if err := st.EnsureSource(ctx, normalize.LocalSourceID, "local", ""); err != nil {
		t.Fatalf("ensure source: %v", err)
	}

	base := time.Unix(1700000000, 0)
	for i, id := range []string{"conv-b", "conv-a"} {
		started := base.Add(time.Duration(i) * time.Hour)
		conv := normalize.Conversation{
			ID:         id,
			Agent:      "claude_code",
			Workspace:  "/home/dev/project",
			SourcePath: "/home/dev/project/sessions/" + id + ".jsonl",
			StartedAt:  &started,
			EndedAt:    &started,
			Origin:     normalize.DefaultOrigin(),
			Messages: []normalize.Message{
				{Idx: 0, Role: normalize.RoleUser, Content: "hello"},
				{Idx: 1, Role: normalize.RoleAssistant, Content: "hi there"},
			},
		}
		if _, err := st.InsertConversationTree(ctx, agentID, wsID, conv); err != nil {
			t.Fatalf("insert conversation %s: %v", id, err)
		}
	}
	return st
}

func TestExportEngineFiltersAndCounts(t *testing.T) {
	src := seedStore(t)
	destPath := filepath.Join(t.TempDir(), "export.db")

	eng := New(src, destPath, Filter{PathMode: PathRelative})
	stats, err := eng.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if stats.ConversationsProcessed != 2 {
		t.Errorf("ConversationsProcessed = %d, want 2", stats.ConversationsProcessed)
	}
	if stats.MessagesProcessed != 4 {
		t.Errorf("MessagesProcessed = %d, want 4", stats.MessagesProcessed)
	}
}

func TestExportEngineDeterministicIDOrder(t *testing.T) {
	src := seedStore(t)
	ctx := context.Background()

	destPath1 := filepath.Join(t.TempDir(), "export1.db")
	eng1 := New(src, destPath1, Filter{PathMode: PathRelative})
	if _, err := eng1.Execute(ctx, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	dst1, err := storage.Open(destPath1)
	if err != nil {
		t.Fatalf("open dest1: %v", err)
	}
	defer dst1.Close()

	// started_at order is conv-b (earlier) then conv-a (later); exp-000001
	// must land on whichever had the earlier started_at regardless of the
	// original id's lexical order.
	first, err := dst1.LoadConversation(ctx, "exp-000001")
	if err != nil {
		t.Fatalf("load exp-000001: %v", err)
	}
	if first == nil {
		t.Fatal("exp-000001 not found in export")
	}
	if first.SourcePath != "sessions/conv-b.jsonl" {
		t.Errorf("exp-000001 source_path = %q, want sessions/conv-b.jsonl", first.SourcePath)
	}
}

func TestExportEnginePathModeRelative(t *testing.T) {
	src := seedStore(t)
	destPath := filepath.Join(t.TempDir(), "export.db")
	eng := New(src, destPath, Filter{PathMode: PathRelative})
	if _, err := eng.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	dst, err := storage.Open(destPath)
	if err != nil {
		t.Fatalf("open dest: %v", err)
	}
	defer dst.Close()

	conv, err := dst.LoadConversation(context.Background(), "exp-000002")
	if err != nil {
		t.Fatalf("load exp-000002: %v", err)
	}
	if conv == nil {
		t.Fatal("exp-000002 not found")
	}
	if conv.SourcePath != "sessions/conv-a.jsonl" {
		t.Errorf("source_path = %q, want sessions/conv-a.jsonl", conv.SourcePath)
	}
}

func TestExportEnginePathModeObfuscated(t *testing.T) {
	src := seedStore(t)
	destPath := filepath.Join(t.TempDir(), "export.db")
	eng := New(src, destPath, Filter{PathMode: PathObfuscated})
	if _, err := eng.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	dst, err := storage.Open(destPath)
	if err != nil {
		t.Fatalf("open dest: %v", err)
	}
	defer dst.Close()

	conv, err := dst.LoadConversation(context.Background(), "exp-000001")
	if err != nil {
		t.Fatalf("load exp-000001: %v", err)
	}
	if conv == nil {
		t.Fatal("exp-000001 not found")
	}
	if len(conv.SourcePath) != 16 {
		t.Errorf("obfuscated source_path length = %d, want 16", len(conv.SourcePath))
	}
}

func TestExportEngineAgentFilter(t *testing.T) {
	src := seedStore(t)
	destPath := filepath.Join(t.TempDir(), "export.db")
	eng := New(src, destPath, Filter{Agents: []string{"codex"}, PathMode: PathAbsolute})
	stats, err := eng.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if stats.ConversationsProcessed != 0 {
		t.Errorf("ConversationsProcessed = %d, want 0 for a non-matching agent filter", stats.ConversationsProcessed)
	}
}
