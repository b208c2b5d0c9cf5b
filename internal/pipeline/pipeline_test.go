package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/normalize"
	"github.com/cassctl/cass/internal/storage"
	"github.com/cassctl/cass/internal/textindex"
)

type fakeConnector struct {
	slug  string
	convs []normalize.Conversation
	warn  []connectors.Warning
	err   error
}

func (f *fakeConnector) Slug() string { return f.slug }

func (f *fakeConnector) Detect(ctx context.Context) connectors.DetectionResult {
	return connectors.DetectionResult{Detected: true}
}

func (f *fakeConnector) Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []connectors.Warning, error) {
	return f.convs, f.warn, f.err
}

var _ connectors.Connector = (*fakeConnector)(nil)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleConversation(agent, id string, n int) normalize.Conversation {
	now := time.Now()
	msgs := make([]normalize.Message, n)
	for i := 0; i < n; i++ {
		t := now.Add(time.Duration(i) * time.Second)
		msgs[i] = normalize.Message{
			Idx:       i,
			Role:      normalize.RoleUser,
			CreatedAt: &t,
			Content:   "hello world message",
		}
	}
	return normalize.Conversation{
		ID:        id,
		Agent:     agent,
		Workspace: "/tmp/project",
		Title:     "test session",
		StartedAt: &now,
		EndedAt:   &now,
		Origin:    normalize.DefaultOrigin(),
		Messages:  msgs,
	}
}

func TestPipelineStreamingProcessesAllConversations(t *testing.T) {
	st := newTestStore(t)
	idx, err := textindex.New()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	c1 := &fakeConnector{slug: "agentA", convs: []normalize.Conversation{sampleConversation("agentA", "conv-1", 3)}}
	c2 := &fakeConnector{slug: "agentB", convs: []normalize.Conversation{sampleConversation("agentB", "conv-2", 2)}}
	registry := connectors.NewRegistry(c1, c2)

	p := New(registry, st, idx, nil, nil, Config{Mode: ModeStreaming}, nil)

	stats, err := p.Run(context.Background(), normalize.LocalDefault("", nil))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.ConversationsProcessed != 2 {
		t.Errorf("ConversationsProcessed = %d, want 2", stats.ConversationsProcessed)
	}
	if stats.MessagesProcessed != 5 {
		t.Errorf("MessagesProcessed = %d, want 5", stats.MessagesProcessed)
	}

	hits, err := idx.Search(context.Background(), "hello", textindex.Filters{}, textindex.ModeExact, 10, 0, textindex.AllFields, textindex.RankBalanced)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 5 {
		t.Errorf("indexed hits = %d, want 5", len(hits))
	}
}

func TestPipelineBatchMatchesStreamingCounts(t *testing.T) {
	st := newTestStore(t)
	idx, err := textindex.New()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	c1 := &fakeConnector{slug: "agentA", convs: []normalize.Conversation{sampleConversation("agentA", "conv-1", 4)}}
	registry := connectors.NewRegistry(c1)

	p := New(registry, st, idx, nil, nil, Config{Mode: ModeBatch}, nil)
	stats, err := p.Run(context.Background(), normalize.LocalDefault("", nil))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.ConversationsProcessed != 1 || stats.MessagesProcessed != 4 {
		t.Errorf("stats = %+v, want 1 conversation / 4 messages", stats)
	}
}

func TestPipelineConnectorErrorIsNonFatal(t *testing.T) {
	st := newTestStore(t)
	idx, err := textindex.New()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	good := &fakeConnector{slug: "good", convs: []normalize.Conversation{sampleConversation("good", "conv-ok", 1)}}
	bad := &fakeConnector{slug: "bad", err: context.DeadlineExceeded}
	registry := connectors.NewRegistry(good, bad)

	p := New(registry, st, idx, nil, nil, Config{Mode: ModeStreaming}, nil)
	stats, err := p.Run(context.Background(), normalize.LocalDefault("", nil))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil (connector errors are non-fatal)", err)
	}
	if stats.ConversationsProcessed != 1 {
		t.Errorf("ConversationsProcessed = %d, want 1", stats.ConversationsProcessed)
	}
}

func TestPipelineAdvancesHighWaterMark(t *testing.T) {
	st := newTestStore(t)
	idx, err := textindex.New()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	conv := sampleConversation("agentA", "conv-1", 1)
	c1 := &fakeConnector{slug: "agentA", convs: []normalize.Conversation{conv}}
	registry := connectors.NewRegistry(c1)

	p := New(registry, st, idx, nil, nil, Config{Mode: ModeBatch}, nil)
	if _, err := p.Run(context.Background(), normalize.LocalDefault("", nil)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	ts, err := st.GetSinceTS(context.Background(), normalize.LocalSourceID)
	if err != nil {
		t.Fatalf("GetSinceTS() error = %v", err)
	}
	if ts == nil {
		t.Fatal("GetSinceTS() = nil, want a high-water mark after a successful run")
	}
}
