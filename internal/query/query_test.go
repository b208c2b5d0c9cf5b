package query

import (
	"context"
	"testing"

	"github.com/cassctl/cass/internal/textindex"
)

func mustNewEngine(t *testing.T, docs []textindex.Document) (*Engine, *textindex.Index) {
	t.Helper()
	idx, err := textindex.New()
	if err != nil {
		t.Fatalf("textindex.New() error = %v", err)
	}
	idx.AddConversation(docs)
	idx.Commit()
	e, err := NewEngine(idx)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e, idx
}

// TestSearchWithFallbackExplicitWildcard confirms a trailing "*" selects
// prefix mode directly and is never retried through the substring fallback,
// even when the result count is sparse.
func TestSearchWithFallbackExplicitWildcard(t *testing.T) {
	e, _ := mustNewEngine(t, []textindex.Document{
		{MessageID: 1, ConversationID: "c1", Content: "errant behaviour noticed"},
	})

	hits, err := e.SearchWithFallback(context.Background(), "err*", textindex.Filters{}, 10, 0, 0, textindex.AllFields, textindex.RankBalanced)
	if err != nil {
		t.Fatalf("SearchWithFallback() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].MatchType != textindex.MatchPrefix {
		t.Errorf("MatchType = %v, want MatchPrefix for an explicit wildcard query", hits[0].MatchType)
	}
}

// TestSearchWithFallbackImplicitWildcard confirms a sparse single-token
// exact search is retried as a substring wildcard, with the fallback-only
// hits tagged MatchImplicitWildcard and merged behind the exact hits.
func TestSearchWithFallbackImplicitWildcard(t *testing.T) {
	e, _ := mustNewEngine(t, []textindex.Document{
		{MessageID: 1, ConversationID: "c1", Content: "log here"},
		{MessageID: 2, ConversationID: "c1", Content: "dialog box appeared"},
	})

	hits, err := e.SearchWithFallback(context.Background(), "log", textindex.Filters{}, 10, 0, 0, textindex.AllFields, textindex.RankBalanced)
	if err != nil {
		t.Fatalf("SearchWithFallback() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2 (exact token match plus substring fallback match)", len(hits))
	}

	var sawExact, sawFallback bool
	for _, h := range hits {
		switch h.Document.MessageID {
		case 1:
			sawExact = h.MatchType == textindex.MatchExact
		case 2:
			sawFallback = h.MatchType == textindex.MatchImplicitWildcard
		}
	}
	if !sawExact {
		t.Error("message 1 (exact token match) is missing or not tagged MatchExact")
	}
	if !sawFallback {
		t.Error("message 2 (only reachable via substring fallback) is missing or not tagged MatchImplicitWildcard")
	}
}

// TestSearchWithFallbackSkipsFallbackWhenDense confirms the fallback retry
// never fires once the primary result already clears the sparse threshold.
func TestSearchWithFallbackSkipsFallbackWhenDense(t *testing.T) {
	e, _ := mustNewEngine(t, []textindex.Document{
		{MessageID: 1, ConversationID: "c1", Content: "log one"},
		{MessageID: 2, ConversationID: "c1", Content: "log two"},
		{MessageID: 3, ConversationID: "c1", Content: "log three"},
	})

	hits, err := e.SearchWithFallback(context.Background(), "log", textindex.Filters{}, 10, 0, 3, textindex.AllFields, textindex.RankBalanced)
	if err != nil {
		t.Fatalf("SearchWithFallback() error = %v", err)
	}
	for _, h := range hits {
		if h.MatchType == textindex.MatchImplicitWildcard {
			t.Errorf("fallback fired even though the primary result met the sparse threshold: %+v", hits)
		}
	}
}

// TestLookupPrefixFreshServesNarrowerQueryFromCache proves a narrower prefix
// query is served from a broader cached prefix query's result set rather
// than recomputed: it asserts a document matching the cached, broader
// prefix but NOT the requested narrower one is present in the answer, which
// only happens if the cached entry (not a fresh scan) produced it.
func TestLookupPrefixFreshServesNarrowerQueryFromCache(t *testing.T) {
	e, _ := mustNewEngine(t, []textindex.Document{
		{MessageID: 1, ConversationID: "c1", Content: "cool story", CreatedAtMS: 300},
		{MessageID: 2, ConversationID: "c1", Content: "conversation history", CreatedAtMS: 200},
		{MessageID: 3, ConversationID: "c1", Content: "context window", CreatedAtMS: 100},
	})
	ctx := context.Background()

	broad, err := e.Search(ctx, "co", textindex.Filters{}, textindex.ModePrefix, 0, 0, textindex.AllFields, textindex.RankBalanced)
	if err != nil {
		t.Fatalf("Search(\"co\") error = %v", err)
	}
	if len(broad) != 3 {
		t.Fatalf("broad prefix search returned %d hits, want 3", len(broad))
	}

	narrow, err := e.Search(ctx, "con", textindex.Filters{}, textindex.ModePrefix, 2, 0, textindex.AllFields, textindex.RankBalanced)
	if err != nil {
		t.Fatalf("Search(\"con\") error = %v", err)
	}
	if len(narrow) != 2 {
		t.Fatalf("narrow prefix search returned %d hits, want 2 (limit)", len(narrow))
	}

	var sawCoolOnly bool
	for _, h := range narrow {
		if h.Document.MessageID == 1 {
			sawCoolOnly = true
		}
	}
	if !sawCoolOnly {
		t.Error("expected the narrower \"con\" query to be served from the \"co\" cache entry, surfacing the \"cool story\" document that a fresh \"con\" prefix scan would never return")
	}
}

// TestLookupFreshEvictsOnGenerationChange confirms a cached answer is
// discarded once the underlying index has been committed to again, so a
// query never serves a result that predates an index rewrite.
func TestLookupFreshEvictsOnGenerationChange(t *testing.T) {
	e, idx := mustNewEngine(t, []textindex.Document{
		{MessageID: 1, ConversationID: "c1", Content: "alpha"},
	})
	ctx := context.Background()

	first, err := e.Search(ctx, "alpha", textindex.Filters{}, textindex.ModeExact, 10, 0, textindex.AllFields, textindex.RankBalanced)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d hits, want 1", len(first))
	}

	idx.AddConversation(nil)
	idx.Commit()

	second, err := e.Search(ctx, "alpha", textindex.Filters{}, textindex.ModeExact, 10, 0, textindex.AllFields, textindex.RankBalanced)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("got %d hits after an unrelated commit, want the cache to still resolve to 1 (re-validated against the new generation)", len(second))
	}
}
