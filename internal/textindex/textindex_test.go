package textindex

import (
	"context"
	"sync"
	"testing"
)

func mustNewIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return idx
}

func messageIDs(hits []Hit) map[int64]bool {
	out := make(map[int64]bool, len(hits))
	for _, h := range hits {
		out[h.Document.MessageID] = true
	}
	return out
}

// TestCommitReplacesConversationOnRewrite exercises the case a re-ingested
// conversation hits: storage.InsertConversationTree deletes and reinserts
// its message rows on a source_path change, handing the writer brand-new
// autoincrement ids for the same conversation. A rewrite must fully replace
// the conversation's prior documents, not accumulate alongside them.
func TestCommitReplacesConversationOnRewrite(t *testing.T) {
	idx := mustNewIndex(t)
	ctx := context.Background()

	idx.AddConversation([]Document{
		{MessageID: 1, ConversationID: "conv-1", Content: "alpha message one"},
		{MessageID: 2, ConversationID: "conv-1", Content: "beta message two"},
	})
	idx.Commit()

	hits, err := idx.Search(ctx, "alpha", Filters{}, ModeExact, 10, 0, AllFields, RankBalanced)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Document.MessageID != 1 {
		t.Fatalf("before rewrite: got %+v, want one hit with message_id 1", hits)
	}

	// Re-ingestion: same conversation, brand-new autoincrement message ids.
	idx.AddConversation([]Document{
		{MessageID: 3, ConversationID: "conv-1", Content: "alpha message one rewritten"},
		{MessageID: 4, ConversationID: "conv-1", Content: "beta message two rewritten"},
	})
	idx.Commit()

	all, err := idx.Search(ctx, "", Filters{}, ModeSubstring, 10, 0, AllFields, RankBalanced)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	got := messageIDs(all)
	want := map[int64]bool{3: true, 4: true}
	if len(got) != len(want) {
		t.Fatalf("after rewrite: indexed message ids = %v, want exactly %v", got, want)
	}
	for id := range want {
		if !got[id] {
			t.Errorf("after rewrite: missing expected message id %d in %v", id, got)
		}
	}
	if got[1] || got[2] {
		t.Errorf("after rewrite: stale message ids from the old set are still indexed: %v", got)
	}
}

// TestCommitPurgeIsScopedToTouchedConversation ensures the replace-not-merge
// purge in Commit only removes documents belonging to a conversation present
// in the pending batch, never a sibling conversation's untouched documents.
func TestCommitPurgeIsScopedToTouchedConversation(t *testing.T) {
	idx := mustNewIndex(t)
	ctx := context.Background()

	idx.AddConversation([]Document{
		{MessageID: 1, ConversationID: "conv-1", Content: "first conversation content"},
		{MessageID: 10, ConversationID: "conv-2", Content: "second conversation content"},
	})
	idx.Commit()

	// Rewrite only conv-1.
	idx.AddConversation([]Document{
		{MessageID: 2, ConversationID: "conv-1", Content: "first conversation content v2"},
	})
	idx.Commit()

	all, err := idx.Search(ctx, "", Filters{}, ModeSubstring, 10, 0, AllFields, RankBalanced)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	got := messageIDs(all)
	if !got[10] {
		t.Errorf("conv-2's untouched message (id 10) was purged by conv-1's rewrite: %v", got)
	}
	if got[1] {
		t.Errorf("conv-1's stale message (id 1) was not purged by its own rewrite: %v", got)
	}
	if !got[2] {
		t.Errorf("conv-1's new message (id 2) is missing after rewrite: %v", got)
	}
}

// TestCompileRegexCacheReuse confirms a repeated (field, pattern) pair is
// served from the regex compile cache instead of recompiled.
func TestCompileRegexCacheReuse(t *testing.T) {
	idx := mustNewIndex(t)

	first, err := idx.compileRegex(FieldContent, `err[0-9]+`)
	if err != nil {
		t.Fatalf("compileRegex() error = %v", err)
	}
	second, err := idx.compileRegex(FieldContent, `err[0-9]+`)
	if err != nil {
		t.Fatalf("compileRegex() error = %v", err)
	}
	if first != second {
		t.Errorf("compileRegex() returned a new *regexp.Regexp on the second call; want the cached pointer reused")
	}

	third, err := idx.compileRegex(FieldAgent, `err[0-9]+`)
	if err != nil {
		t.Fatalf("compileRegex() error = %v", err)
	}
	if third == first {
		t.Errorf("compileRegex() reused the content-field cache entry for a different field; cache key must include field")
	}
}

// TestSearchConcurrentWithCommit drives Search and AddConversation/Commit
// concurrently to exercise the reader/writer lock: every Search must
// return without error while commits run, and the run must finish without
// a deadlock or panic.
func TestSearchConcurrentWithCommit(t *testing.T) {
	idx := mustNewIndex(t)
	ctx := context.Background()

	const writers = 4
	const readsPerWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*2)

	for w := 0; w < writers; w++ {
		wg.Add(2)
		convID := "conv"

		go func(w int) {
			defer wg.Done()
			for i := 0; i < readsPerWriter; i++ {
				mid := int64(w*readsPerWriter + i)
				idx.AddConversation([]Document{
					{MessageID: mid, ConversationID: convID, Content: "concurrent payload"},
				})
				idx.Commit()
			}
		}(w)

		go func() {
			defer wg.Done()
			for i := 0; i < readsPerWriter; i++ {
				if _, err := idx.Search(ctx, "concurrent", Filters{}, ModeExact, 10, 0, AllFields, RankBalanced); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Search() error = %v", err)
	}
}
