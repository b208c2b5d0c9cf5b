// Package query implements the Query Engine: a cache-fronted
// façade over internal/textindex with the sparse-result fallback policy,
// a prefix-cache optimization, and reader-generation staleness eviction.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cassctl/cass/internal/casserr"
	"github.com/cassctl/cass/internal/textindex"
)

// defaultSparseThreshold is the result count below which the fallback
// policy retries a single bare token as a substring wildcard.
const defaultSparseThreshold = 3

// cacheCapacity bounds the query-result LRU, keyed on
// (query, filters_fingerprint, mode, field_mask).
const cacheCapacity = 1024

type cacheEntry struct {
	hits []textindex.Hit
	gen  uint64
}

type cacheKey struct {
	query       string
	fingerprint string
	mode        textindex.Mode
	mask        textindex.FieldMask
}

// Engine is the cache-fronted search façade over an Index.
type Engine struct {
	idx   *textindex.Index
	cache *lru.Cache[cacheKey, cacheEntry]

	mu         sync.Mutex
	prefixKeys map[string][]cacheKey // query -> cache keys sharing its (fingerprint, mode, mask)
}

func NewEngine(idx *textindex.Index) (*Engine, error) {
	c, err := lru.New[cacheKey, cacheEntry](cacheCapacity)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "create query cache", err)
	}
	return &Engine{idx: idx, cache: c, prefixKeys: make(map[string][]cacheKey)}, nil
}

// Fingerprint produces a stable cache-key component for a Filters value.
func Fingerprint(f textindex.Filters) string {
	var b strings.Builder
	writeSorted := func(label string, items []string) {
		fmt.Fprintf(&b, "%s=", label)
		sorted := append([]string(nil), items...)
		sort.Strings(sorted)
		b.WriteString(strings.Join(sorted, ","))
		b.WriteByte(';')
	}
	writeSorted("agents", f.Agents)
	writeSorted("workspaces", f.Workspaces)
	writeSorted("sources", f.SourceIDs)
	fmt.Fprintf(&b, "role=%s;", f.Role)
	if f.CreatedFrom != nil {
		fmt.Fprintf(&b, "from=%d;", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		fmt.Fprintf(&b, "to=%d;", *f.CreatedTo)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Search performs a single, uncached-fallback-free query through the
// result cache.
func (e *Engine) Search(ctx context.Context, q string, filters textindex.Filters, mode textindex.Mode, limit, offset int, mask textindex.FieldMask, policy textindex.RankPolicy) ([]textindex.Hit, error) {
	fp := Fingerprint(filters)
	key := cacheKey{query: q, fingerprint: fp, mode: mode, mask: mask}

	if hits, ok := e.lookupFresh(key); ok {
		return limitSlice(hits, limit, offset), nil
	}

	if hits, ok := e.lookupPrefixFresh(key, limit); ok {
		return limitSlice(hits, limit, offset), nil
	}

	hits, err := e.idx.Search(ctx, q, filters, mode, 0, 0, mask, policy)
	if err != nil {
		return nil, err
	}
	e.store(key, hits)
	return limitSlice(hits, limit, offset), nil
}

func (e *Engine) lookupFresh(key cacheKey) ([]textindex.Hit, bool) {
	entry, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	if entry.gen != e.idx.Generation() {
		e.cache.Remove(key)
		return nil, false
	}
	return entry.hits, true
}

// lookupPrefixFresh serves a miss for key.query from a cached entry whose
// query is a strict prefix of key.query, provided that entry's result
// count meets the requested limit and it is still reader-current.
func (e *Engine) lookupPrefixFresh(key cacheKey, limit int) ([]textindex.Hit, bool) {
	if key.query == "" {
		return nil, false
	}
	e.mu.Lock()
	candidates := append([]cacheKey(nil), e.prefixKeys[key.fingerprint+"|"+modeMaskTag(key.mode, key.mask)]...)
	e.mu.Unlock()

	var best []textindex.Hit
	bestLen := -1
	for _, ck := range candidates {
		if ck.query == key.query || !strings.HasPrefix(key.query, ck.query) {
			continue
		}
		entry, ok := e.cache.Get(ck)
		if !ok || entry.gen != e.idx.Generation() {
			continue
		}
		if limit > 0 && len(entry.hits) < limit {
			continue
		}
		if len(ck.query) > bestLen {
			best = entry.hits
			bestLen = len(ck.query)
		}
	}
	return best, best != nil
}

func (e *Engine) store(key cacheKey, hits []textindex.Hit) {
	e.cache.Add(key, cacheEntry{hits: hits, gen: e.idx.Generation()})
	e.mu.Lock()
	tag := key.fingerprint + "|" + modeMaskTag(key.mode, key.mask)
	e.prefixKeys[tag] = append(e.prefixKeys[tag], key)
	e.mu.Unlock()
}

func modeMaskTag(mode textindex.Mode, mask textindex.FieldMask) string {
	return fmt.Sprintf("%d-%v", mode, mask)
}

func limitSlice(hits []textindex.Hit, limit, offset int) []textindex.Hit {
	if offset >= len(hits) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(hits) {
		end = len(hits)
	}
	return hits[offset:end]
}

// SearchWithFallback runs q in exact/prefix mode; if the result count is
// below sparseThreshold and q is a single token with no wildcards, it
// retries as *q* (substring), merging with the original results first and
// tagging new hits ImplicitWildcard.
func (e *Engine) SearchWithFallback(ctx context.Context, q string, filters textindex.Filters, limit, offset, sparseThreshold int, mask textindex.FieldMask, policy textindex.RankPolicy) ([]textindex.Hit, error) {
	if sparseThreshold <= 0 {
		sparseThreshold = defaultSparseThreshold
	}
	mode := textindex.ModeExact
	if strings.HasSuffix(q, "*") && !strings.Contains(strings.TrimSuffix(q, "*"), "*") {
		mode = textindex.ModePrefix
	}

	primary, err := e.Search(ctx, q, filters, mode, limit, offset, mask, policy)
	if err != nil {
		return nil, err
	}
	if len(primary) >= sparseThreshold || strings.ContainsAny(q, "*") || len(strings.Fields(q)) != 1 {
		return primary, nil
	}

	fallback, err := e.Search(ctx, "*"+q+"*", filters, textindex.ModeSubstring, limit, offset, mask, policy)
	if err != nil {
		return primary, nil // fallback failure degrades to the primary result, not an error
	}

	seen := make(map[int64]bool, len(primary))
	merged := append([]textindex.Hit(nil), primary...)
	for _, h := range primary {
		seen[h.Document.MessageID] = true
	}
	for _, h := range fallback {
		if seen[h.Document.MessageID] {
			continue
		}
		h.MatchType = textindex.MatchImplicitWildcard
		merged = append(merged, h)
	}
	return merged, nil
}
