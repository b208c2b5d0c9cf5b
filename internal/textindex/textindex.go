// Package textindex implements the full-text inverted index:
// per-message documents over a small fixed field set (content, agent,
// workspace, role, created_at, conversation_id/message_id, source_id), five
// composable query modes, a regex compile cache, and ranking policies.
//
// There is no bleve/tantivy-equivalent full-text engine in play here, so
// the inverted index itself is hand-rolled over the standard library
// (map-based postings, sync.RWMutex for the reader/writer snapshot
// contract) — this is genuinely boundary/data-structure code with no
// narrower library to reach for. The regex compile cache reuses
// hashicorp/golang-lru/v2, the same LRU the query engine uses for its
// result cache.
package textindex

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cassctl/cass/internal/casserr"
)

// Field identifies a stored/indexed field on a document.
type Field string

const (
	FieldContent        Field = "content"
	FieldAgent          Field = "agent"
	FieldWorkspace      Field = "workspace"
	FieldRole           Field = "role"
	FieldCreatedAt       Field = "created_at"
	FieldConversationID Field = "conversation_id"
	FieldMessageID      Field = "message_id"
	FieldSourceID       Field = "source_id"
)

// FieldMask selects which stored fields a reader must materialize.
// Implementations skip materializing unmasked fields.
type FieldMask struct {
	Content        bool
	Agent          bool
	Workspace      bool
	Role           bool
	CreatedAt      bool
	ConversationID bool
	SourceID       bool
}

// AllFields is a convenience mask that materializes everything.
var AllFields = FieldMask{Content: true, Agent: true, Workspace: true, Role: true, CreatedAt: true, ConversationID: true, SourceID: true}

// Mode selects how the query string is interpreted.
type Mode int

const (
	ModeExact Mode = iota
	ModePrefix
	ModeSubstring
	ModeRegex
)

// MatchType records why a given hit was returned, for client display and
// for the fallback policy's "tag new hits" requirement.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchPrefix
	MatchSubstring
	MatchRegex
	MatchImplicitWildcard
)

// Document is one message's indexable projection.
type Document struct {
	MessageID      int64
	ConversationID string
	Agent          string
	Workspace      string
	Role           string
	CreatedAtMS    int64
	SourceID       string
	Content        string
}

// Filters restricts a search. Set members OR within a field; fields AND
// together.
type Filters struct {
	Agents      []string
	Workspaces  []string
	SourceIDs   []string
	Role        string
	CreatedFrom *int64
	CreatedTo   *int64
}

func (f Filters) matches(d *Document) bool {
	if len(f.Agents) > 0 && !contains(f.Agents, d.Agent) {
		return false
	}
	if len(f.Workspaces) > 0 && !contains(f.Workspaces, d.Workspace) {
		return false
	}
	if len(f.SourceIDs) > 0 && !contains(f.SourceIDs, d.SourceID) {
		return false
	}
	if f.Role != "" && f.Role != d.Role {
		return false
	}
	if f.CreatedFrom != nil && d.CreatedAtMS < *f.CreatedFrom {
		return false
	}
	if f.CreatedTo != nil && d.CreatedAtMS > *f.CreatedTo {
		return false
	}
	return true
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// RankPolicy selects how textual score combines with recency.
type RankPolicy int

const (
	RankRecentHeavy RankPolicy = iota
	RankBalanced
	RankRelevanceHeavy
	RankMatchQualityHeavy
	RankDateNewest
	RankDateOldest
)

// Hit is one ranked search result.
type Hit struct {
	Document  Document
	Score     float64
	MatchType MatchType
}

// regexCacheCapacity bounds the regex compile cache, keyed on
// (field, pattern).
const regexCacheCapacity = 512

type regexKey struct {
	field   Field
	pattern string
}

// Index is the full-text inverted index. Zero value is not usable; use New.
type Index struct {
	mu           sync.RWMutex
	docs         map[int64]*Document       // message_id -> document, live snapshot
	postings     map[string]map[int64]bool // token -> set of message_id
	convMessages map[string]map[int64]bool // conversation_id -> message_ids currently committed
	gen          uint64                    // incremented on every commit

	pending []*Document // buffered writes, not yet visible

	regexCache *lru.Cache[regexKey, *regexp.Regexp]
}

// New builds an empty Index.
func New() (*Index, error) {
	rc, err := lru.New[regexKey, *regexp.Regexp](regexCacheCapacity)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "create regex cache", err)
	}
	return &Index{
		docs:         make(map[int64]*Document),
		postings:     make(map[string]map[int64]bool),
		convMessages: make(map[string]map[int64]bool),
		regexCache:   rc,
	}, nil
}

// Generation returns the current commit generation, used by the query
// cache to detect staleness.
func (idx *Index) Generation() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.gen
}

// AddConversation writes one document per message into the pending buffer;
// an existing document for the same message_id is replaced on next commit.
func (idx *Index) AddConversation(docs []Document) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i := range docs {
		d := docs[i]
		idx.pending = append(idx.pending, &d)
	}
}

// Commit makes prior writes visible to readers. It updates the live maps
// in place under the write lock; a Search holds the read lock for its
// whole scan, so it sees the index wholly before or wholly after a commit.
// There is no reader handle that keeps an older view once a commit is done.
//
// Every conversation touched by the pending batch is replaced, not merged:
// before any new document is added, every document currently committed
// under that conversation id is purged first. This is what makes a
// re-ingested conversation (new message rows, since messages.id is
// autoincrement) fully replace its previous documents instead of
// accumulating alongside them.
func (idx *Index) Commit() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	touched := make(map[string]bool)
	for _, d := range idx.pending {
		touched[d.ConversationID] = true
	}
	for convID := range touched {
		idx.purgeConversationLocked(convID)
	}

	for _, d := range idx.pending {
		idx.docs[d.MessageID] = d
		ids, ok := idx.convMessages[d.ConversationID]
		if !ok {
			ids = make(map[int64]bool)
			idx.convMessages[d.ConversationID] = ids
		}
		ids[d.MessageID] = true
		for _, tok := range tokenize(d.Content) {
			set, ok := idx.postings[tok]
			if !ok {
				set = make(map[int64]bool)
				idx.postings[tok] = set
			}
			set[d.MessageID] = true
		}
	}
	idx.pending = nil
	idx.gen++
}

// purgeConversationLocked removes every document and posting entry
// currently committed under conversationID. Callers must hold idx.mu for
// writing.
func (idx *Index) purgeConversationLocked(conversationID string) {
	ids, ok := idx.convMessages[conversationID]
	if !ok {
		return
	}
	for mid := range ids {
		delete(idx.docs, mid)
	}
	for tok, set := range idx.postings {
		for mid := range ids {
			delete(set, mid)
		}
		if len(set) == 0 {
			delete(idx.postings, tok)
		}
	}
	delete(idx.convMessages, conversationID)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Search runs one query mode against the committed snapshot. It takes a
// read lock for the duration of the scan: a concurrent Commit waits for
// the scan to finish, a Search that starts while a Commit holds the write
// lock waits for it, and this call never observes a partial commit.
func (idx *Index) Search(ctx context.Context, query string, filters Filters, mode Mode, limit, offset int, mask FieldMask, policy RankPolicy) ([]Hit, error) {
	select {
	case <-ctx.Done():
		return nil, casserr.Wrap(casserr.Cancelled, "search cancelled", ctx.Err())
	default:
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var candidates map[int64]bool
	var matchType MatchType
	var err error

	switch mode {
	case ModeExact:
		candidates, matchType = idx.exactCandidates(query), MatchExact
	case ModePrefix:
		candidates, matchType = idx.prefixCandidates(strings.TrimSuffix(query, "*")), MatchPrefix
	case ModeSubstring:
		candidates, matchType = idx.substringCandidates(query), MatchSubstring
	case ModeRegex:
		candidates, err = idx.regexCandidates(FieldContent, query)
		matchType = MatchRegex
	default:
		return nil, casserr.New(casserr.InvalidInput, "unknown query mode")
	}
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for mid := range candidates {
		select {
		case <-ctx.Done():
			return nil, casserr.Wrap(casserr.Cancelled, "search cancelled", ctx.Err())
		default:
		}
		d, ok := idx.docs[mid]
		if !ok || !filters.matches(d) {
			continue
		}
		hits = append(hits, Hit{Document: *d, Score: scoreOf(d, query, matchType), MatchType: matchType})
	}

	rank(hits, policy)

	if offset > len(hits) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(hits) {
		end = len(hits)
	}
	return applyMask(hits[offset:end], mask), nil
}

func (idx *Index) exactCandidates(query string) map[int64]bool {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	out := cloneSet(idx.postings[terms[0]])
	for _, t := range terms[1:] {
		intersect(out, idx.postings[t])
	}
	return out
}

func (idx *Index) prefixCandidates(prefix string) map[int64]bool {
	prefix = strings.ToLower(prefix)
	out := make(map[int64]bool)
	for tok, set := range idx.postings {
		if strings.HasPrefix(tok, prefix) {
			for mid := range set {
				out[mid] = true
			}
		}
	}
	return out
}

func (idx *Index) substringCandidates(pattern string) map[int64]bool {
	inner := strings.ToLower(strings.Trim(pattern, "*"))
	out := make(map[int64]bool)
	for mid, d := range idx.docs {
		if strings.Contains(strings.ToLower(d.Content), inner) {
			out[mid] = true
		}
	}
	return out
}

func (idx *Index) regexCandidates(field Field, pattern string) (map[int64]bool, error) {
	re, err := idx.compileRegex(field, pattern)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool)
	for mid, d := range idx.docs {
		if re.MatchString(fieldValue(d, field)) {
			out[mid] = true
		}
	}
	return out, nil
}

// compileRegex serves a compiled pattern from the bounded LRU cache keyed
// by (field, pattern), compiling and inserting on miss.
func (idx *Index) compileRegex(field Field, pattern string) (*regexp.Regexp, error) {
	key := regexKey{field: field, pattern: pattern}
	if re, ok := idx.regexCache.Get(key); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, casserr.Wrap(casserr.InvalidInput, "compile regex pattern", err)
	}
	idx.regexCache.Add(key, re)
	return re, nil
}

func fieldValue(d *Document, field Field) string {
	switch field {
	case FieldAgent:
		return d.Agent
	case FieldWorkspace:
		return d.Workspace
	case FieldRole:
		return d.Role
	case FieldSourceID:
		return d.SourceID
	default:
		return d.Content
	}
}

func cloneSet(src map[int64]bool) map[int64]bool {
	out := make(map[int64]bool, len(src))
	for k := range src {
		out[k] = true
	}
	return out
}

func intersect(dst, other map[int64]bool) {
	for k := range dst {
		if !other[k] {
			delete(dst, k)
		}
	}
}

func scoreOf(d *Document, query string, mt MatchType) float64 {
	base := 1.0
	if mt == MatchExact {
		base = 2.0
	}
	occurrences := strings.Count(strings.ToLower(d.Content), strings.ToLower(strings.Trim(query, "*")))
	return base + float64(occurrences)*0.1
}

// rank sorts hits per policy; ties always break on (created_at desc,
// message_id asc).
func rank(hits []Hit, policy RankPolicy) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		switch policy {
		case RankDateNewest:
			if a.Document.CreatedAtMS != b.Document.CreatedAtMS {
				return a.Document.CreatedAtMS > b.Document.CreatedAtMS
			}
		case RankDateOldest:
			if a.Document.CreatedAtMS != b.Document.CreatedAtMS {
				return a.Document.CreatedAtMS < b.Document.CreatedAtMS
			}
		case RankRecentHeavy:
			sa := a.Score + float64(a.Document.CreatedAtMS)*1e-15
			sb := b.Score + float64(b.Document.CreatedAtMS)*1e-15
			if sa != sb {
				return sa > sb
			}
		case RankMatchQualityHeavy:
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		case RankRelevanceHeavy, RankBalanced:
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		}
		if a.Document.CreatedAtMS != b.Document.CreatedAtMS {
			return a.Document.CreatedAtMS > b.Document.CreatedAtMS
		}
		return a.Document.MessageID < b.Document.MessageID
	})
}

func applyMask(hits []Hit, mask FieldMask) []Hit {
	out := make([]Hit, len(hits))
	for i, h := range hits {
		d := h.Document
		masked := Document{MessageID: d.MessageID}
		if mask.Content {
			masked.Content = d.Content
		}
		if mask.Agent {
			masked.Agent = d.Agent
		}
		if mask.Workspace {
			masked.Workspace = d.Workspace
		}
		if mask.Role {
			masked.Role = d.Role
		}
		if mask.CreatedAt {
			masked.CreatedAtMS = d.CreatedAtMS
		}
		if mask.ConversationID {
			masked.ConversationID = d.ConversationID
		}
		if mask.SourceID {
			masked.SourceID = d.SourceID
		}
		out[i] = Hit{Document: masked, Score: h.Score, MatchType: h.MatchType}
	}
	return out
}
