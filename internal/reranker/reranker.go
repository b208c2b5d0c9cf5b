// Package reranker re-scores a candidate result set against a query,
// independent of whatever produced the candidates (lexical search hits
// or semantic vector matches). It backs the optional rerank stage of the
// Query Engine and is the local fallback a daemon.FallbackReranker
// degrades to when no warm daemon is reachable.
package reranker

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNilContext is returned when a nil context is passed to Rerank.
var ErrNilContext = errors.New("reranker: context must not be nil")

// Candidate is one item up for re-scoring: a message id, its text, and
// whatever relevance score produced it (lexical match quality, cosine
// similarity, etc.) on an arbitrary scale the reranker treats as a prior.
type Candidate struct {
	MessageID int64
	Content   string
	Score     float32
}

// Ranked is a Candidate with the reranker's own verdict attached.
type Ranked struct {
	Candidate
	RerankerScore float32 // LexicalOverlapReranker: term-overlap fraction 0.0-1.0, or the prior Score when the query has no scoreable terms
	OriginalRank  int     // position in the input slice, 0-indexed
}

// Reranker re-scores candidates against a query and returns the top K by
// combined score, descending.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, error)
	Close() error
}

// weights for combining the incoming prior score with term-overlap
// confidence; equal weighting avoids either signal dominating when the
// other is informative.
const (
	priorWeight   = 0.5
	overlapWeight = 0.5
)

// LexicalOverlapReranker scores candidates by the fraction of query terms
// present in the candidate's content, then blends that against the
// incoming prior score. It needs no model files and never errors on a
// well-formed call, making it the always-available fallback behind
// daemon.FallbackReranker.
type LexicalOverlapReranker struct{}

func NewLexicalOverlapReranker() *LexicalOverlapReranker {
	return &LexicalOverlapReranker{}
}

func (r *LexicalOverlapReranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if topK <= 0 {
		topK = len(candidates)
	}
	if len(candidates) == 0 {
		return []Ranked{}, nil
	}

	queryTerms := significantTerms(query)
	if len(queryTerms) == 0 {
		return rankByPrior(candidates, topK), nil
	}

	scored := make([]Ranked, len(candidates))
	combined := make([]float32, len(candidates))
	for i, c := range candidates {
		overlap := termOverlap(queryTerms, significantTerms(c.Content))
		scored[i] = Ranked{
			Candidate:     c,
			RerankerScore: overlap,
			OriginalRank:  i,
		}
		combined[i] = priorWeight*c.Score + overlapWeight*overlap
	}

	order := make([]int, len(scored))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return combined[order[a]] > combined[order[b]]
	})

	limit := topK
	if limit > len(order) {
		limit = len(order)
	}
	result := make([]Ranked, limit)
	for i := 0; i < limit; i++ {
		result[i] = scored[order[i]]
	}
	return result, nil
}

func (r *LexicalOverlapReranker) Close() error { return nil }

// significantTerms lowercases, splits on non-alphanumeric boundaries, and
// drops stopwords and single/double-letter tokens that contribute noise
// rather than signal to term-overlap scoring.
func significantTerms(text string) []string {
	lower := strings.ToLower(text)
	raw := strings.FieldsFunc(lower, func(r rune) bool {
		return !isWordRune(r)
	})
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if len(tok) <= 2 || stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "were": true,
	"this": true, "that": true, "these": true, "those": true, "with": true, "from": true,
	"have": true, "has": true, "had": true, "will": true, "would": true, "could": true,
	"should": true, "might": true, "can": true, "you": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"does": true, "did": true, "been": true, "being": true,
}

// termOverlap returns the fraction of distinct queryTerms present in
// contentTerms, 0.0 if queryTerms is empty.
func termOverlap(queryTerms, contentTerms []string) float32 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := make(map[string]bool, len(contentTerms))
	for _, t := range contentTerms {
		present[t] = true
	}
	matched := make(map[string]bool, len(queryTerms))
	count := 0
	for _, t := range queryTerms {
		if present[t] && !matched[t] {
			matched[t] = true
			count++
		}
	}
	return float32(count) / float32(len(queryTerms))
}

// rankByPrior is used when the query carries no scoreable terms (empty or
// entirely stopwords/punctuation): the candidates' own prior score is the
// only signal left.
func rankByPrior(candidates []Candidate, topK int) []Ranked {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Score > candidates[order[b]].Score
	})
	limit := topK
	if limit > len(order) {
		limit = len(order)
	}
	result := make([]Ranked, limit)
	for i := 0; i < limit; i++ {
		c := candidates[order[i]]
		result[i] = Ranked{
			Candidate:     c,
			RerankerScore: c.Score,
			OriginalRank:  order[i],
		}
	}
	return result
}

var _ Reranker = (*LexicalOverlapReranker)(nil)
