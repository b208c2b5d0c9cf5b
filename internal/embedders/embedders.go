// Package embedders implements the embedder registry: a
// plug-in enumeration of (name, id, dimension, semantic?,
// requires_model_files), with a minilm semantic embedder backed by
// fastembed-go's ONNX runtime and an always-available hash lexical
// fallback. An embedder whose model files are absent returns a typed
// Unavailable error naming the model cache directory rather than silently
// degrading; best_available() is the caller-facing helper that walks the
// registry in preference order and returns the first embedder that
// reports itself ready.
package embedders

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"

	"github.com/cassctl/cass/internal/casserr"
)

// Embedder produces fixed-dimension vectors for documents and queries.
type Embedder interface {
	ID() string
	Dimension() int
	Semantic() bool
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Descriptor is the registry's enumerable metadata for one embedder.
type Descriptor struct {
	Name               string
	ID                 string
	Dimension          int
	Semantic           bool
	RequiresModelFiles bool
}

// Registry enumerates available embedders in preference order (most
// capable first); best_available walks this order.
type Registry struct {
	order      []string
	embedders  map[string]Embedder
	descriptors map[string]Descriptor
}

// NewRegistry builds an empty registry; embedders register themselves via
// Register.
func NewRegistry() *Registry {
	return &Registry{
		embedders:   make(map[string]Embedder),
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds e to the registry under d.ID, appended to the preference
// order.
func (r *Registry) Register(d Descriptor, e Embedder) {
	r.order = append(r.order, d.ID)
	r.embedders[d.ID] = e
	r.descriptors[d.ID] = d
}

// Descriptors returns every registered embedder's metadata in preference
// order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id])
	}
	return out
}

// Get returns the embedder registered under id.
func (r *Registry) Get(id string) (Embedder, bool) {
	e, ok := r.embedders[id]
	return e, ok
}

// BestAvailable returns the first embedder in preference order whose
// readiness probe succeeds (the first registered one when probe is nil).
// NewRegistry registers nothing itself, so the hash embedder is a candidate
// only if the caller registered it; an Unavailable error is returned when
// no registered embedder passes the probe.
func (r *Registry) BestAvailable(ctx context.Context, probe func(ctx context.Context, e Embedder) error) (Embedder, error) {
	for _, id := range r.order {
		e := r.embedders[id]
		if probe == nil {
			return e, nil
		}
		if err := probe(ctx, e); err == nil {
			return e, nil
		}
	}
	return nil, casserr.New(casserr.Unavailable, "no embedder available")
}

// --- hash: always-available, non-semantic fallback ---

const hashDimension = 256

// HashEmbedder is a feature-hashing embedder (FNV-1a over whitespace-separated tokens)
// used when no semantic model is available. It is deterministic and
// requires no model files.
type HashEmbedder struct{}

func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{} }

func (h *HashEmbedder) ID() string     { return "hash" }
func (h *HashEmbedder) Dimension() int { return hashDimension }
func (h *HashEmbedder) Semantic() bool { return false }

func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t)
	}
	return out, nil
}

func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return hashEmbed(text), nil
}

func hashEmbed(text string) []float32 {
	vec := make([]float32, hashDimension)
	tokens := tokenizeForHash(text)
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		bucket := h.Sum32() % hashDimension
		vec[bucket]++
	}
	normalize(vec)
	return vec
}

func tokenizeForHash(s string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			flush()
			continue
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}

func normalize(v []float32) {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0)
	for sumSq > 1 {
		norm /= 2
		sumSq /= 4
	}
	for i := range v {
		v[i] *= norm
	}
}

// --- minilm: fastembed-go ONNX-backed semantic embedder ---

// MiniLMConfig configures the semantic embedder.
type MiniLMConfig struct {
	CacheDir  string // model file cache directory; defaults to ~/.cache/cass/models
	MaxLength int    // defaults to 512
}

// MiniLMEmbedder wraps fastembed-go's all-MiniLM-L6-v2 model. Construction
// fails with a typed Unavailable error naming the model cache directory
// rather than silently falling back.
type MiniLMEmbedder struct {
	model *fastembed.FlagEmbedding
	mu    sync.RWMutex
}

const miniLMDimension = 384

// NewMiniLMEmbedder initializes the ONNX runtime and loads model files from
// cfg.CacheDir (downloading them there on first use, per fastembed-go's own
// behavior); returns Unavailable if initialization fails.
func NewMiniLMEmbedder(cfg MiniLMConfig) (*MiniLMEmbedder, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		home, err := os.UserCacheDir()
		if err != nil {
			return nil, casserr.Wrap(casserr.Unavailable, "resolve model cache directory", err)
		}
		cacheDir = filepath.Join(home, "cass", "models")
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	showProgress := false
	opts := &fastembed.InitOptions{
		Model:                fastembed.AllMiniLML6V2,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	}
	model, err := fastembed.NewFlagEmbedding(opts)
	if err != nil {
		return nil, casserr.Wrap(casserr.Unavailable, "minilm model files unavailable under "+cacheDir, err)
	}
	return &MiniLMEmbedder{model: model}, nil
}

func (m *MiniLMEmbedder) ID() string     { return "minilm" }
func (m *MiniLMEmbedder) Dimension() int { return miniLMDimension }
func (m *MiniLMEmbedder) Semantic() bool { return true }

func (m *MiniLMEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, casserr.New(casserr.InvalidInput, "texts must not be empty")
	}
	select {
	case <-ctx.Done():
		return nil, casserr.Wrap(casserr.Cancelled, "embed documents cancelled", ctx.Err())
	default:
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	embeddings, err := m.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "embed documents", err)
	}
	return embeddings, nil
}

func (m *MiniLMEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, casserr.New(casserr.InvalidInput, "text must not be empty")
	}
	select {
	case <-ctx.Done():
		return nil, casserr.Wrap(casserr.Cancelled, "embed query cancelled", ctx.Err())
	default:
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	embedding, err := m.model.QueryEmbed(text)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "embed query", err)
	}
	return embedding, nil
}

func (m *MiniLMEmbedder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		return m.model.Destroy()
	}
	return nil
}

var _ Embedder = (*HashEmbedder)(nil)
var _ Embedder = (*MiniLMEmbedder)(nil)
