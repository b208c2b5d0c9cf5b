package daemon

import (
	"context"
	"fmt"
	"math"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/cassctl/cass/internal/casserr"
)

// LangchainConfig configures an OpenAI-compatible warm embedding server,
// the same base-URL-override pattern used for a local TEI deployment:
// BaseURL can point at either a TEI server or the real OpenAI API.
type LangchainConfig struct {
	ID      string // daemon id for logging; defaults to BaseURL
	BaseURL string
	Model   string
	APIKey  string // optional; TEI servers accept any placeholder token
}

// LangchainClient implements Client against an OpenAI-compatible embedding
// server via langchaingo. The wire protocol (HTTP, OpenAI request/response
// shapes) is entirely langchaingo's; this type only adapts it to the
// Client trait.
//
// langchaingo's embeddings.Embedder has no rerank primitive, so Rerank is
// derived from the same embedder: the query and every candidate document
// are embedded, then candidates are scored by cosine similarity to the
// query vector.
type LangchainClient struct {
	id        string
	embedder  embeddings.Embedder
	available bool
}

// NewLangchainClient builds a LangchainClient from cfg.
func NewLangchainClient(cfg LangchainConfig) (*LangchainClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("langchain client: base URL required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("create langchaingo openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create langchaingo embedder: %w", err)
	}
	id := cfg.ID
	if id == "" {
		id = cfg.BaseURL
	}
	return &LangchainClient{id: id, embedder: embedder, available: true}, nil
}

func (c *LangchainClient) ID() string { return c.id }

// IsAvailable is always true once constructed: langchaingo surfaces
// transport failures per-call through its own errors, which Embed/Rerank
// translate into casserr.Unavailable for the retry/backoff decorator.
func (c *LangchainClient) IsAvailable() bool { return c.available }

func (c *LangchainClient) Embed(ctx context.Context, text string, reqID RequestID) ([]float32, error) {
	vectors, err := c.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, casserr.Wrap(casserr.Unavailable, "langchain embed", err)
	}
	if len(vectors) == 0 {
		return nil, casserr.New(casserr.Unavailable, "langchain embed returned no vectors")
	}
	return vectors[0], nil
}

func (c *LangchainClient) EmbedBatch(ctx context.Context, texts []string, reqID RequestID) ([][]float32, error) {
	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, casserr.Wrap(casserr.Unavailable, "langchain embed batch", err)
	}
	return vectors, nil
}

func (c *LangchainClient) Rerank(ctx context.Context, query string, documents []string, reqID RequestID) ([]float32, error) {
	all := make([]string, 0, len(documents)+1)
	all = append(all, query)
	all = append(all, documents...)

	vectors, err := c.embedder.EmbedDocuments(ctx, all)
	if err != nil {
		return nil, casserr.Wrap(casserr.Unavailable, "langchain rerank embed", err)
	}
	if len(vectors) != len(all) {
		return nil, casserr.New(casserr.Unavailable, "langchain rerank: embedder returned the wrong vector count")
	}

	queryVec := vectors[0]
	scores := make([]float32, len(documents))
	for i, docVec := range vectors[1:] {
		scores[i] = cosineSimilarity(queryVec, docVec)
	}
	return scores, nil
}

func cosineSimilarity(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Client = (*LangchainClient)(nil)
