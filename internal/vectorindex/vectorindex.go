// Package vectorindex implements the optional semantic path: a
// fixed-dimension embedding store keyed by message_id, with f16/f32
// quantization and top-k similarity search, backed by either the embedded
// chromem-go database (default) or a remote Qdrant server.
//
// Built on the chromem.go/qdrant.go/interface.go/models.go layout of a
// vectorstore package, with the tenant/org/team isolation machinery
// (tenant.go, isolation.go) dropped: this vector index has no tenant
// concept, only the per-entry projection fields below for filtering.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cassctl/cass/internal/casserr"
)

// Quantization selects the stored precision of an embedding vector.
type Quantization int

const (
	QuantizeF32 Quantization = iota
	QuantizeF16
)

// Entry is a single vector index row. Projection fields are carried
// alongside the vector so filtered queries avoid a storage round-trip.
type Entry struct {
	MessageID      int64
	ConversationID string
	Agent          string
	Workspace      string
	SourceID       string
	Role           string
	CreatedAtMS    int64
	ContentHash    string
	Vector         []float32
}

// Match is one top-k result.
type Match struct {
	Entry Entry
	Score float64 // cosine or dot-product similarity, backend-defined
}

// ProjectionFilter restricts a query to entries matching every set field
// (AND across fields, OR within a field's set).
type ProjectionFilter struct {
	Agents     []string
	Workspaces []string
	SourceIDs  []string
	Role       string
}

func (f ProjectionFilter) matches(e Entry) bool {
	if len(f.Agents) > 0 && !contains(f.Agents, e.Agent) {
		return false
	}
	if len(f.Workspaces) > 0 && !contains(f.Workspaces, e.Workspace) {
		return false
	}
	if len(f.SourceIDs) > 0 && !contains(f.SourceIDs, e.SourceID) {
		return false
	}
	if f.Role != "" && f.Role != e.Role {
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

// Backend is the pluggable vector storage contract. Both implementations
// below satisfy it.
type Backend interface {
	Upsert(ctx context.Context, entries []Entry) error
	TopK(ctx context.Context, query []float32, k int, filter ProjectionFilter) ([]Match, error)
	Close() error
}

// quantize converts a vector to the requested precision for storage; f16
// halves memory footprint at the cost of similarity-score precision, f32
// is a passthrough.
func quantize(v []float32, q Quantization) []float32 {
	if q == QuantizeF32 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(toF16(x))
	}
	return out
}

// toF16 round-trips a float32 through a 16-bit mantissa-truncated
// representation, approximating IEEE 754 half precision without pulling in
// a dedicated half-float library.
func toF16(x float32) float32 {
	bits := math.Float32bits(x)
	bits &= 0xFFFFE000 // keep sign+exponent+10 mantissa bits' worth of precision
	return math.Float32frombits(bits)
}

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	Path              string
	Compress          bool
	DefaultCollection string
	VectorSize        int
	Quantization      Quantization
}

func (c *ChromemConfig) applyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/cass/vectorindex"
	}
	if c.DefaultCollection == "" {
		c.DefaultCollection = "cass_default"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// ChromemBackend is the default, embedded Backend implementation.
type ChromemBackend struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	mu         sync.Mutex
}

// NewChromemBackend opens (or creates) a persistent chromem-go database at
// config.Path.
func NewChromemBackend(config ChromemConfig) (*ChromemBackend, error) {
	config.applyDefaults()
	path, err := expandPath(config.Path)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "expand vector index path", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, casserr.Wrap(casserr.Io, "create vector index directory", err)
	}
	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "open chromem database", err)
	}
	// A nil embedding func: cass always supplies pre-computed vectors
	// (spec's embedder registry runs upstream of this backend).
	coll, err := db.GetOrCreateCollection(config.DefaultCollection, nil, nil)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "create vector index collection", err)
	}
	return &ChromemBackend{db: db, collection: coll, config: config}, nil
}

func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

func (b *ChromemBackend) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		vec := quantize(e.Vector, b.config.Quantization)
		docs[i] = chromem.Document{
			ID:        fmt.Sprintf("%d", e.MessageID),
			Content:   "",
			Metadata:  projectionToMetadata(e),
			Embedding: vec,
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collection.AddDocuments(ctx, docs, 1)
}

func (b *ChromemBackend) TopK(ctx context.Context, query []float32, k int, filter ProjectionFilter) ([]Match, error) {
	b.mu.Lock()
	n := b.collection.Count()
	b.mu.Unlock()
	if n == 0 {
		return nil, nil
	}
	// chromem-go's nResults must not exceed the collection size.
	nResults := k
	if nResults > n {
		nResults = n
	}
	results, err := b.collection.QueryEmbedding(ctx, query, nResults, nil, nil)
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "vector index query", err)
	}
	var matches []Match
	for _, r := range results {
		e := entryFromMetadata(r.Metadata)
		if !filter.matches(e) {
			continue
		}
		matches = append(matches, Match{Entry: e, Score: float64(r.Similarity)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (b *ChromemBackend) Close() error { return nil }

func projectionToMetadata(e Entry) map[string]string {
	return map[string]string{
		"message_id":      fmt.Sprintf("%d", e.MessageID),
		"conversation_id": e.ConversationID,
		"agent":           e.Agent,
		"workspace":       e.Workspace,
		"source_id":       e.SourceID,
		"role":            e.Role,
		"created_at_ms":   fmt.Sprintf("%d", e.CreatedAtMS),
		"content_hash":    e.ContentHash,
	}
}

func entryFromMetadata(m map[string]string) Entry {
	var e Entry
	fmt.Sscanf(m["message_id"], "%d", &e.MessageID)
	fmt.Sscanf(m["created_at_ms"], "%d", &e.CreatedAtMS)
	e.ConversationID = m["conversation_id"]
	e.Agent = m["agent"]
	e.Workspace = m["workspace"]
	e.SourceID = m["source_id"]
	e.Role = m["role"]
	e.ContentHash = m["content_hash"]
	return e
}

// QdrantConfig configures the external, gRPC-backed Backend implementation.
type QdrantConfig struct {
	Host           string
	Port           int
	CollectionName string
	VectorSize     uint64
	Distance       qdrant.Distance
	UseTLS         bool
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "cass_default"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// QdrantBackend is the external Backend implementation over Qdrant's gRPC
// API.
type QdrantBackend struct {
	conn   *grpc.ClientConn
	client qdrant.PointsClient
	config QdrantConfig
}

// NewQdrantBackend dials config.Host:Port and ensures the target collection
// exists with the configured vector size and distance metric.
func NewQdrantBackend(ctx context.Context, config QdrantConfig) (*QdrantBackend, error) {
	config.applyDefaults()
	if config.Distance == 0 {
		config.Distance = qdrant.Distance_Cosine
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, casserr.Wrap(casserr.Unavailable, "dial qdrant", err)
	}

	collClient := qdrant.NewCollectionsClient(conn)
	_, err = collClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: config.CollectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     config.VectorSize,
			Distance: config.Distance,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		conn.Close()
		return nil, casserr.Wrap(casserr.Unavailable, "ensure qdrant collection", err)
	}

	return &QdrantBackend{conn: conn, client: qdrant.NewPointsClient(conn), config: config}, nil
}

func (b *QdrantBackend) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(e.MessageID)),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"conversation_id": e.ConversationID,
				"agent":           e.Agent,
				"workspace":       e.Workspace,
				"source_id":       e.SourceID,
				"role":            e.Role,
				"created_at_ms":   e.CreatedAtMS,
				"content_hash":    e.ContentHash,
			}),
		}
	}
	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.config.CollectionName,
		Points:         points,
	})
	if err != nil {
		return casserr.Wrap(casserr.Io, "qdrant upsert", err)
	}
	return nil
}

func (b *QdrantBackend) TopK(ctx context.Context, query []float32, k int, filter ProjectionFilter) ([]Match, error) {
	resp, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: b.config.CollectionName,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, casserr.Wrap(casserr.Io, "qdrant query", err)
	}
	var matches []Match
	for _, p := range resp.GetResult() {
		e := entryFromPayload(p.GetPayload())
		e.MessageID = int64(p.GetId().GetNum())
		if !filter.matches(e) {
			continue
		}
		matches = append(matches, Match{Entry: e, Score: float64(p.GetScore())})
	}
	return matches, nil
}

func entryFromPayload(payload map[string]*qdrant.Value) Entry {
	var e Entry
	if v, ok := payload["conversation_id"]; ok {
		e.ConversationID = v.GetStringValue()
	}
	if v, ok := payload["agent"]; ok {
		e.Agent = v.GetStringValue()
	}
	if v, ok := payload["workspace"]; ok {
		e.Workspace = v.GetStringValue()
	}
	if v, ok := payload["source_id"]; ok {
		e.SourceID = v.GetStringValue()
	}
	if v, ok := payload["role"]; ok {
		e.Role = v.GetStringValue()
	}
	if v, ok := payload["created_at_ms"]; ok {
		e.CreatedAtMS = v.GetIntegerValue()
	}
	if v, ok := payload["content_hash"]; ok {
		e.ContentHash = v.GetStringValue()
	}
	return e
}

func (b *QdrantBackend) Close() error { return b.conn.Close() }

var _ Backend = (*ChromemBackend)(nil)
var _ Backend = (*QdrantBackend)(nil)
