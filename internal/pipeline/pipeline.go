// Package pipeline implements the Indexing Pipeline: turning a
// stream of normalized conversations into durable state across the
// relational store, the text index, and (optionally) the vector index.
//
// Two modes share one writer: Batch runs every connector to completion and
// feeds the writer a flat slice; Streaming (the default) runs one producer
// goroutine per connector feeding a small bounded channel, with the writer
// draining it as the single consumer. The channel's capacity is the
// pipeline's backpressure point: it bounds the conversations in flight
// between producers and writer. Each producer receives its connector's
// complete result set from Scan before it sends anything, so peak memory
// still includes every running connector's full output.
package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cassctl/cass/internal/casserr"
	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/embedders"
	"github.com/cassctl/cass/internal/logging"
	"github.com/cassctl/cass/internal/normalize"
	"github.com/cassctl/cass/internal/storage"
	"github.com/cassctl/cass/internal/textindex"
	"github.com/cassctl/cass/internal/vectorindex"
	"go.uber.org/zap"
)

// Mode selects the pipeline's orchestration strategy.
type Mode int

const (
	// ModeStreaming is the default: producers feed a bounded channel and
	// the writer drains it while other connectors are still scanning. Each
	// producer holds its connector's full Scan result, so peak RSS grows
	// with the connectors' result sets, not only with ChannelCapacity.
	ModeStreaming Mode = iota
	// ModeBatch runs every connector to completion before the writer
	// begins; simpler, but peak RSS scales with the largest connector's
	// full result set.
	ModeBatch
)

// defaultChannelCapacity bounds in-flight conversations under streaming
// mode.
const defaultChannelCapacity = 32

// defaultCommitInterval and defaultCommitCount implement the "every N
// conversations or T seconds, whichever first" text-index commit policy.
const (
	defaultCommitInterval = 5 * time.Second
	defaultCommitCount    = 50
)

// Config governs one pipeline run.
type Config struct {
	Mode            Mode
	ChannelCapacity int
	CommitInterval  time.Duration
	CommitEveryN    int
	SemanticEnabled bool
	VectorBatchSize int
}

func (c *Config) applyDefaults() {
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = defaultChannelCapacity
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = defaultCommitInterval
	}
	if c.CommitEveryN <= 0 {
		c.CommitEveryN = defaultCommitCount
	}
	if c.VectorBatchSize <= 0 {
		c.VectorBatchSize = 16
	}
}

// Stats accumulates run totals for the caller-facing summary.
type Stats struct {
	ConversationsProcessed int
	ConversationsFailed    int
	MessagesProcessed      int
	ConnectorWarnings      int
}

// Pipeline wires a connector registry to durable state.
type Pipeline struct {
	registry *connectors.Registry
	store    *storage.Store
	index    *textindex.Index
	vector   vectorindex.Backend // nil disables the semantic path
	embedder embedders.Embedder  // nil disables the semantic path
	cfg      Config
	log      *logging.Logger
}

func New(registry *connectors.Registry, store *storage.Store, index *textindex.Index, vector vectorindex.Backend, embedder embedders.Embedder, cfg Config, log *logging.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{registry: registry, store: store, index: index, vector: vector, embedder: embedder, cfg: cfg, log: log}
}

// scanResult pairs one connector's output with its identity, so the
// writer can resolve agent/workspace rows and advance the right
// high-water mark.
type scanResult struct {
	slug     string
	conv     normalize.Conversation
	sourceID string
}

// Run drives one full indexing pass across every registered connector,
// scoped by sc. It returns once every producer has finished and the
// writer has drained and committed.
func (p *Pipeline) Run(ctx context.Context, sc normalize.ScanContext) (Stats, error) {
	if p.cfg.Mode == ModeBatch {
		return p.runBatch(ctx, sc)
	}
	return p.runStreaming(ctx, sc)
}

func (p *Pipeline) runBatch(ctx context.Context, sc normalize.ScanContext) (Stats, error) {
	var stats Stats
	highWater := map[string]int64{}

	for _, c := range p.registry.All() {
		convs, warnings, err := c.Scan(ctx, sc)
		stats.ConnectorWarnings += len(warnings)
		p.logWarnings(ctx, c.Slug(), warnings)
		if err != nil {
			// A connector failing entirely is logged and skipped (spec
			// §4.5's "connector errors do not abort the pipeline").
			if p.log != nil {
				p.log.Warn(ctx, "connector scan failed", zap.String("connector", c.Slug()), zap.Error(err))
			}
			continue
		}
		for _, conv := range convs {
			select {
			case <-ctx.Done():
				return stats, casserr.Wrap(casserr.Cancelled, "pipeline cancelled", ctx.Err())
			default:
			}
			msgCount, err := p.writeOne(ctx, conv)
			if err != nil {
				stats.ConversationsFailed++
				if p.log != nil {
					p.log.Warn(ctx, "conversation write failed, skipping", zap.String("connector", c.Slug()), zap.String("conversation_id", conv.ID), zap.Error(err))
				}
				continue
			}
			stats.ConversationsProcessed++
			stats.MessagesProcessed += msgCount
			advanceHighWater(highWater, conv)
		}
	}

	p.index.Commit()
	if err := p.commitHighWater(ctx, highWater); err != nil {
		return stats, err
	}
	return stats, nil
}

func (p *Pipeline) runStreaming(ctx context.Context, sc normalize.ScanContext) (Stats, error) {
	ch := make(chan scanResult, p.cfg.ChannelCapacity)
	g, gctx := errgroup.WithContext(ctx)

	for _, c := range p.registry.All() {
		c := c
		g.Go(func() error {
			convs, warnings, err := c.Scan(gctx, sc)
			p.logWarnings(gctx, c.Slug(), warnings)
			if err != nil {
				if p.log != nil {
					p.log.Warn(gctx, "connector scan failed", zap.String("connector", c.Slug()), zap.Error(err))
				}
				return nil // connector failure is non-fatal to the run
			}
			for _, conv := range convs {
				select {
				case ch <- scanResult{slug: c.Slug(), conv: conv, sourceID: conv.Origin.SourceID}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	var stats Stats
	highWater := map[string]int64{}
	writerErr := make(chan error, 1)
	go func() {
		writerErr <- p.drain(ctx, ch, &stats, highWater)
	}()

	producerErr := g.Wait()
	close(ch)
	drainErr := <-writerErr

	p.index.Commit()
	if err := p.commitHighWater(ctx, highWater); err != nil {
		return stats, err
	}
	if drainErr != nil {
		return stats, drainErr
	}
	if producerErr != nil && isCancellation(producerErr) {
		return stats, casserr.Wrap(casserr.Cancelled, "pipeline cancelled", producerErr)
	}
	return stats, nil
}

// drain is the single writer task: it consumes scanResults until ch is
// closed, committing the text index every CommitEveryN conversations or
// CommitInterval, whichever comes first. textindex.Commit returns no error,
// so no commit failure can stop the run; the caller writes the high-water
// marks only after its final Commit.
func (p *Pipeline) drain(ctx context.Context, ch <-chan scanResult, stats *Stats, highWater map[string]int64) error {
	sinceCommit := 0
	ticker := time.NewTicker(p.cfg.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return nil
			}
			msgCount, err := p.writeOne(ctx, res.conv)
			if err != nil {
				stats.ConversationsFailed++
				if p.log != nil {
					p.log.Warn(ctx, "conversation write failed, skipping", zap.String("connector", res.slug), zap.String("conversation_id", res.conv.ID), zap.Error(err))
				}
				continue
			}
			stats.ConversationsProcessed++
			stats.MessagesProcessed += msgCount
			advanceHighWater(highWater, res.conv)
			sinceCommit++
			if sinceCommit >= p.cfg.CommitEveryN {
				p.index.Commit()
				sinceCommit = 0
			}
		case <-ticker.C:
			if sinceCommit > 0 {
				p.index.Commit()
				sinceCommit = 0
			}
		case <-ctx.Done():
			return casserr.Wrap(casserr.Cancelled, "pipeline cancelled", ctx.Err())
		}
	}
}

// writeOne resolves the conversation's agent and workspace, inserts the
// conversation tree, projects it into the text index, and optionally
// enqueues it for embedding. It returns the message count for the caller's
// stats. A storage error aborts only this conversation; the caller decides
// whether that is fatal.
func (p *Pipeline) writeOne(ctx context.Context, conv normalize.Conversation) (int, error) {
	agentID, err := p.store.EnsureAgent(ctx, conv.Agent, conv.Agent, "connector")
	if err != nil {
		return 0, err
	}
	var workspaceID int64
	if conv.Workspace != "" {
		workspaceID, err = p.store.EnsureWorkspace(ctx, conv.Workspace, conv.Origin.SourceID)
		if err != nil {
			return 0, err
		}
	}
	if err := p.store.EnsureSource(ctx, conv.Origin.SourceID, string(conv.Origin.Kind), conv.Origin.Host); err != nil {
		return 0, err
	}

	messageIDs, err := p.store.InsertConversationTree(ctx, agentID, workspaceID, conv)
	if err != nil {
		return 0, err
	}

	docs := make([]textindex.Document, len(conv.Messages))
	for i, m := range conv.Messages {
		createdAtMS := int64(0)
		if m.CreatedAt != nil {
			createdAtMS = m.CreatedAt.UnixMilli()
		}
		docs[i] = textindex.Document{
			MessageID:      messageIDs[i],
			ConversationID: conv.ID,
			Agent:          conv.Agent,
			Workspace:      conv.Workspace,
			Role:           string(m.Role),
			CreatedAtMS:    createdAtMS,
			SourceID:       conv.Origin.SourceID,
			Content:        m.Content,
		}
	}
	p.index.AddConversation(docs)

	if p.cfg.SemanticEnabled && p.vector != nil && p.embedder != nil {
		if err := p.embedBatch(ctx, conv, messageIDs); err != nil {
			// Semantic indexing is best-effort: a missing/degraded
			// embedder must not take down lexical search.
			if p.log != nil {
				p.log.Warn(ctx, "semantic embedding failed for conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
			}
		}
	}

	return len(conv.Messages), nil
}

func (p *Pipeline) embedBatch(ctx context.Context, conv normalize.Conversation, messageIDs []int64) error {
	texts := make([]string, len(conv.Messages))
	for i, m := range conv.Messages {
		texts[i] = m.Content
	}

	for start := 0; start < len(texts); start += p.cfg.VectorBatchSize {
		end := start + p.cfg.VectorBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := p.embedder.EmbedDocuments(ctx, texts[start:end])
		if err != nil {
			return err
		}
		entries := make([]vectorindex.Entry, end-start)
		for i := range entries {
			m := conv.Messages[start+i]
			createdAtMS := int64(0)
			if m.CreatedAt != nil {
				createdAtMS = m.CreatedAt.UnixMilli()
			}
			entries[i] = vectorindex.Entry{
				MessageID:      messageIDs[start+i],
				ConversationID: conv.ID,
				Agent:          conv.Agent,
				Workspace:      conv.Workspace,
				SourceID:       conv.Origin.SourceID,
				Role:           string(m.Role),
				CreatedAtMS:    createdAtMS,
				Vector:         vectors[i],
			}
		}
		if err := p.vector.Upsert(ctx, entries); err != nil {
			return err
		}
	}
	return nil
}

// advanceHighWater tracks, per source, the latest EndedAt (or StartedAt)
// seen; the caller commits it only after the writer's current batch is
// durably flushed.
func advanceHighWater(highWater map[string]int64, conv normalize.Conversation) {
	t := conv.EndedAt
	if t == nil {
		t = conv.StartedAt
	}
	if t == nil {
		return
	}
	ms := t.UnixMilli()
	if cur, ok := highWater[conv.Origin.SourceID]; !ok || ms > cur {
		highWater[conv.Origin.SourceID] = ms
	}
}

func (p *Pipeline) commitHighWater(ctx context.Context, highWater map[string]int64) error {
	for sourceID, ts := range highWater {
		if err := p.store.SetSinceTS(ctx, sourceID, ts); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) logWarnings(ctx context.Context, slug string, warnings []connectors.Warning) {
	if p.log == nil {
		return
	}
	for _, w := range warnings {
		p.log.Warn(ctx, "connector warning", zap.String("connector", slug), zap.String("path", w.Path), zap.String("message", w.Message))
	}
}

func isCancellation(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}
