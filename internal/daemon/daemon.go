// Package daemon implements the fallback decorator over the embedder and
// reranker registries: a DaemonClient abstraction for an
// out-of-process warm model server, wrapped by RetryConfig-governed
// attempt/backoff logic and a circuit-style backoff window that skips
// the daemon entirely once it has recently failed. When the daemon
// cannot serve a request it falls back to a local embedder/reranker and
// logs a structured warning naming the daemon id, request id, and fallback
// reason; the number of attempts made is not included in that warning.
// The concrete daemon wire protocol is left
// to the DaemonClient implementation; this package only owns the
// decorator policy.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cassctl/cass/internal/casserr"
	"github.com/cassctl/cass/internal/embedders"
	"github.com/cassctl/cass/internal/logging"
	"github.com/cassctl/cass/internal/reranker"
)

// RetryConfig governs attempt count and backoff shape for daemon calls.
type RetryConfig struct {
	MaxAttempts int           // including the first try
	BaseDelay   time.Duration // backoff for the first failure
	MaxDelay    time.Duration
	JitterPct   float64 // 0..1
}

// DefaultRetryConfig matches the original client's conservative defaults:
// one retry, short base delay, capped jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		JitterPct:   0.2,
	}
}

// RetryConfigFromEnv overlays env vars onto DefaultRetryConfig:
// CASS_DAEMON_RETRY_MAX, CASS_DAEMON_BACKOFF_BASE_MS,
// CASS_DAEMON_BACKOFF_MAX_MS, CASS_DAEMON_JITTER_PCT.
func RetryConfigFromEnv(getenv func(string) string) RetryConfig {
	cfg := DefaultRetryConfig()
	if v := getenv("CASS_DAEMON_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.MaxAttempts = n
		}
	}
	if v := getenv("CASS_DAEMON_BACKOFF_BASE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 1 {
			cfg.BaseDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := getenv("CASS_DAEMON_BACKOFF_MAX_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 1 {
			cfg.MaxDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := getenv("CASS_DAEMON_JITTER_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.JitterPct = clamp01(f)
		}
	}
	return cfg
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func (c RetryConfig) backoffForAttempt(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > c.MaxDelay {
			return c.MaxDelay
		}
		return retryAfter
	}
	exp := uint(attempt - 1)
	base := c.BaseDelay
	for i := uint(0); i < exp && base < c.MaxDelay; i++ {
		base *= 2
	}
	if base > c.MaxDelay {
		base = c.MaxDelay
	}
	return applyJitter(base, c.JitterPct)
}

func applyJitter(d time.Duration, jitterPct float64) time.Duration {
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * jitterPct
	jittered := float64(d) * (1 + delta)
	if jittered < float64(time.Millisecond) {
		jittered = float64(time.Millisecond)
	}
	return time.Duration(jittered)
}

// RequestID is a process-unique identifier attached to every daemon call
// for log correlation.
type RequestID string

var requestCounter atomic.Uint64

func nextRequestID() RequestID {
	n := requestCounter.Add(1)
	return RequestID(fmt.Sprintf("daemon-%d", n))
}

// Client abstracts the warm daemon's wire protocol. The transport
// (unix socket, gRPC, HTTP) is the caller's concern; this package only
// consumes the trait.
type Client interface {
	ID() string
	IsAvailable() bool
	Embed(ctx context.Context, text string, reqID RequestID) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, reqID RequestID) ([][]float32, error)
	Rerank(ctx context.Context, query string, documents []string, reqID RequestID) ([]float32, error)
}

type breakerState struct {
	mu                 sync.Mutex
	consecutiveFailure int
	nextRetryAt        time.Time
}

func (s *breakerState) canAttempt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRetryAt.IsZero() || !now.Before(s.nextRetryAt)
}

func (s *breakerState) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailure = 0
	s.nextRetryAt = time.Time{}
}

func (s *breakerState) recordFailure(cfg RetryConfig, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailure++
	s.nextRetryAt = time.Now().Add(cfg.backoffForAttempt(s.consecutiveFailure, retryAfter))
}

// fallbackReason classifies why a daemon call degraded to the local path,
// for the structured warning log's fallback_reason field.
func fallbackReason(err error, backoffActive bool) string {
	if backoffActive {
		return "backoff"
	}
	var daemonErr *casserr.Error
	if errors.As(err, &daemonErr) {
		return string(daemonErr.Kind)
	}
	return "error"
}

// shouldRetry reports whether a daemon error class is worth a second
// attempt. Invalid-input and overloaded responses never are: retrying
// invalid input cannot succeed, and retrying an overloaded daemon
// immediately defeats its own backpressure signal.
func shouldRetry(err error) bool {
	var daemonErr *casserr.Error
	if errors.As(err, &daemonErr) {
		switch daemonErr.Kind {
		case casserr.InvalidInput, casserr.Overloaded:
			return false
		}
	}
	return true
}

func retryAfterOf(err error) time.Duration {
	var daemonErr *casserr.Error
	if errors.As(err, &daemonErr) {
		if v, ok := daemonErr.Fields["retry_after_ms"]; ok {
			if ms, ok := v.(int64); ok {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	return 0
}

// FallbackEmbedder wraps a daemon Client and a local embedders.Embedder,
// preferring the daemon while the circuit is closed and degrading to the
// local embedder on any disqualifying failure.
type FallbackEmbedder struct {
	daemon   Client
	fallback embedders.Embedder
	cfg      RetryConfig
	state    breakerState
	log      *logging.Logger
}

func NewFallbackEmbedder(daemonClient Client, fallback embedders.Embedder, cfg RetryConfig, log *logging.Logger) *FallbackEmbedder {
	return &FallbackEmbedder{daemon: daemonClient, fallback: fallback, cfg: cfg, log: log}
}

func (f *FallbackEmbedder) ID() string     { return f.fallback.ID() }
func (f *FallbackEmbedder) Dimension() int { return f.fallback.Dimension() }
func (f *FallbackEmbedder) Semantic() bool { return f.fallback.Semantic() }

func (f *FallbackEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	reqID := nextRequestID()
	vectors, err := f.tryEmbedBatch(ctx, reqID, texts)
	if err == nil {
		return vectors, nil
	}
	f.logFallback(ctx, reqID, err)
	return f.fallback.EmbedDocuments(ctx, texts)
}

func (f *FallbackEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	reqID := nextRequestID()
	vector, err := f.tryEmbed(ctx, reqID, text)
	if err == nil {
		return vector, nil
	}
	f.logFallback(ctx, reqID, err)
	return f.fallback.EmbedQuery(ctx, text)
}

func (f *FallbackEmbedder) tryEmbed(ctx context.Context, reqID RequestID, text string) ([]float32, error) {
	if err := f.preflight(); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		vector, err := f.daemon.Embed(ctx, text, reqID)
		if err == nil {
			f.state.recordSuccess()
			return vector, nil
		}
		lastErr = err
		f.state.recordFailure(f.cfg, retryAfterOf(err))
		if !shouldRetry(err) || attempt >= f.cfg.MaxAttempts {
			break
		}
	}
	return nil, lastErr
}

func (f *FallbackEmbedder) tryEmbedBatch(ctx context.Context, reqID RequestID, texts []string) ([][]float32, error) {
	if err := f.preflight(); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		vectors, err := f.daemon.EmbedBatch(ctx, texts, reqID)
		if err == nil {
			f.state.recordSuccess()
			return vectors, nil
		}
		lastErr = err
		f.state.recordFailure(f.cfg, retryAfterOf(err))
		if !shouldRetry(err) || attempt >= f.cfg.MaxAttempts {
			break
		}
	}
	return nil, lastErr
}

func (f *FallbackEmbedder) preflight() error {
	if !f.daemon.IsAvailable() {
		return casserr.New(casserr.Unavailable, "daemon not available")
	}
	if !f.state.canAttempt(time.Now()) {
		return casserr.New(casserr.Unavailable, "daemon backoff active")
	}
	return nil
}

func (f *FallbackEmbedder) logFallback(ctx context.Context, reqID RequestID, err error) {
	if f.log == nil {
		return
	}
	backoffActive := !f.state.canAttempt(time.Now())
	f.log.Warn(ctx, "daemon embed failed, using local embedder",
		zap.String("daemon_id", f.daemon.ID()),
		zap.String("request_id", string(reqID)),
		zap.String("fallback_reason", fallbackReason(err, backoffActive)),
	)
}

var _ embedders.Embedder = (*FallbackEmbedder)(nil)

// FallbackReranker wraps a daemon Client and a local reranker.Reranker,
// following the same retry/backoff/circuit policy as FallbackEmbedder. If
// the daemon degrades and no local fallback was configured, Rerank
// returns an Unavailable error naming that no reranker could serve the
// request.
type FallbackReranker struct {
	daemon   Client
	fallback reranker.Reranker // nil is valid: no local fallback configured
	cfg      RetryConfig
	state    breakerState
	log      *logging.Logger
}

func NewFallbackReranker(daemonClient Client, fallback reranker.Reranker, cfg RetryConfig, log *logging.Logger) *FallbackReranker {
	return &FallbackReranker{daemon: daemonClient, fallback: fallback, cfg: cfg, log: log}
}

func (f *FallbackReranker) Rerank(ctx context.Context, query string, candidates []reranker.Candidate, topK int) ([]reranker.Ranked, error) {
	reqID := nextRequestID()
	scores, err := f.tryRerank(ctx, reqID, query, candidates)
	if err == nil {
		return attachScores(candidates, scores, topK), nil
	}
	f.logFallback(ctx, reqID, err)
	if f.fallback == nil {
		return nil, casserr.Wrap(casserr.Unavailable, "no local reranker configured", err)
	}
	return f.fallback.Rerank(ctx, query, candidates, topK)
}

func (f *FallbackReranker) Close() error {
	if f.fallback != nil {
		return f.fallback.Close()
	}
	return nil
}

func (f *FallbackReranker) tryRerank(ctx context.Context, reqID RequestID, query string, candidates []reranker.Candidate) ([]float32, error) {
	if !f.daemon.IsAvailable() {
		return nil, casserr.New(casserr.Unavailable, "daemon not available")
	}
	if !f.state.canAttempt(time.Now()) {
		return nil, casserr.New(casserr.Unavailable, "daemon backoff active")
	}
	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = c.Content
	}
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		scores, err := f.daemon.Rerank(ctx, query, documents, reqID)
		if err == nil {
			f.state.recordSuccess()
			return scores, nil
		}
		lastErr = err
		f.state.recordFailure(f.cfg, retryAfterOf(err))
		if !shouldRetry(err) || attempt >= f.cfg.MaxAttempts {
			break
		}
	}
	return nil, lastErr
}

func (f *FallbackReranker) logFallback(ctx context.Context, reqID RequestID, err error) {
	if f.log == nil {
		return
	}
	backoffActive := !f.state.canAttempt(time.Now())
	f.log.Warn(ctx, "daemon rerank failed, using local reranker",
		zap.String("daemon_id", f.daemon.ID()),
		zap.String("request_id", string(reqID)),
		zap.String("fallback_reason", fallbackReason(err, backoffActive)),
	)
}

// attachScores pairs daemon-returned scores with their candidates, sorts
// descending, and truncates to topK, mirroring the local reranker's own
// output contract so callers can treat either path identically.
func attachScores(candidates []reranker.Candidate, scores []float32, topK int) []reranker.Ranked {
	n := len(candidates)
	if len(scores) < n {
		n = len(scores)
	}
	ranked := make([]reranker.Ranked, n)
	for i := 0; i < n; i++ {
		ranked[i] = reranker.Ranked{
			Candidate:     candidates[i],
			RerankerScore: scores[i],
			OriginalRank:  i,
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RerankerScore > ranked[j].RerankerScore
	})
	if topK > 0 && topK < len(ranked) {
		ranked = ranked[:topK]
	}
	return ranked
}

var _ reranker.Reranker = (*FallbackReranker)(nil)
