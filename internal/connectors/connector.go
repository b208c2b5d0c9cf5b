// Package connectors defines the Connector capability and a
// registry of per-agent implementations. Each concrete connector lives in its
// own subpackage (claudecode, codex, cursor, chatgpt, opencode, piagent, and
// detect-only stubs for the remainder of the original roster) and is wired
// into the registry by cmd/cass.
package connectors

import (
	"context"

	"github.com/cassctl/cass/internal/normalize"
)

// DetectionResult is the outcome of a non-destructive probe of a connector's
// default locations.
type DetectionResult struct {
	Detected bool
	Evidence []string
}

// Connector is a capability with two operations: detect (non-destructive
// inspection) and scan (produce normalized records for changed sessions).
type Connector interface {
	// Slug is the stable agent identifier (single token, no whitespace).
	Slug() string

	// Detect inspects this connector's default locations without mutating
	// any state. Absence of evidence is not an error.
	Detect(ctx context.Context) DetectionResult

	// Scan produces NormalizedConversation records for every session whose
	// source file has changed since sc.SinceTS. Parse errors on individual
	// files are warnings, not fatal; Scan returns the successfully parsed
	// subset.
	Scan(ctx context.Context, sc normalize.ScanContext) ([]normalize.Conversation, []Warning, error)
}

// Warning is a non-fatal diagnostic surfaced during a scan (e.g. "skipped
// encrypted directory, no key available", or "malformed line, skipped").
type Warning struct {
	Connector string
	Path      string
	Message   string
}

// WatchRoot is implemented by connectors that can name their default
// on-disk scan root, for callers that want to watch it for changes (e.g.
// watch mode) without performing a scan themselves.
type WatchRoot interface {
	DefaultRoot() (string, error)
}

// Registry holds every known connector, keyed by slug.
type Registry struct {
	connectors map[string]Connector
	order      []string
}

// NewRegistry builds a Registry from the given connectors, preserving the
// order they are passed in for deterministic iteration (e.g. detect reports,
// CLI listings).
func NewRegistry(cs ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector, len(cs))}
	for _, c := range cs {
		r.connectors[c.Slug()] = c
		r.order = append(r.order, c.Slug())
	}
	return r
}

// Get returns the connector for slug, or (nil, false) if unregistered.
func (r *Registry) Get(slug string) (Connector, bool) {
	c, ok := r.connectors[slug]
	return c, ok
}

// All returns every registered connector in registration order.
func (r *Registry) All() []Connector {
	out := make([]Connector, 0, len(r.order))
	for _, slug := range r.order {
		out = append(out, r.connectors[slug])
	}
	return out
}

// Slugs returns every registered agent slug in registration order.
func (r *Registry) Slugs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// WatchRoots resolves every registered connector's default scan root, for
// callers watching the filesystem for changes instead of polling on a
// schedule. A connector that does not implement WatchRoot, or whose root
// cannot be resolved (e.g. home directory lookup failure), is silently
// skipped: watch mode degrades to watching fewer directories rather than
// failing outright.
func (r *Registry) WatchRoots() []string {
	var roots []string
	for _, slug := range r.order {
		wr, ok := r.connectors[slug].(WatchRoot)
		if !ok {
			continue
		}
		root, err := wr.DefaultRoot()
		if err != nil || root == "" {
			continue
		}
		roots = append(roots, root)
	}
	return roots
}
