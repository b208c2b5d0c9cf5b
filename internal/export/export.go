// Package export produces a standalone, filtered copy of the relational
// store, the first stage of the publication
// pipeline that continues through internal/encrypt and internal/bundle.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/cassctl/cass/internal/casserr"
	"github.com/cassctl/cass/internal/normalize"
	"github.com/cassctl/cass/internal/storage"
)

// PathMode controls how source_path and workspace values are rewritten in
// the exported snapshot.
type PathMode int

const (
	// PathRelative strips everything up to and including the workspace
	// root, keeping only the path segment beneath it.
	PathRelative PathMode = iota
	// PathAbsolute copies source_path and workspace unchanged.
	PathAbsolute
	// PathObfuscated replaces every path with a stable hash of the whole
	// path, so the exported snapshot reveals neither names nor directory
	// structure.
	PathObfuscated
)

// Filter narrows which conversations are copied into the export. A nil or
// empty Agents/Workspaces leaves that dimension unfiltered; a nil
// Since/Until leaves that bound open.
type Filter struct {
	Agents     []string
	Workspaces []string
	Since      *int64 // ms since epoch
	Until      *int64
	PathMode   PathMode
}

// Stats summarizes one export run.
type Stats struct {
	ConversationsProcessed int
	MessagesProcessed      int
}

// ProgressFunc is invoked after each conversation is written, with the
// number done so far and the total candidate count.
type ProgressFunc func(done, total int)

// Engine copies a filtered subset of a source Store into a fresh Store file,
// reassigning conversation ids deterministically by (started_at,
// source_path) order so identical inputs produce identical output.
type Engine struct {
	src      *storage.Store
	destPath string
	filter   Filter
	exportID string
}

// New builds an Engine that reads from src and writes a new store at
// destPath. destPath must not already exist as a populated store; New does
// not truncate or merge into an existing export.
func New(src *storage.Store, destPath string, filter Filter) *Engine {
	return &Engine{src: src, destPath: destPath, filter: filter, exportID: uuid.NewString()}
}

// ExportID returns the export run's generated identifier, which the export
// command reports in its summary. The encryption stage generates its own
// export id for config.json; this one is not passed to it.
func (e *Engine) ExportID() string { return e.exportID }

// Execute runs the filtered copy and returns summary stats. progress may be
// nil.
func (e *Engine) Execute(ctx context.Context, progress ProgressFunc) (Stats, error) {
	ids, err := e.src.FilterConversationIDs(ctx, storage.ConversationFilter{
		Agents:     e.filter.Agents,
		Workspaces: e.filter.Workspaces,
		Since:      e.filter.Since,
		Until:      e.filter.Until,
	})
	if err != nil {
		return Stats{}, err
	}

	dst, err := storage.Open(e.destPath)
	if err != nil {
		return Stats{}, err
	}
	defer dst.Close()

	var stats Stats
	agentIDCache := make(map[string]int64)
	workspaceIDCache := make(map[string]int64)

	for i, id := range ids {
		select {
		case <-ctx.Done():
			return stats, casserr.Wrap(casserr.Cancelled, "export cancelled", ctx.Err())
		default:
		}

		conv, err := e.src.LoadConversation(ctx, id)
		if err != nil {
			return stats, err
		}
		if conv == nil {
			continue
		}

		rewritePaths(conv, e.filter.PathMode)
		conv.ID = fmt.Sprintf("exp-%06d", i+1)

		agentID, ok := agentIDCache[conv.Agent]
		if !ok {
			displayName, kind, err := e.src.AgentBySlug(ctx, conv.Agent)
			if err != nil {
				return stats, err
			}
			agentID, err = dst.EnsureAgent(ctx, conv.Agent, displayName, kind)
			if err != nil {
				return stats, err
			}
			agentIDCache[conv.Agent] = agentID
		}

		var workspaceID int64
		if conv.Workspace != "" {
			cacheKey := conv.Origin.SourceID + "\x00" + conv.Workspace
			workspaceID, ok = workspaceIDCache[cacheKey]
			if !ok {
				workspaceID, err = dst.EnsureWorkspace(ctx, conv.Workspace, conv.Origin.SourceID)
				if err != nil {
					return stats, err
				}
				workspaceIDCache[cacheKey] = workspaceID
			}
		}

		if err := dst.EnsureSource(ctx, conv.Origin.SourceID, string(conv.Origin.Kind), conv.Origin.Host); err != nil {
			return stats, err
		}

		if _, err := dst.InsertConversationTree(ctx, agentID, workspaceID, *conv); err != nil {
			return stats, err
		}

		stats.ConversationsProcessed++
		stats.MessagesProcessed += len(conv.Messages)

		if progress != nil {
			progress(i+1, len(ids))
		}
	}

	return stats, nil
}

// rewritePaths applies mode to conv's SourcePath and Workspace in place.
func rewritePaths(conv *normalize.Conversation, mode PathMode) {
	switch mode {
	case PathAbsolute:
		// no rewrite
	case PathObfuscated:
		conv.SourcePath = obfuscatePath(conv.SourcePath)
		if conv.Workspace != "" {
			conv.Workspace = obfuscatePath(conv.Workspace)
		}
	case PathRelative:
		fallthrough
	default:
		conv.SourcePath = relativize(conv.SourcePath, conv.Workspace)
		// Workspace itself has no further root to strip against; it is
		// already the boundary path_mode=Relative measures from.
	}
}

// relativize strips workspace as a prefix of path, leaving the path
// unchanged if workspace is empty or not a prefix.
func relativize(path, workspace string) string {
	if workspace == "" || len(path) <= len(workspace) || path[:len(workspace)] != workspace {
		return path
	}
	rest := path[len(workspace):]
	for len(rest) > 0 && (rest[0] == '/' || rest[0] == '\\') {
		rest = rest[1:]
	}
	return rest
}

// obfuscatePath replaces path with a stable, non-reversible hash so the
// exported snapshot cannot leak local directory names.
func obfuscatePath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}
