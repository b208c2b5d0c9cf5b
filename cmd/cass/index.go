package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/embedders"
	"github.com/cassctl/cass/internal/normalize"
	"github.com/cassctl/cass/internal/pipeline"
	"github.com/cassctl/cass/internal/vectorindex"
)

var (
	indexBatch    bool
	indexSemantic bool
	indexSinceMS  int64
	indexSource   string
	indexWatch    bool
	indexJSON     bool
)

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().BoolVar(&indexBatch, "batch", false, "run the batch pipeline instead of the streaming default")
	indexCmd.Flags().BoolVar(&indexSemantic, "semantic", false, "enable semantic (vector) indexing using the hash embedder")
	indexCmd.Flags().Int64Var(&indexSinceMS, "since", 0, "only scan records changed since this Unix ms timestamp (0 means full scan)")
	indexCmd.Flags().StringVar(&indexSource, "source", "", "name of a local source in sources.toml to scan instead of each connector's default locations")
	indexCmd.Flags().BoolVar(&indexWatch, "watch", false, "after the initial scan, keep running and rescan whenever a watched connector directory changes")
	indexCmd.Flags().BoolVar(&indexJSON, "json", false, "output run stats as JSON")
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Scan every configured connector and update the local store",
	Long: `index runs the indexing pipeline: every registered connector scans
its default on-disk locations for changed sessions, and the results are written
to the relational store and the full-text index. With --source, every
connector instead scans the named local source's configured paths. With
--watch, index keeps running after the initial scan and rescans whenever a
watched connector directory changes on disk, until the process is
interrupted.

Examples:
  cass index
  cass index --semantic
  cass index --watch
  cass index --source my-laptop --batch --json`,
	RunE: runIndex,
}

// scanRootsForSource turns a named local source from sources.toml into
// normalize.ScanRoot values, one per configured path. Remote (SSH) sources
// are rejected: nothing in cass fetches a remote tree onto local disk before
// scanning it, so a named SSH source has no meaningful ScanRoot here yet.
func scanRootsForSource(name string) ([]normalize.ScanRoot, error) {
	src, ok, err := lookupSource(name)
	if err != nil {
		return nil, fmt.Errorf("load sources.toml: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no source named %q in sources.toml", name)
	}
	if src.IsRemote() {
		return nil, fmt.Errorf("source %q is a remote (ssh) source; only local sources can be scanned directly", name)
	}

	origin := normalize.Origin{SourceID: src.Name, Kind: normalize.SourceLocal}
	rewrites := make([]normalize.PathRewrite, len(src.PathMappings))
	for i, m := range src.PathMappings {
		rewrites[i] = normalize.PathRewrite{From: m.From, To: m.To, AgentOnly: m.Agents}
	}
	roots := make([]normalize.ScanRoot, len(src.Paths))
	for i, p := range src.Paths {
		roots[i] = normalize.ScanRoot{Path: p, Origin: origin, Rewrites: rewrites}
	}
	return roots, nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	idx, err := rebuildTextIndex(cmd.Context(), store)
	if err != nil {
		return fmt.Errorf("rebuild text index: %w", err)
	}

	registry := buildRegistry(cfg)

	mode := pipeline.ModeStreaming
	if indexBatch {
		mode = pipeline.ModeBatch
	}

	var embedder embedders.Embedder
	var vector vectorindex.Backend
	if indexSemantic {
		embedder = embedders.NewHashEmbedder()
		backend, err := vectorindex.NewChromemBackend(vectorindex.ChromemConfig{})
		if err != nil {
			return fmt.Errorf("build vector backend: %w", err)
		}
		vector = backend
	}

	p := pipeline.New(registry, store, idx, vector, embedder, pipeline.Config{
		Mode:            mode,
		SemanticEnabled: indexSemantic,
	}, log)

	var sinceTS *int64
	if indexSinceMS > 0 {
		sinceTS = &indexSinceMS
	}

	var sc normalize.ScanContext
	if indexSource != "" {
		roots, err := scanRootsForSource(indexSource)
		if err != nil {
			return err
		}
		sc = normalize.WithRoots("", sinceTS, roots...)
	} else {
		sc = normalize.LocalDefault("", sinceTS)
	}

	stats, err := p.Run(cmd.Context(), sc)
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	printIndexStats(stats)

	if !indexWatch {
		if indexJSON {
			return outputJSON(stats)
		}
		return nil
	}

	return watchAndReindex(cmd, p, sc, registry)
}

func printIndexStats(stats pipeline.Stats) {
	if indexJSON {
		return
	}
	fmt.Printf("conversations: %d processed, %d failed\n", stats.ConversationsProcessed, stats.ConversationsFailed)
	fmt.Printf("messages: %d processed\n", stats.MessagesProcessed)
	fmt.Printf("connector warnings: %d\n", stats.ConnectorWarnings)
}

// watchAndReindex watches every connector's default scan root (or, with
// --source, the named source's configured paths) and reruns the pipeline
// with the same ScanContext on every debounced change, until the command's
// context is cancelled. Each rerun rescans the same roots; replace-not-merge
// in the text index and storage's upsert-by-conversation-id semantics make
// repeated rescans of unchanged files idempotent, so this trades some
// redundant work for not needing a live high-water mark across runs.
func watchAndReindex(cmd *cobra.Command, p *pipeline.Pipeline, sc normalize.ScanContext, registry *connectors.Registry) error {
	var roots []string
	for _, r := range sc.ScanRoots {
		roots = append(roots, r.Path)
	}
	if len(roots) == 0 {
		roots = registry.WatchRoots()
	}
	if len(roots) == 0 {
		return fmt.Errorf("--watch: no connector exposed a directory to watch")
	}

	watcher, err := connectors.NewWatcher(roots, 2*time.Second)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "watching %d director(y/ies) for changes, press ctrl-c to stop\n", len(roots))

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			stats, err := p.Run(ctx, sc)
			if err != nil {
				return fmt.Errorf("run pipeline: %w", err)
			}
			printIndexStats(stats)
		}
	}
}
