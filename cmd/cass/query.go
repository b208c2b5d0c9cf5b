package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cassctl/cass/internal/daemon"
	"github.com/cassctl/cass/internal/query"
	"github.com/cassctl/cass/internal/reranker"
	"github.com/cassctl/cass/internal/textindex"
)

var (
	qAgents      []string
	qWorkspaces  []string
	qSources     []string
	qRole        string
	qMode        string
	qRank        string
	qLimit       int
	qOffset      int
	qFallback    bool
	qRerank      bool
	qDaemonURL   string
	qDaemonModel string
	qJSON        bool
)

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringSliceVar(&qAgents, "agent", nil, "restrict to one or more agent slugs")
	queryCmd.Flags().StringSliceVar(&qWorkspaces, "workspace", nil, "restrict to one or more workspace paths")
	queryCmd.Flags().StringSliceVar(&qSources, "source", nil, "restrict to one or more source ids")
	queryCmd.Flags().StringVar(&qRole, "role", "", "restrict to a single message role")
	queryCmd.Flags().StringVar(&qMode, "mode", "exact", "match mode: exact, prefix, substring, regex")
	queryCmd.Flags().StringVar(&qRank, "rank", "balanced", "rank policy: recent, balanced, relevance, match-quality, date-newest, date-oldest")
	queryCmd.Flags().IntVar(&qLimit, "limit", 20, "maximum results")
	queryCmd.Flags().IntVar(&qOffset, "offset", 0, "result offset")
	queryCmd.Flags().BoolVar(&qFallback, "fallback", true, "retry a sparse single-token exact/prefix search as a substring wildcard")
	queryCmd.Flags().BoolVar(&qRerank, "rerank", false, "re-score results with the reranker (daemon-backed if --daemon-url is set, lexical-overlap otherwise)")
	queryCmd.Flags().StringVar(&qDaemonURL, "daemon-url", "", "base URL of a warm OpenAI-compatible embedding server used for --rerank")
	queryCmd.Flags().StringVar(&qDaemonModel, "daemon-model", "", "model name passed to the daemon at --daemon-url")
	queryCmd.Flags().BoolVar(&qJSON, "json", false, "output results as JSON")
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search indexed conversations",
	Long: `query rebuilds the in-memory full-text index from the store, since
the index is a derived cache always safe to reconstruct, and runs one search
through the Query Engine.

Examples:
  cass query "panic: nil pointer"
  cass query --agent claude_code --mode regex "err.*Wrap"
  cass query --json "rate limit"`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func parseMode(s string) (textindex.Mode, error) {
	switch s {
	case "exact":
		return textindex.ModeExact, nil
	case "prefix":
		return textindex.ModePrefix, nil
	case "substring":
		return textindex.ModeSubstring, nil
	case "regex":
		return textindex.ModeRegex, nil
	default:
		return 0, fmt.Errorf("invalid --mode %q (want exact, prefix, substring, regex)", s)
	}
}

func parseRank(s string) (textindex.RankPolicy, error) {
	switch s {
	case "recent":
		return textindex.RankRecentHeavy, nil
	case "balanced":
		return textindex.RankBalanced, nil
	case "relevance":
		return textindex.RankRelevanceHeavy, nil
	case "match-quality":
		return textindex.RankMatchQualityHeavy, nil
	case "date-newest":
		return textindex.RankDateNewest, nil
	case "date-oldest":
		return textindex.RankDateOldest, nil
	default:
		return 0, fmt.Errorf("invalid --rank %q", s)
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	mode, err := parseMode(qMode)
	if err != nil {
		return err
	}
	policy, err := parseRank(qRank)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	idx, err := rebuildTextIndex(ctx, store)
	if err != nil {
		return fmt.Errorf("rebuild text index: %w", err)
	}

	engine, err := query.NewEngine(idx)
	if err != nil {
		return fmt.Errorf("build query engine: %w", err)
	}

	filters := textindex.Filters{
		Agents:     qAgents,
		Workspaces: qWorkspaces,
		SourceIDs:  qSources,
		Role:       qRole,
	}

	var hits []textindex.Hit
	if qFallback && mode == textindex.ModeExact {
		hits, err = engine.SearchWithFallback(ctx, args[0], filters, qLimit, qOffset, 0, textindex.AllFields, policy)
	} else {
		hits, err = engine.Search(ctx, args[0], filters, mode, qLimit, qOffset, textindex.AllFields, policy)
	}
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if qRerank && len(hits) > 0 {
		hits, err = rerankHits(ctx, args[0], hits)
		if err != nil {
			return fmt.Errorf("rerank: %w", err)
		}
	}

	if qJSON {
		return outputJSON(hits)
	}

	if len(hits) == 0 {
		fmt.Println("no matches")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tAGENT\tCONVERSATION\tCONTENT")
	for _, h := range hits {
		fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", h.Score, h.Document.Agent, h.Document.ConversationID, truncate(h.Document.Content, 80))
	}
	return w.Flush()
}

// rerankHits re-scores hits against query using a reranker.Reranker: a
// daemon-backed one falling back to lexical overlap if --daemon-url is set,
// or lexical overlap alone otherwise. Results come back sorted by the
// reranker's own verdict, not the original search ranking.
func rerankHits(ctx context.Context, queryText string, hits []textindex.Hit) ([]textindex.Hit, error) {
	var rr reranker.Reranker
	if qDaemonURL != "" {
		client, err := daemon.NewLangchainClient(daemon.LangchainConfig{BaseURL: qDaemonURL, Model: qDaemonModel})
		if err != nil {
			return nil, err
		}
		rr = daemon.NewFallbackReranker(client, reranker.NewLexicalOverlapReranker(), daemon.DefaultRetryConfig(), nil)
	} else {
		rr = reranker.NewLexicalOverlapReranker()
	}
	defer rr.Close()

	candidates := make([]reranker.Candidate, len(hits))
	byID := make(map[int64]textindex.Hit, len(hits))
	for i, h := range hits {
		candidates[i] = reranker.Candidate{MessageID: h.Document.MessageID, Content: h.Document.Content, Score: float32(h.Score)}
		byID[h.Document.MessageID] = h
	}

	ranked, err := rr.Rerank(ctx, queryText, candidates, len(candidates))
	if err != nil {
		return nil, err
	}

	out := make([]textindex.Hit, 0, len(ranked))
	for _, r := range ranked {
		h, ok := byID[r.MessageID]
		if !ok {
			continue
		}
		h.Score = float64(r.RerankerScore)
		out = append(out, h)
	}
	return out, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
