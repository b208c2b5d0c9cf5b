package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cassctl/cass/internal/export"
	"github.com/cassctl/cass/internal/sanitize"
)

var (
	exAgents     []string
	exWorkspaces []string
	exSinceMS    int64
	exUntilMS    int64
	exPathMode   string
	exOut        string
	exSource     string
	exJSON       bool
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringSliceVar(&exAgents, "agent", nil, "restrict export to one or more agent slugs")
	exportCmd.Flags().StringSliceVar(&exWorkspaces, "workspace", nil, "restrict export to one or more workspaces")
	exportCmd.Flags().Int64Var(&exSinceMS, "since", 0, "only include conversations started since this Unix ms timestamp")
	exportCmd.Flags().Int64Var(&exUntilMS, "until", 0, "only include conversations started before this Unix ms timestamp")
	exportCmd.Flags().StringVar(&exPathMode, "path-mode", "relative", "path rewrite mode: relative, absolute, obfuscated")
	exportCmd.Flags().StringVar(&exOut, "out", "", "destination store path (defaults to a name derived from --source if set)")
	exportCmd.Flags().StringVar(&exSource, "source", "", "name of a source in sources.toml; used only to derive a default --out")
	exportCmd.Flags().BoolVar(&exJSON, "json", false, "output run stats as JSON")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Copy a filtered snapshot of the store to a new export file",
	Long: `export runs the Export Engine: a filtered copy of the relational
store with deterministic conversation ids and a rewritten path_mode, the first
stage of the publication pipeline that continues through "cass encrypt" and
"cass bundle".

Examples:
  cass export --out /tmp/snapshot.db
  cass export --agent claude_code --path-mode obfuscated --out ./export.db`,
	RunE: runExport,
}

func parsePathMode(s string) (export.PathMode, error) {
	switch s {
	case "relative":
		return export.PathRelative, nil
	case "absolute":
		return export.PathAbsolute, nil
	case "obfuscated":
		return export.PathObfuscated, nil
	default:
		return 0, fmt.Errorf("invalid --path-mode %q (want relative, absolute, obfuscated)", s)
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	pathMode, err := parsePathMode(exPathMode)
	if err != nil {
		return err
	}

	if exOut == "" {
		if exSource == "" {
			return fmt.Errorf("--out is required unless --source names a source in sources.toml")
		}
		exOut = sanitize.SourceDirName(exSource, "export")
	}

	outPath, err := sanitize.ValidateProjectPath(exOut)
	if err != nil {
		return fmt.Errorf("invalid --out: %w", err)
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	filter := export.Filter{
		Agents:     exAgents,
		Workspaces: exWorkspaces,
		PathMode:   pathMode,
	}
	if exSinceMS > 0 {
		filter.Since = &exSinceMS
	}
	if exUntilMS > 0 {
		filter.Until = &exUntilMS
	}

	eng := export.New(store, outPath, filter)

	var lastDone int
	stats, err := eng.Execute(cmd.Context(), func(done, total int) {
		if !exJSON && (done-lastDone >= 50 || done == total) {
			fmt.Printf("exported %d/%d\n", done, total)
			lastDone = done
		}
	})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if exJSON {
		return outputJSON(struct {
			ExportID string       `json:"export_id"`
			Stats    export.Stats `json:"stats"`
		}{ExportID: eng.ExportID(), Stats: stats})
	}
	fmt.Printf("export %s: %d conversations, %d messages -> %s\n", eng.ExportID(), stats.ConversationsProcessed, stats.MessagesProcessed, outPath)
	return nil
}
