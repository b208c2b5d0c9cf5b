package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cassctl/cass/internal/bundle"
	"github.com/cassctl/cass/internal/encrypt"
	"github.com/cassctl/cass/internal/export"
	"github.com/cassctl/cass/internal/sanitize"
	"github.com/cassctl/cass/internal/secretscan"
	"github.com/cassctl/cass/internal/storage"
)

var (
	pgAgents        []string
	pgWorkspaces    []string
	pgPathMode      string
	pgEncrypt       bool
	pgRecovery      bool
	pgTitle         string
	pgDescription   string
	pgHideMetadata  bool
	pgOut           string
	pgSource        string
	pgWorkDir       string
	pgScanSecrets   bool
	pgFailOnSecrets bool
	pgJSON          bool
)

func init() {
	rootCmd.AddCommand(pagesCmd)
	pagesCmd.Flags().StringSliceVar(&pgAgents, "agent", nil, "restrict to one or more agent slugs")
	pagesCmd.Flags().StringSliceVar(&pgWorkspaces, "workspace", nil, "restrict to one or more workspaces")
	pagesCmd.Flags().StringVar(&pgPathMode, "path-mode", "obfuscated", "path rewrite mode: relative, absolute, obfuscated")
	pagesCmd.Flags().BoolVar(&pgEncrypt, "encrypt", true, "encrypt the export before bundling (password via CASS_PASSWORD or an interactive prompt)")
	pagesCmd.Flags().BoolVar(&pgRecovery, "recovery", false, "also generate a recovery-secret key slot when encrypting")
	pagesCmd.Flags().StringVar(&pgTitle, "title", "", "site title")
	pagesCmd.Flags().StringVar(&pgDescription, "description", "", "site description")
	pagesCmd.Flags().BoolVar(&pgHideMetadata, "hide-metadata", false, "omit title/description from published site metadata")
	pagesCmd.Flags().StringVar(&pgOut, "out", "", "destination directory for site/ and private/ (defaults to a name derived from --source if set)")
	pagesCmd.Flags().StringVar(&pgSource, "source", "", "name of a source in sources.toml; used only to derive a default --out")
	pagesCmd.Flags().StringVar(&pgWorkDir, "work-dir", "", "intermediate directory for the export/encrypt stages (default: a temp directory)")
	pagesCmd.Flags().BoolVar(&pgScanSecrets, "scan-secrets", true, "scan exported message content for credential-shaped secrets before publishing")
	pagesCmd.Flags().BoolVar(&pgFailOnSecrets, "fail-on-secrets", true, "exit non-zero if --scan-secrets finds anything (requires --scan-secrets)")
	pagesCmd.Flags().BoolVar(&pgJSON, "json", false, "output the build result as JSON")
}

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Export, encrypt, and bundle a publishable site in one step",
	Long: `pages chains the three publication stages into one
invocation: export a filtered snapshot, optionally encrypt it, then bundle it
into a static site. With --scan-secrets (the default), every exported
message is checked against the same credential ruleset the bundle's own
verify step uses; with --fail-on-secrets (also the default), any finding
aborts the run before anything is encrypted or published.

Examples:
  cass pages --out ./published
  cass pages --agent claude_code --encrypt=false --out ./published
  cass pages --out ./published --scan-secrets=false --fail-on-secrets=false`,
	RunE: runPages,
}

func runPages(cmd *cobra.Command, args []string) error {
	if pgFailOnSecrets && !pgScanSecrets {
		return fmt.Errorf("--fail-on-secrets requires --scan-secrets")
	}

	pathMode, err := parsePathMode(pgPathMode)
	if err != nil {
		return err
	}

	if pgOut == "" {
		if pgSource == "" {
			return fmt.Errorf("--out is required unless --source names a source in sources.toml")
		}
		pgOut = sanitize.SourceDirName(pgSource, "pages")
	}
	outDir, err := sanitize.ValidateProjectPath(pgOut)
	if err != nil {
		return fmt.Errorf("invalid --out: %w", err)
	}

	workDir := pgWorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "cass-pages-*")
		if err != nil {
			return fmt.Errorf("create work directory: %w", err)
		}
		workDir = dir
		defer os.RemoveAll(workDir)
	} else if workDir, err = sanitize.ValidateProjectPath(workDir); err != nil {
		return fmt.Errorf("invalid --work-dir: %w", err)
	} else if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}

	exportPath := filepath.Join(workDir, "export.db")
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	eng := export.New(store, exportPath, export.Filter{
		Agents:     pgAgents,
		Workspaces: pgWorkspaces,
		PathMode:   pathMode,
	})
	ctx := cmd.Context()
	exportStats, err := eng.Execute(ctx, nil)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Printf("exported %d conversations, %d messages\n", exportStats.ConversationsProcessed, exportStats.MessagesProcessed)

	if pgScanSecrets {
		findings, err := scanExportForSecrets(ctx, exportPath)
		if err != nil {
			return fmt.Errorf("scan exported content: %w", err)
		}
		if len(findings) > 0 {
			for convID, fs := range findings {
				for _, f := range fs {
					fmt.Fprintf(os.Stderr, "secret: %s rule=%s line=%d\n", convID, f.RuleID, f.Line)
				}
			}
			if pgFailOnSecrets {
				return fmt.Errorf("found %d conversation(s) with credential-shaped content, aborting before publish", len(findings))
			}
			fmt.Fprintf(os.Stderr, "warning: found %d conversation(s) with credential-shaped content\n", len(findings))
		}
	}

	bundleInput := exportPath
	var recoverySecret []byte
	if pgEncrypt {
		encryptDir := filepath.Join(workDir, "encrypted")
		if err := os.MkdirAll(encryptDir, 0o755); err != nil {
			return fmt.Errorf("create encrypt directory: %w", err)
		}

		password, err := readPassword()
		if err != nil {
			return err
		}
		encEngine, err := encrypt.NewEngine(encrypt.DefaultChunkBytes)
		if err != nil {
			return fmt.Errorf("build encryption engine: %w", err)
		}
		if err := encEngine.AddPasswordSlot(password); err != nil {
			return fmt.Errorf("add password slot: %w", err)
		}
		if pgRecovery {
			recoverySecret = make([]byte, 32)
			if _, err := readRandom(recoverySecret); err != nil {
				return fmt.Errorf("generate recovery secret: %w", err)
			}
			if err := encEngine.AddRecoverySlot(recoverySecret); err != nil {
				return fmt.Errorf("add recovery slot: %w", err)
			}
		}

		cfg, err := encEngine.EncryptFile(exportPath, encryptDir, nil)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		if err := encrypt.WriteConfig(cfg, filepath.Join(encryptDir, "config.json")); err != nil {
			return fmt.Errorf("write config.json: %w", err)
		}
		if pgRecovery {
			if err := os.WriteFile(filepath.Join(encryptDir, "recovery-secret.txt"), recoverySecret, 0o600); err != nil {
				return fmt.Errorf("write recovery-secret.txt: %w", err)
			}
		}
		bundleInput = encryptDir
	}

	builder := bundle.WithConfig(bundle.Config{
		Title:          pgTitle,
		Description:    pgDescription,
		HideMetadata:   pgHideMetadata,
		RecoverySecret: recoverySecret,
	})
	result, err := builder.Build(bundleInput, outDir, nil)
	if err != nil {
		return fmt.Errorf("build bundle: %w", err)
	}

	if pgJSON {
		return outputJSON(struct {
			ExportStats export.Stats  `json:"export_stats"`
			Result      bundle.Result `json:"result"`
		}{ExportStats: exportStats, Result: result})
	}
	fmt.Printf("published: site=%s private=%s fingerprint=%s\n", result.SiteDir, result.PrivateDir, result.Fingerprint)
	return nil
}

// scanExportForSecrets opens the just-written export store and checks every
// message's content against the same gitleaks ruleset the bundle's verify
// step uses for its site tree sweep, keyed by conversation id.
func scanExportForSecrets(ctx context.Context, exportPath string) (map[string][]secretscan.Finding, error) {
	exportStore, err := storage.Open(exportPath)
	if err != nil {
		return nil, fmt.Errorf("open export store: %w", err)
	}
	defer exportStore.Close()

	scanner, err := secretscan.NewScanner()
	if err != nil {
		return nil, fmt.Errorf("build secret scanner: %w", err)
	}

	ids, err := exportStore.FilterConversationIDs(ctx, storage.ConversationFilter{})
	if err != nil {
		return nil, err
	}

	findings := make(map[string][]secretscan.Finding)
	for _, id := range ids {
		conv, err := exportStore.LoadConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			continue
		}
		for _, m := range conv.Messages {
			if fs := scanner.Scan(m.Content); len(fs) > 0 {
				findings[id] = append(findings[id], fs...)
			}
		}
	}
	return findings, nil
}
