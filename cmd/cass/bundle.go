package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cassctl/cass/internal/bundle"
	"github.com/cassctl/cass/internal/sanitize"
)

var (
	bnIn           string
	bnOut          string
	bnSource       string
	bnTitle        string
	bnDescription  string
	bnHideMetadata bool
	bnGenerateQR   bool
	bnJSON         bool
)

func init() {
	rootCmd.AddCommand(bundleCmd)
	bundleCmd.Flags().StringVar(&bnIn, "in", "", "directory holding an encrypted payload (config.json + payload/) or a bare export file (required)")
	bundleCmd.Flags().StringVar(&bnOut, "out", "", "destination directory for site/ and private/ (defaults to a name derived from --source if set)")
	bundleCmd.Flags().StringVar(&bnSource, "source", "", "name of a source in sources.toml; used only to derive a default --out")
	bundleCmd.Flags().StringVar(&bnTitle, "title", "", "site title")
	bundleCmd.Flags().StringVar(&bnDescription, "description", "", "site description")
	bundleCmd.Flags().BoolVar(&bnHideMetadata, "hide-metadata", false, "omit title/description from the published site metadata")
	bundleCmd.Flags().BoolVar(&bnGenerateQR, "qr", false, "request a QR code of the recovery secret (this build writes private/qr-code.txt, a note that QR rendering is unavailable)")
	bundleCmd.Flags().BoolVar(&bnJSON, "json", false, "output the build result as JSON")
	_ = bundleCmd.MarkFlagRequired("in")
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Assemble a publishable static site from an export",
	Long: `bundle runs the Bundle Builder: it lays out a self-contained
static site under site/ (payload, integrity manifest, README) and a
private/ directory holding whatever recovery material the encryption step
produced. It detects an encrypted payload by the presence of config.json
in --in; a bare export file is bundled unencrypted.

Examples:
  cass bundle --in ./encrypted --out ./published
  cass bundle --in export.db --out ./published --title "my history"`,
	RunE: runBundle,
}

func runBundle(cmd *cobra.Command, args []string) error {
	inDir, err := sanitize.ValidateProjectPath(bnIn)
	if err != nil {
		return fmt.Errorf("invalid --in: %w", err)
	}

	if bnOut == "" {
		if bnSource == "" {
			return fmt.Errorf("--out is required unless --source names a source in sources.toml")
		}
		bnOut = sanitize.SourceDirName(bnSource, "bundle")
	}
	outDir, err := sanitize.ValidateProjectPath(bnOut)
	if err != nil {
		return fmt.Errorf("invalid --out: %w", err)
	}

	var recoverySecret []byte
	if data, err := os.ReadFile(filepath.Join(inDir, "recovery-secret.txt")); err == nil {
		recoverySecret = data
	}

	builder := bundle.WithConfig(bundle.Config{
		Title:          bnTitle,
		Description:    bnDescription,
		HideMetadata:   bnHideMetadata,
		RecoverySecret: recoverySecret,
		GenerateQR:     bnGenerateQR,
	})

	result, err := builder.Build(inDir, outDir, func(stage string, done, total int) {
		if !bnJSON && (done == total || done%200 == 0) {
			fmt.Printf("%s: %d/%d\n", stage, done, total)
		}
	})
	if err != nil {
		return fmt.Errorf("build bundle: %w", err)
	}

	if bnJSON {
		return outputJSON(result)
	}
	fmt.Printf("bundle built: site=%s private=%s fingerprint=%s\n", result.SiteDir, result.PrivateDir, result.Fingerprint)
	fmt.Fprintf(os.Stderr, "run 'cass verify %s' to confirm the published site is self-consistent\n", result.SiteDir)
	return nil
}
