package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cassctl/cass/internal/bundle"
)

var verifyJSON bool

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "output the full report as JSON")
}

var verifyCmd = &cobra.Command{
	Use:   "verify <site_dir>",
	Short: "Check a published site against the bundle contract",
	Long: `verify runs every bundle check (required files present, every file's hash
and size matching integrity.json with no unlisted extras, no credential-shaped
secret in any non-payload file) and folds all three into one report before
deciding pass or fail. The process exit code comes only from the finished
report's Status field; a check that fails early never short-circuits the
others, so one verify run always tells you everything that is wrong.

Examples:
  cass verify ./published/site
  cass verify --json ./published/site`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	report, err := bundle.Verify(args[0])
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if verifyJSON {
		if err := outputJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("required files:  %s\n", passFail(report.RequiredFilesPassed))
		fmt.Printf("integrity:       %s\n", passFail(report.IntegrityPassed))
		fmt.Printf("no secrets:      %s\n", passFail(report.NoSecretsInSitePassed))
		fmt.Printf("status:          %s\n", report.Status)
		for _, p := range report.Problems {
			fmt.Fprintln(os.Stderr, "  -", p)
		}
	}

	if report.Status != bundle.StatusValid {
		os.Exit(1)
	}
	return nil
}

func passFail(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}
