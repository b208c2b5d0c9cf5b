// Package main implements the cass CLI: the library-surface entry point for
// the indexing pipeline, the query engine, and the export/encrypt/bundle
// publication chain. Argument-parsing and interactive UX policy
// beyond the normative verify contract are out of scope; this
// binary exists to exercise cass's internal packages end to end, not to
// reintroduce a full-featured operator CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cassctl/cass/internal/casserr"
)

var (
	// dbPath is the sqlite store every data-touching command opens.
	dbPath string
	// configPath overrides config.LoadWithFile's default ~/.config/cass/config.yaml.
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		printErr(err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "cass",
	Short:         "Local-first conversation indexer and publication CLI",
	Long:          `cass indexes coding-agent conversation history into a local store, serves full-text and semantic search over it, and publishes filtered, encrypted snapshots as static sites.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "path to the cass sqlite store")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/cass/config.yaml)")
}

// exitCodeFor maps a returned error's Kind to a process exit code. An error
// with no Kind (cobra usage errors, unwrapped stdlib errors) is a generic
// failure.
func exitCodeFor(err error) int {
	kind, ok := casserr.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case casserr.InvalidInput:
		return 2
	case casserr.NotFound:
		return 3
	case casserr.Integrity:
		return 4
	case casserr.Crypto:
		return 5
	default:
		return 1
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cass.db"
	}
	return home + "/.config/cass/cass.db"
}
