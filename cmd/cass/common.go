package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cassctl/cass/internal/config"
	"github.com/cassctl/cass/internal/connectors"
	"github.com/cassctl/cass/internal/connectors/chatgpt"
	"github.com/cassctl/cass/internal/connectors/claudecode"
	"github.com/cassctl/cass/internal/connectors/codex"
	"github.com/cassctl/cass/internal/connectors/cursor"
	"github.com/cassctl/cass/internal/connectors/opencode"
	"github.com/cassctl/cass/internal/connectors/piagent"
	"github.com/cassctl/cass/internal/connectors/stub"
	"github.com/cassctl/cass/internal/logging"
	"github.com/cassctl/cass/internal/sources"
	"github.com/cassctl/cass/internal/storage"
	"github.com/cassctl/cass/internal/textindex"
)

// loadConfig resolves cass's configuration for every subcommand: YAML file
// plus environment overlay, via configPath (empty uses the default
// ~/.config/cass/config.yaml).
func loadConfig() (*config.Config, error) {
	return config.LoadWithFile(configPath)
}

// newLogger builds a default structured logger. Subcommands needing a
// different level or format can call logging.NewLogger(cfg) directly.
func newLogger() (*logging.Logger, error) {
	return logging.NewLogger(logging.NewDefaultConfig())
}

// openStore opens the sqlite store at dbPath, creating it if absent.
func openStore() (*storage.Store, error) {
	return storage.Open(dbPath)
}

// buildRegistry wires every connector cass supports, including the stub
// connectors carried over from original_source/src/connectors, applying any
// per-connector overrides from cfg.Connectors.
func buildRegistry(cfg *config.Config) *connectors.Registry {
	cc := chatgpt.New()
	if cfg.Connectors.ChatGPT.EncryptionKey.IsSet() {
		if raw, err := base64.StdEncoding.DecodeString(cfg.Connectors.ChatGPT.EncryptionKey.Value()); err == nil {
			cc.EncryptionKey = raw
		}
	}

	oc := opencode.New()
	if cfg.Connectors.OpenCode.StorageRoot != "" {
		oc.StorageRootOverride = cfg.Connectors.OpenCode.StorageRoot
	}

	pa := piagent.New()
	if cfg.Connectors.PiCodingAgent.Dir != "" {
		pa.HomeOverride = cfg.Connectors.PiCodingAgent.Dir
	}

	cx := codex.New()
	if cfg.Connectors.Codex.Home != "" {
		cx.HomeOverride = cfg.Connectors.Codex.Home
	}

	return connectors.NewRegistry(
		claudecode.New(),
		cx,
		cursor.New(),
		cc,
		oc,
		pa,
		stub.Gemini(),
		stub.Aider(),
		stub.Cline(),
		stub.Amp(),
	)
}

// rebuildTextIndex replays every conversation currently in store into a
// fresh in-memory Index. Storage is the system of record; the text index is
// a derived cache any one-shot CLI invocation must reconstruct before it
// can serve a query.
func rebuildTextIndex(ctx context.Context, store *storage.Store) (*textindex.Index, error) {
	idx, err := textindex.New()
	if err != nil {
		return nil, err
	}

	ids, err := store.FilterConversationIDs(ctx, storage.ConversationFilter{})
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		conv, err := store.LoadConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			continue
		}
		docs := make([]textindex.Document, len(conv.Messages))
		for i, m := range conv.Messages {
			var createdAtMS int64
			if m.CreatedAt != nil {
				createdAtMS = m.CreatedAt.UnixMilli()
			}
			docs[i] = textindex.Document{
				MessageID:      m.ID,
				ConversationID: conv.ID,
				Agent:          conv.Agent,
				Workspace:      conv.Workspace,
				Role:           string(m.Role),
				CreatedAtMS:    createdAtMS,
				SourceID:       conv.Origin.SourceID,
				Content:        m.Content,
			}
		}
		idx.AddConversation(docs)
	}
	idx.Commit()
	return idx, nil
}

// lookupSource loads sources.toml and returns the named source definition.
func lookupSource(name string) (sources.SourceDefinition, bool, error) {
	cfg, err := sources.Load()
	if err != nil {
		return sources.SourceDefinition{}, false, err
	}
	for _, s := range cfg.Sources {
		if s.Name == name {
			return s, true, nil
		}
	}
	return sources.SourceDefinition{}, false, nil
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printErr writes a human-readable error to stderr without the cobra usage
// banner; a fatal error's Kind is worth surfacing to an operator deciding
// whether to retry.
func printErr(err error) {
	fmt.Fprintln(os.Stderr, "cass:", err)
}
