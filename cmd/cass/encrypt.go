package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cassctl/cass/internal/encrypt"
	"github.com/cassctl/cass/internal/sanitize"
)

var (
	encIn            string
	encOut           string
	encChunkSize     int
	encGenRecovery   bool
	encRecoveryBytes int
	encJSON          bool
)

func init() {
	rootCmd.AddCommand(encryptCmd)
	encryptCmd.Flags().StringVar(&encIn, "in", "", "export file to encrypt (required)")
	encryptCmd.Flags().StringVar(&encOut, "out", "", "output directory for config.json and payload/ (required)")
	encryptCmd.Flags().IntVar(&encChunkSize, "chunk-size", encrypt.DefaultChunkBytes, "plaintext chunk size in bytes")
	encryptCmd.Flags().BoolVar(&encGenRecovery, "recovery", false, "also generate a random recovery-secret key slot")
	encryptCmd.Flags().IntVar(&encRecoveryBytes, "recovery-bytes", 32, "length of the generated recovery secret")
	encryptCmd.Flags().BoolVar(&encJSON, "json", false, "output the resulting config.json summary as JSON")
	_ = encryptCmd.MarkFlagRequired("in")
	_ = encryptCmd.MarkFlagRequired("out")
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt an export file under one or more key slots",
	Long: `encrypt runs the Encryption Engine: a random per-export data
encryption key (DEK) encrypts the export file in fixed-size AES-256-GCM
chunks, wrapped once per slot so any one of several independent secrets can
later recover it. The password is read interactively unless CASS_PASSWORD
is set (piped input is not echoed back).

Examples:
  cass encrypt --in export.db --out ./encrypted
  cass encrypt --in export.db --out ./encrypted --recovery`,
	RunE: runEncrypt,
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	outDir, err := sanitize.ValidateProjectPath(encOut)
	if err != nil {
		return fmt.Errorf("invalid --out: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	eng, err := encrypt.NewEngine(encChunkSize)
	if err != nil {
		return fmt.Errorf("build encryption engine: %w", err)
	}
	if err := eng.AddPasswordSlot(password); err != nil {
		return fmt.Errorf("add password slot: %w", err)
	}

	var recoverySecret []byte
	if encGenRecovery {
		recoverySecret = make([]byte, encRecoveryBytes)
		if _, err := readRandom(recoverySecret); err != nil {
			return fmt.Errorf("generate recovery secret: %w", err)
		}
		if err := eng.AddRecoverySlot(recoverySecret); err != nil {
			return fmt.Errorf("add recovery slot: %w", err)
		}
	}

	var lastDone int64
	cfg, err := eng.EncryptFile(encIn, outDir, func(done, total int64) {
		if !encJSON && (done-lastDone >= 1<<24 || done == total) {
			fmt.Printf("encrypted %d/%d bytes\n", done, total)
			lastDone = done
		}
	})
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	cfgPath := filepath.Join(outDir, "config.json")
	if err := encrypt.WriteConfig(cfg, cfgPath); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}

	if encGenRecovery {
		recoveryPath := filepath.Join(outDir, "recovery-secret.txt")
		if err := os.WriteFile(recoveryPath, recoverySecret, 0o600); err != nil {
			return fmt.Errorf("write recovery-secret.txt: %w", err)
		}
		fmt.Fprintf(os.Stderr, "recovery secret written to %s; store it somewhere safe, it is not recoverable otherwise\n", recoveryPath)
	}

	if encJSON {
		return outputJSON(cfg)
	}
	fmt.Printf("export %s encrypted to %s (%d key slots)\n", cfg.ExportID, outDir, len(cfg.KeySlots))
	return nil
}

// readPassword reads a password from CASS_PASSWORD if set, otherwise prompts
// interactively without echoing input to the terminal.
func readPassword() (string, error) {
	if v := os.Getenv("CASS_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, "encryption password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(raw), nil
}

func readRandom(buf []byte) (int, error) {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Read(buf)
}
