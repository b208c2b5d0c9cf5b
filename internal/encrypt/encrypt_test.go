package encrypt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeRandomFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plaintext.bin")
	data := bytes.Repeat([]byte("cass export fixture payload. "), size/29+1)
	data = data[:size]
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	return path
}

func TestEncryptDecryptRoundTripPassword(t *testing.T) {
	eng, err := NewEngine(64)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := eng.AddPasswordSlot("correct horse battery staple"); err != nil {
		t.Fatalf("AddPasswordSlot() error = %v", err)
	}

	srcPath := writeRandomFile(t, 500)
	outDir := t.TempDir()
	cfg, err := eng.EncryptFile(srcPath, outDir, nil)
	if err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}
	if len(cfg.KeySlots) != 1 {
		t.Fatalf("KeySlots = %d, want 1", len(cfg.KeySlots))
	}

	dek, err := UnwrapWithPassword(cfg, "correct horse battery staple")
	if err != nil {
		t.Fatalf("UnwrapWithPassword() error = %v", err)
	}

	decryptedPath := filepath.Join(t.TempDir(), "roundtrip.bin")
	if err := DecryptFile(dek, filepath.Join(outDir, "payload"), decryptedPath); err != nil {
		t.Fatalf("DecryptFile() error = %v", err)
	}

	want, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("read source file: %v", err)
	}
	got, err := os.ReadFile(decryptedPath)
	if err != nil {
		t.Fatalf("read decrypted file: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Error("decrypted content does not match plaintext")
	}
}

func TestEncryptDecryptRoundTripRecovery(t *testing.T) {
	eng, err := NewEngine(128)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := eng.AddPasswordSlot("primary-password"); err != nil {
		t.Fatalf("AddPasswordSlot() error = %v", err)
	}
	recoverySecret := []byte("a-sufficiently-high-entropy-recovery-secret-value")
	if err := eng.AddRecoverySlot(recoverySecret); err != nil {
		t.Fatalf("AddRecoverySlot() error = %v", err)
	}

	srcPath := writeRandomFile(t, 300)
	outDir := t.TempDir()
	cfg, err := eng.EncryptFile(srcPath, outDir, nil)
	if err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}
	if len(cfg.KeySlots) != 2 {
		t.Fatalf("KeySlots = %d, want 2", len(cfg.KeySlots))
	}

	dek, err := UnwrapWithRecovery(cfg, recoverySecret)
	if err != nil {
		t.Fatalf("UnwrapWithRecovery() error = %v", err)
	}

	decryptedPath := filepath.Join(t.TempDir(), "roundtrip.bin")
	if err := DecryptFile(dek, filepath.Join(outDir, "payload"), decryptedPath); err != nil {
		t.Fatalf("DecryptFile() error = %v", err)
	}

	want, _ := os.ReadFile(srcPath)
	got, _ := os.ReadFile(decryptedPath)
	if !bytes.Equal(want, got) {
		t.Error("decrypted content via recovery slot does not match plaintext")
	}
}

func TestUnwrapWithWrongPasswordFails(t *testing.T) {
	eng, err := NewEngine(64)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := eng.AddPasswordSlot("right-password"); err != nil {
		t.Fatalf("AddPasswordSlot() error = %v", err)
	}
	srcPath := writeRandomFile(t, 64)
	cfg, err := eng.EncryptFile(srcPath, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}

	if _, err := UnwrapWithPassword(cfg, "wrong-password"); err == nil {
		t.Error("UnwrapWithPassword() succeeded with the wrong password")
	}
}

func TestEncryptFileRequiresAtLeastOneSlot(t *testing.T) {
	eng, err := NewEngine(64)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	srcPath := writeRandomFile(t, 32)
	if _, err := eng.EncryptFile(srcPath, t.TempDir(), nil); err == nil {
		t.Error("EncryptFile() succeeded with zero key slots")
	}
}

func TestEncryptionIsNotDeterministic(t *testing.T) {
	srcPath := writeRandomFile(t, 64)

	eng1, _ := NewEngine(64)
	_ = eng1.AddPasswordSlot("same-password")
	cfg1, err := eng1.EncryptFile(srcPath, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}

	eng2, _ := NewEngine(64)
	_ = eng2.AddPasswordSlot("same-password")
	cfg2, err := eng2.EncryptFile(srcPath, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}

	if cfg1.KeySlots[0].WrappedDEK == cfg2.KeySlots[0].WrappedDEK {
		t.Error("two independent encryptions produced the same wrapped DEK, want fresh randomness each time")
	}
}
