// Package encrypt implements the chunked, multi-slot authenticated
// encryption stage of the publication pipeline: a random per-export
// data-encryption key (DEK) encrypts the export file in fixed-size
// AES-256-GCM chunks, and the DEK itself is wrapped once per key slot so
// any one of several independent secrets (a password, a recovery phrase)
// can later recover it.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/cassctl/cass/internal/casserr"
)

// DefaultChunkBytes is the chunk size used when a caller does not override
// it.
const DefaultChunkBytes = 1 << 20

const (
	dekSize   = 32 // AES-256
	saltSize  = 16
	nonceSize = 12 // 96-bit GCM nonce
)

// Argon2id parameters for password slots: 64 MiB memory, 3 iterations.
const (
	argonMemoryKiB   = 64 * 1024
	argonIterations  = 3
	argonParallelism = 4
)

// SlotKind identifies how a key slot's KEK is derived.
type SlotKind string

const (
	SlotPassword SlotKind = "password"
	SlotRecovery SlotKind = "recovery"
)

// KDFParams records the Argon2id parameters used for a password slot, so a
// future verifier can re-derive the same KEK without guessing tuning.
// Recovery slots, whose secret is already high entropy, carry a zero value.
type KDFParams struct {
	MemoryKiB   uint32 `json:"memory_kib"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// KeySlot is one wrapping of the export's DEK under a caller secret. It
// contains no secret material itself: Salt, WrappedDEK, and Nonce are all
// public values safe to ship in config.json.
type KeySlot struct {
	ID         int       `json:"id"`
	Type       SlotKind  `json:"type"`
	KDF        string    `json:"kdf"`
	Salt       string    `json:"salt"`        // base64
	WrappedDEK string    `json:"wrapped_dek"` // base64
	Nonce      string    `json:"nonce"`       // base64
	KDFParams  KDFParams `json:"kdf_params"`
}

// Config is the public config.json emitted alongside the encrypted payload.
// No field here can reconstruct the DEK without one of the original slot
// secrets.
type Config struct {
	ExportID  string    `json:"export_id"`
	ChunkSize int       `json:"chunk_size"`
	KeySlots  []KeySlot `json:"key_slots"`
}

// Engine wraps one export's DEK and accumulates key slots for it. Build one
// per export; it is not safe for concurrent slot additions.
type Engine struct {
	chunkSize int
	dek       [dekSize]byte
	exportID  string
	slots     []KeySlot
}

// NewEngine generates a fresh random DEK and returns an Engine with no key
// slots yet. chunkSize <= 0 uses DefaultChunkBytes.
func NewEngine(chunkSize int) (*Engine, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkBytes
	}
	var dek [dekSize]byte
	if _, err := rand.Read(dek[:]); err != nil {
		return nil, casserr.Wrap(casserr.Io, "generate data encryption key", err)
	}
	return &Engine{chunkSize: chunkSize, dek: dek, exportID: uuid.NewString()}, nil
}

// ExportID returns the export identifier stamped into Config.
func (e *Engine) ExportID() string { return e.exportID }

// AddPasswordSlot derives a KEK from password via Argon2id and wraps the
// DEK under it. Slots may be added in any order; a minimum of one is
// required before EncryptFile.
func (e *Engine) AddPasswordSlot(password string) error {
	if password == "" {
		return casserr.New(casserr.InvalidInput, "password must not be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return casserr.Wrap(casserr.Io, "generate password slot salt", err)
	}
	kek := argon2.IDKey([]byte(password), salt, argonIterations, argonMemoryKiB, argonParallelism, dekSize)

	wrapped, nonce, err := wrapDEK(kek, e.dek)
	if err != nil {
		return err
	}
	e.slots = append(e.slots, KeySlot{
		ID:         len(e.slots),
		Type:       SlotPassword,
		KDF:        "argon2id",
		Salt:       base64.StdEncoding.EncodeToString(salt),
		WrappedDEK: base64.StdEncoding.EncodeToString(wrapped),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		KDFParams: KDFParams{
			MemoryKiB:   argonMemoryKiB,
			Iterations:  argonIterations,
			Parallelism: argonParallelism,
		},
	})
	return nil
}

// AddRecoverySlot wraps the DEK under secret directly. secret is expected
// to already be high entropy (e.g. a generated recovery phrase's raw
// bytes), so no password-stretching KDF is applied; secret is hashed only
// to fit the AES-256 key size, not to slow down brute force.
func (e *Engine) AddRecoverySlot(secret []byte) error {
	if len(secret) == 0 {
		return casserr.New(casserr.InvalidInput, "recovery secret must not be empty")
	}
	kek := sha256.Sum256(secret)

	wrapped, nonce, err := wrapDEK(kek[:], e.dek)
	if err != nil {
		return err
	}
	e.slots = append(e.slots, KeySlot{
		ID:         len(e.slots),
		Type:       SlotRecovery,
		KDF:        "raw",
		Salt:       "",
		WrappedDEK: base64.StdEncoding.EncodeToString(wrapped),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	})
	return nil
}

func wrapDEK(kek []byte, dek [dekSize]byte) (wrapped, nonce []byte, err error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, nil, casserr.Wrap(casserr.Crypto, "build wrapping cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, casserr.Wrap(casserr.Crypto, "build wrapping gcm", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, casserr.Wrap(casserr.Io, "generate wrap nonce", err)
	}
	wrapped = gcm.Seal(nil, nonce, dek[:], nil)
	return wrapped, nonce, nil
}

// UnwrapWithPassword recovers an engine's DEK from cfg's password slot,
// trying each password-kind slot in turn until one succeeds.
func UnwrapWithPassword(cfg Config, password string) ([dekSize]byte, error) {
	var zero [dekSize]byte
	for _, slot := range cfg.KeySlots {
		if slot.Type != SlotPassword {
			continue
		}
		salt, err := base64.StdEncoding.DecodeString(slot.Salt)
		if err != nil {
			continue
		}
		kek := argon2.IDKey([]byte(password), salt, slot.KDFParams.Iterations, slot.KDFParams.MemoryKiB, slot.KDFParams.Parallelism, dekSize)
		if dek, ok := tryUnwrap(kek, slot); ok {
			return dek, nil
		}
	}
	return zero, casserr.New(casserr.InvalidInput, "password did not match any key slot")
}

// UnwrapWithRecovery recovers an engine's DEK from cfg's recovery slot.
func UnwrapWithRecovery(cfg Config, secret []byte) ([dekSize]byte, error) {
	var zero [dekSize]byte
	kek := sha256.Sum256(secret)
	for _, slot := range cfg.KeySlots {
		if slot.Type != SlotRecovery {
			continue
		}
		if dek, ok := tryUnwrap(kek[:], slot); ok {
			return dek, nil
		}
	}
	return zero, casserr.New(casserr.InvalidInput, "recovery secret did not match any key slot")
}

func tryUnwrap(kek []byte, slot KeySlot) ([dekSize]byte, bool) {
	var dek [dekSize]byte
	wrapped, err := base64.StdEncoding.DecodeString(slot.WrappedDEK)
	if err != nil {
		return dek, false
	}
	nonce, err := base64.StdEncoding.DecodeString(slot.Nonce)
	if err != nil {
		return dek, false
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return dek, false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return dek, false
	}
	plain, err := gcm.Open(nil, nonce, wrapped, nil)
	if err != nil || len(plain) != dekSize {
		return dek, false
	}
	copy(dek[:], plain)
	return dek, true
}

// ProgressFunc reports encryption progress in bytes.
type ProgressFunc func(bytesDone, bytesTotal int64)

// EncryptFile reads path in chunkSize plaintext blocks, encrypts each with
// the engine's DEK under a fresh nonce, and writes them as sequentially
// numbered files under outDir/payload/. At least one key slot must already
// be present. It returns the public Config to be written alongside the
// payload as config.json.
func (e *Engine) EncryptFile(path, outDir string, progress ProgressFunc) (Config, error) {
	if len(e.slots) == 0 {
		return Config{}, casserr.New(casserr.InvalidInput, "at least one key slot is required before encrypting")
	}

	in, err := os.Open(path)
	if err != nil {
		return Config{}, casserr.Wrap(casserr.Io, "open export file", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return Config{}, casserr.Wrap(casserr.Io, "stat export file", err)
	}
	total := info.Size()

	payloadDir := filepath.Join(outDir, "payload")
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return Config{}, casserr.Wrap(casserr.Io, "create payload directory", err)
	}

	block, err := aes.NewCipher(e.dek[:])
	if err != nil {
		return Config{}, casserr.Wrap(casserr.Crypto, "build payload cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Config{}, casserr.Wrap(casserr.Crypto, "build payload gcm", err)
	}

	buf := make([]byte, e.chunkSize)
	var done int64
	chunkIdx := 0
	for {
		n, readErr := io.ReadFull(in, buf)
		if n > 0 {
			nonce := make([]byte, nonceSize)
			if _, err := rand.Read(nonce); err != nil {
				return Config{}, casserr.Wrap(casserr.Io, "generate chunk nonce", err)
			}
			ciphertext := gcm.Seal(nonce, nonce, buf[:n], nil)
			chunkPath := filepath.Join(payloadDir, fmt.Sprintf("%08d.bin", chunkIdx))
			if err := os.WriteFile(chunkPath, ciphertext, 0o644); err != nil {
				return Config{}, casserr.Wrap(casserr.Io, "write encrypted chunk", err)
			}
			chunkIdx++
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return Config{}, casserr.Wrap(casserr.Io, "read export file", readErr)
		}
	}

	return Config{ExportID: e.exportID, ChunkSize: e.chunkSize, KeySlots: e.slots}, nil
}

// WriteConfig marshals cfg as indented JSON to path (typically
// "<outDir>/config.json"). No secret material is present in cfg: every
// field is already public by construction.
func WriteConfig(cfg Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return casserr.Wrap(casserr.Crypto, "marshal encryption config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return casserr.Wrap(casserr.Io, "write encryption config", err)
	}
	return nil
}

// DecryptFile reverses EncryptFile: it reads every numbered chunk under
// payloadDir in order, decrypts each with dek, and writes the
// reconstructed plaintext to outPath. Bundle verification does not call
// it; it is the local decryption path, exercised by this package's tests.
func DecryptFile(dek [dekSize]byte, payloadDir, outPath string) error {
	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return casserr.Wrap(casserr.Io, "list payload directory", err)
	}

	block, err := aes.NewCipher(dek[:])
	if err != nil {
		return casserr.Wrap(casserr.Crypto, "build payload cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return casserr.Wrap(casserr.Crypto, "build payload gcm", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return casserr.Wrap(casserr.Io, "create decrypted output file", err)
	}
	defer out.Close()

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".bin" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(payloadDir, entry.Name()))
		if err != nil {
			return casserr.Wrap(casserr.Io, "read encrypted chunk", err)
		}
		if len(raw) < nonceSize {
			return casserr.New(casserr.InvalidInput, "encrypted chunk shorter than nonce")
		}
		nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
		plain, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return casserr.Wrap(casserr.InvalidInput, "decrypt chunk: authentication failed", err)
		}
		if _, err := out.Write(plain); err != nil {
			return casserr.Wrap(casserr.Io, "write decrypted chunk", err)
		}
	}
	return nil
}
