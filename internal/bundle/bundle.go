// Package bundle assembles the final static-site artifact of the
// publication pipeline: a deployable `site/`
// tree plus a never-deploy `private/` companion tree, stamped with an
// integrity manifest and fingerprint that Verify later checks against.
package bundle

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cassctl/cass/internal/casserr"
	"github.com/cassctl/cass/internal/sanitize"
	"github.com/cassctl/cass/internal/secretscan"
)

//go:embed assets/*
var staticAssets embed.FS

const (
	// Generator identifies this tool in site.json.
	Generator = "cass"
	// GeneratorVersion is stamped into every bundle's site.json.
	GeneratorVersion = "0.1.0"

	manifestVersion = 1
)

// Config customizes one bundle build.
type Config struct {
	Title          string
	Description    string
	HideMetadata   bool
	RecoverySecret []byte // non-nil writes private/recovery-secret.txt
	GenerateQR     bool
}

// Result reports where a completed build landed.
type Result struct {
	SiteDir     string
	PrivateDir  string
	Fingerprint string
}

// ProgressFunc reports build progress by named stage.
type ProgressFunc func(stage string, done, total int)

// Builder assembles a bundle according to a fixed Config.
type Builder struct {
	cfg Config
}

// WithConfig returns a Builder that will apply cfg to every Build call.
func WithConfig(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build assembles site/ and private/ under bundleDir from the contents of
// encryptDir (the output of internal/encrypt's EncryptFile, or a directory
// holding just the unencrypted export file for an unencrypted bundle).
func (b *Builder) Build(encryptDir, bundleDir string, progress ProgressFunc) (Result, error) {
	siteDir := filepath.Join(bundleDir, "site")
	privateDir := filepath.Join(bundleDir, "private")
	payloadDir := filepath.Join(siteDir, "payload")
	for _, dir := range []string{siteDir, privateDir, payloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, casserr.Wrap(casserr.Io, "create bundle directory", err)
		}
	}

	if err := copyStaticAssets(siteDir); err != nil {
		return Result{}, err
	}

	encrypted, err := copyPayload(encryptDir, siteDir, payloadDir)
	if err != nil {
		return Result{}, err
	}

	if err := writeSiteJSON(siteDir, b.cfg); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(filepath.Join(siteDir, "robots.txt"), []byte("User-agent: *\nDisallow: /\n"), 0o644); err != nil {
		return Result{}, casserr.Wrap(casserr.Io, "write robots.txt", err)
	}
	if err := os.WriteFile(filepath.Join(siteDir, ".nojekyll"), nil, 0o644); err != nil {
		return Result{}, casserr.Wrap(casserr.Io, "write .nojekyll", err)
	}
	if err := os.WriteFile(filepath.Join(siteDir, "README.md"), []byte(renderReadme(b.cfg)), 0o644); err != nil {
		return Result{}, casserr.Wrap(casserr.Io, "write README.md", err)
	}

	manifest, err := buildIntegrityManifest(siteDir, progress)
	if err != nil {
		return Result{}, err
	}
	if err := writeIntegrityJSON(siteDir, manifest); err != nil {
		return Result{}, err
	}
	fingerprint := computeFingerprint(manifest)

	if err := writePrivateTree(privateDir, siteDir, encrypted, fingerprint, b.cfg); err != nil {
		return Result{}, err
	}

	return Result{SiteDir: siteDir, PrivateDir: privateDir, Fingerprint: fingerprint}, nil
}

func copyStaticAssets(siteDir string) error {
	return fs.WalkDir(staticAssets, "assets", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := staticAssets.ReadFile(path)
		if err != nil {
			return casserr.Wrap(casserr.Io, "read embedded asset "+path, err)
		}
		rel := strings.TrimPrefix(path, "assets/")
		dest := filepath.Join(siteDir, rel)
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return casserr.Wrap(casserr.Io, "write static asset "+rel, err)
		}
		return nil
	})
}

// copyPayload copies either an encrypted export's config.json + payload/
// chunks, or a single unencrypted export file, into the site tree. It
// returns whether the bundle is encrypted.
func copyPayload(encryptDir, siteDir, payloadDir string) (bool, error) {
	configSrc := filepath.Join(encryptDir, "config.json")
	if _, err := os.Stat(configSrc); err == nil {
		if err := copyFile(configSrc, filepath.Join(siteDir, "config.json")); err != nil {
			return false, err
		}
		chunkDir := filepath.Join(encryptDir, "payload")
		entries, err := os.ReadDir(chunkDir)
		if err != nil {
			return false, casserr.Wrap(casserr.Io, "list encrypted payload chunks", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := copyFile(filepath.Join(chunkDir, entry.Name()), filepath.Join(payloadDir, entry.Name())); err != nil {
				return false, err
			}
		}
		blobsSrc := filepath.Join(encryptDir, "blobs")
		if info, err := os.Stat(blobsSrc); err == nil && info.IsDir() {
			if err := copyDir(blobsSrc, filepath.Join(siteDir, "blobs")); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	entries, err := os.ReadDir(encryptDir)
	if err != nil {
		return false, casserr.Wrap(casserr.Io, "list unencrypted export directory", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(encryptDir, entry.Name()), filepath.Join(payloadDir, entry.Name())); err != nil {
			return false, err
		}
	}
	unencryptedConfig := map[string]any{"encrypted": false}
	data, err := json.MarshalIndent(unencryptedConfig, "", "  ")
	if err != nil {
		return false, casserr.Wrap(casserr.Crypto, "marshal unencrypted config", err)
	}
	if err := os.WriteFile(filepath.Join(siteDir, "config.json"), data, 0o644); err != nil {
		return false, casserr.Wrap(casserr.Io, "write unencrypted config.json", err)
	}
	return false, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return casserr.Wrap(casserr.Io, "open "+src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return casserr.Wrap(casserr.Io, "create "+dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return casserr.Wrap(casserr.Io, "copy "+src+" to "+dst, err)
	}
	return nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return casserr.Wrap(casserr.Io, "create directory "+dst, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return casserr.Wrap(casserr.Io, "list directory "+src, err)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

type siteMetadata struct {
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	GeneratedAt      time.Time `json:"generated_at"`
	Generator        string    `json:"generator"`
	GeneratorVersion string    `json:"generator_version"`
}

func writeSiteJSON(siteDir string, cfg Config) error {
	meta := siteMetadata{
		Title:            cfg.Title,
		Description:      cfg.Description,
		GeneratedAt:      time.Now().UTC(),
		Generator:        Generator,
		GeneratorVersion: GeneratorVersion,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return casserr.Wrap(casserr.Crypto, "marshal site.json", err)
	}
	if err := os.WriteFile(filepath.Join(siteDir, "site.json"), data, 0o644); err != nil {
		return casserr.Wrap(casserr.Io, "write site.json", err)
	}
	return nil
}

func renderReadme(cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", firstNonEmpty(cfg.Title, "cass archive"))
	if cfg.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", cfg.Description)
	}
	b.WriteString("This directory is a self-contained cass archive. Open index.html in a browser to view it; no server is required beyond serving these static files over HTTP.\n")
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// FileEntry is one integrity.json record.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the decoded form of integrity.json.
type Manifest struct {
	Version     int                  `json:"version"`
	GeneratedAt time.Time            `json:"generated_at"`
	Files       map[string]FileEntry `json:"files"`
}

// buildIntegrityManifest hashes every file under siteDir except
// integrity.json, which does not exist yet at this point in Build but is
// skipped unconditionally so the result is the same when run against an
// already-built site tree. Hashing runs across a bounded worker pool since
// a large export may have thousands of payload chunks.
func buildIntegrityManifest(siteDir string, progress ProgressFunc) (Manifest, error) {
	var paths []string
	err := filepath.WalkDir(siteDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(siteDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "integrity.json" {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return Manifest{}, casserr.Wrap(casserr.Io, "walk site tree", err)
	}

	files := make(map[string]FileEntry, len(paths))
	var mu sync.Mutex
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.NumCPU())

	var done int
	total := len(paths)
	for _, rel := range paths {
		rel := rel
		g.Go(func() error {
			entry, err := hashFile(filepath.Join(siteDir, rel))
			if err != nil {
				return err
			}
			mu.Lock()
			files[rel] = entry
			done++
			if progress != nil {
				progress("integrity", done, total)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}

	return Manifest{Version: manifestVersion, GeneratedAt: time.Now().UTC(), Files: files}, nil
}

func hashFile(path string) (FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileEntry{}, casserr.Wrap(casserr.Io, "open file for hashing", err)
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return FileEntry{}, casserr.Wrap(casserr.Io, "hash file", err)
	}
	return FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: size}, nil
}

func writeIntegrityJSON(siteDir string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return casserr.Wrap(casserr.Crypto, "marshal integrity.json", err)
	}
	if err := os.WriteFile(filepath.Join(siteDir, "integrity.json"), data, 0o644); err != nil {
		return casserr.Wrap(casserr.Io, "write integrity.json", err)
	}
	return nil
}

// computeFingerprint derives the 16-hex-character archive fingerprint from
// a manifest: SHA-256 over the sorted-by-path concatenation of each entry's
// path bytes followed by its hex-encoded sha256 bytes.
func computeFingerprint(manifest Manifest) string {
	paths := make([]string, 0, len(manifest.Files))
	for p := range manifest.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte(manifest.Files[p].SHA256))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func writePrivateTree(privateDir, siteDir string, encrypted bool, fingerprint string, cfg Config) error {
	if err := os.WriteFile(filepath.Join(privateDir, "integrity-fingerprint.txt"), []byte(fingerprint+"\n"), 0o644); err != nil {
		return casserr.Wrap(casserr.Io, "write integrity-fingerprint.txt", err)
	}

	if !encrypted {
		warning := "This bundle was built without encryption. Its contents are readable by anyone who can reach site/.\n"
		if err := os.WriteFile(filepath.Join(privateDir, "unencrypted-warning.txt"), []byte(warning), 0o644); err != nil {
			return casserr.Wrap(casserr.Io, "write unencrypted-warning.txt", err)
		}
		return nil
	}

	configData, err := os.ReadFile(filepath.Join(siteDir, "config.json"))
	if err != nil {
		return casserr.Wrap(casserr.Io, "read site config.json for master-key backup", err)
	}
	var publicConfig struct {
		ExportID string `json:"export_id"`
		KeySlots []any  `json:"key_slots"`
	}
	if err := json.Unmarshal(configData, &publicConfig); err != nil {
		return casserr.Wrap(casserr.Crypto, "decode site config.json", err)
	}
	masterKey := map[string]any{
		"export_id":    publicConfig.ExportID,
		"key_slots":    publicConfig.KeySlots,
		"note":         "Backup of the wrapped key material from site/config.json. Losing every slot secret makes this archive unrecoverable.",
		"generated_at": time.Now().UTC(),
	}
	data, err := json.MarshalIndent(masterKey, "", "  ")
	if err != nil {
		return casserr.Wrap(casserr.Crypto, "marshal master-key.json", err)
	}
	if err := os.WriteFile(filepath.Join(privateDir, "master-key.json"), data, 0o644); err != nil {
		return casserr.Wrap(casserr.Io, "write master-key.json", err)
	}

	if len(cfg.RecoverySecret) > 0 {
		if err := os.WriteFile(filepath.Join(privateDir, "recovery-secret.txt"), cfg.RecoverySecret, 0o600); err != nil {
			return casserr.Wrap(casserr.Io, "write recovery-secret.txt", err)
		}
		if cfg.GenerateQR {
			// No QR-rendering library is available; a plain-text fallback
			// still lets the recovery secret travel alongside the bundle.
			note := "QR rendering is not available in this build; use recovery-secret.txt directly.\n"
			if err := os.WriteFile(filepath.Join(privateDir, "qr-code.txt"), []byte(note), 0o644); err != nil {
				return casserr.Wrap(casserr.Io, "write qr-code.txt", err)
			}
		}
	}
	return nil
}

// Report is the structured result of Verify.
type Report struct {
	RequiredFilesPassed   bool     `json:"required_files_passed"`
	IntegrityPassed       bool     `json:"integrity_passed"`
	NoSecretsInSitePassed bool     `json:"no_secrets_in_site_passed"`
	Status                string   `json:"status"`
	Problems              []string `json:"problems,omitempty"`
}

// Valid/Invalid are Report.Status values.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Verify checks siteDir against the bundle contract: required files are
// present, every file matches its recorded hash/size with no unlisted
// extras, and no non-payload file contains a credential-shaped secret.
func Verify(siteDir string) (Report, error) {
	siteDir, err := sanitize.ValidateProjectPath(siteDir)
	if err != nil {
		return Report{}, fmt.Errorf("invalid site directory: %w", err)
	}

	var report Report
	report.RequiredFilesPassed = checkRequiredFiles(siteDir, &report.Problems)

	manifestData, err := os.ReadFile(filepath.Join(siteDir, "integrity.json"))
	if err != nil {
		report.Problems = append(report.Problems, "integrity.json missing or unreadable: "+err.Error())
	} else {
		var manifest Manifest
		if err := json.Unmarshal(manifestData, &manifest); err != nil {
			report.Problems = append(report.Problems, "integrity.json malformed: "+err.Error())
		} else {
			report.IntegrityPassed = checkIntegrity(siteDir, manifest, &report.Problems)
		}
	}

	report.NoSecretsInSitePassed = checkNoSecrets(siteDir, &report.Problems)

	if report.RequiredFilesPassed && report.IntegrityPassed && report.NoSecretsInSitePassed {
		report.Status = StatusValid
	} else {
		report.Status = StatusInvalid
	}
	return report, nil
}

func checkRequiredFiles(siteDir string, problems *[]string) bool {
	required := []string{"index.html", "config.json", "integrity.json"}
	ok := true
	for _, f := range required {
		if _, err := os.Stat(filepath.Join(siteDir, f)); err != nil {
			*problems = append(*problems, "missing required file: "+f)
			ok = false
		}
	}
	payloadDir := filepath.Join(siteDir, "payload")
	entries, err := os.ReadDir(payloadDir)
	if err != nil || len(entries) == 0 {
		*problems = append(*problems, "payload/ is missing or empty")
		ok = false
	}
	return ok
}

func checkIntegrity(siteDir string, manifest Manifest, problems *[]string) bool {
	ok := true
	for rel, want := range manifest.Files {
		got, err := hashFile(filepath.Join(siteDir, rel))
		if err != nil {
			*problems = append(*problems, "unreadable manifest entry: "+rel)
			ok = false
			continue
		}
		if got.SHA256 != want.SHA256 || got.Size != want.Size {
			*problems = append(*problems, "hash/size mismatch: "+rel)
			ok = false
		}
	}

	err := filepath.WalkDir(siteDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(siteDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "integrity.json" {
			return nil
		}
		if _, known := manifest.Files[rel]; !known {
			*problems = append(*problems, "unlisted file present: "+rel)
			ok = false
		}
		return nil
	})
	if err != nil {
		*problems = append(*problems, "walk site tree during verification: "+err.Error())
		ok = false
	}
	return ok
}

func checkNoSecrets(siteDir string, problems *[]string) bool {
	scanner, err := secretscan.NewScanner()
	if err != nil {
		*problems = append(*problems, "build secret scanner: "+err.Error())
		return false
	}

	contents := make(map[string]string)
	err = filepath.WalkDir(siteDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(siteDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "payload/") || strings.HasPrefix(rel, "blobs/") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		contents[rel] = string(data)
		return nil
	})
	if err != nil {
		*problems = append(*problems, "read site tree for secret scan: "+err.Error())
		return false
	}

	findings := scanner.ScanPaths(contents)
	for path, pathFindings := range findings {
		for _, f := range pathFindings {
			*problems = append(*problems, fmt.Sprintf("secret pattern %q found in %s:%d", f.RuleID, path, f.Line))
		}
	}
	return len(findings) == 0
}
