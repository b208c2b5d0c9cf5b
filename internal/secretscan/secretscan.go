// Package secretscan wraps the Gitleaks SDK as the `no_secrets_in_site`
// gate in the bundle verification contract. It backs both the CLI's
// `--scan-secrets --fail-on-secrets` flags and the Bundle Builder's verify
// step, which must fail any bundle whose site tree contains a credential
// pattern outside of payload/blob files.
package secretscan

import (
	"fmt"
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret, positioned within the scanned content.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int
	StartCol int
	EndCol   int
	Match    string
}

// Scanner wraps a configured Gitleaks detector. Build once per bundle
// verification run; Scan is safe to call repeatedly against different
// files.
type Scanner struct {
	detector *detect.Detector
}

// NewScanner builds a Scanner using Gitleaks' bundled default ruleset
// (800+ credential patterns).
func NewScanner() (*Scanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("secretscan: build gitleaks detector: %w", err)
	}
	return &Scanner{detector: d}, nil
}

// Scan reports every credential-shaped match in content. An empty result
// means the content is clean, not that scanning was skipped.
func (s *Scanner) Scan(content string) []Finding {
	gitleaksFindings := s.detector.DetectString(content)
	out := make([]Finding, 0, len(gitleaksFindings))
	for _, f := range gitleaksFindings {
		out = append(out, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}
	return out
}

// ScanPaths scans the named files' contents and returns every finding,
// tagged with the path it came from. Meant for the bundle verify step's
// sweep over a site tree's non-payload, non-blob files.
func (s *Scanner) ScanPaths(contents map[string]string) map[string][]Finding {
	out := make(map[string][]Finding)
	for path, content := range contents {
		if findings := s.Scan(content); len(findings) > 0 {
			out[path] = findings
		}
	}
	return out
}

// Allowlist excludes known-safe path or content patterns from matching,
// for legitimate fixture strings that otherwise look like credentials
// (e.g. a synthetic test API key embedded in documentation).
type Allowlist struct {
	Paths   []string // path regular expressions; Scan and ScanPaths give the detector no file path, so these filter nothing there
	Regexes []string // content regex patterns that silence a match
}

// NewScannerWithAllowlist builds a Scanner whose detector config has al's
// patterns merged in as a Gitleaks allowlist.
func NewScannerWithAllowlist(al Allowlist) (*Scanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("secretscan: build gitleaks detector: %w", err)
	}
	if len(al.Paths) > 0 || len(al.Regexes) > 0 {
		entry := &gitleaksConfig.Allowlist{Description: "cass bundle allowlist"}
		for _, p := range al.Paths {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("secretscan: compile allowlist path pattern %q: %w", p, err)
			}
			entry.Paths = append(entry.Paths, (*gitleaksRegexp.Regexp)(re))
		}
		for _, p := range al.Regexes {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("secretscan: compile allowlist regex pattern %q: %w", p, err)
			}
			entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		entry.StopWords = append(entry.StopWords, al.Regexes...)
		d.Config.Allowlists = append(d.Config.Allowlists, entry)
	}
	return &Scanner{detector: d}, nil
}
