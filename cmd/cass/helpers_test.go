package main

import (
	"testing"

	"github.com/cassctl/cass/internal/bundle"
	"github.com/cassctl/cass/internal/casserr"
	"github.com/cassctl/cass/internal/export"
	"github.com/cassctl/cass/internal/textindex"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "hello", 10, "hello"},
		{"exactly max", "hello", 5, "hello"},
		{"longer than max", "hello world", 8, "hello..."},
		{"empty", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    textindex.Mode
		wantErr bool
	}{
		{"exact", textindex.ModeExact, false},
		{"prefix", textindex.ModePrefix, false},
		{"substring", textindex.ModeSubstring, false},
		{"regex", textindex.ModeRegex, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMode(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseMode(%q) expected error, got nil", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMode(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRank(t *testing.T) {
	tests := []struct {
		in      string
		want    textindex.RankPolicy
		wantErr bool
	}{
		{"recent", textindex.RankRecentHeavy, false},
		{"balanced", textindex.RankBalanced, false},
		{"relevance", textindex.RankRelevanceHeavy, false},
		{"match-quality", textindex.RankMatchQualityHeavy, false},
		{"date-newest", textindex.RankDateNewest, false},
		{"date-oldest", textindex.RankDateOldest, false},
		{"nonsense", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseRank(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseRank(%q) expected error, got nil", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRank(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseRank(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParsePathMode(t *testing.T) {
	tests := []struct {
		in      string
		want    export.PathMode
		wantErr bool
	}{
		{"relative", export.PathRelative, false},
		{"absolute", export.PathAbsolute, false},
		{"obfuscated", export.PathObfuscated, false},
		{"weird", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePathMode(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parsePathMode(%q) expected error, got nil", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePathMode(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parsePathMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPassFail(t *testing.T) {
	if got := passFail(true); got != "pass" {
		t.Errorf("passFail(true) = %q, want pass", got)
	}
	if got := passFail(false); got != "fail" {
		t.Errorf("passFail(false) = %q, want fail", got)
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil kind", errPlain("boom"), 1},
		{"invalid input", casserr.New(casserr.InvalidInput, "bad arg"), 2},
		{"not found", casserr.New(casserr.NotFound, "missing"), 3},
		{"integrity", casserr.New(casserr.Integrity, "hash mismatch"), 4},
		{"crypto", casserr.New(casserr.Crypto, "bad key"), 5},
		{"unavailable falls through to generic", casserr.New(casserr.Unavailable, "down"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestDefaultDBPath(t *testing.T) {
	if got := defaultDBPath(); got == "" {
		t.Error("defaultDBPath() returned empty string")
	}
}

func TestVerifyExitsOnInvalidReport(t *testing.T) {
	// bundle.Verify against a directory with none of the required files
	// should produce an invalid report without erroring.
	report, err := bundle.Verify(t.TempDir())
	if err != nil {
		t.Fatalf("bundle.Verify: %v", err)
	}
	if report.Status != bundle.StatusInvalid {
		t.Errorf("expected invalid status for an empty site dir, got %q", report.Status)
	}
}
