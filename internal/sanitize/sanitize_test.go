package sanitize

import (
	"strings"
	"testing"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple lowercase",
			input:    "myproject",
			expected: "myproject",
		},
		{
			name:     "uppercase conversion",
			input:    "MyProject",
			expected: "myproject",
		},
		{
			name:     "dots to underscores",
			input:    "github.com",
			expected: "github_com",
		},
		{
			name:     "slashes to underscores",
			input:    "user/repo",
			expected: "user_repo",
		},
		{
			name:     "github remote URL pattern",
			input:    "github.com/dahendel",
			expected: "github_com_dahendel",
		},
		{
			name:     "special characters",
			input:    "my-project!@#$%",
			expected: "my_project",
		},
		{
			name:     "multiple underscores collapsed",
			input:    "foo___bar",
			expected: "foo_bar",
		},
		{
			name:     "leading/trailing underscores trimmed",
			input:    "_foo_bar_",
			expected: "foo_bar",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "default",
		},
		{
			name:     "only invalid chars",
			input:    "!!!",
			expected: "default",
		},
		{
			name:     "numbers preserved",
			input:    "project123",
			expected: "project123",
		},
		{
			name:     "underscores preserved",
			input:    "my_project",
			expected: "my_project",
		},
		{
			name:     "spaces to underscores",
			input:    "my project",
			expected: "my_project",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Identifier(tt.input)
			if result != tt.expected {
				t.Errorf("Identifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIdentifier_LengthLimit(t *testing.T) {
	// Test that long identifiers are truncated with hash
	longInput := strings.Repeat("a", 100)
	result := Identifier(longInput)

	if len(result) > MaxIdentifierLength {
		t.Errorf("Identifier should be <= %d chars, got %d", MaxIdentifierLength, len(result))
	}

	// Should end with hash suffix pattern _XXXXXXXX
	if !strings.Contains(result, "_") {
		t.Error("Truncated identifier should contain hash suffix")
	}
}

func TestIdentifier_LengthLimit_Uniqueness(t *testing.T) {
	// Different long inputs should produce different outputs
	input1 := strings.Repeat("a", 100)
	input2 := strings.Repeat("a", 99) + "b"

	result1 := Identifier(input1)
	result2 := Identifier(input2)

	if result1 == result2 {
		t.Error("Different inputs should produce different hashed outputs")
	}
}

func TestIdentifier_ExactlyMaxLength(t *testing.T) {
	// Input exactly at max length should not be truncated
	input := strings.Repeat("a", MaxIdentifierLength)
	result := Identifier(input)

	if result != input {
		t.Errorf("Input at max length should not be modified, got %q", result)
	}
}

func TestSourceDirName(t *testing.T) {
	tests := []struct {
		name       string
		sourceName string
		prefix     string
		expected   string
	}{
		{name: "simple name", sourceName: "laptop", prefix: "export", expected: "export-laptop"},
		{name: "name needing sanitization", sourceName: "My Laptop!", prefix: "export", expected: "export-my_laptop"},
		{name: "host-like name", sourceName: "build.example.com", prefix: "bundle", expected: "bundle-build_example_com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SourceDirName(tt.sourceName, tt.prefix)
			if result != tt.expected {
				t.Errorf("SourceDirName(%q, %q) = %q, want %q", tt.sourceName, tt.prefix, result, tt.expected)
			}
		})
	}
}

func TestSourceDirName_LengthLimit(t *testing.T) {
	longName := strings.Repeat("a", 100)

	result := SourceDirName(longName, "export")

	if len(result) > MaxIdentifierLength {
		t.Errorf("SourceDirName should be <= %d chars, got %d", MaxIdentifierLength, len(result))
	}
}
