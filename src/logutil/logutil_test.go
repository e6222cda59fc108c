package logutil

import (
	"strings"
	"testing"
)

func TestRedactKey(t *testing.T) {
	if got := RedactKey("sb-secret-key-abcdef"); got != "sb-s...cdef" {
		t.Errorf("Expected masked middle, got %q", got)
	}
	if got := RedactKey("short"); got != "********" {
		t.Errorf("Expected full mask for short keys, got %q", got)
	}
}

func TestSanitizeEscapesControlChars(t *testing.T) {
	got := Sanitize("line1\nline2\tend\x07", 0)
	if strings.ContainsAny(got, "\n\t\x07") {
		t.Errorf("Expected control characters escaped, got %q", got)
	}
	if !strings.Contains(got, "\\n") {
		t.Errorf("Expected visible newline escape, got %q", got)
	}
}

func TestSanitizeTruncates(t *testing.T) {
	got := Sanitize(strings.Repeat("a", 50), 10)
	if got != strings.Repeat("a", 10)+"..." {
		t.Errorf("Expected truncation with ellipsis, got %q", got)
	}
}
