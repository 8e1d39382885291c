package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"w1", "w1"},
		{"evil\nINFO fake entry", "evil INFO fake entry"},
		{"a\rb\tc", "a b c"},
		{"bell\x07\x1b[31m", "bell[31m"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeForLogTruncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", 1000))
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncation suffix, got %d bytes", len(got))
	}
	if len(got) != maxLogValue+3 {
		t.Errorf("len = %d, want %d", len(got), maxLogValue+3)
	}
}

func TestMask(t *testing.T) {
	if got := Mask(""); got != "" {
		t.Errorf("Mask(\"\") = %q", got)
	}
	if got := Mask("abc"); got != "****" {
		t.Errorf("Mask(abc) = %q", got)
	}
	if got := Mask("hunter22"); got != "****er22" {
		t.Errorf("Mask(hunter22) = %q", got)
	}
}
