package sanitizer

import (
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

func TestDeviceName(t *testing.T) {
	s := NewMetadataSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain name", "Alice's iPhone", "Alice&#39;s iPhone"},
		{"strips markup", "<script>alert(1)</script>phone", "phone"},
		{"strips tags keeps text", "<b>laptop</b>", "laptop"},
		{"trims whitespace", "  kitchen tablet  ", "kitchen tablet"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.DeviceName(tt.input); got != tt.want {
				t.Errorf("DeviceName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDeviceNameStripsControlChars(t *testing.T) {
	s := NewMetadataSanitizer()

	got := s.DeviceName("pho\x00ne\x1b[31m")
	if strings.ContainsAny(got, "\x00\x1b") {
		t.Errorf("control characters survived sanitization: %q", got)
	}
}

func TestDeviceNameTruncation(t *testing.T) {
	s := NewMetadataSanitizer()

	long := strings.Repeat("a", MaxDeviceNameLength+50)
	got := s.DeviceName(long)
	if len(got) != MaxDeviceNameLength {
		t.Errorf("expected %d chars, got %d", MaxDeviceNameLength, len(got))
	}
}

func TestUserAgentTruncation(t *testing.T) {
	s := NewMetadataSanitizer()

	long := strings.Repeat("Mozilla/5.0 ", 100)
	got := s.UserAgent(long)
	if len(got) > MaxUserAgentLength {
		t.Errorf("user agent exceeds %d chars: %d", MaxUserAgentLength, len(got))
	}
}

func TestSanitizedOutputAlwaysValidUTF8(t *testing.T) {
	s := NewMetadataSanitizer()

	rapid.Check(t, func(t *rapid.T) {
		input := rapid.String().Draw(t, "input")

		name := s.DeviceName(input)
		if !utf8.ValidString(name) {
			t.Errorf("DeviceName produced invalid UTF-8 from %q", input)
		}
		if len(name) > MaxDeviceNameLength {
			t.Errorf("DeviceName exceeded max length: %d", len(name))
		}

		ua := s.UserAgent(input)
		if !utf8.ValidString(ua) {
			t.Errorf("UserAgent produced invalid UTF-8 from %q", input)
		}
		if len(ua) > MaxUserAgentLength {
			t.Errorf("UserAgent exceeded max length: %d", len(ua))
		}
	})
}
