// Package sanitizer cleans client-supplied device metadata before it is
// stored or echoed back in session listings.
package sanitizer

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxDeviceNameLength bounds stored device names
	MaxDeviceNameLength = 100
	// MaxUserAgentLength bounds stored user agent strings
	MaxUserAgentLength = 256
)

// MetadataSanitizer strips markup and control characters from free-text
// fields that originate from untrusted clients (device names, user agents).
type MetadataSanitizer interface {
	// DeviceName returns a safe, length-bounded device name
	DeviceName(name string) string
	// UserAgent returns a safe, length-bounded user agent string
	UserAgent(ua string) string
}

// DefaultMetadataSanitizer implements MetadataSanitizer using bluemonday
type DefaultMetadataSanitizer struct {
	policy *bluemonday.Policy
}

// NewMetadataSanitizer creates a sanitizer with a strict no-markup policy
func NewMetadataSanitizer() *DefaultMetadataSanitizer {
	return &DefaultMetadataSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// DeviceName strips all markup, removes control characters and truncates
// the result to MaxDeviceNameLength.
func (s *DefaultMetadataSanitizer) DeviceName(name string) string {
	return s.clean(name, MaxDeviceNameLength)
}

// UserAgent strips all markup, removes control characters and truncates
// the result to MaxUserAgentLength.
func (s *DefaultMetadataSanitizer) UserAgent(ua string) string {
	return s.clean(ua, MaxUserAgentLength)
}

func (s *DefaultMetadataSanitizer) clean(input string, maxLen int) string {
	if input == "" {
		return ""
	}

	result := s.policy.Sanitize(input)
	result = stripControlChars(result)
	result = strings.TrimSpace(result)

	if len(result) > maxLen {
		result = truncateRunes(result, maxLen)
	}
	return result
}

// stripControlChars removes control characters that could corrupt logs or
// terminal output when the value is displayed.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// truncateRunes cuts the string to at most maxBytes without splitting a rune.
func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for i := maxBytes; i > 0; i-- {
		if r := s[:i]; isValidBoundary(s, i) {
			return r
		}
	}
	return ""
}

func isValidBoundary(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	// A continuation byte has the form 10xxxxxx
	return s[i]&0xC0 != 0x80
}
