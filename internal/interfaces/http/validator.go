package http

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Input validation constants
const (
	MaxInstanceKeyLength = 64
	MaxMessageLength     = 4096
	MaxPhoneLength       = 20
)

var (
	instanceKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	phonePattern       = regexp.MustCompile(`^[0-9]{6,20}$`)
)

// ValidInstanceKey checks if an instance key is safe (alphanumeric + underscore + hyphen)
func ValidInstanceKey(s string) bool {
	if s == "" || len(s) > MaxInstanceKeyLength {
		return false
	}
	return instanceKeyPattern.MatchString(s)
}

// ValidPhoneNumber checks a bare-digit recipient number ("6289...")
func ValidPhoneNumber(s string) bool {
	return phonePattern.MatchString(s)
}

// SanitizeString removes null bytes and invalid UTF-8
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")

	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return s
}

// ValidMessage checks an outbound text body
func ValidMessage(s string) bool {
	return s != "" && len(s) <= MaxMessageLength
}
