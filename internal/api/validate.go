package api

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field limits for control requests.
const (
	maxNameLen     = 200  // usernames, display names, codec names
	maxPasswordLen = 256  // account passwords
	maxURILen      = 512  // SIP URIs and dialled numbers
	maxMessageLen  = 4096 // instant messages and INFO bodies
)

// Each validate helper returns a client-facing message, or "" when value
// is acceptable.

func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) <= maxLen {
		return ""
	}
	return field + " exceeds maximum length"
}

func validateRequiredStringLen(field, value string, maxLen int) string {
	if strings.TrimSpace(value) == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

func validateIntRange(field string, value, lo, hi int) string {
	if value >= lo && value <= hi {
		return ""
	}
	return fmt.Sprintf("%s must be between %d and %d", field, lo, hi)
}

// validateNoControlChars allows tabs and line breaks but nothing else below
// the space character.
func validateNoControlChars(field, value string) string {
	bad := strings.ContainsFunc(value, func(r rune) bool {
		return r < ' ' && r != '\t' && r != '\n' && r != '\r'
	})
	if bad {
		return field + " contains invalid characters"
	}
	return ""
}

// validateTarget checks a dial or transfer target: a SIP URI or a bare
// number, with nothing that could split it into extra header fields.
func validateTarget(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxURILen); msg != "" {
		return msg
	}
	if strings.ContainsFunc(value, unicode.IsSpace) || strings.ContainsFunc(value, unicode.IsControl) {
		return field + " must not contain whitespace"
	}
	if strings.ContainsAny(value, "<>\"") {
		return field + " must be a bare uri"
	}
	return ""
}

func firstError(msgs ...string) string {
	for _, m := range msgs {
		if m != "" {
			return m
		}
	}
	return ""
}
