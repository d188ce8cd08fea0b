// Package verify holds the credential checks used by login stages: one-time
// numeric codes, TOTP and recovery codes.
//
// Verifiers return an Outcome for every expected failure. Errors are kept for
// faults such as malformed stored secrets.
package verify

import (
	"strings"
	"unicode"
)

// Outcome is the result of checking one presented credential.
type Outcome uint8

const (
	// Invalid is the zero value so an unset Outcome never grants access.
	Invalid Outcome = iota
	OK
	Expired
	LimitExceeded
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Expired:
		return "expired"
	case LimitExceeded:
		return "limit_exceeded"
	default:
		return "invalid"
	}
}

// Terminal reports whether the outcome ends the surrounding login attempt.
func (o Outcome) Terminal() bool {
	return o == Expired || o == LimitExceeded
}

// normalizeCode drops whitespace and common group separators and upper-cases
// letters, so "123 456", "123-456" and "123456" compare equal.
func normalizeCode(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r), r == '-', r == '.', r == '_':
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
