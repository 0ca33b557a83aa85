package transport

import (
	"regexp"
	"strings"

	"github.com/ignite/quote-sender/internal/keys"
)

var emailTokenPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// subjectMatches compares two subjects under NFKC-normalized equality.
func subjectMatches(a, b string) bool {
	return keys.SubjectNorm(a) == keys.SubjectNorm(b)
}

// recipientTokens splits a raw "To" or recipient header on "," and ";",
// extracts email tokens, and lowercases them.
func recipientTokens(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range splitRecipients(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if m := emailTokenPattern.FindString(strings.ToLower(part)); m != "" {
			out[m] = struct{}{}
		} else {
			out[strings.ToLower(part)] = struct{}{}
		}
	}
	return out
}

func splitRecipients(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
}

// recipientMatches reports whether a and b share at least one normalized
// recipient token (non-empty set intersection).
func recipientMatches(a, b string) bool {
	setA := recipientTokens(a)
	if len(setA) == 0 {
		return false
	}
	for tok := range recipientTokens(b) {
		if _, ok := setA[tok]; ok {
			return true
		}
	}
	return false
}

// containsTransientSubstring reports whether err's message matches one of
// the substrings the spec classifies as transient: timeout, timed out,
// connection, temporary, busy.
func containsTransientSubstring(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range []string{"timeout", "timed out", "connection", "temporary", "busy"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
