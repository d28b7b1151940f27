package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText composes s into NFC, replaces control characters with spaces and trims the result.
// Text from customers is passed through here before it is laid out in documents.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// NormalizeMetadata prepares a key/value map for a payment provider. Keys are trimmed, values go
// through NormalizeText, and pairs left with an empty key or value are dropped because providers
// treat an empty value as a delete. Returns nil when nothing remains.
func NormalizeMetadata(values map[string]string) map[string]string {
	var out map[string]string
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = NormalizeText(value)
		if key == "" || value == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(values))
		}
		out[key] = value
	}
	return out
}
