package util

import (
	"strings"
	"unicode/utf8"
)

// OneOf reports whether v equals any of allowed.
func OneOf[T comparable](v T, allowed ...T) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// IsValidText reports whether s is valid UTF-8 holding no NUL bytes.
func IsValidText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}
