package utils

import (
	"strings"
	"unicode/utf8"
)

// ClipRunes cuts text to at most limit runes.
func ClipRunes(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

// TruncateWithEllipsis keeps text within limit runes, replacing the tail with "..." when cut.
func TruncateWithEllipsis(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	if limit <= 3 {
		return ClipRunes(text, limit)
	}
	return ClipRunes(text, limit-3) + "..."
}

// EstimateTokens approximates the token count of text at roughly four characters per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// ContainsFold reports whether substr occurs in s ignoring case.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
