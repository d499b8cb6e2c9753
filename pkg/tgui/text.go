package tgui

import "unicode/utf8"

// TruncRunes returns s truncated to at most n runes, the last of which is
// an ellipsis when truncation happened.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
