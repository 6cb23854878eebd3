// Package text holds small string helpers.
package text

import "unicode/utf8"

// MaxErrorLen bounds error strings stored on status and sync-log rows.
const MaxErrorLen = 1024

// Truncate cuts s to at most max runes, marking the cut with "...". It never
// splits a multi-byte rune.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
