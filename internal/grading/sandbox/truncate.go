package sandbox

import "unicode/utf8"

// DefaultOutputLimit bounds captured stdout and stderr per execution.
const DefaultOutputLimit = 64 * 1024

// TruncationMarker is appended to output cut at the limit.
const TruncationMarker = "\n...[output truncated]"

// Truncate bounds s to limit bytes. Output longer than limit is cut on a
// rune boundary and ends with TruncationMarker, and the result never exceeds
// limit, so Truncate(Truncate(s, n), n) == Truncate(s, n).
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit <= len(TruncationMarker) {
		return cutRunes(s, limit)
	}
	return cutRunes(s, limit-len(TruncationMarker)) + TruncationMarker
}

func cutRunes(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
