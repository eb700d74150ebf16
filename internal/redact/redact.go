// Package redact masks identifiers and credentials before they reach log
// output. Anything that names an agent, a session, a token, or a cache key
// goes through ID first.
package redact

import "strings"

// keep is how many characters survive at each end of a redacted value.
const keep = 4

// ID returns a loggable form of an identifier or credential: the first and
// last few characters with the middle elided. Values too short to elide
// safely are fully masked.
func ID(s string) string {
	if len(s) <= keep*2 {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + "…" + s[len(s)-keep:]
}

// CacheKey redacts every colon-separated segment of a cache key that looks
// like an identifier, keeping the short structural segments (prefixes like
// "session" or "mem") readable.
func CacheKey(key string) string {
	parts := strings.Split(key, ":")
	for i, p := range parts {
		if len(p) > keep*2 {
			parts[i] = ID(p)
		}
	}
	return strings.Join(parts, ":")
}
