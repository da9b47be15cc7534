// Package domainmatch evaluates a hostname against allowlist/blocklist
// domain patterns with wildcard semantics anchored at the right.
package domainmatch

import "strings"

// Match reports whether hostname matches pattern.
//
// A pattern of "*.suffix" matches any hostname strictly under suffix: at
// least one extra leading label must remain after consuming "suffix", so
// "*.example.com" matches "a.example.com" and "a.b.example.com" but not
// "example.com" itself and not "aexample.com". A bare pattern matches only
// an exact (case-insensitive) hostname.
func Match(hostname, pattern string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))

	wildcard := strings.HasPrefix(pattern, "*.")
	if wildcard {
		pattern = pattern[2:]
	}

	hostLabels := strings.Split(hostname, ".")
	patternLabels := strings.Split(pattern, ".")

	if !wildcard {
		return labelsEqual(hostLabels, patternLabels)
	}

	if len(hostLabels) <= len(patternLabels) {
		return false
	}
	suffix := hostLabels[len(hostLabels)-len(patternLabels):]
	return labelsEqual(suffix, patternLabels)
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AnyMatch reports whether hostname matches any of patterns.
func AnyMatch(hostname string, patterns []string) bool {
	for _, p := range patterns {
		if Match(hostname, p) {
			return true
		}
	}
	return false
}

// Decide applies the allowlist/blocklist decision order: a present
// allowlist with no match is a miss; any blocklist match is a hit
// regardless of the allowlist outcome.
func Decide(hostname string, allow, block []string) (allowlistMiss, blocklistHit bool) {
	if len(allow) > 0 && !AnyMatch(hostname, allow) {
		allowlistMiss = true
	}
	if AnyMatch(hostname, block) {
		blocklistHit = true
	}
	return allowlistMiss, blocklistHit
}
