package broker

import (
	"path"
	"strings"
)

// HasGlobMeta reports whether the pattern contains glob metacharacters and
// therefore needs a pattern-mode transport subscription.
func HasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// MatchChannel reports whether a concrete channel name matches a subscription
// pattern. Exact string equality always matches. Patterns containing glob
// metacharacters use shell-glob semantics: `*` matches any run of characters
// including none, `?` matches exactly one character, and bracket expressions
// match a character class. Matching is case-sensitive.
func MatchChannel(channel, pattern string) bool {
	if channel == pattern {
		return true
	}
	if !HasGlobMeta(pattern) {
		return false
	}

	// Channel names never contain path separators, so path.Match implements
	// exactly the glob semantics needed here.
	ok, err := path.Match(pattern, channel)
	if err != nil {
		// Malformed pattern (e.g. unterminated bracket class) matches nothing.
		return false
	}
	return ok
}
