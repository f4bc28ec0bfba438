package identity

import "strings"

// Allowlist matches a principal ID against a configured set of glob-style
// patterns where "*" matches any run of characters. It is grounded on
// _examples/original_source/mesh/src/server/auth.rs's matches_arn_pattern,
// generalized from ARN-only to any principal string.
//
// Per spec §4.2/§9's Open Question, an empty Allowlist is fail-closed: it
// matches nothing. The source's permissive `"*"` default is not replicated;
// an explicit "*" pattern must be configured to allow everything.
type Allowlist struct {
	patterns []string
}

// NewAllowlist builds an Allowlist from the configured patterns. It returns
// an error if patterns is empty, per the fail-closed requirement.
func NewAllowlist(patterns []string) (*Allowlist, error) {
	if len(patterns) == 0 {
		return nil, errNoAllowlist
	}
	return &Allowlist{patterns: patterns}, nil
}

// Allows reports whether id matches any configured pattern.
func (a *Allowlist) Allows(id string) bool {
	for _, p := range a.patterns {
		if matchPattern(id, p) {
			return true
		}
	}
	return false
}

// matchPattern reports whether s matches pattern, where "*" in pattern
// matches any (possibly empty) run of characters. Patterns with no "*"
// require an exact match.
func matchPattern(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return s == pattern
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	rest := s[len(parts[0]):]
	last := len(parts) - 1
	for _, part := range parts[1:last] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, parts[last])
}
