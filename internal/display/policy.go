// Package display holds the declarative column-display policy: a mapping
// from header-match predicates to a cell transform, resolved once per header
// set and applied at format time.
package display

import "strings"

// Rule truncates cells of matching columns to MaxLen runes with a trailing
// ellipsis. A column matches when its header contains the pattern or the
// pattern contains the header, case-insensitively.
type Rule struct {
	Pattern string
	MaxLen  int
}

// Policy is an ordered rule list; the first matching rule wins.
type Policy struct {
	rules []Rule
}

func NewPolicy(rules []Rule) *Policy {
	return &Policy{rules: rules}
}

// Resolve evaluates the policy against a header set, returning one transform
// per column. Columns with no matching rule get the identity transform.
func (p *Policy) Resolve(headers []string) []func(string) string {
	transforms := make([]func(string) string, len(headers))
	for i, header := range headers {
		transforms[i] = identity
		for _, rule := range p.rules {
			if rule.matches(header) {
				maxLen := rule.MaxLen
				transforms[i] = func(v string) string { return truncate(v, maxLen) }
				break
			}
		}
	}
	return transforms
}

func (r Rule) matches(header string) bool {
	h := strings.ToLower(strings.TrimSpace(header))
	p := strings.ToLower(strings.TrimSpace(r.Pattern))
	if h == "" || p == "" {
		return false
	}
	return strings.Contains(h, p) || strings.Contains(p, h)
}

func identity(v string) string { return v }

func truncate(v string, maxLen int) string {
	if maxLen <= 0 {
		return v
	}
	runes := []rune(v)
	if len(runes) <= maxLen {
		return v
	}
	return string(runes[:maxLen]) + "…"
}
