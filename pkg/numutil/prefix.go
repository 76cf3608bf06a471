// Package numutil implements the unified-prefix rewriting table and the
// semicolon-separated pattern lists used by allow/deny/preferred policy
// fields throughout §3.2 and §4.5.
package numutil

import "strings"

// Rule is one "<from>:<to>" entry of a unified-prefix table: a number
// beginning with From is rewritten to begin with To instead.
type Rule struct {
	From string
	To   string
}

// Table is an ordered set of rewrite rules. Rules are tried in order;
// the first whose From is a prefix of the input wins.
type Table struct {
	rules []Rule
}

// ParseTable parses a unified-prefix table of the form
// "00:+;0040:+40;0041:+41" (rules separated by ';', each rule "from:to").
// An empty string yields an empty (no-op) table.
func ParseTable(spec string) *Table {
	t := &Table{}
	if spec == "" {
		return t
	}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		t.rules = append(t.rules, Rule{From: parts[0], To: parts[1]})
	}
	return t
}

// Normalize rewrites number according to the first matching rule, or
// returns it unchanged if no rule matches.
func (t *Table) Normalize(number string) string {
	if t == nil {
		return number
	}
	for _, r := range t.rules {
		if strings.HasPrefix(number, r.From) {
			return r.To + number[len(r.From):]
		}
	}
	return number
}

// NormalizeMO applies SMSC-local normalization, then global, as required
// by §3.1 for mobile-originated numbers.
func NormalizeMO(number string, local, global *Table) string {
	return global.Normalize(local.Normalize(number))
}

// NormalizeMT applies global normalization, then SMSC-local -- the
// opposite order from NormalizeMO, as required by §3.1 for
// mobile-terminated numbers.
func NormalizeMT(number string, local, global *Table) string {
	return local.Normalize(global.Normalize(number))
}

// PatternSet is a semicolon-separated list of literal patterns used by the
// allowed-smsc-id / denied-smsc-id / preferred-smsc-id and the
// allowed-prefix / denied-prefix / preferred-prefix families. A nil or
// empty PatternSet means "field absent" -- callers must distinguish that
// from "present but non-matching".
type PatternSet struct {
	patterns []string
}

// ParsePatternSet splits a semicolon-separated pattern list. An empty
// string yields an empty set (Empty() == true).
func ParsePatternSet(spec string) *PatternSet {
	ps := &PatternSet{}
	for _, p := range strings.Split(spec, ";") {
		p = strings.TrimSpace(p)
		if p != "" {
			ps.patterns = append(ps.patterns, p)
		}
	}
	return ps
}

// Empty reports whether the field was absent from configuration.
func (ps *PatternSet) Empty() bool {
	return ps == nil || len(ps.patterns) == 0
}

// MatchesExact reports whether id equals one of the patterns exactly, the
// matching rule for allowed/denied/preferred-smsc-id.
func (ps *PatternSet) MatchesExact(id string) bool {
	if ps == nil {
		return false
	}
	for _, p := range ps.patterns {
		if p == id {
			return true
		}
	}
	return false
}

// MatchesPrefix reports whether any pattern is a literal prefix of number,
// the matching rule for allowed/denied/preferred-prefix. Among patterns
// that match, the longest is the one recorded in LongestMatch.
func (ps *PatternSet) MatchesPrefix(number string) bool {
	return ps.LongestMatch(number) != ""
}

// LongestMatch returns the longest pattern that is a literal prefix of
// number, or "" if none match.
func (ps *PatternSet) LongestMatch(number string) string {
	if ps == nil {
		return ""
	}
	best := ""
	for _, p := range ps.patterns {
		if strings.HasPrefix(number, p) && len(p) > len(best) {
			best = p
		}
	}
	return best
}
