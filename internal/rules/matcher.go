package rules

import (
	"path"
)

// Matcher handles selector logic for stream origins
type Matcher struct{}

// NewMatcher creates a new rule matcher
func NewMatcher() *Matcher {
	return &Matcher{}
}

// EffectivePatternsFor returns the patterns that apply to the given origin
func (m *Matcher) EffectivePatternsFor(origin string, patterns []*Pattern) []*Pattern {
	var effective []*Pattern
	for _, p := range patterns {
		if m.selects(origin, p.Selectors) {
			effective = append(effective, p)
		}
	}
	return effective
}

// selects checks whether a selector admits the origin
func (m *Matcher) selects(origin string, selectors Selector) bool {
	// Check exclusions first (highest priority)
	if m.matchesAny(origin, selectors.ExcludeOriginGlobs) {
		return false
	}

	// No positive selectors means every origin
	if len(selectors.OriginGlobs) == 0 {
		return true
	}
	return m.matchesAny(origin, selectors.OriginGlobs)
}

// matchesAny tries each glob against the full origin and its base name
func (m *Matcher) matchesAny(origin string, globs []string) bool {
	base := path.Base(origin)
	for _, glob := range globs {
		if ok, err := path.Match(glob, origin); err == nil && ok {
			return true
		}
		if ok, err := path.Match(glob, base); err == nil && ok {
			return true
		}
	}
	return false
}
