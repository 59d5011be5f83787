package rules

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

// ErrRuleEngine marks a rule that could not be loaded, compiled or matched
var ErrRuleEngine = errors.New("rule engine error")

var hexNoise = regexp.MustCompile(`[\s{}]+`)

type needle struct {
	id     string
	lit    []byte
	nocase bool
	re     *regexp.Regexp
}

// find returns the offset of the first hit, or -1
func (n needle) find(data, lowered []byte) int {
	switch {
	case n.re != nil:
		if loc := n.re.FindIndex(data); loc != nil {
			return loc[0]
		}
		return -1
	case n.nocase:
		return bytes.Index(lowered, n.lit)
	default:
		return bytes.Index(data, n.lit)
	}
}

// Pattern is a compiled PatternRule
type Pattern struct {
	ID          string
	Name        string
	Description string
	Severity    model.Severity
	Selectors   Selector

	needles []needle
	needed  int
	nocase  bool
}

// PatternMatch is the outcome of one pattern that hit
type PatternMatch struct {
	RuleID   string
	Name     string
	Severity model.Severity
	Offset   int64
	Hits     int
}

// Scan runs every needle over data. lowered must be bytes.ToLower(data)
// when any needle is case-insensitive and may be nil otherwise.
func (p *Pattern) Scan(data, lowered []byte) (PatternMatch, bool) {
	hits := 0
	first := -1
	for _, n := range p.needles {
		off := n.find(data, lowered)
		if off < 0 {
			continue
		}
		hits++
		if first < 0 || off < first {
			first = off
		}
	}
	if hits < p.needed {
		return PatternMatch{}, false
	}
	return PatternMatch{
		RuleID:   p.ID,
		Name:     p.Name,
		Severity: p.Severity,
		Offset:   int64(first),
		Hits:     hits,
	}, true
}

// NeedsLowered reports whether Scan needs the lower-cased buffer
func (p *Pattern) NeedsLowered() bool {
	return p.nocase
}

// SymbolGroup is a compiled SymbolTaxonomy
type SymbolGroup struct {
	RuleID   string
	Category string
	Class    SymbolClass
	Severity model.Severity
	globs    []string
}

// Matches reports whether the normalized module.symbol belongs to the group
func (g *SymbolGroup) Matches(symbol string) bool {
	for _, glob := range g.globs {
		if ok, err := path.Match(glob, symbol); err == nil && ok {
			return true
		}
	}
	return false
}

// Ruleset is the immutable compiled form of a rule snapshot. It is shared by
// every concurrent scan and never modified after Compile returns.
type Ruleset struct {
	Version  int64
	Patterns []*Pattern
	Taxonomy []*SymbolGroup
	// Errors lists the documents and needles that were skipped
	Errors []error
}

// Compile turns a snapshot into a ruleset. Broken needles, regexes and globs
// skip their rule and are recorded in Errors.
func Compile(snapshot *RuleSnapshot, loadErrors ...error) *Ruleset {
	rs := &Ruleset{Errors: append([]error(nil), loadErrors...)}
	if snapshot == nil {
		return rs
	}
	rs.Version = snapshot.Version

	var dangerous, suspicious []*SymbolGroup
	for i := range snapshot.Rules {
		rule := &snapshot.Rules[i]
		switch rule.Kind {
		case KindPatternRule:
			p, err := compilePattern(rule)
			if err != nil {
				rs.Errors = append(rs.Errors, err)
				continue
			}
			rs.Patterns = append(rs.Patterns, p)
		case KindSymbolTaxonomy:
			g, err := compileTaxonomy(rule)
			if err != nil {
				rs.Errors = append(rs.Errors, err)
				continue
			}
			if g.Class == ClassDangerous {
				dangerous = append(dangerous, g)
			} else {
				suspicious = append(suspicious, g)
			}
		}
	}
	// dangerous groups are consulted first
	rs.Taxonomy = append(dangerous, suspicious...)
	return rs
}

// Lookup returns the first taxonomy group containing the symbol
func (rs *Ruleset) Lookup(symbol string) (*SymbolGroup, bool) {
	if rs == nil {
		return nil, false
	}
	for _, g := range rs.Taxonomy {
		if g.Matches(symbol) {
			return g, true
		}
	}
	return nil, false
}

// Partial reports whether some rules could not be used
func (rs *Ruleset) Partial() bool {
	return rs != nil && len(rs.Errors) > 0
}

// Empty reports whether the ruleset has nothing to match with
func (rs *Ruleset) Empty() bool {
	return rs == nil || (len(rs.Patterns) == 0 && len(rs.Taxonomy) == 0)
}

func compilePattern(rule *Rule) (*Pattern, error) {
	p := &Pattern{
		ID:          rule.Metadata.ID,
		Name:        rule.Metadata.Name,
		Description: rule.Metadata.Description,
		Severity:    rule.EffectiveSeverity(),
		Selectors:   rule.Spec.Selectors,
	}
	for i, s := range rule.Spec.Strings {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("$s%d", i)
		}
		n := needle{id: id, nocase: s.NoCase}
		switch {
		case s.Regex != "":
			expr := s.Regex
			if s.NoCase {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s string %s: %v", ErrRuleEngine, p.ID, id, err)
			}
			n.re = re
			n.nocase = false
		case s.Hex != "":
			b, err := hex.DecodeString(hexNoise.ReplaceAllString(s.Hex, ""))
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s string %s: invalid hex: %v", ErrRuleEngine, p.ID, id, err)
			}
			n.lit = b
			n.nocase = false
		default:
			n.lit = []byte(s.Text)
			if s.NoCase {
				n.lit = bytes.ToLower(n.lit)
			}
		}
		if len(n.lit) == 0 && n.re == nil {
			return nil, fmt.Errorf("%w: rule %s string %s is empty", ErrRuleEngine, p.ID, id)
		}
		if n.nocase {
			p.nocase = true
		}
		p.needles = append(p.needles, n)
	}

	switch {
	case rule.Spec.Condition.Match == "all":
		p.needed = len(p.needles)
	case rule.Spec.Condition.MinMatches > 0:
		p.needed = rule.Spec.Condition.MinMatches
	default:
		p.needed = 1
	}
	for _, glob := range append(append([]string(nil), p.Selectors.OriginGlobs...), p.Selectors.ExcludeOriginGlobs...) {
		if _, err := path.Match(glob, ""); err != nil {
			return nil, fmt.Errorf("%w: rule %s selector %q: %v", ErrRuleEngine, p.ID, glob, err)
		}
	}
	return p, nil
}

func compileTaxonomy(rule *Rule) (*SymbolGroup, error) {
	g := &SymbolGroup{
		RuleID:   rule.Metadata.ID,
		Category: rule.Spec.Category,
		Class:    rule.Spec.Class,
		Severity: rule.EffectiveSeverity(),
	}
	for _, sym := range rule.Spec.Symbols {
		sym = strings.TrimSpace(sym)
		if _, err := path.Match(sym, ""); err != nil {
			return nil, fmt.Errorf("%w: taxonomy %s symbol %q: %v", ErrRuleEngine, g.RuleID, sym, err)
		}
		g.globs = append(g.globs, sym)
	}
	return g, nil
}
