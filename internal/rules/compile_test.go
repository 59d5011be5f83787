package rules

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

func patternRule(id string, cond Condition, strs ...StringPattern) Rule {
	return Rule{
		APIVersion: APIVersion,
		Kind:       KindPatternRule,
		Metadata:   RuleMetadata{ID: id, Name: id},
		Spec: RuleSpec{
			Enabled:   true,
			Severity:  "medium",
			Strings:   strs,
			Condition: cond,
		},
	}
}

func scan(p *Pattern, data []byte) (PatternMatch, bool) {
	var lowered []byte
	if p.NeedsLowered() {
		lowered = bytes.ToLower(data)
	}
	return p.Scan(data, lowered)
}

func TestCompile_PatternConditions(t *testing.T) {
	data := []byte("xxAAxxBBxx")

	tests := []struct {
		name   string
		rule   Rule
		match  bool
		offset int64
		hits   int
	}{
		{
			name:   "any text",
			rule:   patternRule("any", Condition{}, StringPattern{Text: "BB"}, StringPattern{Text: "ZZ"}),
			match:  true,
			offset: 6,
			hits:   1,
		},
		{
			name:  "all requires every string",
			rule:  patternRule("all", Condition{Match: "all"}, StringPattern{Text: "AA"}, StringPattern{Text: "ZZ"}),
			match: false,
		},
		{
			name:   "min matches",
			rule:   patternRule("min", Condition{MinMatches: 2}, StringPattern{Text: "AA"}, StringPattern{Hex: "42 42"}, StringPattern{Text: "ZZ"}),
			match:  true,
			offset: 2,
			hits:   2,
		},
		{
			name:   "nocase text",
			rule:   patternRule("nocase", Condition{}, StringPattern{Text: "aa", NoCase: true}),
			match:  true,
			offset: 2,
			hits:   1,
		},
		{
			name:   "regex",
			rule:   patternRule("regex", Condition{}, StringPattern{Regex: `A+x+B`}),
			match:  true,
			offset: 2,
			hits:   1,
		},
		{
			name:   "hex with braces",
			rule:   patternRule("hex", Condition{}, StringPattern{Hex: "{ 78 41 }"}),
			match:  true,
			offset: 1,
			hits:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := Compile(&RuleSnapshot{Rules: []Rule{tt.rule}})
			require.Empty(t, rs.Errors)
			require.Len(t, rs.Patterns, 1)

			m, ok := scan(rs.Patterns[0], data)
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Equal(t, tt.offset, m.Offset)
				assert.Equal(t, tt.hits, m.Hits)
				assert.Equal(t, model.SeverityMedium, m.Severity)
				assert.Equal(t, tt.rule.Metadata.ID, m.RuleID)
			}
		})
	}
}

func TestCompile_ErrorsSkipOnlyBrokenRules(t *testing.T) {
	snapshot := &RuleSnapshot{Rules: []Rule{
		patternRule("good", Condition{}, StringPattern{Text: "ok"}),
		patternRule("bad-hex", Condition{}, StringPattern{Hex: "zz"}),
		patternRule("bad-regex", Condition{}, StringPattern{Regex: "[a-"}),
		{
			APIVersion: APIVersion,
			Kind:       KindSymbolTaxonomy,
			Metadata:   RuleMetadata{ID: "bad-glob", Name: "bad"},
			Spec:       RuleSpec{Enabled: true, Class: ClassDangerous, Category: "c", Symbols: []string{"os.[x"}},
		},
	}}

	rs := Compile(snapshot)
	assert.True(t, rs.Partial())
	assert.Len(t, rs.Errors, 3)
	for _, err := range rs.Errors {
		assert.ErrorIs(t, err, ErrRuleEngine)
	}
	require.Len(t, rs.Patterns, 1)
	assert.Equal(t, "good", rs.Patterns[0].ID)
	assert.Empty(t, rs.Taxonomy)
}

func TestRuleset_LookupPrefersDangerous(t *testing.T) {
	suspicious := Rule{
		APIVersion: APIVersion,
		Kind:       KindSymbolTaxonomy,
		Metadata:   RuleMetadata{ID: "a-suspicious", Name: "s"},
		Spec:       RuleSpec{Enabled: true, Class: ClassSuspicious, Category: "loader", Symbols: []string{"os.*"}},
	}
	dangerous := Rule{
		APIVersion: APIVersion,
		Kind:       KindSymbolTaxonomy,
		Metadata:   RuleMetadata{ID: "b-dangerous", Name: "d"},
		Spec:       RuleSpec{Enabled: true, Class: ClassDangerous, Category: "process", Symbols: []string{"os.system"}},
	}

	rs := Compile(&RuleSnapshot{Rules: []Rule{suspicious, dangerous}})

	g, ok := rs.Lookup("os.system")
	require.True(t, ok)
	assert.Equal(t, ClassDangerous, g.Class)
	assert.Equal(t, model.SeverityHigh, g.Severity)

	g, ok = rs.Lookup("os.getcwd")
	require.True(t, ok)
	assert.Equal(t, ClassSuspicious, g.Class)
	assert.Equal(t, model.SeverityMedium, g.Severity)
}

func TestRuleset_NilIsEmpty(t *testing.T) {
	var rs *Ruleset
	assert.True(t, rs.Empty())
	assert.False(t, rs.Partial())
	_, ok := rs.Lookup("os.system")
	assert.False(t, ok)

	assert.True(t, Compile(nil).Empty())
}
