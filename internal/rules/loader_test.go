package rules

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

const patternRuleYAML = `
apiVersion: verimodel/v1
kind: PatternRule
metadata:
  id: "test-rule-1"
  name: "Test Rule 1"
  version: "1.0.0"
spec:
  enabled: true
  severity: high
  strings:
    - text: "evil"
`

func TestLoader_LoadSnapshot(t *testing.T) {
	tempDir := t.TempDir()

	disabled := `
apiVersion: verimodel/v1
kind: PatternRule
metadata:
  id: "test-rule-2"
  name: "Test Rule 2"
spec:
  enabled: false
  severity: medium
  strings:
    - text: "other"
`
	writeRule(t, tempDir, "01-rule-1.yaml", patternRuleYAML)
	writeRule(t, tempDir, "02-rule-2.yaml", disabled)

	loader, err := NewLoader(tempDir, false, 1000, testLogger())
	require.NoError(t, err)

	snapshot, err := loader.LoadSnapshot()
	require.NoError(t, err)

	// Only the enabled rule is loaded
	require.Len(t, snapshot.Rules, 1)
	assert.Equal(t, "test-rule-1", snapshot.Rules[0].Metadata.ID)
	assert.Equal(t, "high", snapshot.Rules[0].Spec.Severity)

	rs := loader.Ruleset()
	require.NotNil(t, rs)
	assert.Len(t, rs.Patterns, 1)
	assert.False(t, rs.Partial())
	assert.Equal(t, snapshot.Version, rs.Version)
}

func TestLoader_FilenameOverride(t *testing.T) {
	tempDir := t.TempDir()

	second := `
apiVersion: verimodel/v1
kind: PatternRule
metadata:
  id: "test-rule-1"
  name: "Second Rule (Override)"
  version: "2.0.0"
spec:
  enabled: true
  severity: low
  strings:
    - text: "evil"
`
	writeRule(t, tempDir, "01-first.yaml", patternRuleYAML)
	writeRule(t, tempDir, "02-second.yaml", second)

	loader, err := NewLoader(tempDir, false, 1000, testLogger())
	require.NoError(t, err)

	snapshot, err := loader.LoadSnapshot()
	require.NoError(t, err)

	require.Len(t, snapshot.Rules, 1)
	assert.Equal(t, "Second Rule (Override)", snapshot.Rules[0].Metadata.Name)
	assert.Equal(t, "low", snapshot.Rules[0].Spec.Severity)
	assert.Equal(t, filepath.Join(tempDir, "02-second.yaml"), snapshot.Rules[0].SourceFile)
}

func TestLoader_InvalidDocumentsDegrade(t *testing.T) {
	tempDir := t.TempDir()

	// Unknown top-level key fails the schema
	schemaBroken := `
apiVersion: verimodel/v1
kind: PatternRule
unexpected: true
metadata:
  id: "schema-broken"
  name: "Schema Broken"
spec:
  enabled: true
  severity: high
  strings:
    - text: "x"
`
	// Valid shape, invalid regex
	badRegex := `
apiVersion: verimodel/v1
kind: PatternRule
metadata:
  id: "bad-regex"
  name: "Bad Regex"
spec:
  enabled: true
  severity: high
  strings:
    - regex: "(unclosed"
`
	writeRule(t, tempDir, "01-good.yaml", patternRuleYAML)
	writeRule(t, tempDir, "02-schema.yaml", schemaBroken)
	writeRule(t, tempDir, "03-regex.yaml", badRegex)
	writeRule(t, tempDir, "04-garbage.yaml", "::: not yaml [")

	loader, err := NewLoader(tempDir, false, 1000, testLogger())
	require.NoError(t, err)

	_, err = loader.LoadSnapshot()
	require.NoError(t, err)

	rs := loader.Ruleset()
	require.NotNil(t, rs)
	assert.True(t, rs.Partial())
	assert.Len(t, rs.Errors, 3)
	for _, e := range rs.Errors {
		assert.ErrorIs(t, e, ErrRuleEngine)
	}
	require.Len(t, rs.Patterns, 1)
	assert.Equal(t, "test-rule-1", rs.Patterns[0].ID)
}

func TestLoader_MultiDocumentFile(t *testing.T) {
	tempDir := t.TempDir()

	content := patternRuleYAML + `
---
apiVersion: verimodel/v1
kind: SymbolTaxonomy
metadata:
  id: "tax-1"
  name: "Process"
spec:
  enabled: true
  class: dangerous
  category: process execution
  symbols: ["os.system"]
`
	writeRule(t, tempDir, "rules.yaml", content)

	loader, err := NewLoader(tempDir, false, 1000, testLogger())
	require.NoError(t, err)
	snapshot, err := loader.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot.Rules, 2)

	rs := loader.Ruleset()
	group, ok := rs.Lookup("os.system")
	require.True(t, ok)
	assert.Equal(t, "tax-1", group.RuleID)
}

func TestLoader_EmbeddedDefaults(t *testing.T) {
	loader, err := NewLoader("", true, 1000, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "embedded defaults", loader.Source())

	_, err = loader.LoadSnapshot()
	require.NoError(t, err)

	rs := loader.Ruleset()
	require.NotNil(t, rs)
	assert.Empty(t, rs.Errors)
	assert.NotEmpty(t, rs.Patterns)

	tests := []struct {
		symbol string
		class  SymbolClass
	}{
		{"os.system", ClassDangerous},
		{"subprocess.Popen", ClassDangerous},
		{"os.execvp", ClassDangerous},
		{"builtins.eval", ClassDangerous},
		{"socket.socket", ClassDangerous},
		{"requests.get", ClassDangerous},
		{"pickle.loads", ClassSuspicious},
		{"torch.load", ClassSuspicious},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			group, ok := rs.Lookup(tt.symbol)
			require.True(t, ok)
			assert.Equal(t, tt.class, group.Class)
		})
	}

	for _, benign := range []string{"collections.OrderedDict", "torch._utils._rebuild_tensor_v2", "numpy.core.multiarray._reconstruct"} {
		_, ok := rs.Lookup(benign)
		assert.False(t, ok, benign)
	}

	// Hot reload never applies to embedded rules
	assert.NoError(t, loader.WatchForChanges(context.Background()))
}

func TestLoader_Subscribe(t *testing.T) {
	tempDir := t.TempDir()
	writeRule(t, tempDir, "01.yaml", patternRuleYAML)

	loader, err := NewLoader(tempDir, false, 1000, testLogger())
	require.NoError(t, err)

	ch := loader.Subscribe()
	<-ch // initial notification

	_, err = loader.LoadSnapshot()
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected reload notification")
	}
}

func TestLoader_HotReload(t *testing.T) {
	tempDir := t.TempDir()
	writeRule(t, tempDir, "01.yaml", patternRuleYAML)

	loader, err := NewLoader(tempDir, true, 10, testLogger())
	require.NoError(t, err)
	loader.pollInterval = 20 * time.Millisecond

	_, err = loader.LoadSnapshot()
	require.NoError(t, err)
	first := loader.Ruleset()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.WatchForChanges(ctx))

	extra := `
apiVersion: verimodel/v1
kind: PatternRule
metadata:
  id: "test-rule-extra"
  name: "Extra"
spec:
  enabled: true
  severity: medium
  strings:
    - text: "extra"
`
	writeRule(t, tempDir, "02.yaml", extra)

	assert.Eventually(t, func() bool {
		rs := loader.Ruleset()
		return rs != first && len(rs.Patterns) == 2
	}, 3*time.Second, 20*time.Millisecond)

	// The earlier ruleset is untouched
	assert.Len(t, first.Patterns, 1)
}

func TestLoader_MissingDirectory(t *testing.T) {
	loader, err := NewLoader(filepath.Join(t.TempDir(), "absent"), false, 1000, testLogger())
	require.NoError(t, err)

	_, err = loader.LoadSnapshot()
	assert.Error(t, err)
	assert.Nil(t, loader.Ruleset())
}

func TestRule_Validate(t *testing.T) {
	base := func() Rule {
		return Rule{
			APIVersion: APIVersion,
			Kind:       KindPatternRule,
			Metadata:   RuleMetadata{ID: "r", Name: "R"},
			Spec: RuleSpec{
				Enabled:  true,
				Severity: "high",
				Strings:  []StringPattern{{Text: "x"}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(r *Rule)
		field  string
	}{
		{"valid rule", func(r *Rule) {}, ""},
		{"missing ID", func(r *Rule) { r.Metadata.ID = "" }, "metadata.id"},
		{"missing name", func(r *Rule) { r.Metadata.Name = "" }, "metadata.name"},
		{"bad api version", func(r *Rule) { r.APIVersion = "v0" }, "apiVersion"},
		{"unknown kind", func(r *Rule) { r.Kind = "Other" }, "kind"},
		{"bad severity", func(r *Rule) { r.Spec.Severity = "extreme" }, "spec.severity"},
		{"no strings", func(r *Rule) { r.Spec.Strings = nil }, "spec.strings"},
		{"two bodies", func(r *Rule) { r.Spec.Strings[0].Hex = "41" }, "spec.strings[0]"},
		{"bad match", func(r *Rule) { r.Spec.Condition.Match = "most" }, "spec.condition.match"},
		{"min too high", func(r *Rule) { r.Spec.Condition.MinMatches = 2 }, "spec.condition.min_matches"},
		{"taxonomy without class", func(r *Rule) {
			r.Kind = KindSymbolTaxonomy
			r.Spec.Category = "c"
			r.Spec.Symbols = []string{"os.system"}
		}, "spec.class"},
		{"taxonomy bare symbol", func(r *Rule) {
			r.Kind = KindSymbolTaxonomy
			r.Spec.Class = ClassDangerous
			r.Spec.Category = "c"
			r.Spec.Symbols = []string{"eval"}
		}, "spec.symbols[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := base()
			tt.mutate(&rule)
			err := rule.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
