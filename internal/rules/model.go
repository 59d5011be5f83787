package rules

import (
	"fmt"
	"strings"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

const (
	// APIVersion is the only accepted document apiVersion
	APIVersion = "verimodel/v1"
	// KindPatternRule documents describe byte/regex rules run over raw stream content
	KindPatternRule = "PatternRule"
	// KindSymbolTaxonomy documents describe one category of importable symbols
	KindSymbolTaxonomy = "SymbolTaxonomy"
)

// SymbolClass separates symbols that are threats on import from symbols that
// only matter once something invokes them
type SymbolClass string

const (
	ClassDangerous  SymbolClass = "dangerous"
	ClassSuspicious SymbolClass = "suspicious"
)

// Selector restricts a rule to streams whose origin matches
type Selector struct {
	OriginGlobs        []string `yaml:"origin_globs" json:"origin_globs"`
	ExcludeOriginGlobs []string `yaml:"exclude_origin_globs" json:"exclude_origin_globs"`
}

// StringPattern is one needle of a pattern rule. Exactly one of Text, Hex
// and Regex is set.
type StringPattern struct {
	ID     string `yaml:"id" json:"id"`
	Text   string `yaml:"text" json:"text"`
	Hex    string `yaml:"hex" json:"hex"`
	Regex  string `yaml:"regex" json:"regex"`
	NoCase bool   `yaml:"nocase" json:"nocase"`
}

// Condition decides how many strings must hit for the rule to match
type Condition struct {
	Match      string `yaml:"match" json:"match"` // any | all
	MinMatches int    `yaml:"min_matches" json:"min_matches"`
}

// RuleMetadata contains metadata about a rule
type RuleMetadata struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description"`
}

// RuleSpec holds the fields of both document kinds. Strings and Condition
// belong to pattern rules, Class, Category and Symbols to taxonomies.
type RuleSpec struct {
	Enabled   bool            `yaml:"enabled" json:"enabled"`
	Severity  string          `yaml:"severity" json:"severity"`
	Selectors Selector        `yaml:"selectors" json:"selectors"`
	Strings   []StringPattern `yaml:"strings" json:"strings"`
	Condition Condition       `yaml:"condition" json:"condition"`
	Class     SymbolClass     `yaml:"class" json:"class"`
	Category  string          `yaml:"category" json:"category"`
	Symbols   []string        `yaml:"symbols" json:"symbols"`
}

// Rule is one loaded rule document
type Rule struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   RuleMetadata `yaml:"metadata" json:"metadata"`
	Spec       RuleSpec     `yaml:"spec" json:"spec"`
	SourceFile string       `yaml:"-" json:"source_file,omitempty"`
}

// Validate checks if a rule is valid. Regex and hex bodies are checked at
// compile time so that a single broken needle degrades instead of dropping
// the whole document.
func (r *Rule) Validate() error {
	if r.APIVersion != APIVersion {
		return &ValidationError{Field: "apiVersion", Message: fmt.Sprintf("unsupported apiVersion %q", r.APIVersion)}
	}
	if r.Metadata.ID == "" {
		return &ValidationError{Field: "metadata.id", Message: "rule ID is required"}
	}
	if r.Metadata.Name == "" {
		return &ValidationError{Field: "metadata.name", Message: "rule name is required"}
	}
	if r.Spec.Severity != "" {
		if _, err := model.ParseSeverity(r.Spec.Severity); err != nil {
			return &ValidationError{Field: "spec.severity", Message: "invalid severity, must be low/medium/high/critical"}
		}
	}

	switch r.Kind {
	case KindPatternRule:
		return r.validatePattern()
	case KindSymbolTaxonomy:
		return r.validateTaxonomy()
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
}

func (r *Rule) validatePattern() error {
	if r.Spec.Severity == "" {
		return &ValidationError{Field: "spec.severity", Message: "severity is required"}
	}
	if len(r.Spec.Strings) == 0 {
		return &ValidationError{Field: "spec.strings", Message: "at least one string is required"}
	}
	for i, s := range r.Spec.Strings {
		set := 0
		for _, v := range []string{s.Text, s.Hex, s.Regex} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return &ValidationError{
				Field:   fmt.Sprintf("spec.strings[%d]", i),
				Message: "exactly one of text, hex or regex must be set",
			}
		}
	}
	switch r.Spec.Condition.Match {
	case "", "any", "all":
	default:
		return &ValidationError{Field: "spec.condition.match", Message: "match must be any or all"}
	}
	if r.Spec.Condition.MinMatches < 0 || r.Spec.Condition.MinMatches > len(r.Spec.Strings) {
		return &ValidationError{Field: "spec.condition.min_matches", Message: "min_matches must be between 0 and the number of strings"}
	}
	return nil
}

func (r *Rule) validateTaxonomy() error {
	if r.Spec.Class != ClassDangerous && r.Spec.Class != ClassSuspicious {
		return &ValidationError{Field: "spec.class", Message: "class must be dangerous or suspicious"}
	}
	if strings.TrimSpace(r.Spec.Category) == "" {
		return &ValidationError{Field: "spec.category", Message: "category is required"}
	}
	if len(r.Spec.Symbols) == 0 {
		return &ValidationError{Field: "spec.symbols", Message: "at least one symbol is required"}
	}
	for i, sym := range r.Spec.Symbols {
		if !strings.Contains(sym, ".") {
			return &ValidationError{
				Field:   fmt.Sprintf("spec.symbols[%d]", i),
				Message: fmt.Sprintf("symbol %q must be module.name", sym),
			}
		}
	}
	return nil
}

// IsEnabled checks if the rule is enabled
func (r *Rule) IsEnabled() bool {
	return r.Spec.Enabled
}

// EffectiveSeverity returns the declared severity or the class default
func (r *Rule) EffectiveSeverity() model.Severity {
	if sev, err := model.ParseSeverity(r.Spec.Severity); err == nil {
		return sev
	}
	if r.Kind == KindSymbolTaxonomy && r.Spec.Class == ClassSuspicious {
		return model.SeverityMedium
	}
	return model.SeverityHigh
}

// RuleSnapshot represents a collection of loaded rules
type RuleSnapshot struct {
	Rules   []Rule
	Version int64
}

// ValidationError represents a rule validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
