// Package static classifies decoded pickle streams without executing them.
package static

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/Dylan-Ki/VeriModel/internal/model"
	"github.com/Dylan-Ki/VeriModel/internal/pickle"
	"github.com/Dylan-Ki/VeriModel/internal/rules"
)

// Policy decides when a suspicious import becomes a finding
type Policy string

const (
	// PolicyPaired reports a suspicious import only when a later invoke exists
	PolicyPaired Policy = "paired"
	// PolicyAnyInvoke also reports every invoke, whatever it calls
	PolicyAnyInvoke Policy = "any_invoke"
)

// ParsePolicy accepts paired or any_invoke, empty meaning paired
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyPaired:
		return PolicyPaired, nil
	case PolicyAnyInvoke:
		return PolicyAnyInvoke, nil
	}
	return "", fmt.Errorf("invalid suspicious import policy %q, must be paired or any_invoke", s)
}

const (
	// RuleIDExecutable tags embedded native binary findings
	RuleIDExecutable = "embedded-executable"
	// RuleIDRuleset tags advisories about the ruleset itself
	RuleIDRuleset = "ruleset"
	// RuleIDUnresolved tags invoked imports whose target was hidden
	RuleIDUnresolved = "unresolved-import"
)

// Classifier applies one immutable ruleset to streams. It holds no per-scan
// state and is safe for concurrent use.
type Classifier struct {
	ruleset *rules.Ruleset
	matcher *rules.Matcher
	policy  Policy
	logger  *slog.Logger
}

// NewClassifier creates a classifier. A nil ruleset is allowed and yields an
// advisory finding on every stream.
func NewClassifier(ruleset *rules.Ruleset, policy Policy, logger *slog.Logger) *Classifier {
	if policy == "" {
		policy = PolicyPaired
	}
	return &Classifier{
		ruleset: ruleset,
		matcher: rules.NewMatcher(),
		policy:  policy,
		logger:  logger,
	}
}

// Ruleset returns the ruleset the classifier was built with
func (c *Classifier) Ruleset() *rules.Ruleset {
	return c.ruleset
}

// Scan decodes and classifies one stream
func (c *Classifier) Scan(origin string, raw []byte) model.StaticScanResult {
	events, status, err := pickle.Decode(raw)
	if err != nil {
		c.logger.Debug("Stream did not decode cleanly", "origin", origin, "status", status.String(), "error", err)
	}
	return c.Classify(origin, events, raw, status)
}

// NotAnalyzed is the result for a stream that was located but could not be
// extracted. Its finding keeps the verdict from passing a stream nobody
// looked at.
func NotAnalyzed(origin, reason string) model.StaticScanResult {
	return model.StaticScanResult{
		Origin:        origin,
		StructureType: model.StructurePrimitive,
		Status:        model.StatusNotAnalyzed,
		Findings: []model.Finding{{
			Kind:        model.KindNotAnalyzed,
			Severity:    model.SeverityMedium,
			Description: "not analyzed: " + reason,
			Origin:      origin,
			Evidence:    model.Evidence{Detail: reason},
		}},
	}
}

// Classify builds the static result for already decoded events. Decoding
// problems never stop classification; whatever was decoded is analysed.
func (c *Classifier) Classify(origin string, events []pickle.Event, raw []byte, status pickle.Status) model.StaticScanResult {
	result := model.StaticScanResult{
		Origin:             origin,
		TotalOpcodes:       len(events),
		StructureType:      StructureOf(events),
		Status:             toScanStatus(status),
		FormatUnrecognized: status == pickle.StatusMalformed,
		Protocol:           ProtocolOf(events),
		Entropy:            Entropy(raw),
		Size:               len(raw),
		OpcodeCounts:       OpcodeCounts(events),
	}

	var findings []model.Finding
	findings = append(findings, c.classifyImports(origin, events)...)
	findings = append(findings, c.matchPatterns(origin, raw)...)
	findings = append(findings, executableFindings(origin, raw)...)
	result.Findings = findings

	c.logger.Debug("Stream classified",
		"origin", origin,
		"opcodes", result.TotalOpcodes,
		"status", result.Status,
		"findings", len(findings))
	return result
}

type pendingImport struct {
	pos    int64
	symbol string
	group  *rules.SymbolGroup
}

func (c *Classifier) classifyImports(origin string, events []pickle.Event) []model.Finding {
	var (
		findings   []model.Finding
		pending    []pendingImport
		unresolved []int64
		last       = UnknownSymbol
	)
	res := newResolver()

	for _, ev := range events {
		symbol, isImport := res.observe(ev)
		if isImport {
			last = symbol
			if symbol == UnknownSymbol {
				unresolved = append(unresolved, ev.Pos)
			}
			if group, ok := c.ruleset.Lookup(symbol); ok {
				switch group.Class {
				case rules.ClassDangerous:
					findings = append(findings, importFinding(model.KindDangerousImport, group, symbol, origin, ev.Pos, ""))
				case rules.ClassSuspicious:
					pending = append(pending, pendingImport{pos: ev.Pos, symbol: symbol, group: group})
				}
			}
		}

		if !ev.Op.Invokes() {
			continue
		}
		for _, p := range pending {
			findings = append(findings, importFinding(model.KindSuspiciousImport, p.group, p.symbol, origin, p.pos,
				fmt.Sprintf("invoked by %s at offset %d", ev.Op, ev.Pos)))
		}
		pending = pending[:0]
		for _, pos := range unresolved {
			findings = append(findings, unresolvedFinding(origin, pos, ev))
		}
		unresolved = unresolved[:0]

		if c.policy == PolicyAnyInvoke {
			evidence := model.AtPosition(ev.Pos)
			evidence.Symbol = last
			evidence.Detail = "any_invoke policy"
			findings = append(findings, model.Finding{
				Kind:        model.KindSuspiciousImport,
				Severity:    model.SeverityMedium,
				Description: fmt.Sprintf("%s invokes %s during reconstruction", ev.Op, last),
				Origin:      origin,
				Evidence:    evidence,
			})
		}
	}
	return findings
}

// unresolvedFinding reports a callable built from operands the stack model
// could not recover. Honest writers always push plain strings for
// STACK_GLOBAL, so a hidden target that is then called is treated as hostile.
func unresolvedFinding(origin string, pos int64, invoke pickle.Event) model.Finding {
	ev := model.AtPosition(pos)
	ev.Symbol = UnknownSymbol
	ev.RuleID = RuleIDUnresolved
	ev.Detail = fmt.Sprintf("invoked by %s at offset %d", invoke.Op, invoke.Pos)
	return model.Finding{
		Kind:        model.KindDangerousImport,
		Severity:    model.SeverityHigh,
		Description: "unresolved import invoked during reconstruction",
		Origin:      origin,
		Evidence:    ev,
	}
}

func importFinding(kind model.FindingKind, group *rules.SymbolGroup, symbol, origin string, pos int64, detail string) model.Finding {
	label := "dangerous"
	if kind == model.KindSuspiciousImport {
		label = "suspicious"
	}
	ev := model.AtPosition(pos)
	ev.Symbol = symbol
	ev.RuleID = group.RuleID
	ev.Detail = detail
	return model.Finding{
		Kind:        kind,
		Severity:    group.Severity,
		Description: fmt.Sprintf("%s import %s (%s)", label, symbol, group.Category),
		Origin:      origin,
		Evidence:    ev,
	}
}

// matchPatterns runs the pattern rules. Rule problems become LOW advisories.
func (c *Classifier) matchPatterns(origin string, raw []byte) (findings []model.Finding) {
	if c.ruleset == nil {
		return []model.Finding{advisory(origin, "ruleset unavailable: only signature checks were run")}
	}
	if c.ruleset.Partial() {
		findings = append(findings, advisory(origin,
			fmt.Sprintf("ruleset partial: %d rule(s) could not be loaded", len(c.ruleset.Errors))))
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Pattern matching panicked", "origin", origin, "panic", r)
			findings = append(findings, advisory(origin, fmt.Sprintf("ruleset partial: pattern matching failed: %v", r)))
		}
	}()

	patterns := c.matcher.EffectivePatternsFor(origin, c.ruleset.Patterns)
	var lowered []byte
	for _, p := range patterns {
		if p.NeedsLowered() && lowered == nil {
			lowered = bytes.ToLower(raw)
		}
		m, ok := p.Scan(raw, lowered)
		if !ok {
			continue
		}
		desc := m.Name
		if p.Description != "" {
			desc = m.Name + ": " + p.Description
		}
		ev := model.AtPosition(m.Offset)
		ev.RuleID = m.RuleID
		ev.Detail = fmt.Sprintf("%d string(s) matched", m.Hits)
		findings = append(findings, model.Finding{
			Kind:        model.KindPatternMatch,
			Severity:    m.Severity,
			Description: desc,
			Origin:      origin,
			Evidence:    ev,
		})
	}
	return findings
}

func advisory(origin, msg string) model.Finding {
	return model.Finding{
		Kind:        model.KindPatternMatch,
		Severity:    model.SeverityLow,
		Description: msg,
		Origin:      origin,
		Evidence:    model.Evidence{RuleID: RuleIDRuleset},
	}
}

func executableFindings(origin string, raw []byte) []model.Finding {
	var findings []model.Finding
	for _, hit := range FindExecutables(raw) {
		ev := model.AtPosition(int64(hit.Offset))
		ev.RuleID = RuleIDExecutable
		ev.Detail = hit.Format
		findings = append(findings, model.Finding{
			Kind:        model.KindPatternMatch,
			Severity:    model.SeverityHigh,
			Description: fmt.Sprintf("embedded %s executable header", hit.Format),
			Origin:      origin,
			Evidence:    ev,
		})
	}
	return findings
}

func toScanStatus(s pickle.Status) model.ScanStatus {
	switch s {
	case pickle.StatusTruncated:
		return model.StatusTruncated
	case pickle.StatusMalformed:
		return model.StatusMalformed
	default:
		return model.StatusOK
	}
}
