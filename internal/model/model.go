package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered impact level of a finding
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityLevels = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity accepts any casing of low/medium/high/critical
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityLevels[sev]; !ok {
		return "", fmt.Errorf("invalid severity %q, must be low/medium/high/critical", s)
	}
	return sev, nil
}

// Level returns the numeric rank of the severity, 0 for unknown values
func (s Severity) Level() int {
	return severityLevels[s]
}

// AtLeast reports whether s is as severe as min or more
func (s Severity) AtLeast(min Severity) bool {
	return s.Level() >= min.Level() && s.Level() > 0
}

// IsThreat reports whether the severity forces an unsafe verdict on its own
func (s Severity) IsThreat() bool {
	return s.AtLeast(SeverityHigh)
}

// FindingKind classifies where a finding came from
type FindingKind string

const (
	KindDangerousImport  FindingKind = "dangerous_import"
	KindSuspiciousImport FindingKind = "suspicious_import"
	KindPatternMatch     FindingKind = "pattern_match"
	KindBehavioralAction FindingKind = "behavioral_action"
	KindExecutionError   FindingKind = "execution_error"
	KindTimeout          FindingKind = "timeout"
	KindReputationHit    FindingKind = "reputation_hit"
	KindNotAnalyzed      FindingKind = "not_analyzed"
)

// Evidence points at what triggered a finding
type Evidence struct {
	Position *int64 `json:"position,omitempty"`
	Syscall  string `json:"syscall,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// AtPosition builds evidence for a byte offset inside a stream
func AtPosition(pos int64) Evidence {
	return Evidence{Position: &pos}
}

// Finding is a single observation produced by a detector. Findings are
// values; detectors build them once and never modify them afterwards.
type Finding struct {
	Kind        FindingKind `json:"kind"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Origin      string      `json:"origin"`
	Evidence    Evidence    `json:"evidence"`
}

// ScanStatus tags the outcome of decoding one stream
type ScanStatus string

const (
	StatusOK        ScanStatus = "ok"
	StatusTruncated ScanStatus = "truncated"
	StatusMalformed ScanStatus = "malformed"
	// StatusNotAnalyzed marks a stream that was located but never decoded
	StatusNotAnalyzed ScanStatus = "not_analyzed"
)

// StructureType is a coarse shape of the decoded object graph, used for reporting only
type StructureType string

const (
	StructureDictionary   StructureType = "dictionary-like"
	StructureList         StructureType = "list-like"
	StructureCustomObject StructureType = "custom-object"
	StructurePrimitive    StructureType = "primitive"
)

// StaticScanResult is derived solely from the bytes of one serialized stream
type StaticScanResult struct {
	Origin             string         `json:"origin"`
	Findings           []Finding      `json:"findings"`
	TotalOpcodes       int            `json:"total_opcodes"`
	StructureType      StructureType  `json:"structure_type"`
	Status             ScanStatus     `json:"status"`
	FormatUnrecognized bool           `json:"format_unrecognized"`
	Protocol           int            `json:"protocol"`
	Entropy            float64        `json:"entropy"`
	Size               int            `json:"size"`
	OpcodeCounts       map[string]int `json:"opcode_counts,omitempty"`
}

// SandboxState is the lifecycle position of one sandboxed execution
type SandboxState string

const (
	StateNotStarted             SandboxState = "not_started"
	StatePreparing              SandboxState = "preparing"
	StateRunning                SandboxState = "running"
	StateCompleted              SandboxState = "completed"
	StateTimedOut               SandboxState = "timed_out"
	StateEnvironmentUnavailable SandboxState = "environment_unavailable"
)

// DynamicScanResult is derived from one isolated execution attempt
type DynamicScanResult struct {
	State        SandboxState  `json:"state"`
	Backend      string        `json:"backend"`
	Findings     []Finding     `json:"findings"`
	TimedOut     bool          `json:"timed_out"`
	ExitFailed   bool          `json:"exit_failed"`
	ExitCode     int           `json:"exit_code"`
	RawTelemetry string        `json:"raw_telemetry,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Unavailable reports whether the sandbox could not provide a behavioral answer
func (r *DynamicScanResult) Unavailable() bool {
	return r == nil || r.State == StateEnvironmentUnavailable
}

// BehavioralCount returns the number of behavioral findings
func (r *DynamicScanResult) BehavioralCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, f := range r.Findings {
		if f.Kind == KindBehavioralAction {
			n++
		}
	}
	return n
}

// Verdict is the reconciled safety determination for one artifact
type Verdict struct {
	IsSafe               bool      `json:"is_safe"`
	Reasons              []string  `json:"reasons"`
	ContributingFindings []Finding `json:"contributing_findings"`
}
