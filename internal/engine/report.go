package engine

import (
	"time"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

// Report is the complete outcome of one artifact scan
type Report struct {
	ID                   string             `json:"id"`
	Artifact             string             `json:"artifact"`
	SHA256               string             `json:"sha256"`
	Size                 int64              `json:"size"`
	IsSafe               bool               `json:"is_safe"`
	Reasons              []string           `json:"reasons"`
	Findings             []model.Finding    `json:"findings"`
	ContributingFindings []model.Finding    `json:"contributing_findings"`
	StaticSummary        StaticSummary      `json:"static_summary"`
	DynamicSummary       DynamicSummary     `json:"dynamic_summary"`
	ReputationSummary    *ReputationSummary `json:"reputation_summary,omitempty"`
	ScannedAt            time.Time          `json:"scanned_at"`
	DurationMs           int64              `json:"duration_ms"`
}

// StaticSummary aggregates the per-stream static results
type StaticSummary struct {
	TotalOpcodes  int                 `json:"total_opcodes"`
	StructureType model.StructureType `json:"structure_type"`
	Streams       []StreamSummary     `json:"streams"`
}

// StreamSummary describes one decoded stream
type StreamSummary struct {
	Origin             string              `json:"origin"`
	Status             model.ScanStatus    `json:"status"`
	Protocol           int                 `json:"protocol"`
	TotalOpcodes       int                 `json:"total_opcodes"`
	StructureType      model.StructureType `json:"structure_type"`
	Entropy            float64             `json:"entropy"`
	Size               int                 `json:"size"`
	FormatUnrecognized bool                `json:"format_unrecognized"`
	Findings           int                 `json:"findings"`
}

// DynamicSummary describes the sandbox run. Unavailable carries the reason
// when no behavioral answer exists.
type DynamicSummary struct {
	State                 model.SandboxState `json:"state,omitempty"`
	Backend               string             `json:"backend,omitempty"`
	TimedOut              bool               `json:"timed_out"`
	ExitFailed            bool               `json:"exit_failed"`
	ExitCode              int                `json:"exit_code"`
	BehavioralActionCount int                `json:"behavioral_action_count"`
	DurationMs            int64              `json:"duration_ms"`
	Unavailable           string             `json:"unavailable,omitempty"`
}

// ReputationSummary describes the reputation lookup
type ReputationSummary struct {
	Indicators int    `json:"indicators"`
	Detections int    `json:"detections"`
	Error      string `json:"error,omitempty"`
}

var structureRank = map[model.StructureType]int{
	model.StructureDictionary:   4,
	model.StructureList:         3,
	model.StructureCustomObject: 2,
	model.StructurePrimitive:    1,
}

func summarizeStatic(results []model.StaticScanResult) StaticSummary {
	sum := StaticSummary{StructureType: model.StructurePrimitive, Streams: make([]StreamSummary, 0, len(results))}
	best := 0
	for _, r := range results {
		sum.TotalOpcodes += r.TotalOpcodes
		if rank := structureRank[r.StructureType]; rank > best {
			best = rank
			sum.StructureType = r.StructureType
		}
		sum.Streams = append(sum.Streams, StreamSummary{
			Origin:             r.Origin,
			Status:             r.Status,
			Protocol:           r.Protocol,
			TotalOpcodes:       r.TotalOpcodes,
			StructureType:      r.StructureType,
			Entropy:            r.Entropy,
			Size:               r.Size,
			FormatUnrecognized: r.FormatUnrecognized,
			Findings:           len(r.Findings),
		})
	}
	return sum
}

func summarizeDynamic(res *model.DynamicScanResult) DynamicSummary {
	if res == nil {
		return DynamicSummary{Unavailable: "not requested"}
	}
	sum := DynamicSummary{
		State:                 res.State,
		Backend:               res.Backend,
		TimedOut:              res.TimedOut,
		ExitFailed:            res.ExitFailed,
		ExitCode:              res.ExitCode,
		BehavioralActionCount: res.BehavioralCount(),
		DurationMs:            res.Duration.Milliseconds(),
	}
	if res.Unavailable() {
		sum.Unavailable = res.Reason
	}
	return sum
}
