package reputation

import (
	"context"
	"fmt"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

// Result is the verdict of a reputation source on one indicator
type Result struct {
	Indicator      Indicator `json:"indicator"`
	Found          bool      `json:"found"`
	DetectionCount int       `json:"detection_count"`
	Source         string    `json:"source,omitempty"`
}

// Lookup queries a reputation source. Implementations return one result per
// indicator, in input order.
type Lookup interface {
	Lookup(ctx context.Context, indicators []Indicator) ([]Result, error)
}

// Findings turns results with detections into HIGH reputation findings
func Findings(origin string, results []Result) []model.Finding {
	var out []model.Finding
	for _, r := range results {
		if !r.Found || r.DetectionCount == 0 {
			continue
		}
		detail := r.Source
		if detail == "" {
			detail = "reputation"
		}
		out = append(out, model.Finding{
			Kind:        model.KindReputationHit,
			Severity:    model.SeverityHigh,
			Description: fmt.Sprintf("%s %s has %d detections", r.Indicator.Kind, r.Indicator.Value, r.DetectionCount),
			Origin:      origin,
			Evidence:    model.Evidence{Symbol: r.Indicator.Value, Detail: detail},
		})
	}
	return out
}
