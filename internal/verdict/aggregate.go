// Package verdict reconciles static, behavioral and reputation signals into
// one safety determination.
package verdict

import (
	"fmt"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

// Aggregate is pure: identical inputs always give an identical Verdict.
// A nil or unavailable dynamic result never counts as a pass; the verdict
// then rests on the static and reputation inputs and says so.
func Aggregate(static []model.StaticScanResult, dynamic *model.DynamicScanResult, reputation []model.Finding) model.Verdict {
	v := model.Verdict{
		Reasons:              []string{},
		ContributingFindings: []model.Finding{},
	}

	staticThreats, unanalyzed := 0, 0
	for _, res := range static {
		for _, f := range res.Findings {
			// a stream left unextracted by a size bound cannot pass
			if f.Severity.IsThreat() || f.Kind == model.KindNotAnalyzed {
				v.ContributingFindings = append(v.ContributingFindings, f)
			}
			switch {
			case f.Severity.IsThreat():
				staticThreats++
			case f.Kind == model.KindNotAnalyzed:
				unanalyzed++
			}
		}
	}
	if staticThreats > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf("static analysis: %d threats", staticThreats))
	}
	if unanalyzed > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf("static analysis: %d streams not analyzed", unanalyzed))
	}

	dynamicDecisive := false
	if !dynamic.Unavailable() {
		behavioral := dynamic.BehavioralCount()
		failedWithBehavior := dynamic.ExitFailed && behavioral > 0
		for _, f := range dynamic.Findings {
			if f.Severity.IsThreat() || (failedWithBehavior && f.Kind != model.KindTimeout) {
				dynamicDecisive = true
				v.ContributingFindings = append(v.ContributingFindings, f)
			}
		}
		if behavioral > 0 {
			v.Reasons = append(v.Reasons, fmt.Sprintf("sandbox: %d dangerous actions", behavioral))
		}
		if dynamic.TimedOut {
			dynamicDecisive = true
			v.Reasons = append(v.Reasons, "sandbox: execution timed out")
		}
	}

	hits := 0
	for _, f := range reputation {
		if f.Severity.IsThreat() {
			v.ContributingFindings = append(v.ContributingFindings, f)
		}
		if f.Kind == model.KindReputationHit {
			hits++
		}
	}
	if hits > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf("reputation: %d detections", hits))
	}

	if dynamic.Unavailable() {
		v.Reasons = append(v.Reasons, "dynamic analysis skipped: "+skipReason(dynamic))
	}

	v.IsSafe = len(v.ContributingFindings) == 0 && !dynamicDecisive
	return v
}

func skipReason(dynamic *model.DynamicScanResult) string {
	if dynamic == nil {
		return "not requested"
	}
	if dynamic.Reason == "" {
		return "environment unavailable"
	}
	return dynamic.Reason
}
