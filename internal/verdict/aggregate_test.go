package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

func finding(kind model.FindingKind, sev model.Severity, desc string) model.Finding {
	return model.Finding{Kind: kind, Severity: sev, Description: desc, Origin: "model.pkl"}
}

func staticWith(findings ...model.Finding) []model.StaticScanResult {
	return []model.StaticScanResult{{Origin: "model.pkl", Findings: findings, Status: model.StatusOK}}
}

func TestAggregate_CleanInputs(t *testing.T) {
	v := Aggregate(staticWith(), &model.DynamicScanResult{State: model.StateCompleted}, nil)
	assert.True(t, v.IsSafe)
	assert.Empty(t, v.Reasons)
	assert.Empty(t, v.ContributingFindings)
}

func TestAggregate_StaticThreat(t *testing.T) {
	high := finding(model.KindDangerousImport, model.SeverityHigh, "os.system")
	medium := finding(model.KindSuspiciousImport, model.SeverityMedium, "pickle.loads")

	v := Aggregate(staticWith(high, medium), &model.DynamicScanResult{State: model.StateCompleted}, nil)
	assert.False(t, v.IsSafe)
	assert.Equal(t, []string{"static analysis: 1 threats"}, v.Reasons)
	assert.Equal(t, []model.Finding{high}, v.ContributingFindings)
}

func TestAggregate_MediumOnlyIsSafe(t *testing.T) {
	medium := finding(model.KindPatternMatch, model.SeverityMedium, "encoded payload")
	v := Aggregate(staticWith(medium), nil, nil)
	assert.True(t, v.IsSafe)
	assert.Equal(t, []string{"dynamic analysis skipped: not requested"}, v.Reasons)
}

func TestAggregate_NotAnalyzedIsUnsafe(t *testing.T) {
	skipped := finding(model.KindNotAnalyzed, model.SeverityMedium, "not analyzed: member size 70000000 exceeds 67108864 bytes")
	results := []model.StaticScanResult{
		{Origin: "archive/a.pkl", Status: model.StatusOK},
		{Origin: "model.pkl", Status: model.StatusNotAnalyzed, Findings: []model.Finding{skipped}},
	}

	v := Aggregate(results, &model.DynamicScanResult{State: model.StateCompleted}, nil)
	assert.False(t, v.IsSafe)
	assert.Equal(t, []string{"static analysis: 1 streams not analyzed"}, v.Reasons)
	assert.Equal(t, []model.Finding{skipped}, v.ContributingFindings)
}

func TestAggregate_UnavailableNeverPasses(t *testing.T) {
	dyn := &model.DynamicScanResult{State: model.StateEnvironmentUnavailable, Reason: "strace not installed"}

	v := Aggregate(staticWith(), dyn, nil)
	assert.True(t, v.IsSafe)
	assert.Equal(t, []string{"dynamic analysis skipped: strace not installed"}, v.Reasons)

	high := finding(model.KindDangerousImport, model.SeverityCritical, "eval")
	v = Aggregate(staticWith(high), dyn, nil)
	assert.False(t, v.IsSafe)
	assert.Equal(t, []string{"static analysis: 1 threats", "dynamic analysis skipped: strace not installed"}, v.Reasons)
}

func TestAggregate_ReasonOrder(t *testing.T) {
	static := staticWith(finding(model.KindDangerousImport, model.SeverityHigh, "os.system"))
	dyn := &model.DynamicScanResult{
		State: model.StateCompleted,
		Findings: []model.Finding{
			finding(model.KindBehavioralAction, model.SeverityHigh, "execve"),
			finding(model.KindBehavioralAction, model.SeverityHigh, "connect"),
		},
	}
	rep := []model.Finding{finding(model.KindReputationHit, model.SeverityHigh, "hash known bad")}

	v := Aggregate(static, dyn, rep)
	assert.False(t, v.IsSafe)
	assert.Equal(t, []string{
		"static analysis: 1 threats",
		"sandbox: 2 dangerous actions",
		"reputation: 1 detections",
	}, v.Reasons)
	require.Len(t, v.ContributingFindings, 4)
	assert.Equal(t, "os.system", v.ContributingFindings[0].Description)
	assert.Equal(t, "hash known bad", v.ContributingFindings[3].Description)
}

func TestAggregate_TimeoutIsUnsafe(t *testing.T) {
	dyn := &model.DynamicScanResult{
		State:    model.StateTimedOut,
		TimedOut: true,
		Findings: []model.Finding{finding(model.KindTimeout, model.SeverityHigh, "timed out")},
	}
	v := Aggregate(staticWith(), dyn, nil)
	assert.False(t, v.IsSafe)
	assert.Equal(t, []string{"sandbox: execution timed out"}, v.Reasons)
	assert.Len(t, v.ContributingFindings, 1)
}

func TestAggregate_ExitFailure(t *testing.T) {
	execErr := finding(model.KindExecutionError, model.SeverityMedium, "exit 1")

	// a plain load error is not a threat
	v := Aggregate(staticWith(), &model.DynamicScanResult{
		State:      model.StateCompleted,
		ExitFailed: true,
		Findings:   []model.Finding{execErr},
	}, nil)
	assert.True(t, v.IsSafe)

	// a load error paired with behavior is
	fsWrite := finding(model.KindBehavioralAction, model.SeverityMedium, "unlink")
	v = Aggregate(staticWith(), &model.DynamicScanResult{
		State:      model.StateCompleted,
		ExitFailed: true,
		Findings:   []model.Finding{fsWrite, execErr},
	}, nil)
	assert.False(t, v.IsSafe)
	assert.Equal(t, []string{"sandbox: 1 dangerous actions"}, v.Reasons)
	assert.Equal(t, []model.Finding{fsWrite, execErr}, v.ContributingFindings)
}

func TestAggregate_Idempotent(t *testing.T) {
	static := staticWith(
		finding(model.KindDangerousImport, model.SeverityHigh, "os.system"),
		finding(model.KindPatternMatch, model.SeverityLow, "ruleset partial"),
	)
	dyn := &model.DynamicScanResult{
		State:      model.StateCompleted,
		ExitFailed: true,
		Findings: []model.Finding{
			finding(model.KindBehavioralAction, model.SeverityHigh, "execve"),
			finding(model.KindExecutionError, model.SeverityMedium, "exit 1"),
		},
	}
	first := Aggregate(static, dyn, nil)
	second := Aggregate(static, dyn, nil)
	assert.Equal(t, first, second)
}
