package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.ObserveScan(true)
	m.ObserveScan(false)
	m.ObserveScan(false)
	m.ObserveFinding("dangerous_import", "high")
	m.ObserveSandboxRun("timed_out", 2*time.Second)
	m.SetRules(12, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("safe")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("unsafe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FindingsTotal.WithLabelValues("dangerous_import", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SandboxRuns.WithLabelValues("timed_out")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.RulesLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleErrors))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveScan(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `verimodel_scans_total{verdict="safe"} 1`)
}
