package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dylan-Ki/VeriModel/internal/archive"
	"github.com/Dylan-Ki/VeriModel/internal/metrics"
	"github.com/Dylan-Ki/VeriModel/internal/model"
	"github.com/Dylan-Ki/VeriModel/internal/reputation"
	"github.com/Dylan-Ki/VeriModel/internal/rules"
	"github.com/Dylan-Ki/VeriModel/internal/sandbox"
)

var (
	dictProto4   = []byte("\x80\x04\x95\x0a\x00\x00\x00\x00\x00\x00\x00}\x94\x8c\x01a\x94K\x01s.")
	systemProto0 = []byte("cposix\nsystem\np0\n(Vecho hi\np1\ntp2\nRp3\n.")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultLoader(t *testing.T) *rules.Loader {
	t.Helper()
	loader, err := rules.NewLoader("", false, 0, discardLogger())
	require.NoError(t, err)
	_, err = loader.LoadSnapshot()
	require.NoError(t, err)
	return loader
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func newEngine(t *testing.T, deps Deps) *Engine {
	t.Helper()
	deps.Rules = defaultLoader(t)
	deps.Unwrapper = archive.NewUnwrapper(archive.DefaultOptions(), discardLogger())
	deps.Logger = discardLogger()
	e, err := New(Options{Workers: 2}, deps)
	require.NoError(t, err)
	return e
}

func TestScan_BenignPickle(t *testing.T) {
	e := newEngine(t, Deps{})
	path := writeFile(t, "model.pkl", dictProto4)

	report, err := e.Scan(context.Background(), path, ScanOptions{})
	require.NoError(t, err)
	assert.True(t, report.IsSafe)
	assert.Equal(t, []string{"dynamic analysis skipped: not requested"}, report.Reasons)
	assert.Empty(t, report.Findings)
	assert.Equal(t, "model.pkl", report.Artifact)
	assert.Equal(t, int64(len(dictProto4)), report.Size)

	sum := sha256.Sum256(dictProto4)
	assert.Equal(t, hex.EncodeToString(sum[:]), report.SHA256)
	assert.Equal(t, model.StructureDictionary, report.StaticSummary.StructureType)
	assert.Equal(t, 9, report.StaticSummary.TotalOpcodes)
	require.Len(t, report.StaticSummary.Streams, 1)
	assert.Equal(t, "not requested", report.DynamicSummary.Unavailable)
	assert.NotEmpty(t, report.ID)
}

func TestScan_MaliciousPickle(t *testing.T) {
	e := newEngine(t, Deps{})
	path := writeFile(t, "evil.pkl", systemProto0)

	report, err := e.Scan(context.Background(), path, ScanOptions{Dynamic: true})
	require.NoError(t, err)
	assert.False(t, report.IsSafe)
	assert.Equal(t, []string{
		"static analysis: 1 threats",
		"dynamic analysis skipped: no sandbox configured",
	}, report.Reasons)
	require.Len(t, report.ContributingFindings, 1)
	assert.Equal(t, model.KindDangerousImport, report.ContributingFindings[0].Kind)
	assert.Equal(t, "os.system", report.ContributingFindings[0].Evidence.Symbol)
	assert.Equal(t, "no sandbox configured", report.DynamicSummary.Unavailable)
}

func TestScan_ZipMembers(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string][]byte{
		"archive/data.pkl":    dictProto4,
		"archive/extra.pkl":   systemProto0,
		"archive/data/0":      []byte("tensor bytes"),
		"archive/version.txt": []byte("3\n"),
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	e := newEngine(t, Deps{})
	report, err := e.Scan(context.Background(), writeFile(t, "model.pt", buf.Bytes()), ScanOptions{})
	require.NoError(t, err)
	assert.False(t, report.IsSafe)
	assert.Len(t, report.StaticSummary.Streams, 2)
	require.NotEmpty(t, report.ContributingFindings)
	assert.Equal(t, "archive/extra.pkl", report.ContributingFindings[0].Origin)
}

func TestScan_OversizedMemberIsNotSafe(t *testing.T) {
	// BINBYTES pad, POP, then the payload
	padded := append([]byte("\x80\x02B\x00\x01\x00\x00"), bytes.Repeat([]byte{0}, 256)...)
	padded = append(append(padded, '0'), systemProto0...)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("archive/data.pkl")
	require.NoError(t, err)
	_, err = w.Write(padded)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	e := newEngine(t, Deps{})
	e.deps.Unwrapper = archive.NewUnwrapper(archive.Options{MaxMemberBytes: 128}, discardLogger())

	report, err := e.Scan(context.Background(), writeFile(t, "model.pt", buf.Bytes()), ScanOptions{})
	require.NoError(t, err)
	assert.False(t, report.IsSafe)
	assert.Contains(t, report.Reasons, "static analysis: 1 streams not analyzed")
	require.Len(t, report.ContributingFindings, 1)
	f := report.ContributingFindings[0]
	assert.Equal(t, model.KindNotAnalyzed, f.Kind)
	assert.Equal(t, model.SeverityMedium, f.Severity)
	assert.Equal(t, "archive/data.pkl", f.Origin)
	assert.Contains(t, f.Description, "not analyzed: member size")
	require.Len(t, report.StaticSummary.Streams, 1)
	assert.Equal(t, model.StatusNotAnalyzed, report.StaticSummary.Streams[0].Status)
}

func TestScan_MissingArtifact(t *testing.T) {
	e := newEngine(t, Deps{})
	_, err := e.Scan(context.Background(), filepath.Join(t.TempDir(), "absent.pkl"), ScanOptions{})
	assert.ErrorIs(t, err, ErrArtifactUnreadable)

	_, err = e.Scan(context.Background(), t.TempDir(), ScanOptions{})
	assert.ErrorIs(t, err, ErrArtifactUnreadable)
}

func TestScan_Reputation(t *testing.T) {
	sum := sha256.Sum256(dictProto4)
	bl, err := reputation.NewBlocklist("test", []reputation.BlocklistEntry{
		{Kind: reputation.KindHash, Value: hex.EncodeToString(sum[:]), Detections: 7},
	})
	require.NoError(t, err)

	e := newEngine(t, Deps{Reputation: bl})
	report, err := e.Scan(context.Background(), writeFile(t, "model.pkl", dictProto4), ScanOptions{})
	require.NoError(t, err)
	assert.False(t, report.IsSafe)
	assert.Equal(t, []string{"reputation: 1 detections", "dynamic analysis skipped: not requested"}, report.Reasons)
	require.NotNil(t, report.ReputationSummary)
	assert.Equal(t, 3, report.ReputationSummary.Indicators)
	assert.Equal(t, 1, report.ReputationSummary.Detections)
}

type fakeBackend struct {
	outcome *sandbox.RunOutcome
}

func (f *fakeBackend) Name() string                         { return "fake" }
func (f *fakeBackend) Available(context.Context) error      { return nil }
func (f *fakeBackend) Observer() sandbox.BehavioralObserver { return sandbox.NewAuditObserver() }
func (f *fakeBackend) Scope(job *sandbox.Job) sandbox.Scope { return sandbox.Scope{} }
func (f *fakeBackend) Run(context.Context, *sandbox.Job) (*sandbox.RunOutcome, error) {
	return f.outcome, nil
}

func TestScan_DynamicBehaviorOverridesCleanStatic(t *testing.T) {
	fb := &fakeBackend{outcome: &sandbox.RunOutcome{
		Telemetry: "@@verimodel-audit socket.connect 203.0.113.9\n",
	}}
	m := metrics.NewMetrics()
	monitor := sandbox.NewMonitor(fb, sandbox.Config{WorkDir: t.TempDir()}, discardLogger())
	e := newEngine(t, Deps{Monitor: monitor, Metrics: m})

	report, err := e.Scan(context.Background(), writeFile(t, "model.pkl", dictProto4), ScanOptions{Dynamic: true, Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, report.IsSafe)
	assert.Equal(t, []string{"sandbox: 1 dangerous actions"}, report.Reasons)
	assert.Equal(t, model.StateCompleted, report.DynamicSummary.State)
	assert.Equal(t, 1, report.DynamicSummary.BehavioralActionCount)
	assert.Empty(t, report.DynamicSummary.Unavailable)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("unsafe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SandboxRuns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FindingsTotal.WithLabelValues("behavioral_action", "high")))
}

type capturePublisher struct {
	mu      sync.Mutex
	reports []*Report
}

func (c *capturePublisher) PublishReport(_ context.Context, r *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return nil
}

func TestScan_PublishesReport(t *testing.T) {
	pub := &capturePublisher{}
	e := newEngine(t, Deps{Publisher: pub})

	report, err := e.Scan(context.Background(), writeFile(t, "model.pkl", dictProto4), ScanOptions{Name: "upload.pkl"})
	require.NoError(t, err)
	require.Len(t, pub.reports, 1)
	assert.Same(t, report, pub.reports[0])
	assert.Equal(t, "upload.pkl", report.Artifact)
}

func TestReport_JSON(t *testing.T) {
	e := newEngine(t, Deps{})
	report, err := e.Scan(context.Background(), writeFile(t, "evil.pkl", systemProto0), ScanOptions{})
	require.NoError(t, err)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"id", "artifact", "sha256", "size", "is_safe", "reasons", "findings",
		"contributing_findings", "static_summary", "dynamic_summary", "scanned_at", "duration_ms"} {
		assert.Contains(t, decoded, key)
	}
	assert.NotContains(t, decoded, "reputation_summary")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, Deps{})
	assert.Error(t, err)
	_, err = New(Options{}, Deps{Rules: defaultLoader(t)})
	assert.Error(t, err)
}
