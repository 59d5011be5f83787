// Package api exposes the scan engine over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Dylan-Ki/VeriModel/internal/engine"
	"github.com/Dylan-Ki/VeriModel/internal/metrics"
	"github.com/Dylan-Ki/VeriModel/internal/reputation"
	"github.com/Dylan-Ki/VeriModel/internal/rules"
)

// MaxScanTimeout caps the sandbox timeout a request may ask for
const MaxScanTimeout = 5 * time.Minute

// Scanner runs one scan
type Scanner interface {
	Scan(ctx context.Context, path string, so engine.ScanOptions) (*engine.Report, error)
	DynamicAvailable() bool
}

// RuleCatalog exposes the active rules
type RuleCatalog interface {
	GetSnapshot() *rules.RuleSnapshot
	Ruleset() *rules.Ruleset
}

// Options configures the server
type Options struct {
	Addr           string
	MaxUploadBytes int64
	// UploadDir holds uploads while they are scanned, os.TempDir when empty
	UploadDir string
	// ThreatIntel answers /threat-intel; the route reports 503 when nil
	ThreatIntel reputation.Lookup
}

// Server is the HTTP front-end
type Server struct {
	r         *chi.Mux
	opts      Options
	scanner   Scanner
	rules     RuleCatalog
	metrics   *metrics.Metrics
	logger    *slog.Logger
	startTime time.Time
}

// NewServer wires the routes. metrics may be nil.
func NewServer(opts Options, scanner Scanner, catalog RuleCatalog, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	s := &Server{
		r:         chi.NewRouter(),
		opts:      opts,
		scanner:   scanner,
		rules:     catalog,
		metrics:   m,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(s.requestLogger)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/rules", s.handleRules)
	s.r.Post("/scan", s.handleScan)
	s.r.Get("/threat-intel", s.handleThreatIntel)
	if s.metrics != nil {
		s.r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.r }

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	RulesVersion int64  `json:"rules_version"`
	RulesPartial bool   `json:"rules_partial"`
	Dynamic      bool   `json:"dynamic"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Dynamic: s.scanner.DynamicAvailable(),
	}
	if rs := s.rules.Ruleset(); rs != nil {
		resp.RulesVersion = rs.Version
		resp.RulesPartial = rs.Partial()
	} else {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// RuleSummary is one entry of the /rules listing
type RuleSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Severity   string `json:"severity"`
	SourceFile string `json:"source_file,omitempty"`
}

// RulesResponse is the /rules body
type RulesResponse struct {
	Version int64         `json:"version"`
	Count   int           `json:"count"`
	Errors  []string      `json:"errors"`
	Rules   []RuleSummary `json:"rules"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	snapshot := s.rules.GetSnapshot()
	resp := RulesResponse{
		Version: snapshot.Version,
		Count:   len(snapshot.Rules),
		Errors:  []string{},
		Rules:   make([]RuleSummary, 0, len(snapshot.Rules)),
	}
	for _, rule := range snapshot.Rules {
		resp.Rules = append(resp.Rules, RuleSummary{
			ID:         rule.Metadata.ID,
			Name:       rule.Metadata.Name,
			Kind:       rule.Kind,
			Severity:   string(rule.EffectiveSeverity()),
			SourceFile: rule.SourceFile,
		})
	}
	if rs := s.rules.Ruleset(); rs != nil {
		for _, err := range rs.Errors {
			resp.Errors = append(resp.Errors, err.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// threatIntelParams maps query parameters onto indicator kinds
var threatIntelParams = []struct {
	param string
	kind  reputation.IndicatorKind
}{
	{"hash", reputation.KindHash},
	{"ip", reputation.KindIP},
	{"domain", reputation.KindDomain},
}

// handleThreatIntel looks up ?hash=, ?ip= and ?domain= values, each of
// which may repeat
func (s *Server) handleThreatIntel(w http.ResponseWriter, r *http.Request) {
	if s.opts.ThreatIntel == nil {
		writeError(w, http.StatusServiceUnavailable, reputation.ErrNoSource.Error())
		return
	}
	query := r.URL.Query()
	var indicators []reputation.Indicator
	for _, p := range threatIntelParams {
		for _, v := range query[p.param] {
			ind, err := reputation.ParseIndicator(p.kind, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			indicators = append(indicators, ind)
		}
	}
	if len(indicators) == 0 {
		writeError(w, http.StatusBadRequest, "at least one of hash, ip or domain is required")
		return
	}

	res, err := reputation.Check(r.Context(), s.opts.ThreatIntel, indicators)
	if err != nil {
		s.logger.Warn("Threat intel lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	so, err := parseScanOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	path, name, err := s.receiveUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes))
		case errors.Is(err, errNoFile):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Warn("Upload failed", "error", err)
			writeError(w, http.StatusBadRequest, "invalid multipart upload")
		}
		return
	}
	defer os.Remove(path)

	so.Name = name
	report, err := s.scanner.Scan(r.Context(), path, so)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("Scan abandoned by client", "artifact", name)
			return
		}
		s.logger.Error("Scan failed", "artifact", name, "error", err)
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

var errNoFile = errors.New(`multipart field "file" is required`)

// receiveUpload streams the "file" part to a temporary file and returns its
// path and the client-supplied base name
func (s *Server) receiveUpload(r *http.Request) (string, string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", "", err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", "", errNoFile
		}
		if err != nil {
			return "", "", err
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		name := filepath.Base(part.FileName())
		if name == "." || name == "/" || name == "" {
			name = "upload"
		}
		tmp, err := os.CreateTemp(s.opts.UploadDir, "verimodel-upload-*")
		if err != nil {
			part.Close()
			return "", "", fmt.Errorf("failed to create upload file: %w", err)
		}
		_, copyErr := io.Copy(tmp, part)
		part.Close()
		closeErr := tmp.Close()
		if err := errors.Join(copyErr, closeErr); err != nil {
			os.Remove(tmp.Name())
			return "", "", err
		}
		return tmp.Name(), name, nil
	}
}

// parseScanOptions reads ?dynamic=bool and ?timeout=duration|seconds
func parseScanOptions(r *http.Request) (engine.ScanOptions, error) {
	var so engine.ScanOptions
	q := r.URL.Query()
	if v := q.Get("dynamic"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return so, fmt.Errorf("invalid dynamic value %q", v)
		}
		so.Dynamic = b
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			secs, serr := strconv.ParseFloat(v, 64)
			if serr != nil {
				return so, fmt.Errorf("invalid timeout %q", v)
			}
			d = time.Duration(secs * float64(time.Second))
		}
		if d <= 0 || d > MaxScanTimeout {
			return so, fmt.Errorf("timeout must be within (0, %s]", MaxScanTimeout)
		}
		so.Timeout = d
	}
	return so, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
