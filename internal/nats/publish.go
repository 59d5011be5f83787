// Package nats publishes scan reports to a NATS subject
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Dylan-Ki/VeriModel/internal/engine"
)

const (
	// DefaultSubject for publishing verdicts
	DefaultSubject = "verimodel.verdicts"
	// ConnectTimeout bounds the initial dial
	ConnectTimeout = 10 * time.Second
	// PublishTimeout bounds one publish
	PublishTimeout = 5 * time.Second
)

// ErrNotReady means the connection is closed or not yet established
var ErrNotReady = errors.New("NATS publisher not ready")

// Publisher sends every report to one subject
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewPublisher connects to natsURL; the client library handles reconnects
func NewPublisher(natsURL, subject string, logger *slog.Logger) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{subject: subject, logger: logger.With("component", "nats")}

	conn, err := nats.Connect(natsURL,
		nats.Name("verimodel"),
		nats.Timeout(ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}
	p.conn = conn

	p.logger.Info("NATS publisher initialized", "url", natsURL, "subject", subject)
	return p, nil
}

// NewReportMsg builds the message for a report
func NewReportMsg(subject string, report *engine.Report) (*nats.Msg, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	verdict := "unsafe"
	if report.IsSafe {
		verdict = "safe"
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("x-scan-id", report.ID)
	msg.Header.Set("x-verdict", verdict)
	msg.Header.Set("x-artifact-sha256", report.SHA256)
	msg.Header.Set("x-timestamp", strconv.FormatInt(report.ScannedAt.UnixMilli(), 10))
	return msg, nil
}

// PublishReport publishes one report and flushes it to the server
func (p *Publisher) PublishReport(ctx context.Context, report *engine.Report) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return ErrNotReady
	}

	msg, err := NewReportMsg(p.subject, report)
	if err != nil {
		return err
	}
	if err := conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	if err := conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush report: %w", err)
	}

	p.logger.Debug("Report published", "scan_id", report.ID, "subject", p.subject)
	return nil
}

// IsReady returns the readiness status of the publisher
func (p *Publisher) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains and closes the connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	p.conn = nil
	p.logger.Info("NATS publisher closed")
	return err
}
