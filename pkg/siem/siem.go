// Package siem ships governance security events to external collectors.
// Export is fire-and-forget: a failed ship is logged and counted, never
// surfaced into the message path.
package siem

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a security event.
type EventType string

const (
	EventAuthFailure       EventType = "auth_failure"
	EventPromptInjection   EventType = "prompt_injection"
	EventHashMismatch      EventType = "constitutional_hash_mismatch"
	EventRateLimitBreach   EventType = "rate_limit_breach"
	EventSandboxEscape     EventType = "sandbox_escape_attempt"
	EventPolicyViolation   EventType = "policy_violation"
	EventTenantViolation   EventType = "tenant_isolation_violation"
	EventDeliberationSpike EventType = "deliberation_spike"
)

// Severity on the syslog scale: 0 is most severe.
type Severity int

const (
	SeverityCritical Severity = 2
	SeverityError    Severity = 3
	SeverityWarning  Severity = 4
	SeverityInfo     Severity = 6
)

// Event is one security observation bound for the SIEM.
type Event struct {
	EventID       string         `json:"event_id"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	Timestamp     time.Time      `json:"timestamp"`
	TenantID      string         `json:"tenant_id,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	SourceIP      string         `json:"source_ip,omitempty"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// NewEvent builds an event with id and timestamp filled in.
func NewEvent(et EventType, severity Severity, message string) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		Type:      et,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}

// Formatter renders an event into one collector wire format.
type Formatter interface {
	Format(event *Event) []byte
}

// Transport delivers one formatted event.
type Transport interface {
	Ship(ctx context.Context, payload []byte) error
	Close() error
}

// UDPTransport ships datagrams, the common syslog path.
type UDPTransport struct {
	conn net.Conn
}

// NewUDPTransport dials the collector address once.
func NewUDPTransport(addr string) (*UDPTransport, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) Ship(_ context.Context, payload []byte) error {
	_, err := t.conn.Write(payload)
	return err
}

func (t *UDPTransport) Close() error { return t.conn.Close() }

// Exporter formats, correlates, alerts on, and ships events.
type Exporter struct {
	formatter  Formatter
	transport  Transport
	correlator *Correlator
	alerts     *AlertManager
	logger     *slog.Logger

	shipped atomic.Int64
	failed  atomic.Int64
}

// ExporterOption configures the exporter.
type ExporterOption func(*Exporter)

// WithCorrelator attaches an event correlator.
func WithCorrelator(c *Correlator) ExporterOption {
	return func(e *Exporter) { e.correlator = c }
}

// WithAlertManager attaches threshold alerting.
func WithAlertManager(a *AlertManager) ExporterOption {
	return func(e *Exporter) { e.alerts = a }
}

// WithExporterLogger sets the logger.
func WithExporterLogger(logger *slog.Logger) ExporterOption {
	return func(e *Exporter) { e.logger = logger }
}

// NewExporter wires a formatter and transport.
func NewExporter(formatter Formatter, transport Transport, opts ...ExporterOption) *Exporter {
	e := &Exporter{formatter: formatter, transport: transport, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export ships one event. Errors are swallowed after logging so the
// caller's path never depends on the collector.
func (e *Exporter) Export(ctx context.Context, event *Event) {
	if e.correlator != nil {
		event.CorrelationID = e.correlator.Correlate(event)
	}
	if e.alerts != nil {
		e.alerts.Record(event)
	}
	if err := e.transport.Ship(ctx, e.formatter.Format(event)); err != nil {
		e.failed.Add(1)
		e.logger.Warn("siem: ship failed", "event_id", event.EventID, "error", err)
		return
	}
	e.shipped.Add(1)
}

// Close releases the transport.
func (e *Exporter) Close() error { return e.transport.Close() }

// Stats reports export counters.
func (e *Exporter) Stats() map[string]any {
	return map[string]any{
		"shipped": e.shipped.Load(),
		"failed":  e.failed.Load(),
	}
}
