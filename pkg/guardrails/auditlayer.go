package guardrails

import (
	"log/slog"
	"sync"
	"time"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

// AuditEntry is one immutable pipeline record.
type AuditEntry struct {
	TraceID            string         `json:"trace_id"`
	Timestamp          time.Time      `json:"timestamp"`
	TenantID           string         `json:"tenant_id,omitempty"`
	ClientKey          string         `json:"client_key"`
	Action             Action         `json:"action"`
	Allowed            bool           `json:"allowed"`
	Violations         []Violation    `json:"violations,omitempty"`
	ProcessingTimeMs   float64        `json:"processing_time_ms"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	ConstitutionalHash string         `json:"constitutional_hash"`
}

// AuditLayer is pipeline layer 6. It records every pipeline outcome in a
// bounded in-memory ring and logs it; it never blocks and never fails the
// request.
type AuditLayer struct {
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	entries []AuditEntry
	cap     int
	total   int64
}

// NewAuditLayer keeps the most recent capacity entries (default 1000).
func NewAuditLayer(capacity int) *AuditLayer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &AuditLayer{
		logger: slog.Default(),
		clock:  time.Now,
		cap:    capacity,
	}
}

// WithLogger sets the log destination.
func (a *AuditLayer) WithLogger(l *slog.Logger) *AuditLayer {
	a.logger = l
	return a
}

// WithClock overrides the clock for deterministic testing.
func (a *AuditLayer) WithClock(clock func() time.Time) *AuditLayer {
	a.clock = clock
	return a
}

// Record stores the pipeline outcome. Called by the pipeline after the
// layer sequence finishes, including after a halting BLOCK.
func (a *AuditLayer) Record(req *Request, result *Result) {
	entry := AuditEntry{
		TraceID:            result.TraceID,
		Timestamp:          a.clock().UTC(),
		TenantID:           req.TenantID,
		ClientKey:          req.ClientKey(),
		Action:             result.Action,
		Allowed:            result.Allowed,
		Violations:         result.Violations,
		ProcessingTimeMs:   result.ProcessingTimeMs,
		ConstitutionalHash: constitutional.Hash,
	}

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	if len(a.entries) > a.cap {
		a.entries = a.entries[len(a.entries)-a.cap:]
	}
	a.total++
	a.mu.Unlock()

	a.logger.Info("guardrails: pipeline outcome",
		"trace_id", entry.TraceID,
		"tenant", entry.TenantID,
		"action", string(entry.Action),
		"allowed", entry.Allowed,
		"violations", len(entry.Violations),
		"elapsed_ms", entry.ProcessingTimeMs,
	)
}

// Recent copies out the newest n entries, newest last.
func (a *AuditLayer) Recent(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]AuditEntry, n)
	copy(out, a.entries[len(a.entries)-n:])
	return out
}

// Total counts all recorded outcomes since start.
func (a *AuditLayer) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
