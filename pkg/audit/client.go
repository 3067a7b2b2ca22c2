// Package audit ships decision logs to the external audit ledger. The
// transport is strictly fire-and-forget: a ledger outage degrades to a
// locally simulated entry hash and never surfaces on the serving path.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

// DefaultTimeout bounds a single ledger POST.
const DefaultTimeout = 5 * time.Second

// Client posts decision logs to {baseURL}/record. All failures are logged
// and swallowed; Report always yields an entry hash so callers keep a
// correlation id even when the ledger is down.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	signer  *Signer
	logger  *slog.Logger

	reported atomic.Int64
	failed   atomic.Int64
}

// Option customises a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithSigner attaches a per-tenant entry signer.
func WithSigner(s *Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithLogger sets the log destination.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds an audit client for the given ledger base URL. An empty
// URL produces a client that only simulates entry hashes locally.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "audit-ledger",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("audit: circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	for _, o := range opts {
		o(c)
	}
	return c
}

// Report forwards entry to the ledger. It satisfies processor.AuditReporter
// and never returns an error: ledger failures degrade to the simulated hash.
func (c *Client) Report(ctx context.Context, entry *constitutional.DecisionLog) {
	_, _ = c.Record(ctx, entry)
}

// Record posts entry and returns the ledger's entry hash. On any transport
// or breaker failure it returns the deterministic simulated hash and a nil
// error: audit transport problems are operational, not caller-visible.
func (c *Client) Record(ctx context.Context, entry *constitutional.DecisionLog) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("audit: nil entry")
	}

	payload := c.wireEntry(entry)

	if c.baseURL == "" {
		return c.simulate(entry, "ledger not configured"), nil
	}

	hash, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, payload)
	})
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn("audit: ledger unreachable, simulating entry hash",
			"trace_id", entry.TraceID, "error", err)
		return c.simulate(entry, err.Error()), nil
	}
	c.reported.Add(1)
	return hash.(string), nil
}

func (c *Client) wireEntry(entry *constitutional.DecisionLog) map[string]any {
	payload := map[string]any{
		"trace_id":            entry.TraceID,
		"span_id":             entry.SpanID,
		"agent_id":            entry.AgentID,
		"tenant_id":           entry.TenantID,
		"policy_version":      entry.PolicyVersion,
		"decision":            string(entry.Decision),
		"risk_score":          entry.RiskScore,
		"constitutional_hash": entry.ConstitutionalHash,
		"compliance_tags":     entry.ComplianceTags,
		"metadata":            entry.Metadata,
		"timestamp":           entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if c.signer != nil {
		if sig, err := c.signer.SignEntry(entry); err == nil {
			payload["signature"] = sig
		} else {
			c.logger.Warn("audit: entry signing failed", "trace_id", entry.TraceID, "error", err)
		}
	}
	return payload
}

func (c *Client) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/record", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("audit: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("audit: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return "", fmt.Errorf("audit: ledger returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		EntryHash string `json:"entry_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("audit: decode response: %w", err)
	}
	if out.EntryHash == "" {
		return "", fmt.Errorf("audit: ledger response missing entry_hash")
	}
	return out.EntryHash, nil
}

// simulate derives the offline entry hash from the canonical entry content
// so a later ledger replay produces the same correlator.
func (c *Client) simulate(entry *constitutional.DecisionLog, cause string) string {
	digest, err := constitutional.CanonicalDigest(map[string]any{
		"trace_id":            entry.TraceID,
		"span_id":             entry.SpanID,
		"agent_id":            entry.AgentID,
		"tenant_id":           entry.TenantID,
		"decision":            string(entry.Decision),
		"constitutional_hash": entry.ConstitutionalHash,
		"timestamp":           entry.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		c.logger.Error("audit: simulated hash derivation failed", "error", err, "cause", cause)
		return "sim:" + entry.TraceID
	}
	return "sim:" + digest[:32]
}

// Stats reports transport counters for the bus metrics map.
func (c *Client) Stats() map[string]any {
	return map[string]any{
		"entries_reported": c.reported.Load(),
		"entries_failed":   c.failed.Load(),
		"breaker_state":    c.breaker.State().String(),
	}
}
