// Package guardrails implements the runtime safety pipeline: six ordered
// layers between a caller and the agent engine. Each layer inspects the
// request and returns an action; BLOCK halts the pipeline when fail-closed
// (the default), and the audit layer records the outcome regardless.
package guardrails

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
	"github.com/acgs-project/agentbus/pkg/observability"
)

// Action is a layer's verdict on a request.
type Action string

const (
	ActionAllow    Action = "ALLOW"
	ActionBlock    Action = "BLOCK"
	ActionModify   Action = "MODIFY"
	ActionEscalate Action = "ESCALATE"
	ActionSandbox  Action = "SANDBOX"
	ActionAudit    Action = "AUDIT"
)

// precedence orders actions for aggregation: the pipeline's final action is
// the most severe any layer produced.
func (a Action) precedence() int {
	switch a {
	case ActionBlock:
		return 5
	case ActionEscalate:
		return 4
	case ActionSandbox:
		return 3
	case ActionModify:
		return 2
	case ActionAudit:
		return 1
	}
	return 0
}

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Violation is one safety finding.
type Violation struct {
	Layer    string   `json:"layer"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// Request is the unit flowing through the pipeline. Content is the inbound
// body; Output, when set, is the outgoing content the verifier re-checks.
type Request struct {
	TraceID     string
	TenantID    string
	APIKey      string
	UserID      string
	ClientIP    string
	SessionID   string
	ContentType string
	Content     string
	Output      string
	Message     *messaging.AgentMessage
	ToolWasm    []byte // optional wasm tool payload for the sandbox layer
	ToolInput   []byte
	Metadata    map[string]any
}

// ClientKey picks the rate-limit identity in priority order.
func (r *Request) ClientKey() string {
	switch {
	case r.APIKey != "":
		return "api_key:" + r.APIKey
	case r.UserID != "":
		return "user:" + r.UserID
	case r.ClientIP != "":
		return "ip:" + r.ClientIP
	case r.SessionID != "":
		return "session:" + r.SessionID
	}
	return "anonymous"
}

// LayerResult is one layer's outcome.
type LayerResult struct {
	Layer            string         `json:"layer"`
	Action           Action         `json:"action"`
	Violations       []Violation    `json:"violations,omitempty"`
	ModifiedContent  string         `json:"modified_content,omitempty"`
	ModifiedOutput   string         `json:"modified_output,omitempty"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Result is the pipeline's aggregate outcome.
type Result struct {
	TraceID          string        `json:"trace_id"`
	Allowed          bool          `json:"allowed"`
	Action           Action        `json:"action"`
	Violations       []Violation   `json:"violations,omitempty"`
	Layers           []LayerResult `json:"layers"`
	Content          string        `json:"content"`
	Output           string        `json:"output,omitempty"`
	ProcessingTimeMs float64       `json:"processing_time_ms"`
}

// Layer is one stage of the pipeline.
type Layer interface {
	Name() string
	Check(ctx context.Context, req *Request) (*LayerResult, error)
}

// PipelineConfig tunes the pipeline envelope.
type PipelineConfig struct {
	FailClosed bool
	Timeout    time.Duration
}

// DefaultPipelineConfig fails closed with the 15-second global budget.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{FailClosed: true, Timeout: 15 * time.Second}
}

// Pipeline runs layers in strict order under a global deadline.
type Pipeline struct {
	cfg      PipelineConfig
	layers   []Layer
	auditor  *AuditLayer
	provider *observability.Provider
	logger   *slog.Logger
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithProvider attaches tracing.
func WithProvider(p *observability.Provider) PipelineOption {
	return func(pl *Pipeline) { pl.provider = p }
}

// WithLogger sets the log destination.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(pl *Pipeline) { pl.logger = l }
}

// NewPipeline assembles the pipeline. The audit layer is passed separately
// because it runs even when an earlier layer blocked the request.
func NewPipeline(cfg PipelineConfig, layers []Layer, auditor *AuditLayer, opts ...PipelineOption) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	p := &Pipeline{cfg: cfg, layers: layers, auditor: auditor, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process drives req through every layer. It never panics; layer errors are
// treated per the fail-closed setting.
func (p *Pipeline) Process(ctx context.Context, req *Request) *Result {
	start := time.Now()
	if req.TraceID == "" {
		req.TraceID = deriveTraceID(start)
	}

	var finish func(error)
	if p.provider != nil {
		ctx, finish = p.provider.TrackOperation(ctx, "guardrails.process",
			observability.GuardrailOperation("pipeline", "", req.TenantID)...)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	result := &Result{
		TraceID: req.TraceID,
		Allowed: true,
		Action:  ActionAllow,
		Content: req.Content,
		Output:  req.Output,
	}

	for _, layer := range p.layers {
		lr := p.runLayer(ctx, layer, req)
		result.Layers = append(result.Layers, *lr)
		result.Violations = append(result.Violations, lr.Violations...)
		if lr.Action.precedence() > result.Action.precedence() {
			result.Action = lr.Action
		}
		if lr.ModifiedContent != "" {
			req.Content = lr.ModifiedContent
			result.Content = lr.ModifiedContent
		}
		if lr.ModifiedOutput != "" {
			req.Output = lr.ModifiedOutput
			result.Output = lr.ModifiedOutput
		}
		if lr.Action == ActionBlock && p.cfg.FailClosed {
			result.Allowed = false
			break
		}
	}

	if result.Action == ActionBlock && p.cfg.FailClosed {
		result.Allowed = false
	}
	result.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	if p.auditor != nil {
		p.auditor.Record(req, result)
	}
	if finish != nil {
		if result.Allowed {
			finish(nil)
		} else {
			finish(fmt.Errorf("request blocked by %s", blockingLayer(result)))
		}
	}
	return result
}

// runLayer executes one layer, converting panics, errors and the expired
// global deadline into verdicts.
func (p *Pipeline) runLayer(ctx context.Context, layer Layer, req *Request) (lr *LayerResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("guardrails: layer panic", "layer", layer.Name(), "panic", fmt.Sprintf("%v", r))
			lr = p.failureResult(layer.Name(), fmt.Sprintf("layer panic: %v", r))
		}
		if lr != nil {
			lr.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}()

	if err := ctx.Err(); err != nil {
		return &LayerResult{
			Layer:  layer.Name(),
			Action: ActionBlock,
			Violations: []Violation{{
				Layer:    layer.Name(),
				Rule:     "pipeline_timeout",
				Severity: SeverityCritical,
				Detail:   "global pipeline budget exhausted",
			}},
		}
	}

	lr, err := layer.Check(ctx, req)
	if err != nil {
		p.logger.Warn("guardrails: layer error", "layer", layer.Name(), "error", err)
		return p.failureResult(layer.Name(), err.Error())
	}
	if lr == nil {
		lr = &LayerResult{Layer: layer.Name(), Action: ActionAllow}
	}
	return lr
}

func (p *Pipeline) failureResult(layer, detail string) *LayerResult {
	action := ActionAllow
	var violations []Violation
	if p.cfg.FailClosed {
		action = ActionBlock
		violations = []Violation{{
			Layer:    layer,
			Rule:     "layer_failure",
			Severity: SeverityCritical,
			Detail:   detail,
		}}
	}
	return &LayerResult{Layer: layer, Action: action, Violations: violations}
}

func blockingLayer(result *Result) string {
	for _, lr := range result.Layers {
		if lr.Action == ActionBlock {
			return lr.Layer
		}
	}
	return "pipeline"
}

// deriveTraceID hashes the timestamp with the constitutional hash so every
// audit entry correlates even when the caller supplied no trace id.
func deriveTraceID(at time.Time) string {
	sum := sha256.Sum256([]byte(at.UTC().Format(time.RFC3339Nano) + constitutional.Hash))
	return hex.EncodeToString(sum[:])[:16]
}
