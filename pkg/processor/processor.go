package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
	"github.com/acgs-project/agentbus/pkg/observability"
)

// AuditReporter forwards a decision log to the audit ledger. Report is
// called on its own goroutine and must not block the processing path.
type AuditReporter interface {
	Report(ctx context.Context, entry *constitutional.DecisionLog)
}

// ImpactScorer assigns a risk score in [0,1] to a message.
type ImpactScorer interface {
	Score(ctx context.Context, msg *messaging.AgentMessage) float64
}

type handlerEntry struct {
	id int
	fn Handler
}

// Processor drives a message through governance: injection detection,
// the processing strategy, impact scoring, decision logging and metrics.
// Every call that returns a result makes exactly one audit report attempt,
// and internal crashes never escape Process.
type Processor struct {
	strategy Strategy
	fallback *StaticValidator
	scorer   ImpactScorer
	audit    AuditReporter
	metrics  *observability.Metrics
	provider *observability.Provider
	cache    *resultCache

	mu       sync.Mutex
	handlers map[messaging.MessageType][]handlerEntry
	nextID   int

	processed atomic.Int64
	failed    atomic.Int64
}

// ProcessorOption customises a Processor at construction.
type ProcessorOption func(*Processor)

// WithScorer installs the impact scorer consulted when a strategy result
// carries no impact_score metadata.
func WithScorer(s ImpactScorer) ProcessorOption {
	return func(p *Processor) { p.scorer = s }
}

// WithAuditReporter installs the decision-log sink.
func WithAuditReporter(a AuditReporter) ProcessorOption {
	return func(p *Processor) { p.audit = a }
}

// WithMetrics installs the Prometheus mirror counters.
func WithMetrics(m *observability.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithProvider installs the tracing provider for per-message spans.
func WithProvider(pr *observability.Provider) ProcessorOption {
	return func(p *Processor) { p.provider = pr }
}

// WithCacheSize overrides the validation cache capacity.
func WithCacheSize(n int) ProcessorOption {
	return func(p *Processor) { p.cache = newResultCache(n) }
}

// New builds a processor around the given strategy. A nil strategy
// defaults to the terminal static-hash strategy.
func New(strategy Strategy, opts ...ProcessorOption) *Processor {
	if strategy == nil {
		strategy = NewStaticHashStrategy(nil)
	}
	p := &Processor{
		strategy: strategy,
		fallback: NewStaticValidator(true),
		cache:    newResultCache(1000),
		handlers: make(map[messaging.MessageType][]handlerEntry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RegisterHandler subscribes h to messages of type mt and returns a
// removal function.
func (p *Processor) RegisterHandler(mt messaging.MessageType, h Handler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.handlers[mt] = append(p.handlers[mt], handlerEntry{id: id, fn: h})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		entries := p.handlers[mt]
		for i, e := range entries {
			if e.id == id {
				p.handlers[mt] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (p *Processor) handlerSnapshot() Handlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(Handlers, len(p.handlers))
	for mt, entries := range p.handlers {
		hs := make([]Handler, len(entries))
		for i, e := range entries {
			hs[i] = e.fn
		}
		out[mt] = hs
	}
	return out
}

// Process runs msg through the governance pipeline and returns the
// validation result. It never panics and never returns nil.
func (p *Processor) Process(ctx context.Context, msg *messaging.AgentMessage) (result *constitutional.ValidationResult) {
	if msg == nil {
		p.failed.Add(1)
		return constitutional.NewInvalid("Message cannot be nil")
	}

	start := time.Now()
	var finish func(error)
	if p.provider != nil {
		ctx, finish = p.provider.TrackOperation(ctx, "processor.process",
			observability.MessageOperation(msg.MessageID, string(msg.Type), msg.TenantID)...)
	}

	// Runs last: one decision log and one metrics record per call,
	// whatever path produced the result.
	defer func() {
		p.conclude(ctx, msg, result, start, finish)
	}()
	// Runs first on unwind: governance must degrade, not crash.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("processor: internal failure, degrading to static validation",
				"message_id", msg.MessageID, "panic", fmt.Sprintf("%v", r))
			p.failed.Add(1)
			result = p.degraded(msg)
		}
	}()

	raw, rawErr := json.Marshal(msg.Content)
	if rawErr == nil {
		if match := constitutional.DetectInjection(string(raw)); match != nil {
			_ = msg.SetStatus(messaging.StatusFailed)
			p.failed.Add(1)
			result = constitutional.NewInvalid("Prompt injection detected")
			result.SetMeta("rejection_reason", "prompt_injection")
			result.SetMeta("injection_pattern", match.Pattern)
			result.SetMeta("injection_excerpt", match.Excerpt)
			return result
		}
	}

	key := p.cacheKey(msg, rawErr == nil)
	if key != "" {
		if cached, ok := p.cache.get(key); ok {
			p.processed.Add(1)
			cached.SetMeta("cache_hit", true)
			result = cached
			return result
		}
	}

	result, err := p.strategy.Process(ctx, msg, p.handlerSnapshot())
	if err != nil {
		// The strategy chain could not reach a verdict. Fail closed,
		// reusing the deny the strategy attached when it has one.
		slog.Warn("processor: strategy unavailable, failing closed",
			"strategy", p.strategy.Name(), "message_id", msg.MessageID, "error", err)
		if result == nil {
			result = constitutional.NewInvalid(fmt.Sprintf("Processing strategy unavailable: %v", err))
		}
		_ = msg.SetStatus(messaging.StatusFailed)
	}
	if result == nil {
		result = constitutional.NewInvalid("Processing strategy returned no result")
	}

	// Denials skip scoring entirely: only messages still in flight need a
	// risk score for the deliberation divert.
	if result.IsValid {
		if _, ok := result.MetaFloat("impact_score"); !ok {
			score := 0.0
			if v, assigned := msg.ImpactValue(); assigned {
				score = v
			} else if p.scorer != nil {
				score = p.scorer.Score(ctx, msg)
				msg.SetImpactScore(score)
			}
			result.SetMeta("impact_score", score)
		}
	}

	if result.IsValid {
		p.processed.Add(1)
		if key != "" {
			p.cache.set(key, result)
		}
	} else {
		p.failed.Add(1)
	}
	return result
}

// cacheKey derives the validation cache key from the content digest and
// the message's constitutional hash. Unmarshalable content is uncacheable.
func (p *Processor) cacheKey(msg *messaging.AgentMessage, marshalable bool) string {
	if !marshalable {
		return ""
	}
	digest, err := constitutional.CanonicalDigest(msg.Content)
	if err != nil {
		return ""
	}
	return digest[:16] + ":" + msg.ConstitutionalHash
}

// degraded produces the verdict used when the pipeline itself crashed. A
// crash always denies; strict static validation only adds diagnostics, and
// the crash cause stays in the log, never in the result.
func (p *Processor) degraded(msg *messaging.AgentMessage) *constitutional.ValidationResult {
	result := constitutional.NewInvalid("Message processing failed")
	if ok, reason := p.fallback.Validate(context.Background(), msg); !ok {
		result.Errors = append(result.Errors, reason)
	}
	result.SetMeta("governance_mode", "DEGRADED")
	result.SetMeta("fallback_reason", "internal processing error")
	return result
}

// conclude stamps latency, records metrics, emits the span event and fires
// the audit report. Called exactly once per Process invocation.
func (p *Processor) conclude(ctx context.Context, msg *messaging.AgentMessage, result *constitutional.ValidationResult, start time.Time, finish func(error)) {
	if result == nil {
		result = constitutional.NewInvalid("Processing produced no result")
	}

	elapsed := time.Since(start)
	result.SetMeta("latency_ms", float64(elapsed.Microseconds())/1000.0)

	risk, _ := result.MetaFloat("impact_score")
	observability.AddSpanEvent(ctx, "governance.decision",
		observability.DecisionOperation(msg.MessageID, string(result.Decision), p.strategy.Name(), risk)...)

	if p.metrics != nil {
		p.metrics.RecordDecision(msg.TenantID, string(msg.Type), string(result.Decision))
		p.metrics.ObserveProcessing(msg.TenantID, elapsed)
	}

	if p.audit != nil {
		entry := p.buildDecisionLog(ctx, msg, result, risk)
		go p.audit.Report(context.WithoutCancel(ctx), entry)
	}

	if finish != nil {
		if mode, ok := result.Metadata["governance_mode"].(string); ok && mode == "DEGRADED" {
			finish(fmt.Errorf("degraded governance for message %s", msg.MessageID))
		} else {
			finish(nil)
		}
	}
}

func (p *Processor) buildDecisionLog(ctx context.Context, msg *messaging.AgentMessage, result *constitutional.ValidationResult, risk float64) *constitutional.DecisionLog {
	traceID, spanID := traceIdentifiers(ctx)
	tags := []string{"constitutional_validated"}
	if result.IsValid {
		tags = append(tags, "approved")
	} else {
		tags = append(tags, "rejected")
	}
	if msg.Priority == messaging.PriorityCritical {
		tags = append(tags, "high_priority")
	}
	return &constitutional.DecisionLog{
		TraceID:            traceID,
		SpanID:             spanID,
		AgentID:            msg.FromAgent,
		TenantID:           msg.TenantID,
		PolicyVersion:      constitutional.PolicyVersion,
		RiskScore:          risk,
		Decision:           result.Decision,
		ConstitutionalHash: msg.ConstitutionalHash,
		ComplianceTags:     tags,
		Metadata: map[string]any{
			"message_id":   msg.MessageID,
			"message_type": string(msg.Type),
			"strategy":     p.strategy.Name(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// traceIdentifiers prefers the active span; without one it mints
// deterministic correlators so audit entries stay joinable.
func traceIdentifiers(ctx context.Context) (string, string) {
	if sc := observability.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return sc.TraceID().String(), sc.SpanID().String()
	}
	sum := sha256.Sum256([]byte(time.Now().UTC().Format(time.RFC3339Nano) + constitutional.Hash))
	digest := hex.EncodeToString(sum[:])
	return digest[:32], digest[32:48]
}

// GetMetrics reports processing counters in the bus metrics map shape.
func (p *Processor) GetMetrics() map[string]any {
	processed := p.processed.Load()
	failed := p.failed.Load()
	var rate float64
	if total := processed + failed; total > 0 {
		rate = float64(processed) / float64(total)
	}
	return map[string]any{
		"processed_count":     processed,
		"failed_count":        failed,
		"success_rate":        rate,
		"processing_strategy": p.strategy.Name(),
		"cache_entries":       p.cache.len(),
	}
}
