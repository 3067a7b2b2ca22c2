// Package bus is the governed message bus: agent registration with token
// verification, the Send pipeline (tenant consistency, constitutional
// processing, deliberation divert, transport), broadcast fan-out, and the
// receive queue. All operations require the bus to be running.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acgs-project/agentbus/pkg/config"
	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/deliberation"
	"github.com/acgs-project/agentbus/pkg/messaging"
	"github.com/acgs-project/agentbus/pkg/observability"
	"github.com/acgs-project/agentbus/pkg/processor"
	"github.com/acgs-project/agentbus/pkg/registry"
)

// State of the bus lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	// ErrBusNotStarted is returned by operations invoked outside running.
	ErrBusNotStarted = errors.New("bus is not started")
	// ErrQueueFull is returned when the bounded internal queue is full.
	ErrQueueFull = errors.New("internal queue is full")
	// ErrReceiveTimeout is returned when no message arrived in time.
	ErrReceiveTimeout = errors.New("receive timed out")
	// ErrTokenRequired is returned when dynamic-policy mode gets a
	// tokenless registration.
	ErrTokenRequired = errors.New("dynamic policy mode requires a registration token")
)

// defaultStopTimeout bounds the Kafka poller join during Stop.
const defaultStopTimeout = 5 * time.Second

// MessagePublisher is the outbound transport; kafkabridge.Producer
// satisfies it.
type MessagePublisher interface {
	Publish(ctx context.Context, msg *messaging.AgentMessage) error
	Close() error
}

// InboundPoller is the background consumer forwarding external messages
// into the internal queue; kafkabridge.Poller satisfies it.
type InboundPoller interface {
	Run(ctx context.Context) error
	Close() error
}

// RegisterRequest is one agent registration.
type RegisterRequest struct {
	AgentID      string
	AgentType    string
	TenantID     string
	Capabilities []string
	Token        string
	Metadata     map[string]any
}

// EnhancedAgentBus is the governed bus. Construct with New, then Start.
type EnhancedAgentBus struct {
	cfg       config.BusConfig
	registry  registry.Registry
	processor *processor.Processor
	router    *Router
	verifier  *TokenVerifier
	publisher MessagePublisher
	poller    InboundPoller
	delib     *deliberation.Queue
	scorer    processor.ImpactScorer
	metrics   *observability.Metrics
	slo       *observability.SLOTracker
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	queue      chan *messaging.AgentMessage
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	startedAt  time.Time

	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

// BusOption customises the bus at construction.
type BusOption func(*EnhancedAgentBus)

// WithVerifier installs the registration token verifier.
func WithVerifier(v *TokenVerifier) BusOption {
	return func(b *EnhancedAgentBus) { b.verifier = v }
}

// WithPublisher installs the outbound transport.
func WithPublisher(p MessagePublisher) BusOption {
	return func(b *EnhancedAgentBus) { b.publisher = p }
}

// WithPoller installs the inbound consumer started alongside the bus.
func WithPoller(p InboundPoller) BusOption {
	return func(b *EnhancedAgentBus) { b.poller = p }
}

// WithDeliberationQueue installs the divert target for high-impact
// messages.
func WithDeliberationQueue(q *deliberation.Queue) BusOption {
	return func(b *EnhancedAgentBus) { b.delib = q }
}

// WithImpactScorer installs the pre-dispatch scorer. Scoring before the
// strategy keeps high-impact messages away from handlers entirely.
func WithImpactScorer(s processor.ImpactScorer) BusOption {
	return func(b *EnhancedAgentBus) { b.scorer = s }
}

// WithSLOTracker installs the pipeline SLO tracker; Send, Receive and
// Broadcast record their latency and outcome against it.
func WithSLOTracker(t *observability.SLOTracker) BusOption {
	return func(b *EnhancedAgentBus) { b.slo = t }
}

// WithMetrics installs the Prometheus mirrors.
func WithMetrics(m *observability.Metrics) BusOption {
	return func(b *EnhancedAgentBus) { b.metrics = m }
}

// WithBusLogger sets the logger.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *EnhancedAgentBus) { b.logger = logger }
}

// New builds a stopped bus over the registry and processor.
func New(cfg config.BusConfig, reg registry.Registry, proc *processor.Processor, opts ...BusOption) *EnhancedAgentBus {
	b := &EnhancedAgentBus{
		cfg:       cfg,
		registry:  reg,
		processor: proc,
		state:     StateStopped,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.router = NewRouter(reg, b.logger)
	return b
}

// AttachPoller installs the inbound consumer on a stopped bus. The
// poller usually needs the bus's own Enqueue as its sink, which is only
// available after construction.
func (b *EnhancedAgentBus) AttachPoller(p InboundPoller) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateStopped {
		return fmt.Errorf("cannot attach poller in state %s", b.state)
	}
	b.poller = p
	return nil
}

// Start transitions stopped → starting → running, allocating the
// internal queue and launching the inbound poller.
func (b *EnhancedAgentBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateRunning {
		return nil
	}
	if b.state != StateStopped {
		return fmt.Errorf("cannot start bus in state %s", b.state)
	}
	b.state = StateStarting

	size := b.cfg.QueueSize
	if size <= 0 {
		size = 4096
	}
	b.queue = make(chan *messaging.AgentMessage, size)

	if b.poller != nil {
		pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.pollCancel = cancel
		b.pollDone = make(chan struct{})
		go func() {
			defer close(b.pollDone)
			if err := b.poller.Run(pollCtx); err != nil {
				b.logger.Error("bus: inbound poller exited", "error", err)
			}
		}()
	}

	b.startedAt = time.Now().UTC()
	b.state = StateRunning
	b.logger.Info("bus started",
		"constitutional_hash", constitutional.Hash,
		"kafka", b.publisher != nil,
		"queue_size", size)
	return nil
}

// Stop transitions running → stopping → stopped. Idempotent: stopping an
// already-stopped bus succeeds immediately. The poller gets a bounded
// join before transports close.
func (b *EnhancedAgentBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	cancel := b.pollCancel
	done := b.pollDone
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		timeout := defaultStopTimeout
		if b.cfg.StopTimeoutMs > 0 {
			timeout = time.Duration(b.cfg.StopTimeoutMs) * time.Millisecond
		}
		select {
		case <-done:
		case <-time.After(timeout):
			b.logger.Warn("bus: poller did not stop within timeout", "timeout", timeout)
		case <-ctx.Done():
		}
		if err := b.poller.Close(); err != nil {
			b.logger.Warn("bus: poller close failed", "error", err)
		}
	}
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			b.logger.Warn("bus: publisher close failed", "error", err)
		}
	}

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()

	b.logger.Info("bus stopped",
		"messages_sent", b.sent.Load(),
		"messages_received", b.received.Load(),
		"messages_failed", b.failed.Load())
	return nil
}

// IsRunning reports whether operations are accepted.
func (b *EnhancedAgentBus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning
}

// StateNow returns the lifecycle state.
func (b *EnhancedAgentBus) StateNow() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Register adds an agent. With a token, the claims must match the
// request identity; dynamic-policy mode refuses tokenless registration.
func (b *EnhancedAgentBus) Register(ctx context.Context, req RegisterRequest) error {
	if !b.IsRunning() {
		return ErrBusNotStarted
	}
	if req.AgentID == "" {
		return errors.New("registration requires an agent_id")
	}

	capabilities := req.Capabilities
	if req.Token != "" {
		if b.verifier == nil {
			return errors.New("registration token supplied but no verifier configured")
		}
		claims, err := b.verifier.Verify(req.Token)
		if err != nil {
			return err
		}
		if claims.agentID() != req.AgentID {
			return fmt.Errorf("token agent_id %q does not match request agent_id %q",
				claims.agentID(), req.AgentID)
		}
		if claims.TenantID != req.TenantID {
			return fmt.Errorf("token tenant_id %q does not match request tenant_id %q",
				claims.TenantID, req.TenantID)
		}
		if len(claims.Capabilities) > 0 {
			capabilities = claims.Capabilities
		}
	} else if b.cfg.UseDynamicPolicy {
		return ErrTokenRequired
	}

	return b.registry.Register(ctx, &registry.AgentRecord{
		AgentID:      req.AgentID,
		AgentType:    req.AgentType,
		TenantID:     req.TenantID,
		Capabilities: capabilities,
		Metadata:     req.Metadata,
		Status:       registry.StatusActive,
	})
}

// Unregister removes an agent.
func (b *EnhancedAgentBus) Unregister(ctx context.Context, agentID string) error {
	if !b.IsRunning() {
		return ErrBusNotStarted
	}
	return b.registry.Unregister(ctx, agentID)
}

// Send drives one message through governance and transport. The returned
// result is never nil when err is nil; every call settles into exactly
// one of the sent or failed counters.
func (b *EnhancedAgentBus) Send(ctx context.Context, msg *messaging.AgentMessage) (*constitutional.ValidationResult, error) {
	if !b.IsRunning() {
		return nil, ErrBusNotStarted
	}
	if msg == nil {
		return nil, errors.New("message cannot be nil")
	}
	start := time.Now()
	result, err := b.dispatch(ctx, msg)
	if err == nil {
		b.observeSLO(observability.OpSend, start, result.IsValid)
	}
	return result, err
}

func (b *EnhancedAgentBus) dispatch(ctx context.Context, msg *messaging.AgentMessage) (*constitutional.ValidationResult, error) {

	if result := b.checkTenants(ctx, msg); result != nil {
		return b.fail(msg, result), nil
	}

	// High-impact messages are scored and diverted before the strategy so
	// no handler ever observes them. Deterministic denials (hash mismatch,
	// injection) still win: divertible excludes messages Process would deny.
	if b.delib != nil && b.scorer != nil && b.divertible(msg) {
		if score := b.scorer.Score(ctx, msg); score >= deliberation.DivertThreshold {
			msg.SetImpactScore(score)
			return b.divert(ctx, msg, score)
		}
	}

	result := b.processor.Process(ctx, msg)
	if !result.IsValid {
		return b.fail(msg, result), nil
	}

	if score, ok := result.MetaFloat("impact_score"); ok && score >= deliberation.DivertThreshold && b.delib != nil {
		return b.divert(ctx, msg, score)
	}

	if target := b.router.Route(ctx, msg); target != "" {
		msg.ToAgent = target
	}

	if b.publisher != nil {
		if err := b.publisher.Publish(ctx, msg); err != nil {
			result.IsValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("Kafka publish failed: %v", err))
			return b.fail(msg, result), nil
		}
	} else if err := b.enqueue(msg); err != nil {
		result.IsValid = false
		result.Errors = append(result.Errors, err.Error())
		return b.fail(msg, result), nil
	}

	_ = msg.SetStatus(messaging.StatusDelivered)
	b.sent.Add(1)
	if b.metrics != nil {
		b.metrics.IncSent()
		b.metrics.SetQueueDepth(len(b.queue))
	}
	return result, nil
}

// observeSLO records one pipeline operation when a tracker is installed.
func (b *EnhancedAgentBus) observeSLO(op string, start time.Time, ok bool) {
	if b.slo == nil {
		return
	}
	b.slo.Record(observability.SLOObservation{
		Operation: op,
		Latency:   time.Since(start),
		Success:   ok,
	})
}

// divertible reports whether msg would pass deterministic validation;
// only such messages may skip the strategy for deliberation.
func (b *EnhancedAgentBus) divertible(msg *messaging.AgentMessage) bool {
	if msg.ConstitutionalHash != constitutional.Hash {
		return false
	}
	raw, err := json.Marshal(msg.Content)
	if err != nil {
		return false
	}
	return constitutional.DetectInjection(string(raw)) == nil
}

// divert parks msg on the deliberation queue and reports the pending
// result. Counted as sent: the message was accepted, not dropped.
func (b *EnhancedAgentBus) divert(ctx context.Context, msg *messaging.AgentMessage, score float64) (*constitutional.ValidationResult, error) {
	task, err := b.delib.Enqueue(ctx, msg, score, "impact threshold exceeded", msg.IsBroadcast())
	if err != nil {
		result := constitutional.NewInvalid(fmt.Sprintf("Deliberation enqueue failed: %v", err))
		return b.fail(msg, result), nil
	}
	result := constitutional.NewValid()
	result.SetMeta("impact_score", score)
	result.SetMeta("status", string(messaging.StatusPendingDeliberation))
	result.SetMeta("deliberation_task_id", task.TaskID)
	b.sent.Add(1)
	if b.metrics != nil {
		b.metrics.IncSent()
		b.metrics.SetDeliberationsPending(b.delib.PendingCount())
	}
	return result, nil
}

// checkTenants enforces sender/recipient/message tenant agreement before
// any processing. Returns nil when consistent.
func (b *EnhancedAgentBus) checkTenants(ctx context.Context, msg *messaging.AgentMessage) *constitutional.ValidationResult {
	mismatch := func(role, tenant string) *constitutional.ValidationResult {
		r := constitutional.NewInvalid(fmt.Sprintf(
			"Tenant mismatch: message tenant_id '%s' does not match %s tenant_id '%s'",
			msg.TenantID, role, tenant))
		r.SetMeta("rejection_reason", "tenant_mismatch")
		return r
	}
	if sender, err := b.registry.Get(ctx, msg.SenderID); err == nil && sender.TenantID != msg.TenantID {
		return mismatch("sender", sender.TenantID)
	}
	if msg.ToAgent != "" {
		if recipient, err := b.registry.Get(ctx, msg.ToAgent); err == nil && recipient.TenantID != msg.TenantID {
			return mismatch("recipient", recipient.TenantID)
		}
	}
	return nil
}

func (b *EnhancedAgentBus) fail(msg *messaging.AgentMessage, result *constitutional.ValidationResult) *constitutional.ValidationResult {
	if msg.Status != messaging.StatusPendingDeliberation {
		_ = msg.SetStatus(messaging.StatusFailed)
	}
	b.failed.Add(1)
	if b.metrics != nil {
		b.metrics.IncFailed()
	}
	return result
}

// Broadcast fans msg out to every active agent in the message's tenant,
// excluding the sender. Each recipient gets an independently processed
// clone; the map carries one result per recipient.
func (b *EnhancedAgentBus) Broadcast(ctx context.Context, msg *messaging.AgentMessage) (map[string]*constitutional.ValidationResult, error) {
	if !b.IsRunning() {
		return nil, ErrBusNotStarted
	}
	start := time.Now()
	allValid := true
	results := make(map[string]*constitutional.ValidationResult)
	for _, agentID := range b.router.Recipients(ctx, msg) {
		clone := msg.Clone()
		clone.ToAgent = agentID
		result, err := b.Send(ctx, clone)
		if err != nil {
			return results, err
		}
		if !result.IsValid {
			allValid = false
		}
		results[agentID] = result
	}
	b.observeSLO(observability.OpBroadcast, start, allValid)
	return results, nil
}

// Receive blocks on the internal queue until a message arrives, the
// timeout elapses, or ctx is cancelled.
func (b *EnhancedAgentBus) Receive(ctx context.Context, timeout time.Duration) (*messaging.AgentMessage, error) {
	b.mu.Lock()
	running := b.state == StateRunning
	queue := b.queue
	b.mu.Unlock()
	if !running {
		return nil, ErrBusNotStarted
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-queue:
		b.received.Add(1)
		if b.metrics != nil {
			b.metrics.IncReceived()
			b.metrics.SetQueueDepth(len(queue))
		}
		b.observeSLO(observability.OpReceive, start, true)
		return msg, nil
	case <-timer.C:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue pushes one inbound message into the internal queue without
// blocking; on ErrQueueFull the Kafka poller retries the same message
// until the queue drains.
func (b *EnhancedAgentBus) Enqueue(_ context.Context, msg *messaging.AgentMessage) error {
	if !b.IsRunning() {
		return ErrBusNotStarted
	}
	return b.enqueue(msg)
}

func (b *EnhancedAgentBus) enqueue(msg *messaging.AgentMessage) error {
	select {
	case b.queue <- msg:
		if b.metrics != nil {
			b.metrics.SetQueueDepth(len(b.queue))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// GetMetrics snapshots the bus counters.
func (b *EnhancedAgentBus) GetMetrics(ctx context.Context) map[string]any {
	b.mu.Lock()
	state := b.state
	startedAt := b.startedAt
	queueSize := len(b.queue)
	b.mu.Unlock()

	registered := 0
	if ids, err := b.registry.ListAgents(ctx); err == nil {
		registered = len(ids)
	}

	out := map[string]any{
		"messages_sent":       b.sent.Load(),
		"messages_received":   b.received.Load(),
		"messages_failed":     b.failed.Load(),
		"started_at":          startedAt,
		"registered_agents":   registered,
		"queue_size":          queueSize,
		"is_running":          state == StateRunning,
		"constitutional_hash": constitutional.Hash,
	}
	if b.processor != nil {
		for k, v := range b.processor.GetMetrics() {
			out[k] = v
		}
	}
	if b.delib != nil {
		out["deliberations_pending"] = b.delib.PendingCount()
	}
	return out
}
