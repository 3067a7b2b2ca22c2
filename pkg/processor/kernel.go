package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
	"github.com/acgs-project/agentbus/pkg/policy"
)

// Kernel is the in-process fast validation engine. An error return means
// the kernel itself failed and counts against its circuit breaker; a
// verdict, denial included, returns with a nil error.
type Kernel interface {
	Evaluate(ctx context.Context, msg *messaging.AgentMessage) (*constitutional.ValidationResult, error)
}

// EngineKernel adapts the CEL rule engine to the Kernel contract. Rule
// engine verdicts are always final, so Evaluate never errors.
type EngineKernel struct {
	Engine *policy.Engine
}

func (k EngineKernel) Evaluate(ctx context.Context, msg *messaging.AgentMessage) (*constitutional.ValidationResult, error) {
	return k.Engine.EvaluateMessage(ctx, msg), nil
}

// KernelStrategy runs the kernel behind a circuit breaker: three
// consecutive failures open it, after 30s cooldown probes are admitted,
// and five consecutive probe successes close it again.
type KernelStrategy struct {
	kernel  Kernel
	breaker *gobreaker.CircuitBreaker
}

// NewKernelStrategy wraps a kernel; a nil kernel makes the strategy
// unavailable.
func NewKernelStrategy(kernel Kernel) *KernelStrategy {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kernel",
		MaxRequests: 5,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("processor: kernel breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return &KernelStrategy{kernel: kernel, breaker: breaker}
}

func (s *KernelStrategy) Name() string { return "kernel" }

func (s *KernelStrategy) Available() bool {
	return s.kernel != nil && s.breaker.State() != gobreaker.StateOpen
}

func (s *KernelStrategy) Process(ctx context.Context, msg *messaging.AgentMessage, handlers Handlers) (*constitutional.ValidationResult, error) {
	if s.kernel == nil {
		return constitutional.NewInvalid("Kernel not available"), nil
	}

	verdict, err := s.breaker.Execute(func() (interface{}, error) {
		return s.kernel.Evaluate(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("kernel strategy: %w", err)
	}

	result := verdict.(*constitutional.ValidationResult)
	if !result.IsValid {
		_ = msg.SetStatus(messaging.StatusFailed)
		return result, nil
	}

	handled := executeHandlers(ctx, msg, handlers)
	return result.Merge(handled), nil
}
