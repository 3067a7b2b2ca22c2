package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
	"github.com/acgs-project/agentbus/pkg/opaclient"
	"github.com/acgs-project/agentbus/pkg/policy"
)

// CompositeStrategy chains strategies in priority order. Unavailable
// strategies are skipped; a strategy error falls through to the next;
// any verdict, denial included, is final and short-circuits the chain.
type CompositeStrategy struct {
	strategies []Strategy
}

func NewCompositeStrategy(strategies ...Strategy) *CompositeStrategy {
	return &CompositeStrategy{strategies: strategies}
}

// NewDefaultChain assembles the standard fallback order: kernel, OPA,
// dynamic policy, then the always-available static hash terminal. Nil
// dependencies leave their strategy permanently unavailable.
func NewDefaultChain(kernel Kernel, opa *opaclient.Client, registry policy.RegistryClient) *CompositeStrategy {
	return NewCompositeStrategy(
		NewKernelStrategy(kernel),
		NewOPAStrategy(opa),
		NewDynamicPolicyStrategy(registry),
		NewStaticHashStrategy(nil),
	)
}

func (s *CompositeStrategy) Name() string {
	names := make([]string, 0, len(s.strategies))
	for _, st := range s.strategies {
		names = append(names, st.Name())
	}
	return "composite(" + strings.Join(names, "+") + ")"
}

// Available reports whether at least one member strategy can serve.
func (s *CompositeStrategy) Available() bool {
	for _, st := range s.strategies {
		if st.Available() {
			return true
		}
	}
	return false
}

func (s *CompositeStrategy) Process(ctx context.Context, msg *messaging.AgentMessage, handlers Handlers) (*constitutional.ValidationResult, error) {
	var lastErr error
	for _, st := range s.strategies {
		if !st.Available() {
			continue
		}
		result, err := st.Process(ctx, msg, handlers)
		if err != nil {
			lastErr = err
			slog.Warn("processor: strategy failed, trying fallback",
				"strategy", st.Name(), "error", err)
			continue
		}
		return result, nil
	}

	_ = msg.SetStatus(messaging.StatusFailed)
	if lastErr == nil {
		lastErr = fmt.Errorf("no processing strategy available")
	}
	return constitutional.NewInvalid(fmt.Sprintf("All processing strategies failed. Last error: %v", lastErr)), nil
}
