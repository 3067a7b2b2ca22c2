package processor

import (
	"context"
	"fmt"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
	"github.com/acgs-project/agentbus/pkg/opaclient"
	"github.com/acgs-project/agentbus/pkg/policy"
)

// StaticHashStrategy is the terminal fallback: deterministic validation
// with no external dependency, always available.
type StaticHashStrategy struct {
	validator Validator
}

// NewStaticHashStrategy builds the fallback strategy. A nil validator
// defaults to strict static validation.
func NewStaticHashStrategy(v Validator) *StaticHashStrategy {
	if v == nil {
		v = NewStaticValidator(true)
	}
	return &StaticHashStrategy{validator: v}
}

func (s *StaticHashStrategy) Name() string    { return "static_hash" }
func (s *StaticHashStrategy) Available() bool { return true }

func (s *StaticHashStrategy) Process(ctx context.Context, msg *messaging.AgentMessage, handlers Handlers) (*constitutional.ValidationResult, error) {
	if ok, reason := s.validator.Validate(ctx, msg); !ok {
		_ = msg.SetStatus(messaging.StatusFailed)
		return constitutional.NewInvalid(reason), nil
	}
	return executeHandlers(ctx, msg, handlers), nil
}

// OPAStrategy validates through the OPA policy engine. Availability
// failures surface both the engine's fail-closed denial and an error so a
// composite can fall through while standalone callers still deny.
type OPAStrategy struct {
	client *opaclient.Client
}

// NewOPAStrategy wraps an OPA client; a nil client makes the strategy
// unavailable.
func NewOPAStrategy(client *opaclient.Client) *OPAStrategy {
	return &OPAStrategy{client: client}
}

func (s *OPAStrategy) Name() string    { return "opa" }
func (s *OPAStrategy) Available() bool { return s.client != nil }

func (s *OPAStrategy) Process(ctx context.Context, msg *messaging.AgentMessage, handlers Handlers) (*constitutional.ValidationResult, error) {
	if !s.Available() {
		return constitutional.NewInvalid("OPA client not available"), nil
	}

	decision, err := s.client.Evaluate(ctx, "", opaInput(msg))
	if err != nil {
		return opaResult(decision), fmt.Errorf("opa strategy: %w", err)
	}
	if !decision.Allow {
		_ = msg.SetStatus(messaging.StatusFailed)
		return opaResult(decision), nil
	}

	result := executeHandlers(ctx, msg, handlers)
	if result.IsValid && decision.Cached {
		result.SetMeta("opa_cached", true)
	}
	return result, nil
}

func opaInput(msg *messaging.AgentMessage) map[string]any {
	return map[string]any{
		"message_id":          msg.MessageID,
		"from_agent":          msg.FromAgent,
		"to_agent":            msg.ToAgent,
		"message_type":        string(msg.Type),
		"tenant_id":           msg.TenantID,
		"content":             msg.Content,
		"constitutional_hash": msg.ConstitutionalHash,
	}
}

func opaResult(d *opaclient.Decision) *constitutional.ValidationResult {
	if d == nil {
		return constitutional.NewInvalid("OPA evaluation returned no decision")
	}
	if d.Allow {
		return constitutional.NewValid()
	}
	result := constitutional.NewInvalid(d.Reason)
	result.SetMeta("opa_code", d.Code)
	for k, v := range d.Metadata {
		result.SetMeta(k, v)
	}
	return result
}

// DynamicPolicyStrategy validates through the remote policy registry. The
// client's fail_closed switch decides whether registry outages deny here
// (fail-closed client) or fall through a composite (fail-open client).
type DynamicPolicyStrategy struct {
	client policy.RegistryClient
}

// NewDynamicPolicyStrategy wraps a policy registry client; a nil client
// makes the strategy unavailable.
func NewDynamicPolicyStrategy(client policy.RegistryClient) *DynamicPolicyStrategy {
	return &DynamicPolicyStrategy{client: client}
}

func (s *DynamicPolicyStrategy) Name() string    { return "dynamic_policy" }
func (s *DynamicPolicyStrategy) Available() bool { return s.client != nil }

func (s *DynamicPolicyStrategy) Process(ctx context.Context, msg *messaging.AgentMessage, handlers Handlers) (*constitutional.ValidationResult, error) {
	if !s.Available() {
		return constitutional.NewInvalid("Policy client not available"), nil
	}

	result, err := s.client.ValidateMessageSignature(ctx, msg)
	if err != nil {
		deny := constitutional.NewInvalid("Policy service unavailable - denied (fail-closed)")
		deny.SetMeta("transport_error", err.Error())
		return deny, fmt.Errorf("dynamic policy strategy: %w", err)
	}
	if !result.IsValid {
		_ = msg.SetStatus(messaging.StatusFailed)
		return result, nil
	}

	handled := executeHandlers(ctx, msg, handlers)
	return result.Merge(handled), nil
}
