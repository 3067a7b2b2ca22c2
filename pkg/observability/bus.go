// Package observability provides bus-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Bus-specific semantic convention attributes.
var (
	// Message attributes
	AttrMessageID   = attribute.Key("agentbus.message.id")
	AttrMessageType = attribute.Key("agentbus.message.type")
	AttrPriority    = attribute.Key("agentbus.message.priority")

	// Agent attributes
	AttrAgentID   = attribute.Key("agentbus.agent.id")
	AttrFromAgent = attribute.Key("agentbus.agent.from")
	AttrToAgent   = attribute.Key("agentbus.agent.to")
	AttrTenantID  = attribute.Key("agentbus.tenant.id")

	// Governance attributes
	AttrDecision    = attribute.Key("agentbus.governance.decision")
	AttrStrategy    = attribute.Key("agentbus.governance.strategy")
	AttrImpactScore = attribute.Key("agentbus.governance.impact_score")
	AttrRiskLevel   = attribute.Key("agentbus.governance.risk_level")
	AttrPolicyPath  = attribute.Key("agentbus.governance.policy_path")
	AttrCacheHit    = attribute.Key("agentbus.governance.cache_hit")

	// Guardrail attributes
	AttrGuardLayer  = attribute.Key("agentbus.guardrail.layer")
	AttrGuardAction = attribute.Key("agentbus.guardrail.action")

	// Deliberation attributes
	AttrDeliberationID     = attribute.Key("agentbus.deliberation.id")
	AttrDeliberationStatus = attribute.Key("agentbus.deliberation.status")
)

// MessageOperation creates attributes for message pipeline spans.
func MessageOperation(messageID, messageType, tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMessageID.String(messageID),
		AttrMessageType.String(messageType),
		AttrTenantID.String(tenantID),
	}
}

// DecisionOperation creates attributes for governance decisions.
func DecisionOperation(messageID, decision, strategy string, impactScore float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMessageID.String(messageID),
		AttrDecision.String(decision),
		AttrStrategy.String(strategy),
		AttrImpactScore.Float64(impactScore),
	}
}

// GuardrailOperation creates attributes for safety pipeline layers.
func GuardrailOperation(layer, action, tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGuardLayer.String(layer),
		AttrGuardAction.String(action),
		AttrTenantID.String(tenantID),
	}
}

// DeliberationOperation creates attributes for review queue activity.
func DeliberationOperation(deliberationID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDeliberationID.String(deliberationID),
		AttrDeliberationStatus.String(status),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
