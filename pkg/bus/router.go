package bus

import (
	"context"
	"log/slog"

	"github.com/acgs-project/agentbus/pkg/messaging"
	"github.com/acgs-project/agentbus/pkg/registry"
)

// Router resolves a message to its recipient. Direct routing requires
// the recipient to exist and share the message tenant; without a
// recipient it falls back to a capability search.
type Router struct {
	registry registry.Registry
	logger   *slog.Logger
}

// NewRouter builds a router over the given registry.
func NewRouter(reg registry.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: reg, logger: logger}
}

// Route returns the target agent id, or "" when no eligible target
// exists. A miss is logged, never an error: unroutable messages fail at
// the delivery layer with full context.
func (r *Router) Route(ctx context.Context, msg *messaging.AgentMessage) string {
	if msg.ToAgent != "" {
		rec, err := r.registry.Get(ctx, msg.ToAgent)
		if err != nil {
			r.logger.Debug("router: recipient not registered",
				"to_agent", msg.ToAgent, "message_id", msg.MessageID)
			return ""
		}
		if rec.TenantID != msg.TenantID {
			r.logger.Warn("router: recipient tenant differs from message tenant",
				"to_agent", msg.ToAgent, "message_tenant", msg.TenantID,
				"recipient_tenant", rec.TenantID)
			return ""
		}
		return rec.AgentID
	}
	return r.routeByCapability(ctx, msg)
}

// requiredCapabilities reads content["required_capabilities"] as a
// string list; JSON decoding yields []any, construction []string.
func requiredCapabilities(msg *messaging.AgentMessage) []string {
	raw, ok := msg.Content["required_capabilities"]
	if !ok {
		return nil
	}
	switch vs := raw.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (r *Router) routeByCapability(ctx context.Context, msg *messaging.AgentMessage) string {
	required := requiredCapabilities(msg)
	if len(required) == 0 {
		return ""
	}
	for _, rec := range r.snapshot(ctx) {
		if rec.AgentID == msg.SenderID || rec.TenantID != msg.TenantID {
			continue
		}
		if rec.Status == registry.StatusActive && rec.HasCapabilities(required) {
			return rec.AgentID
		}
	}
	r.logger.Debug("router: no agent satisfies required capabilities",
		"message_id", msg.MessageID, "required", required)
	return ""
}

// Recipients lists broadcast targets: every active agent in the message
// tenant except the sender. The tenant pre-filter runs before any
// delivery attempt.
func (r *Router) Recipients(ctx context.Context, msg *messaging.AgentMessage) []string {
	var out []string
	for _, rec := range r.snapshot(ctx) {
		if rec.AgentID == msg.SenderID || rec.AgentID == msg.FromAgent {
			continue
		}
		if rec.TenantID != msg.TenantID {
			continue
		}
		if rec.Status != registry.StatusActive {
			continue
		}
		out = append(out, rec.AgentID)
	}
	return out
}

// snapshot prefers a single bulk read over per-id Gets.
func (r *Router) snapshot(ctx context.Context) []*registry.AgentRecord {
	if s, ok := r.registry.(registry.Snapshotter); ok {
		recs, err := s.Snapshot(ctx)
		if err != nil {
			r.logger.Warn("router: registry snapshot failed", "error", err)
			return nil
		}
		return recs
	}
	ids, err := r.registry.ListAgents(ctx)
	if err != nil {
		r.logger.Warn("router: registry list failed", "error", err)
		return nil
	}
	recs := make([]*registry.AgentRecord, 0, len(ids))
	for _, id := range ids {
		if rec, err := r.registry.Get(ctx, id); err == nil {
			recs = append(recs, rec)
		}
	}
	return recs
}
