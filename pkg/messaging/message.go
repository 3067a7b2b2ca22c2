// Package messaging defines the bus message model: typed messages with
// delivery status, priority, tenant scoping and a millisecond-precision
// JSON wire form.
package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

// MessageType classifies what a message asks of its recipient.
type MessageType string

const (
	TypeCommand           MessageType = "command"
	TypeQuery             MessageType = "query"
	TypeEvent             MessageType = "event"
	TypeResponse          MessageType = "response"
	TypeGovernanceRequest MessageType = "governance_request"
	TypeNotification      MessageType = "notification"
)

// ParseMessageType maps a wire value onto a MessageType.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case TypeCommand, TypeQuery, TypeEvent, TypeResponse, TypeGovernanceRequest, TypeNotification:
		return MessageType(s), nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// Priority orders messages for scoring and queueing.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority maps a wire value onto a Priority.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Rank returns the ordering of p: low < normal < high < critical.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return 1
}

// Status is the delivery state of a message.
type Status string

const (
	StatusPending             Status = "pending"
	StatusProcessing          Status = "processing"
	StatusDelivered           Status = "delivered"
	StatusFailed              Status = "failed"
	StatusPendingDeliberation Status = "pending_deliberation"
)

// ParseStatus maps a wire value onto a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusDelivered, StatusFailed, StatusPendingDeliberation:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether s admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// ErrTerminalStatus is returned when a transition is attempted on a message
// already in a terminal state. Retrying a failed message is done with Retry,
// which mints a new message.
var ErrTerminalStatus = errors.New("message status is terminal")

// AgentMessage is a single unit of agent-to-agent communication. Content is
// the structured body the governance pipeline inspects; Payload is carried
// opaquely. The message is owned by whatever goroutine is processing it and
// must not be shared while mutable.
type AgentMessage struct {
	MessageID               string         `json:"message_id"`
	FromAgent               string         `json:"from_agent"`
	ToAgent                 string         `json:"to_agent"`
	SenderID                string         `json:"sender_id"`
	TenantID                string         `json:"tenant_id,omitempty"`
	Type                    MessageType    `json:"message_type"`
	Priority                Priority       `json:"priority"`
	Status                  Status         `json:"status"`
	Content                 map[string]any `json:"content"`
	Payload                 map[string]any `json:"payload,omitempty"`
	ConstitutionalHash      string         `json:"constitutional_hash"`
	ConstitutionalValidated bool           `json:"constitutional_validated"`
	ImpactScore             *float64       `json:"impact_score,omitempty"`
	CreatedAt               time.Time      `json:"-"`
	UpdatedAt               time.Time      `json:"-"`
}

// Option customises a message at construction.
type Option func(*AgentMessage)

// WithPriority sets the message priority.
func WithPriority(p Priority) Option {
	return func(m *AgentMessage) { m.Priority = p }
}

// WithTenant scopes the message to a tenant.
func WithTenant(tenantID string) Option {
	return func(m *AgentMessage) { m.TenantID = tenantID }
}

// WithContent sets the structured body.
func WithContent(content map[string]any) Option {
	return func(m *AgentMessage) { m.Content = content }
}

// WithPayload attaches an opaque payload.
func WithPayload(payload map[string]any) Option {
	return func(m *AgentMessage) { m.Payload = payload }
}

// WithSenderID overrides the sender identity when it differs from FromAgent,
// e.g. when a broker forwards on behalf of an agent.
func WithSenderID(id string) Option {
	return func(m *AgentMessage) { m.SenderID = id }
}

// WithHash overrides the constitutional hash. Used by tests and by bridges
// re-materialising messages from the wire.
func WithHash(hash string) Option {
	return func(m *AgentMessage) { m.ConstitutionalHash = hash }
}

// WithMessageID pins the message id instead of minting one.
func WithMessageID(id string) Option {
	return func(m *AgentMessage) { m.MessageID = id }
}

// New builds a message with a fresh UUID, pending status and the current
// constitutional hash. An empty to is a broadcast. Timestamps are UTC,
// truncated to milliseconds so the wire form round-trips exactly.
func New(from, to string, mt MessageType, opts ...Option) *AgentMessage {
	now := time.Now().UTC().Truncate(time.Millisecond)
	m := &AgentMessage{
		MessageID:          uuid.NewString(),
		FromAgent:          from,
		ToAgent:            to,
		SenderID:           from,
		Type:               mt,
		Priority:           PriorityNormal,
		Status:             StatusPending,
		Content:            map[string]any{},
		ConstitutionalHash: constitutional.Hash,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// IsBroadcast reports whether the message has no single recipient.
func (m *AgentMessage) IsBroadcast() bool { return m.ToAgent == "" }

// Touch bumps UpdatedAt to now (UTC, ms precision).
func (m *AgentMessage) Touch() {
	m.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
}

// SetStatus transitions the delivery state, touching UpdatedAt. Transitions
// out of a terminal state are rejected.
func (m *AgentMessage) SetStatus(s Status) error {
	if m.Status.Terminal() && s != m.Status {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, m.Status, s)
	}
	m.Status = s
	m.Touch()
	return nil
}

// SetImpactScore records the governance impact score.
func (m *AgentMessage) SetImpactScore(v float64) {
	m.ImpactScore = &v
}

// ImpactValue returns the impact score and whether one has been assigned.
func (m *AgentMessage) ImpactValue() (float64, bool) {
	if m.ImpactScore == nil {
		return 0, false
	}
	return *m.ImpactScore, true
}

// Retry clones a failed message into a fresh pending one with a new
// message_id. The original stays terminal.
func (m *AgentMessage) Retry() (*AgentMessage, error) {
	if m.Status != StatusFailed {
		return nil, fmt.Errorf("retry requires failed status, have %s", m.Status)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	clone := m.Clone()
	clone.MessageID = uuid.NewString()
	clone.Status = StatusPending
	clone.ConstitutionalValidated = false
	clone.ImpactScore = nil
	clone.CreatedAt = now
	clone.UpdatedAt = now
	return clone, nil
}

// Clone deep-copies the message maps so the copy can be mutated safely.
func (m *AgentMessage) Clone() *AgentMessage {
	clone := *m
	clone.Content = cloneMap(m.Content)
	clone.Payload = cloneMap(m.Payload)
	if m.ImpactScore != nil {
		v := *m.ImpactScore
		clone.ImpactScore = &v
	}
	return &clone
}

// Text extracts the human-readable body the governance layers inspect:
// content["text"] or content["message"], else payload["message"].
func (m *AgentMessage) Text() string {
	for _, key := range []string{"text", "message"} {
		if s, ok := m.Content[key].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := m.Payload["message"].(string); ok {
		return s
	}
	return ""
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		switch vv := v.(type) {
		case map[string]any:
			dst[k] = cloneMap(vv)
		case []any:
			s := make([]any, len(vv))
			copy(s, vv)
			dst[k] = s
		default:
			dst[k] = v
		}
	}
	return dst
}
