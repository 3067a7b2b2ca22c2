// Package deliberation holds the impact scorer, the adaptive threshold
// manager and the human/committee review queue. A message whose impact
// score reaches the divert threshold is parked here instead of being
// delivered.
package deliberation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/acgs-project/agentbus/pkg/messaging"
)

// DivertThreshold is the impact score at or above which a message is
// diverted to deliberation instead of delivery.
const DivertThreshold = 0.8

// Factor weights. Semantic risk dominates; the rest refine it.
const (
	weightSemantic    = 0.3
	weightPermission  = 0.2
	weightVolume      = 0.1
	weightContext     = 0.1
	weightDrift       = 0.1
	weightPriority    = 0.1
	weightMessageType = 0.1
)

// semanticKeywords are the governance-relevant terms whose density drives
// the semantic factor.
var semanticKeywords = []string{
	"delete", "drop", "destroy", "remove", "terminate", "shutdown",
	"payment", "transfer", "withdraw", "refund", "invoice", "charge",
	"credential", "password", "secret", "token", "key", "certificate",
	"production", "deploy", "rollback", "migrate", "escalate", "override",
	"admin", "sudo",
}

// execVerbs / mutateVerbs / readVerbs classify the requested tool action
// for the permission factor.
var (
	execVerbs   = []string{"execute", "exec", "run", "spawn", "shell", "eval"}
	mutateVerbs = []string{"write", "update", "create", "delete", "modify", "patch", "set"}
	readVerbs   = []string{"read", "get", "list", "query", "fetch", "describe"}
)

const driftWindow = 20

// Scorer assigns a risk score in [0,1] to a message using a weighted rule
// ensemble. It tracks per-sender send rates and its own score history for
// the volume and drift factors. Safe for concurrent use.
type Scorer struct {
	mu      sync.Mutex
	history []float64
	rates   map[string][]time.Time
	clock   func() time.Time
}

// NewScorer builds a rule-based impact scorer.
func NewScorer() *Scorer {
	return &Scorer{
		rates: make(map[string][]time.Time),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Scorer) WithClock(clock func() time.Time) *Scorer {
	s.clock = clock
	return s
}

// Factors breaks a score down for decision-log metadata.
type Factors struct {
	Semantic    float64 `json:"semantic"`
	Permission  float64 `json:"permission"`
	Volume      float64 `json:"volume"`
	Context     float64 `json:"context"`
	Drift       float64 `json:"drift"`
	Priority    float64 `json:"priority"`
	MessageType float64 `json:"message_type"`
	Confidence  float64 `json:"confidence"`
}

// Score implements the processor's ImpactScorer contract.
func (s *Scorer) Score(ctx context.Context, msg *messaging.AgentMessage) float64 {
	score, _ := s.ScoreWithFactors(ctx, msg)
	return score
}

// ScoreWithFactors scores msg and returns the contributing factors.
func (s *Scorer) ScoreWithFactors(_ context.Context, msg *messaging.AgentMessage) (float64, Factors) {
	if msg == nil {
		return 0.1, Factors{}
	}
	text := strings.ToLower(msg.Text())
	if text == "" && len(msg.Content) == 0 && len(msg.Payload) == 0 {
		// Nothing to assess: minimal but non-zero risk.
		return 0.1, Factors{Confidence: 0.2}
	}

	f := Factors{
		Semantic:    semanticFactor(text),
		Permission:  permissionFactor(msg),
		Volume:      s.volumeFactor(msg.SenderID),
		Context:     contextFactor(msg),
		Priority:    priorityFactor(msg.Priority),
		MessageType: typeFactor(msg.Type),
	}

	base := f.Semantic*weightSemantic +
		f.Permission*weightPermission +
		f.Volume*weightVolume +
		f.Context*weightContext +
		f.Priority*weightPriority +
		f.MessageType*weightMessageType

	s.mu.Lock()
	f.Drift = driftFactor(base, s.history)
	score := base + f.Drift*weightDrift

	// Critical-priority and strongly semantic messages cannot be diluted
	// below their headline factor by the weighted sum.
	if f.Priority >= 0.9 && score < 0.9 {
		score = 0.9
	}
	if f.Semantic >= 0.8 && score < 0.8 {
		score = 0.8
	}
	if score > 1.0 {
		score = 1.0
	}

	s.history = append(s.history, score)
	if len(s.history) > driftWindow {
		s.history = s.history[len(s.history)-driftWindow:]
	}
	f.Confidence = s.confidenceLocked(msg, text)
	s.mu.Unlock()

	return score, f
}

// confidenceLocked estimates how trustworthy the score is: feature
// completeness plus historical precedence. Caller holds s.mu.
func (s *Scorer) confidenceLocked(msg *messaging.AgentMessage, text string) float64 {
	conf := 0.3
	if text != "" {
		conf += 0.2
	}
	if msg.TenantID != "" {
		conf += 0.1
	}
	if len(msg.Payload) > 0 {
		conf += 0.1
	}
	// Precedence: a fuller history window means the drift factor is live.
	conf += 0.3 * float64(len(s.history)) / float64(driftWindow)
	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}

func semanticFactor(text string) float64 {
	if text == "" {
		return 0.1
	}
	hits := 0
	for _, kw := range semanticKeywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	switch {
	case hits >= 5:
		return 1.0
	case hits >= 3:
		return 0.8
	case hits > 0:
		return 0.5
	}
	return 0.1
}

func permissionFactor(msg *messaging.AgentMessage) float64 {
	verb := ""
	for _, key := range []string{"tool_action", "action", "operation"} {
		if v, ok := msg.Content[key].(string); ok && v != "" {
			verb = strings.ToLower(v)
			break
		}
	}
	if verb == "" {
		return 0.1
	}
	for _, v := range execVerbs {
		if strings.Contains(verb, v) {
			return 0.9
		}
	}
	for _, v := range mutateVerbs {
		if strings.Contains(verb, v) {
			return 0.5
		}
	}
	for _, v := range readVerbs {
		if strings.Contains(verb, v) {
			return 0.2
		}
	}
	return 0.1
}

// volumeFactor tiers the sender's messages-per-minute rate.
func (s *Scorer) volumeFactor(senderID string) float64 {
	if senderID == "" {
		return 0.1
	}
	now := s.clock()
	cutoff := now.Add(-time.Minute)

	s.mu.Lock()
	window := s.rates[senderID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.rates[senderID] = kept
	rate := len(kept)
	s.mu.Unlock()

	switch {
	case rate >= 150:
		return 1.0
	case rate >= 50:
		return 0.5
	case rate >= 20:
		return 0.2
	}
	return 0.1
}

func contextFactor(msg *messaging.AgentMessage) float64 {
	factor := 0.2
	if amount, ok := numeric(msg.Payload["amount"]); ok && amount > 1000 {
		factor += 0.4
	} else if amount, ok := numeric(msg.Content["amount"]); ok && amount > 1000 {
		factor += 0.4
	}
	return factor
}

// driftFactor measures deviation from the recent score average.
func driftFactor(score float64, history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	avg := sum / float64(len(history))
	drift := (score - avg) * 2
	if drift < 0 {
		drift = -drift
	}
	if drift > 1.0 {
		drift = 1.0
	}
	return drift
}

func priorityFactor(p messaging.Priority) float64 {
	switch p {
	case messaging.PriorityCritical:
		return 1.0
	case messaging.PriorityHigh:
		return 0.7
	case messaging.PriorityNormal:
		return 0.5
	case messaging.PriorityLow:
		return 0.2
	}
	return 0.5
}

func typeFactor(t messaging.MessageType) float64 {
	switch t {
	case messaging.TypeGovernanceRequest:
		return 0.8
	case messaging.TypeCommand:
		return 0.4
	}
	return 0.2
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
