// Package feedback models impact-score feedback events and their
// persistence. Events arrive from reviewers and downstream systems, feed
// the online-learning loop, and are archived in Postgres or SQLite.
package feedback

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies the feedback signal.
type Type string

const (
	TypePositive   Type = "positive"
	TypeNegative   Type = "negative"
	TypeNeutral    Type = "neutral"
	TypeCorrection Type = "correction"
)

// Outcome is the observed result of the governed action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeUnknown Outcome = "unknown"
)

// Event is one feedback record tied to a governance decision.
type Event struct {
	FeedbackID       string         `json:"feedback_id"`
	DecisionID       string         `json:"decision_id"`
	TenantID         string         `json:"tenant_id,omitempty"`
	FeedbackType     Type           `json:"feedback_type"`
	Outcome          Outcome        `json:"outcome"`
	PredictedImpact  float64        `json:"predicted_impact"`
	ActualImpact     float64        `json:"actual_impact"`
	Features         map[string]any `json:"features,omitempty"`
	CorrectionData   map[string]any `json:"correction_data,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Source           string         `json:"source,omitempty"`
	Processed        bool           `json:"processed"`
	PublishedToKafka bool           `json:"published_to_kafka"`
	CreatedAt        time.Time      `json:"created_at"`
}

// NewEvent builds a validated feedback event for a decision.
func NewEvent(decisionID string, ft Type, actualImpact float64) *Event {
	return &Event{
		FeedbackID:   uuid.NewString(),
		DecisionID:   strings.TrimSpace(decisionID),
		FeedbackType: ft,
		Outcome:      OutcomeUnknown,
		ActualImpact: actualImpact,
		CreatedAt:    time.Now().UTC(),
	}
}

// Validate checks the event against the persistence constraints. It
// returns warnings for recoverable oddities and an error for violations.
func (e *Event) Validate() ([]string, error) {
	var warnings []string
	e.DecisionID = strings.TrimSpace(e.DecisionID)
	if e.DecisionID == "" {
		return nil, fmt.Errorf("feedback: decision_id is required")
	}
	switch e.FeedbackType {
	case TypePositive, TypeNegative, TypeNeutral, TypeCorrection:
	default:
		return nil, fmt.Errorf("feedback: unknown feedback_type %q", e.FeedbackType)
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial, OutcomeUnknown, "":
		if e.Outcome == "" {
			e.Outcome = OutcomeUnknown
		}
	default:
		return nil, fmt.Errorf("feedback: unknown outcome %q", e.Outcome)
	}
	if e.ActualImpact < 0 || e.ActualImpact > 1 {
		return nil, fmt.Errorf("feedback: actual_impact %v outside [0,1]", e.ActualImpact)
	}
	if e.FeedbackType == TypeCorrection && len(e.CorrectionData) == 0 {
		warnings = append(warnings, "correction feedback without correction_data")
	}
	if e.FeedbackID == "" {
		e.FeedbackID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return warnings, nil
}

// OutcomeImpact maps the observed outcome onto a training target.
func (e *Event) OutcomeImpact() float64 {
	switch e.Outcome {
	case OutcomeSuccess:
		return 1.0
	case OutcomeFailure:
		return 0.0
	case OutcomePartial:
		return 0.5
	}
	return e.ActualImpact
}

// Signal maps the feedback type onto a reward in [0,1].
func (e *Event) Signal() float64 {
	switch e.FeedbackType {
	case TypePositive:
		return 1.0
	case TypeNegative:
		return 0.0
	}
	return 0.5
}

// ValidateBatch validates a batch of 1..100 events, failing fast on the
// first invalid one.
func ValidateBatch(events []*Event) error {
	if len(events) == 0 {
		return fmt.Errorf("feedback: empty batch")
	}
	if len(events) > 100 {
		return fmt.Errorf("feedback: batch of %d exceeds limit 100", len(events))
	}
	for i, e := range events {
		if _, err := e.Validate(); err != nil {
			return fmt.Errorf("feedback: batch item %d: %w", i, err)
		}
	}
	return nil
}
