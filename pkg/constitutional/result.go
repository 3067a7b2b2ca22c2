package constitutional

import (
	"encoding/json"
	"time"
)

// Decision is the terminal outcome of a validation.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// ValidationResult is the outcome of running a message through governance.
// Results are mergeable: IsValid combines with AND, errors and warnings
// accumulate.
type ValidationResult struct {
	IsValid            bool           `json:"is_valid"`
	Errors             []string       `json:"errors,omitempty"`
	Warnings           []string       `json:"warnings,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Decision           Decision       `json:"decision"`
	ConstitutionalHash string         `json:"constitutional_hash"`
}

// NewValid returns an ALLOW result carrying the current hash.
func NewValid() *ValidationResult {
	return &ValidationResult{
		IsValid:            true,
		Decision:           DecisionAllow,
		ConstitutionalHash: Hash,
		Metadata:           map[string]any{},
	}
}

// NewInvalid returns a DENY result with the given reasons.
func NewInvalid(errs ...string) *ValidationResult {
	return &ValidationResult{
		IsValid:            false,
		Errors:             errs,
		Decision:           DecisionDeny,
		ConstitutionalHash: Hash,
		Metadata:           map[string]any{},
	}
}

// Merge folds other into r: validity ANDs, errors and warnings append,
// metadata keys from other win on conflict.
func (r *ValidationResult) Merge(other *ValidationResult) *ValidationResult {
	if other == nil {
		return r
	}
	r.IsValid = r.IsValid && other.IsValid
	if !r.IsValid {
		r.Decision = DecisionDeny
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	for k, v := range other.Metadata {
		r.Metadata[k] = v
	}
	return r
}

// SetMeta stores a metadata key, allocating the map on first use.
func (r *ValidationResult) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// MetaFloat reads a float64 metadata value; ok is false when absent or of
// another type.
func (r *ValidationResult) MetaFloat(key string) (float64, bool) {
	if r.Metadata == nil {
		return 0, false
	}
	switch v := r.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// DecisionLog is the append-only audit record emitted for every processed
// message. It is forwarded to the audit ledger and never mutated after
// construction.
type DecisionLog struct {
	TraceID            string         `json:"trace_id"`
	SpanID             string         `json:"span_id"`
	AgentID            string         `json:"agent_id"`
	TenantID           string         `json:"tenant_id,omitempty"`
	PolicyVersion      string         `json:"policy_version"`
	RiskScore          float64        `json:"risk_score"`
	Decision           Decision       `json:"decision"`
	ConstitutionalHash string         `json:"constitutional_hash"`
	ComplianceTags     []string       `json:"compliance_tags"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Inputs are always plain maps/structs of JSON-safe values; a
		// marshal failure here is a programming error.
		panic(err)
	}
	return raw
}
