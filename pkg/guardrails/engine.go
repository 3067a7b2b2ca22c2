package guardrails

import (
	"context"
	"fmt"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
)

// Scorer mirrors the processor's impact contract so the engine layer can
// share the bus scorer.
type Scorer interface {
	Score(ctx context.Context, msg *messaging.AgentMessage) float64
}

// EngineLayer is pipeline layer 3: constitutional validation plus impact
// scoring. A score at or above the escalation threshold diverts the
// request to deliberation via ESCALATE.
type EngineLayer struct {
	classifier *constitutional.Classifier
	scorer     Scorer
	threshold  float64
	strictHash bool
}

// NewEngineLayer builds the layer. A nil classifier falls back to pattern
// screening only; threshold <= 0 uses the deliberation default of 0.8.
func NewEngineLayer(classifier *constitutional.Classifier, scorer Scorer, threshold float64) *EngineLayer {
	if threshold <= 0 {
		threshold = 0.8
	}
	return &EngineLayer{
		classifier: classifier,
		scorer:     scorer,
		threshold:  threshold,
		strictHash: true,
	}
}

func (e *EngineLayer) Name() string { return "agent_engine" }

func (e *EngineLayer) Check(ctx context.Context, req *Request) (*LayerResult, error) {
	lr := &LayerResult{Layer: e.Name(), Action: ActionAllow, Metadata: map[string]any{}}

	if match := constitutional.DetectInjection(req.Content); match != nil {
		lr.Action = ActionBlock
		lr.Violations = append(lr.Violations, Violation{
			Layer:    e.Name(),
			Rule:     "prompt_injection",
			Severity: SeverityCritical,
			Detail:   fmt.Sprintf("pattern %q matched", match.Pattern),
		})
		return lr, nil
	}

	if e.classifier != nil && req.Content != "" {
		verdict := e.classifier.Classify(req.Content)
		lr.Metadata["compliance_confidence"] = verdict.Confidence
		if !verdict.Compliant {
			lr.Action = ActionBlock
			lr.Violations = append(lr.Violations, Violation{
				Layer:    e.Name(),
				Rule:     "constitutional_non_compliance",
				Severity: SeverityCritical,
				Detail:   verdict.Reason,
			})
			return lr, nil
		}
	}

	if req.Message != nil {
		if e.strictHash && req.Message.ConstitutionalHash != constitutional.Hash {
			lr.Action = ActionBlock
			lr.Violations = append(lr.Violations, Violation{
				Layer:    e.Name(),
				Rule:     "constitutional_hash_mismatch",
				Severity: SeverityCritical,
				Detail:   "Constitutional hash mismatch: got " + constitutional.MaskHash(req.Message.ConstitutionalHash),
			})
			return lr, nil
		}
		if e.scorer != nil {
			score := e.scorer.Score(ctx, req.Message)
			lr.Metadata["impact_score"] = score
			if score >= e.threshold {
				lr.Action = ActionEscalate
				lr.Violations = append(lr.Violations, Violation{
					Layer:    e.Name(),
					Rule:     "deliberation_required",
					Severity: SeverityHigh,
					Detail:   fmt.Sprintf("impact score %.2f at or above threshold %.2f", score, e.threshold),
				})
			}
		}
	}

	return lr, nil
}
