package guardrails

import (
	"context"
	"fmt"
	"regexp"
)

// harmfulPatterns cover instructions and content the bus must never emit.
var harmfulPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"weapon_instructions", regexp.MustCompile(`(?i)how\s+to\s+(build|make|synthesi[sz]e)\s+(a\s+)?(bomb|explosive|weapon|nerve\s+agent)`)},
	{"malware_instructions", regexp.MustCompile(`(?i)(write|create|generate)\s+(ransomware|keylogger|rootkit|botnet)`)},
	{"self_harm", regexp.MustCompile(`(?i)(methods?|ways?)\s+(to|of)\s+(self[- ]harm|suicide)`)},
	{"credential_exfil", regexp.MustCompile(`(?i)(exfiltrate|leak|dump)\s+(credentials?|secrets?|private\s+keys?)`)},
	{"system_prompt_leak", regexp.MustCompile(`(?i)(here\s+is|revealing)\s+(my|the)\s+system\s+prompt`)},
}

// OutputVerifier is pipeline layer 5: the outgoing content is re-screened
// for harmful material and PII. Harmful content blocks; PII is always
// redacted on the way out.
type OutputVerifier struct{}

// NewOutputVerifier builds the layer.
func NewOutputVerifier() *OutputVerifier { return &OutputVerifier{} }

func (o *OutputVerifier) Name() string { return "output_verifier" }

func (o *OutputVerifier) Check(_ context.Context, req *Request) (*LayerResult, error) {
	lr := &LayerResult{Layer: o.Name(), Action: ActionAllow}
	if req.Output == "" {
		return lr, nil
	}

	for _, h := range harmfulPatterns {
		if h.pattern.MatchString(req.Output) {
			lr.Action = ActionBlock
			lr.Violations = append(lr.Violations, Violation{
				Layer:    o.Name(),
				Rule:     "harmful_content_" + h.name,
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("outgoing content matched %s", h.name),
			})
			return lr, nil
		}
	}

	output := req.Output
	redacted := 0
	for _, pii := range piiPatterns {
		if pii.pattern.MatchString(output) {
			output = pii.pattern.ReplaceAllString(output, "[REDACTED:"+pii.name+"]")
			redacted++
			lr.Violations = append(lr.Violations, Violation{
				Layer:    o.Name(),
				Rule:     "pii_redacted_" + pii.name,
				Severity: SeverityMedium,
				Detail:   "personal data redacted from output",
			})
		}
	}
	if redacted > 0 {
		lr.Action = ActionModify
		lr.ModifiedOutput = output
	}
	return lr, nil
}
