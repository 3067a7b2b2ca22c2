package processor

import (
	"context"
	"fmt"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
)

// Validator checks a message before any handler runs. A false result
// carries a human-readable reason; reasons never disclose the expected
// hash in full.
type Validator interface {
	Validate(ctx context.Context, msg *messaging.AgentMessage) (bool, string)
}

// StaticValidator is the deterministic baseline validator: message id and
// content are required, and in strict mode the constitutional hash must
// match the fleet constant.
type StaticValidator struct {
	strict bool
}

// NewStaticValidator returns a validator; strict enables the hash check.
func NewStaticValidator(strict bool) *StaticValidator {
	return &StaticValidator{strict: strict}
}

func (v *StaticValidator) Validate(_ context.Context, msg *messaging.AgentMessage) (bool, string) {
	if msg == nil {
		return false, "Message cannot be nil"
	}
	if msg.MessageID == "" {
		return false, "Message ID is required"
	}
	if msg.Content == nil {
		return false, "Message content cannot be nil"
	}
	if v.strict && msg.ConstitutionalHash != constitutional.Hash {
		return false, fmt.Sprintf("Constitutional hash mismatch: expected %s, got %s",
			constitutional.MaskHash(constitutional.Hash),
			constitutional.MaskHash(msg.ConstitutionalHash))
	}
	return true, ""
}
