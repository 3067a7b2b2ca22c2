// Package processor runs messages through governance: prompt-injection
// screening, a validation strategy chain, impact scoring and decision
// logging. Strategies return a verdict and an error; a non-nil error marks
// an availability failure (backend down, breaker open) that a composite may
// recover from, while a nil error means the verdict is final, denials
// included.
package processor

import (
	"context"
	"fmt"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
)

// Handler consumes a delivered message. Handlers run sequentially in
// registration order; an error fails the message.
type Handler func(ctx context.Context, msg *messaging.AgentMessage) error

// Handlers maps message types to their registered handlers.
type Handlers map[messaging.MessageType][]Handler

// Strategy validates a message and, on success, executes its handlers.
type Strategy interface {
	Process(ctx context.Context, msg *messaging.AgentMessage, handlers Handlers) (*constitutional.ValidationResult, error)
	Available() bool
	Name() string
}

// executeHandlers drives the message through PROCESSING into DELIVERED or
// FAILED. Handler errors and panics both fail the message with a reason.
func executeHandlers(ctx context.Context, msg *messaging.AgentMessage, handlers Handlers) (result *constitutional.ValidationResult) {
	_ = msg.SetStatus(messaging.StatusProcessing)

	defer func() {
		if r := recover(); r != nil {
			_ = msg.SetStatus(messaging.StatusFailed)
			result = constitutional.NewInvalid(fmt.Sprintf("Handler panic: %v", r))
		}
	}()

	for _, handler := range handlers[msg.Type] {
		if err := handler(ctx, msg); err != nil {
			_ = msg.SetStatus(messaging.StatusFailed)
			return constitutional.NewInvalid(fmt.Sprintf("Handler error: %T: %v", err, err))
		}
	}

	_ = msg.SetStatus(messaging.StatusDelivered)
	return constitutional.NewValid()
}
