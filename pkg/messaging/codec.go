package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireTimeLayout fixes timestamps to millisecond precision on the wire so
// that ToJSON/FromJSON round-trips are byte-stable across runtimes.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// MarshalJSON emits the wire form with ms-precision UTC timestamps.
func (m *AgentMessage) MarshalJSON() ([]byte, error) {
	type alias AgentMessage
	return json.Marshal(&struct {
		*alias
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}{
		alias:     (*alias)(m),
		CreatedAt: m.CreatedAt.UTC().Format(wireTimeLayout),
		UpdatedAt: m.UpdatedAt.UTC().Format(wireTimeLayout),
	})
}

// UnmarshalJSON parses the wire form, accepting any RFC 3339 fractional
// precision and truncating to milliseconds.
func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	type alias AgentMessage
	aux := struct {
		*alias
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if m.CreatedAt, err = parseWireTime(aux.CreatedAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	if m.UpdatedAt, err = parseWireTime(aux.UpdatedAt); err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	return nil
}

func parseWireTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// ToJSON serialises the message for transport and storage.
func (m *AgentMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserialises a message and validates its enums, so malformed
// wire input is rejected at the boundary instead of deep in the pipeline.
func FromJSON(data []byte) (*AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.MessageID == "" {
		return nil, fmt.Errorf("decode message: missing message_id")
	}
	if _, err := ParseMessageType(string(m.Type)); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if _, err := ParsePriority(string(m.Priority)); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if _, err := ParseStatus(string(m.Status)); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
