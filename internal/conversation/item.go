// Package conversation holds the ordered dialogue items a persona owns and the
// windowing rules used when items move between personas.
package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind distinguishes spoken messages from tool traffic.
type Kind string

const (
	KindMessage    Kind = "message"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
)

// Role is the speaker of a message item.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// Item is one entry in a persona's conversation history. Payload is opaque to
// the handoff engine; message payloads are conventionally a JSON string.
type Item struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Role    Role            `json:"role,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message item with a fresh id and a JSON string payload.
func NewMessage(role Role, text string) Item {
	payload, _ := json.Marshal(text)
	return Item{
		ID:      uuid.New().String(),
		Kind:    KindMessage,
		Role:    role,
		Payload: payload,
	}
}

// IsTool reports whether the item is a tool call or tool result.
func (i Item) IsTool() bool {
	return i.Kind == KindToolCall || i.Kind == KindToolResult
}

// Text returns the payload as text. JSON string payloads are unquoted; any
// other payload is returned verbatim.
func (i Item) Text() string {
	if len(i.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(i.Payload, &s); err == nil {
		return s
	}
	return string(i.Payload)
}

// Validate checks the kind and, for messages, the role.
func (i Item) Validate() error {
	switch i.Kind {
	case KindMessage:
		switch i.Role {
		case RoleSystem, RoleUser, RoleAgent:
			return nil
		default:
			return fmt.Errorf("message %q has invalid role %q", i.ID, i.Role)
		}
	case KindToolCall, KindToolResult:
		return nil
	default:
		return fmt.Errorf("item %q has invalid kind %q", i.ID, i.Kind)
	}
}
