package handoff

import (
	"errors"
	"fmt"

	"github.com/kalambet/tutor/internal/persona"
)

// Caller input errors. They are recoverable: the session state is left
// exactly as it was and the driver may retry with corrected input.
var (
	ErrUnknownPersona    = errors.New("unknown persona")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnknownTopic      = errors.New("unknown topic")
	ErrNotActive         = errors.New("persona is not active")
	ErrNoActiveTopic     = errors.New("no active topic")
)

// TransferError tags a rejected request with the offending ids. Kind is one
// of the sentinel errors above and is what errors.Is matches.
type TransferError struct {
	Kind  error
	From  persona.ID
	To    persona.ID
	Topic string
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case ErrUnknownPersona:
		return fmt.Sprintf("%v: %q", e.Kind, e.To)
	case ErrInvalidTransition:
		return fmt.Sprintf("%v: %q cannot hand off to %q", e.Kind, e.From, e.To)
	case ErrUnknownTopic:
		return fmt.Sprintf("%v: %q", e.Kind, e.Topic)
	case ErrNotActive:
		return fmt.Sprintf("%v: %q (active is %q)", e.Kind, e.To, e.From)
	default:
		return e.Kind.Error()
	}
}

func (e *TransferError) Unwrap() error { return e.Kind }
