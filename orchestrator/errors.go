package orchestrator

import (
	"fmt"

	"github.com/fluxbot-cluster/fluxbot/envelope"
)

// UnsupportedKindError is returned when a message kind cannot be turned
// into FSM input. The turn is dropped, not failed upstream.
type UnsupportedKindError struct {
	Kind envelope.MessageType
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("message kind %s cannot be converted to fsm input", e.Kind)
}

// NewUnsupportedKindError creates a new UnsupportedKindError.
func NewUnsupportedKindError(kind envelope.MessageType) *UnsupportedKindError {
	return &UnsupportedKindError{Kind: kind}
}
