package envelope

import (
	"fmt"
)

// ValidationError indicates an envelope or message whose declared tag does
// not match its payload. Validation errors are terminal for the envelope:
// reject, log, never retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
