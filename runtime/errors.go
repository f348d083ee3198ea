package runtime

import (
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// InstallError is returned when environment provisioning fails.
// The partially built environment is discarded before this is returned.
type InstallError struct {
	BotID string
	Stage string
	Cause error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install bot %s: %s: %v", e.BotID, e.Stage, e.Cause)
}

func (e *InstallError) Unwrap() error {
	return e.Cause
}

// NewInstallError creates a new InstallError.
func NewInstallError(botID, stage string, cause error) *InstallError {
	return &InstallError{BotID: botID, Stage: stage, Cause: cause}
}

// InvocationError is returned when an FSM subprocess fails before
// emitting any output.
type InvocationError struct {
	BotID  string
	Stderr string
	Cause  error
}

func (e *InvocationError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("invoke bot %s: %v: %s", e.BotID, e.Cause, e.Stderr)
	}
	return fmt.Sprintf("invoke bot %s: %v", e.BotID, e.Cause)
}

func (e *InvocationError) Unwrap() error {
	return e.Cause
}

// NewInvocationError creates a new InvocationError.
func NewInvocationError(botID, stderr string, cause error) *InvocationError {
	return &InvocationError{BotID: botID, Stderr: stderr, Cause: cause}
}

// NotInstalledError is returned when invoking a bot with no environment.
type NotInstalledError struct {
	BotID string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("bot %s is not installed", e.BotID)
}

// NewNotInstalledError creates a new NotInstalledError.
func NewNotInstalledError(botID string) *NotInstalledError {
	return &NotInstalledError{BotID: botID}
}
