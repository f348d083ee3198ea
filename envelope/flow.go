package envelope

import (
	"encoding/json"
)

// =============================================================================
// FLOW INTENTS
// =============================================================================

// FlowIntent identifies which payload a Flow envelope carries.
type FlowIntent string

const (
	// FlowIntentBot carries a bot lifecycle operation (install/delete).
	FlowIntentBot FlowIntent = "bot"
	// FlowIntentCallback carries an async external callback for a turn.
	FlowIntentCallback FlowIntent = "callback"
	// FlowIntentUserInput carries a canonical user message for a turn.
	FlowIntentUserInput FlowIntent = "user_input"
	// FlowIntentDialog carries a system-level dialog event for a turn.
	FlowIntentDialog FlowIntent = "dialog"
)

// Valid reports whether i is a known flow intent.
func (i FlowIntent) Valid() bool {
	switch i {
	case FlowIntentBot, FlowIntentCallback, FlowIntentUserInput, FlowIntentDialog:
		return true
	}
	return false
}

// BotIntent identifies a bot lifecycle operation.
type BotIntent string

const (
	BotIntentInstall BotIntent = "install"
	BotIntentDelete  BotIntent = "delete"
)

// =============================================================================
// FLOW PAYLOADS
// =============================================================================

// BotSpec carries the installable artifact of a bot: its program source,
// dependency manifest and session timeout. The timeout is per bot and
// required; the platform prescribes no default.
type BotSpec struct {
	Name                  string   `json:"name"`
	FSMCode               string   `json:"fsm_code"`
	RequirementsTxt       string   `json:"requirements_txt"`
	IndexURLs             []string `json:"index_urls,omitempty"`
	SessionTimeoutSeconds int      `json:"session_timeout_seconds"`
}

// BotConfig is the payload for bot lifecycle intents. Spec is required for
// install and ignored for delete.
type BotConfig struct {
	BotID  string    `json:"bot_id"`
	Intent BotIntent `json:"intent"`
	Bot    *BotSpec  `json:"bot,omitempty"`
}

// Validate checks the lifecycle payload.
func (c *BotConfig) Validate() error {
	if c.BotID == "" {
		return NewValidationError("bot_id", "bot_id is required")
	}
	switch c.Intent {
	case BotIntentInstall:
		if c.Bot == nil {
			return NewValidationError("bot", "bot cannot be nil for intent: install")
		}
		if c.Bot.SessionTimeoutSeconds <= 0 {
			return NewValidationError("session_timeout_seconds", "session_timeout_seconds must be positive")
		}
	case BotIntentDelete:
	default:
		return NewValidationError("intent", "unknown bot intent: "+string(c.Intent))
	}
	return nil
}

// UserInput is the payload for user input intents.
type UserInput struct {
	TurnID  string  `json:"turn_id"`
	Message Message `json:"message"`
}

// Validate checks the user input payload.
func (u *UserInput) Validate() error {
	if u.TurnID == "" {
		return NewValidationError("turn_id", "turn_id is required")
	}
	return u.Message.Validate()
}

// Callback is the payload for callback intents. CallbackInput is the raw
// opaque callback body; the platform never interprets it.
type Callback struct {
	TurnID        string `json:"turn_id"`
	CallbackInput string `json:"callback_input"`
}

// Validate checks the callback payload.
func (c *Callback) Validate() error {
	if c.TurnID == "" {
		return NewValidationError("turn_id", "turn_id is required")
	}
	if c.CallbackInput == "" {
		return NewValidationError("callback_input", "callback_input is required")
	}
	return nil
}

// Dialog is the payload for dialog intents. Message must be Dialog kind.
type Dialog struct {
	TurnID  string  `json:"turn_id"`
	Message Message `json:"message"`
}

// Validate checks the dialog payload.
func (d *Dialog) Validate() error {
	if d.TurnID == "" {
		return NewValidationError("turn_id", "turn_id is required")
	}
	if err := d.Message.Validate(); err != nil {
		return err
	}
	if d.Message.Type != MessageTypeDialog {
		return NewValidationError("message", "dialog payload requires a dialog message")
	}
	return nil
}

// =============================================================================
// FLOW ENVELOPE
// =============================================================================

// Flow is the envelope consumed by the turn orchestrator: a tagged union
// over FlowIntent, exactly one matching payload present.
type Flow struct {
	Source    string     `json:"source"`
	Intent    FlowIntent `json:"intent"`
	BotConfig *BotConfig `json:"bot_config,omitempty"`
	Dialog    *Dialog    `json:"dialog,omitempty"`
	Callback  *Callback  `json:"callback,omitempty"`
	UserInput *UserInput `json:"user_input,omitempty"`
}

// Validate checks intent/payload consistency. This is the single canonical
// flow validator; every service decodes with it.
func (f *Flow) Validate() error {
	if !f.Intent.Valid() {
		return NewValidationError("intent", "unknown flow intent: "+string(f.Intent))
	}
	count := 0
	if f.BotConfig != nil {
		count++
	}
	if f.Dialog != nil {
		count++
	}
	if f.Callback != nil {
		count++
	}
	if f.UserInput != nil {
		count++
	}
	if count != 1 {
		return NewValidationError("intent", "exactly one payload must be present")
	}
	switch f.Intent {
	case FlowIntentBot:
		if f.BotConfig == nil {
			return NewValidationError("bot_config", "bot_config cannot be nil for intent: bot")
		}
		return f.BotConfig.Validate()
	case FlowIntentDialog:
		if f.Dialog == nil {
			return NewValidationError("dialog", "dialog cannot be nil for intent: dialog")
		}
		return f.Dialog.Validate()
	case FlowIntentCallback:
		if f.Callback == nil {
			return NewValidationError("callback", "callback cannot be nil for intent: callback")
		}
		return f.Callback.Validate()
	case FlowIntentUserInput:
		if f.UserInput == nil {
			return NewValidationError("user_input", "user_input cannot be nil for intent: user_input")
		}
		return f.UserInput.Validate()
	}
	return nil
}

// UnmarshalJSON decodes and validates in one step.
func (f *Flow) UnmarshalJSON(data []byte) error {
	type alias Flow
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = Flow(a)
	return f.Validate()
}
