package envelope

import (
	"encoding/json"
)

// LanguageIntent identifies the direction of a Language envelope.
type LanguageIntent string

const (
	// LanguageIntentIn translates inbound content to English for the bot.
	LanguageIntentIn LanguageIntent = "language_in"
	// LanguageIntentOut translates outbound content to the user's language.
	LanguageIntentOut LanguageIntent = "language_out"
)

// Language is the envelope consumed by the language service.
type Language struct {
	Source  string         `json:"source"`
	TurnID  string         `json:"turn_id"`
	Intent  LanguageIntent `json:"intent"`
	Message Message        `json:"message"`
}

// Validate checks the envelope.
func (l *Language) Validate() error {
	if l.TurnID == "" {
		return NewValidationError("turn_id", "turn_id is required")
	}
	if l.Intent != LanguageIntentIn && l.Intent != LanguageIntentOut {
		return NewValidationError("intent", "unknown language intent: "+string(l.Intent))
	}
	return l.Message.Validate()
}

// UnmarshalJSON decodes and validates in one step.
func (l *Language) UnmarshalJSON(data []byte) error {
	type alias Language
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*l = Language(a)
	return l.Validate()
}
