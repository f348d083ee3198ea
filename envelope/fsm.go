package envelope

import (
	"encoding/json"
)

// =============================================================================
// FSM CONTRACT
// =============================================================================
//
// The bot runtime contract is a pure function executed out-of-process:
//
//	(state, input, credentials, config) -> (outputs, new_state)
//
// FSMInput and FSMOutput are the two halves of that contract as they cross
// the subprocess boundary.

// FSMInput is the single input of one bot execution: exactly one of free-text
// user input or opaque callback text, never both.
type FSMInput struct {
	UserInput     *string `json:"user_input,omitempty"`
	CallbackInput *string `json:"callback_input,omitempty"`
}

// Validate enforces the exactly-one rule.
func (in *FSMInput) Validate() error {
	if in.UserInput == nil && in.CallbackInput == nil {
		return NewValidationError("fsm_input", "user_input or callback_input is required")
	}
	if in.UserInput != nil && in.CallbackInput != nil {
		return NewValidationError("fsm_input", "user_input and callback_input cannot be provided together")
	}
	return nil
}

// NewUserFSMInput creates an FSMInput carrying free-text user input.
func NewUserFSMInput(text string) FSMInput {
	return FSMInput{UserInput: &text}
}

// NewCallbackFSMInput creates an FSMInput carrying opaque callback text.
func NewCallbackFSMInput(text string) FSMInput {
	return FSMInput{CallbackInput: &text}
}

// FSMIntent identifies one output event emitted by a bot execution.
type FSMIntent string

const (
	FSMIntentSendMessage       FSMIntent = "SEND_MESSAGE"
	FSMIntentConversationReset FSMIntent = "CONVERSATION_RESET"
	FSMIntentLanguageChange    FSMIntent = "LANGUAGE_CHANGE"
	FSMIntentRAGCall           FSMIntent = "RAG_CALL"
)

// Valid reports whether i is a known FSM intent.
func (i FSMIntent) Valid() bool {
	switch i {
	case FSMIntentSendMessage, FSMIntentConversationReset, FSMIntentLanguageChange, FSMIntentRAGCall:
		return true
	}
	return false
}

// RAGQuery carries the parameters of a retrieval call issued by a bot.
type RAGQuery struct {
	CollectionName string `json:"collection_name"`
	Query          string `json:"query"`
	TopChunkK      int    `json:"top_chunk_k_value"`
}

// FSMOutput is one ordered output event of a bot execution.
type FSMOutput struct {
	Intent   FSMIntent `json:"intent"`
	Message  *Message  `json:"message,omitempty"`
	RAGQuery *RAGQuery `json:"rag_query,omitempty"`
}

// Validate checks the intent/payload pairing.
func (o *FSMOutput) Validate() error {
	if !o.Intent.Valid() {
		return NewValidationError("intent", "unknown fsm intent: "+string(o.Intent))
	}
	switch o.Intent {
	case FSMIntentSendMessage:
		if o.Message == nil {
			return NewValidationError("message", "message cannot be nil for intent: SEND_MESSAGE")
		}
		return o.Message.Validate()
	case FSMIntentRAGCall:
		if o.RAGQuery == nil {
			return NewValidationError("rag_query", "rag_query cannot be nil for intent: RAG_CALL")
		}
	}
	return nil
}

// UnmarshalJSON decodes and validates in one step. Outputs cross the
// subprocess stdout boundary, so the same rule applies there.
func (o *FSMOutput) UnmarshalJSON(data []byte) error {
	type alias FSMOutput
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*o = FSMOutput(a)
	return o.Validate()
}
