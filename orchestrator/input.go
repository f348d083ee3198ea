package orchestrator

import (
	"encoding/json"

	"github.com/fluxbot-cluster/fluxbot/envelope"
)

// DeriveFSMInput converts a canonical inbound message into the single
// text input a bot FSM receives.
//
//   - text: the body as-is
//   - interactive_reply: the selected options serialized as JSON
//   - form_reply: the submitted form data serialized as JSON
//
// Every other kind has no FSM representation and yields an
// UnsupportedKindError.
func DeriveFSMInput(msg *envelope.Message) (envelope.FSMInput, error) {
	switch msg.Type {
	case envelope.MessageTypeText:
		return envelope.NewUserFSMInput(msg.Text.Body), nil

	case envelope.MessageTypeInteractiveReply:
		raw, err := json.Marshal(msg.InteractiveReply.Options)
		if err != nil {
			return envelope.FSMInput{}, err
		}
		return envelope.NewUserFSMInput(string(raw)), nil

	case envelope.MessageTypeFormReply:
		raw, err := json.Marshal(msg.FormReply.FormData)
		if err != nil {
			return envelope.FSMInput{}, err
		}
		return envelope.NewUserFSMInput(string(raw)), nil

	default:
		return envelope.FSMInput{}, NewUnsupportedKindError(msg.Type)
	}
}
