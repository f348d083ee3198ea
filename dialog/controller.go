// Package dialog implements the platform-level conversation controls
// that run outside any bot FSM: conversation reset and language
// selection.
//
// Dialog events arrive from two directions. Bots emit
// CONVERSATION_RESET and LANGUAGE_CHANGE as FSM outputs; channels send
// CONVERSATION_RESET and LANGUAGE_SELECTED when the user acts on a
// platform control. The controller turns the inbound events into
// synthetic FSM inputs so bots observe them as ordinary turns.
package dialog

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/store"
)

// Synthetic FSM inputs injected after a dialog event.
const (
	resetInput            = "reset"
	languageSelectedInput = "language_selected"
)

// Controller applies dialog events against the session store.
type Controller struct {
	store  store.Store
	logger *zap.Logger
}

// NewController creates a new Controller.
func NewController(st store.Store, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: st, logger: logger}
}

// Handle processes one inbound dialog message for a turn and returns
// the synthetic FSM input the bot should run next, or nil when the
// event produces no bot turn.
//
//   - CONVERSATION_RESET discards the live session and starts the bot
//     over on a fresh one with input "reset".
//   - LANGUAGE_SELECTED persists the user's language preference and
//     tells the bot with input "language_selected" on the current
//     session, which survives the language switch.
func (c *Controller) Handle(ctx context.Context, turnID string, msg *envelope.Message) (*envelope.FSMInput, error) {
	if msg.Type != envelope.MessageTypeDialog || msg.Dialog == nil {
		return nil, envelope.NewValidationError("message", "dialog message required")
	}

	switch msg.Dialog.DialogID {
	case envelope.DialogEventConversationReset:
		if _, err := c.store.ForceNewSession(ctx, turnID); err != nil {
			return nil, err
		}
		c.logger.Info("conversation reset", zap.String("turn_id", turnID))
		in := envelope.NewUserFSMInput(resetInput)
		return &in, nil

	case envelope.DialogEventLanguageSelected:
		lang := msg.Dialog.DialogInput
		if lang == "" {
			return nil, envelope.NewValidationError("dialog_input", "selected language is required")
		}
		if err := c.store.UpdateUserLanguageByTurn(ctx, turnID, lang); err != nil {
			return nil, err
		}
		c.logger.Info("language selected",
			zap.String("turn_id", turnID),
			zap.String("language", lang))
		in := envelope.NewUserFSMInput(languageSelectedInput)
		return &in, nil

	case envelope.DialogEventLanguageChange:
		// Outbound-only event; bots raise it, users never send it.
		return nil, envelope.NewValidationError("dialog_id", "LANGUAGE_CHANGE is not an inbound dialog event")

	default:
		return nil, envelope.NewValidationError("dialog_id", "unknown dialog event: "+string(msg.Dialog.DialogID))
	}
}

// LanguagePrompt builds the outbound dialog message shown when a bot
// requests a language switch. Channel adapters render it as their
// native language picker. It bypasses the language pipeline: the
// prompt itself must be readable regardless of the stored preference.
func LanguagePrompt() envelope.Message {
	return envelope.NewDialogMessage(envelope.DialogEventLanguageChange, "")
}
