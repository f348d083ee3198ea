package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/store"
)

// Source tag stamped on envelopes published by the language service.
const sourceLanguage = "language"

// pivotLanguage is the language bots operate in. Inbound content is
// normalized to it, outbound content is translated away from it.
const pivotLanguage = "en"

// LanguageService consumes the language topic. Inbound work normalizes
// user content to the pivot language and forwards it to the flow topic;
// outbound work translates bot content to the user's language and
// forwards it to the channel topic.
type LanguageService struct {
	store    store.Store
	producer commbus.Producer
	bus      commbus.Bus
	provider LanguageProvider
	logger   *zap.Logger
}

// NewLanguageService creates a LanguageService.
func NewLanguageService(st store.Store, bus commbus.Bus, provider LanguageProvider, logger *zap.Logger) *LanguageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LanguageService{store: st, producer: bus, bus: bus, provider: provider, logger: logger}
}

// Run consumes the language topic until ctx is done.
func (s *LanguageService) Run(ctx context.Context) error {
	consumer, err := s.bus.Subscribe(commbus.TopicLanguage, "language-service")
	if err != nil {
		return err
	}
	defer consumer.Close()

	s.logger.Info("language service started")
	return Consume(ctx, s.logger, consumer, "language", s.handle)
}

func (s *LanguageService) handle(ctx context.Context, payload []byte) error {
	var env envelope.Language
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	switch env.Intent {
	case envelope.LanguageIntentIn:
		return s.handleInbound(ctx, &env)
	case envelope.LanguageIntentOut:
		return s.handleOutbound(ctx, &env)
	}
	return envelope.NewValidationError("intent", "unknown language intent: "+string(env.Intent))
}

// userLanguage returns the turn's user language preference, falling
// back to the pivot language for users who never picked one.
func (s *LanguageService) userLanguage(ctx context.Context, turnID string) (string, error) {
	user, err := s.store.GetUserByTurn(ctx, turnID)
	if err != nil {
		return "", err
	}
	if user.Language == nil || *user.Language == "" {
		return pivotLanguage, nil
	}
	return *user.Language, nil
}

// =============================================================================
// INBOUND
// =============================================================================

// handleInbound normalizes user content to the pivot language and
// publishes it to the flow topic as user input. Audio is transcribed
// first; the bot always receives text.
func (s *LanguageService) handleInbound(ctx context.Context, env *envelope.Language) error {
	lang, err := s.userLanguage(ctx, env.TurnID)
	if err != nil {
		return err
	}

	msg := env.Message
	if msg.Type == envelope.MessageTypeAudio {
		text, err := s.provider.Transcribe(ctx, msg.Audio.MediaURL, lang)
		if err != nil {
			return err
		}
		msg = envelope.NewTextMessage(text)
	}

	translated, err := s.translateMessage(ctx, &msg, lang, pivotLanguage)
	if err != nil {
		return err
	}

	return commbus.PublishJSON(ctx, s.producer, commbus.TopicFlow, &envelope.Flow{
		Source:    sourceLanguage,
		Intent:    envelope.FlowIntentUserInput,
		UserInput: &envelope.UserInput{TurnID: env.TurnID, Message: *translated},
	})
}

// =============================================================================
// OUTBOUND
// =============================================================================

// handleOutbound translates bot content to the user's language and
// publishes it to the channel topic for delivery.
func (s *LanguageService) handleOutbound(ctx context.Context, env *envelope.Language) error {
	lang, err := s.userLanguage(ctx, env.TurnID)
	if err != nil {
		return err
	}

	translated, err := s.translateMessage(ctx, &env.Message, pivotLanguage, lang)
	if err != nil {
		return err
	}

	return commbus.PublishJSON(ctx, s.producer, commbus.TopicChannel, &envelope.Channel{
		Source:    sourceLanguage,
		TurnID:    env.TurnID,
		Intent:    envelope.ChannelIntentOut,
		BotOutput: translated,
	})
}

// =============================================================================
// TRANSLATION
// =============================================================================

// translateMessage returns a copy of msg with every human-readable field
// translated. Structural fields (IDs, URLs, form definitions) are left
// untouched. Translation between identical languages is the identity.
func (s *LanguageService) translateMessage(ctx context.Context, msg *envelope.Message, from, to string) (*envelope.Message, error) {
	out := *msg
	if from == to {
		return &out, nil
	}

	tr := func(text string) (string, error) {
		if text == "" {
			return "", nil
		}
		return s.provider.Translate(ctx, text, from, to)
	}

	var err error
	switch out.Type {
	case envelope.MessageTypeText:
		cp := *out.Text
		if cp.Header, err = tr(cp.Header); err != nil {
			return nil, err
		}
		if cp.Body, err = tr(cp.Body); err != nil {
			return nil, err
		}
		if cp.Footer, err = tr(cp.Footer); err != nil {
			return nil, err
		}
		out.Text = &cp

	case envelope.MessageTypeImage:
		cp := *out.Image
		if cp.Caption, err = tr(cp.Caption); err != nil {
			return nil, err
		}
		out.Image = &cp

	case envelope.MessageTypeDocument:
		cp := *out.Document
		if cp.Caption, err = tr(cp.Caption); err != nil {
			return nil, err
		}
		out.Document = &cp

	case envelope.MessageTypeInteractiveList:
		cp := *out.InteractiveList
		if cp.Header, err = tr(cp.Header); err != nil {
			return nil, err
		}
		if cp.Body, err = tr(cp.Body); err != nil {
			return nil, err
		}
		if cp.Footer, err = tr(cp.Footer); err != nil {
			return nil, err
		}
		if cp.ButtonText, err = tr(cp.ButtonText); err != nil {
			return nil, err
		}
		cp.Options, err = s.translateOptions(ctx, out.InteractiveList.Options, from, to)
		if err != nil {
			return nil, err
		}
		out.InteractiveList = &cp

	case envelope.MessageTypeInteractiveButton:
		cp := *out.InteractiveButton
		if cp.Header, err = tr(cp.Header); err != nil {
			return nil, err
		}
		if cp.Body, err = tr(cp.Body); err != nil {
			return nil, err
		}
		if cp.Footer, err = tr(cp.Footer); err != nil {
			return nil, err
		}
		cp.Options, err = s.translateOptions(ctx, out.InteractiveButton.Options, from, to)
		if err != nil {
			return nil, err
		}
		out.InteractiveButton = &cp
	}
	return &out, nil
}

// translateOptions translates option labels, preserving option IDs.
func (s *LanguageService) translateOptions(ctx context.Context, options []envelope.Option, from, to string) ([]envelope.Option, error) {
	out := make([]envelope.Option, len(options))
	for i, opt := range options {
		text, err := s.provider.Translate(ctx, opt.Text, from, to)
		if err != nil {
			return nil, err
		}
		out[i] = envelope.Option{ID: opt.ID, Text: text}
	}
	return out, nil
}
