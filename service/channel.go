package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/store"
)

// Source tag stamped on envelopes published by the channel service.
const sourceChannel = "channel"

// ChannelService consumes the channel topic. Inbound payloads are
// parsed into canonical Messages and routed onward; outbound Messages
// are delivered through the matching channel adapter and recorded.
type ChannelService struct {
	store    store.Store
	producer commbus.Producer
	bus      commbus.Bus
	adapters map[string]ChannelAdapter
	logger   *zap.Logger
}

// NewChannelService creates a ChannelService over the given adapters.
func NewChannelService(st store.Store, bus commbus.Bus, adapters []ChannelAdapter, logger *zap.Logger) *ChannelService {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]ChannelAdapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &ChannelService{store: st, producer: bus, bus: bus, adapters: byName, logger: logger}
}

// Run consumes the channel topic until ctx is done.
func (s *ChannelService) Run(ctx context.Context) error {
	consumer, err := s.bus.Subscribe(commbus.TopicChannel, "channel-service")
	if err != nil {
		return err
	}
	defer consumer.Close()

	s.logger.Info("channel service started")
	return Consume(ctx, s.logger, consumer, "channel", s.handle)
}

func (s *ChannelService) handle(ctx context.Context, payload []byte) error {
	var env envelope.Channel
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	switch env.Intent {
	case envelope.ChannelIntentIn:
		return s.handleInbound(ctx, &env)
	case envelope.ChannelIntentOut:
		return s.handleOutbound(ctx, &env)
	}
	return envelope.NewValidationError("intent", "unknown channel intent: "+string(env.Intent))
}

// =============================================================================
// INBOUND
// =============================================================================

// handleInbound parses the raw payload and routes the canonical message:
//
//   - dialog messages become Flow dialog envelopes
//   - structured replies (interactive_reply, form_reply) become Flow
//     user_input directly; they carry option IDs, not prose
//   - translatable kinds go to the language topic for normalization
func (s *ChannelService) handleInbound(ctx context.Context, env *envelope.Channel) error {
	adapter, ok := s.adapters[env.BotInput.ChannelName]
	if !ok {
		return fmt.Errorf("no adapter registered for channel %q", env.BotInput.ChannelName)
	}
	msg, err := adapter.Parse(ctx, env.BotInput)
	if err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	switch {
	case msg.Type == envelope.MessageTypeDialog:
		return commbus.PublishJSON(ctx, s.producer, commbus.TopicFlow, &envelope.Flow{
			Source: sourceChannel,
			Intent: envelope.FlowIntentDialog,
			Dialog: &envelope.Dialog{TurnID: env.TurnID, Message: *msg},
		})

	case msg.Type == envelope.MessageTypeInteractiveReply || msg.Type == envelope.MessageTypeFormReply:
		return commbus.PublishJSON(ctx, s.producer, commbus.TopicFlow, &envelope.Flow{
			Source:    sourceChannel,
			Intent:    envelope.FlowIntentUserInput,
			UserInput: &envelope.UserInput{TurnID: env.TurnID, Message: *msg},
		})

	case msg.Type.Translatable():
		return commbus.PublishJSON(ctx, s.producer, commbus.TopicLanguage, &envelope.Language{
			Source:  sourceChannel,
			TurnID:  env.TurnID,
			Intent:  envelope.LanguageIntentIn,
			Message: *msg,
		})
	}
	return NewUnroutableMessageError(msg.Type)
}

// =============================================================================
// OUTBOUND
// =============================================================================

// handleOutbound records and delivers one bot message to the user.
func (s *ChannelService) handleOutbound(ctx context.Context, env *envelope.Channel) error {
	channel, err := s.store.GetChannelByTurn(ctx, env.TurnID)
	if err != nil {
		return err
	}
	adapter, ok := s.adapters[channel.Type]
	if !ok {
		return fmt.Errorf("no adapter registered for channel %q", channel.Type)
	}
	user, err := s.store.GetUserByTurn(ctx, env.TurnID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(env.BotOutput)
	if err != nil {
		return err
	}
	rec := &store.MessageRecord{
		TurnID:      env.TurnID,
		Direction:   store.DirectionBotSent,
		MessageType: string(env.BotOutput.Type),
		Payload:     payload,
	}
	if err := s.store.CreateMessage(ctx, rec); err != nil {
		return err
	}

	if err := adapter.Send(ctx, channel, user, env.BotOutput); err != nil {
		return err
	}
	return s.store.MarkMessageDelivered(ctx, rec.ID)
}

// UnroutableMessageError is returned for inbound kinds that have no
// route to a bot (outbound-only kinds arriving inbound).
type UnroutableMessageError struct {
	Kind envelope.MessageType
}

func (e *UnroutableMessageError) Error() string {
	return fmt.Sprintf("inbound message kind %s has no route", e.Kind)
}

// NewUnroutableMessageError creates a new UnroutableMessageError.
func NewUnroutableMessageError(kind envelope.MessageType) *UnroutableMessageError {
	return &UnroutableMessageError{Kind: kind}
}
