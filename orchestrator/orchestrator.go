// Package orchestrator drives the turn lifecycle: it consumes Flow
// envelopes, executes bot FSM turns against the session store, and
// routes each ordered FSM output to its destination topic.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/dialog"
	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/observability"
	"github.com/fluxbot-cluster/fluxbot/runtime"
	"github.com/fluxbot-cluster/fluxbot/secrets"
	"github.com/fluxbot-cluster/fluxbot/store"
)

var tracer = otel.Tracer("fluxbot/orchestrator")

// Source tag stamped on every envelope this package publishes.
const sourceFlow = "flow"

// Invoker is the runtime surface the orchestrator needs. Satisfied by
// *runtime.Manager; tests substitute a scripted fake.
type Invoker interface {
	Install(ctx context.Context, bot *store.Bot) error
	Delete(botID string) error
	Invoke(ctx context.Context, req runtime.InvokeRequest) (*runtime.InvokeResult, error)
}

// Orchestrator handles every Flow intent.
type Orchestrator struct {
	store    store.Store
	invoker  Invoker
	dialog   *dialog.Controller
	producer commbus.Producer
	cipher   *secrets.Cipher
	logger   *zap.Logger
}

// New creates an Orchestrator.
func New(st store.Store, invoker Invoker, dc *dialog.Controller, producer commbus.Producer, cipher *secrets.Cipher, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		invoker:  invoker,
		dialog:   dc,
		producer: producer,
		cipher:   cipher,
		logger:   logger,
	}
}

// HandleFlow dispatches one Flow envelope. The envelope is assumed
// validated at decode.
func (o *Orchestrator) HandleFlow(ctx context.Context, env *envelope.Flow) error {
	switch env.Intent {
	case envelope.FlowIntentBot:
		return o.handleBotLifecycle(ctx, env.BotConfig)
	case envelope.FlowIntentUserInput:
		return o.handleUserInput(ctx, env.UserInput)
	case envelope.FlowIntentCallback:
		return o.RunTurn(ctx, env.Callback.TurnID, envelope.NewCallbackFSMInput(env.Callback.CallbackInput))
	case envelope.FlowIntentDialog:
		return o.handleDialog(ctx, env.Dialog)
	}
	return envelope.NewValidationError("intent", "unknown flow intent: "+string(env.Intent))
}

// =============================================================================
// BOT LIFECYCLE
// =============================================================================

// handleBotLifecycle installs or deletes a bot. Both operations are
// idempotent: install replaces the record and environment wholesale,
// delete tolerates an already-deleted bot.
func (o *Orchestrator) handleBotLifecycle(ctx context.Context, cfg *envelope.BotConfig) error {
	switch cfg.Intent {
	case envelope.BotIntentInstall:
		bot, err := o.store.GetBot(ctx, cfg.BotID)
		if store.IsNotFound(err) {
			bot = &store.Bot{ID: cfg.BotID}
		} else if err != nil {
			return err
		}
		bot.SessionTimeout = time.Duration(cfg.Bot.SessionTimeoutSeconds) * time.Second
		bot.Name = cfg.Bot.Name
		bot.FSMCode = cfg.Bot.FSMCode
		bot.RequirementsTxt = cfg.Bot.RequirementsTxt
		bot.IndexURLs = cfg.Bot.IndexURLs
		bot.Status = store.BotStatusActive
		if err := o.store.CreateBot(ctx, bot); err != nil {
			return err
		}
		if err := o.invoker.Install(ctx, bot); err != nil {
			observability.RecordBotInstall("error")
			return err
		}
		observability.RecordBotInstall("ok")
		o.logger.Info("bot installed", zap.String("bot_id", bot.ID), zap.String("bot_name", bot.Name))
		return nil

	case envelope.BotIntentDelete:
		if err := o.invoker.Delete(cfg.BotID); err != nil {
			return err
		}
		if err := o.store.UpdateBotStatus(ctx, cfg.BotID, store.BotStatusDeleted); err != nil && !store.IsNotFound(err) {
			return err
		}
		o.logger.Info("bot deleted", zap.String("bot_id", cfg.BotID))
		return nil
	}
	return envelope.NewValidationError("intent", "unknown bot intent: "+string(cfg.Intent))
}

// ReinstallActiveBots rebuilds the environment of every active bot.
// Run at startup so a fresh host can serve bots installed before it
// existed. A single failing bot is logged and skipped.
func (o *Orchestrator) ReinstallActiveBots(ctx context.Context) error {
	bots, err := o.store.ListActiveBots(ctx)
	if err != nil {
		return err
	}
	for _, bot := range bots {
		if err := o.invoker.Install(ctx, bot); err != nil {
			o.logger.Error("startup reinstall failed",
				zap.String("bot_id", bot.ID),
				zap.Error(err))
		}
	}
	return nil
}

// =============================================================================
// TURN EXECUTION
// =============================================================================

func (o *Orchestrator) handleUserInput(ctx context.Context, in *envelope.UserInput) error {
	// Derive before recording so a message of an unsupported kind is
	// rejected without leaving a record for a turn that never ran.
	input, err := DeriveFSMInput(&in.Message)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(&in.Message)
	if err != nil {
		return err
	}
	if err := o.store.CreateMessage(ctx, &store.MessageRecord{
		TurnID:      in.TurnID,
		Direction:   store.DirectionUserSent,
		MessageType: string(in.Message.Type),
		Payload:     payload,
	}); err != nil {
		return err
	}
	return o.RunTurn(ctx, in.TurnID, input)
}

func (o *Orchestrator) handleDialog(ctx context.Context, d *envelope.Dialog) error {
	input, err := o.dialog.Handle(ctx, d.TurnID, &d.Message)
	if err != nil {
		return err
	}
	if input == nil {
		return nil
	}
	return o.RunTurn(ctx, d.TurnID, *input)
}

// RunTurn executes one FSM turn: resolve the session, invoke the bot
// with decrypted credentials, persist the new state, then route every
// output in emission order.
func (o *Orchestrator) RunTurn(ctx context.Context, turnID string, input envelope.FSMInput) (err error) {
	ctx, span := tracer.Start(ctx, "fsm_turn")
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
		}
		observability.RecordTurn(status, int(time.Since(start).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(attribute.String("turn_id", turnID))

	turn, err := o.store.GetTurn(ctx, turnID)
	if err != nil {
		return err
	}
	bot, err := o.store.GetBot(ctx, turn.BotID)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("bot_id", bot.ID))

	sess, err := o.store.ResolveSession(ctx, turnID)
	if err != nil {
		return err
	}

	creds, err := o.cipher.DecryptMap(bot.Credentials)
	if err != nil {
		return err
	}

	result, err := o.invoker.Invoke(ctx, runtime.InvokeRequest{
		BotID:       bot.ID,
		BotName:     bot.Name,
		Input:       input,
		State:       sess.State,
		Credentials: creds,
		ConfigEnv:   bot.ConfigEnv,
	})
	if err != nil {
		return err
	}

	if result.NewState != nil {
		if err := o.store.PersistState(ctx, sess.ID, result.NewState); err != nil {
			return err
		}
	}

	for _, out := range result.Outputs {
		if err := o.routeOutput(ctx, turnID, out); err != nil {
			return err
		}
	}
	return nil
}

// routeOutput publishes one FSM output to its destination topic.
//
//   - SEND_MESSAGE with a form goes straight to the channel topic;
//     forms are structural and never translated.
//   - Any other SEND_MESSAGE goes through the language topic.
//   - CONVERSATION_RESET re-enters the flow topic as a dialog envelope.
//   - LANGUAGE_CHANGE sends the language picker to the channel topic,
//     bypassing translation.
//   - RAG_CALL goes to the retrieval topic.
func (o *Orchestrator) routeOutput(ctx context.Context, turnID string, out envelope.FSMOutput) error {
	switch out.Intent {
	case envelope.FSMIntentSendMessage:
		if out.Message.Type == envelope.MessageTypeForm {
			return commbus.PublishJSON(ctx, o.producer, commbus.TopicChannel, &envelope.Channel{
				Source:    sourceFlow,
				TurnID:    turnID,
				Intent:    envelope.ChannelIntentOut,
				BotOutput: out.Message,
			})
		}
		return commbus.PublishJSON(ctx, o.producer, commbus.TopicLanguage, &envelope.Language{
			Source:  sourceFlow,
			TurnID:  turnID,
			Intent:  envelope.LanguageIntentOut,
			Message: *out.Message,
		})

	case envelope.FSMIntentConversationReset:
		return commbus.PublishJSON(ctx, o.producer, commbus.TopicFlow, &envelope.Flow{
			Source: sourceFlow,
			Intent: envelope.FlowIntentDialog,
			Dialog: &envelope.Dialog{
				TurnID:  turnID,
				Message: envelope.NewDialogMessage(envelope.DialogEventConversationReset, ""),
			},
		})

	case envelope.FSMIntentLanguageChange:
		prompt := dialog.LanguagePrompt()
		return commbus.PublishJSON(ctx, o.producer, commbus.TopicChannel, &envelope.Channel{
			Source:    sourceFlow,
			TurnID:    turnID,
			Intent:    envelope.ChannelIntentOut,
			BotOutput: &prompt,
		})

	case envelope.FSMIntentRAGCall:
		return commbus.PublishJSON(ctx, o.producer, commbus.TopicRetrieval, &envelope.Retrieval{
			Source:         sourceFlow,
			TurnID:         turnID,
			CollectionName: out.RAGQuery.CollectionName,
			Query:          out.RAGQuery.Query,
			TopChunkK:      out.RAGQuery.TopChunkK,
		})
	}
	return envelope.NewValidationError("intent", "unknown fsm intent: "+string(out.Intent))
}
