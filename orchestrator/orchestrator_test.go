package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/dialog"
	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/runtime"
	"github.com/fluxbot-cluster/fluxbot/secrets"
	"github.com/fluxbot-cluster/fluxbot/store"
)

// fakeInvoker records calls and replays a scripted result.
type fakeInvoker struct {
	installs []string
	deletes  []string
	requests []runtime.InvokeRequest

	result     *runtime.InvokeResult
	invokeErr  error
	installErr map[string]error
}

func (f *fakeInvoker) Install(ctx context.Context, bot *store.Bot) error {
	f.installs = append(f.installs, bot.ID)
	if f.installErr != nil {
		return f.installErr[bot.ID]
	}
	return nil
}

func (f *fakeInvoker) Delete(botID string) error {
	f.deletes = append(f.deletes, botID)
	return nil
}

func (f *fakeInvoker) Invoke(ctx context.Context, req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
	f.requests = append(f.requests, req)
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &runtime.InvokeResult{}, nil
}

type fixture struct {
	store        *store.MemoryStore
	bus          *commbus.InMemoryBus
	invoker      *fakeInvoker
	orchestrator *Orchestrator

	channelOut   commbus.Consumer
	languageOut  commbus.Consumer
	flowOut      commbus.Consumer
	retrievalOut commbus.Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	cipher, err := secrets.NewCipher("unit-test-key")
	require.NoError(t, err)
	creds, err := cipher.EncryptMap(map[string]string{"OPENAI_API_KEY": "sk-live"})
	require.NoError(t, err)

	require.NoError(t, st.CreateBot(ctx, &store.Bot{
		ID:             "bot-1",
		Name:           "quiz",
		Credentials:    creds,
		ConfigEnv:      map[string]string{"MODE": "prod"},
		SessionTimeout: time.Hour,
		Status:         store.BotStatusActive,
	}))
	require.NoError(t, st.CreateChannel(ctx, &store.Channel{ID: "ch-1", BotID: "bot-1", Type: "telegram", AppID: "app-1", Status: store.ChannelStatusActive}))
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "user-1", BotID: "bot-1", Identifier: "tg:42"}))
	require.NoError(t, st.CreateTurn(ctx, &store.Turn{ID: "turn-1", BotID: "bot-1", ChannelID: "ch-1", UserID: "user-1"}))

	bus := commbus.NewInMemoryBus(zap.NewNop(), 64)
	f := &fixture{store: st, bus: bus, invoker: &fakeInvoker{}}
	f.channelOut, err = bus.Subscribe(commbus.TopicChannel, "test")
	require.NoError(t, err)
	f.languageOut, err = bus.Subscribe(commbus.TopicLanguage, "test")
	require.NoError(t, err)
	f.flowOut, err = bus.Subscribe(commbus.TopicFlow, "test")
	require.NoError(t, err)
	f.retrievalOut, err = bus.Subscribe(commbus.TopicRetrieval, "test")
	require.NoError(t, err)

	dc := dialog.NewController(st, zap.NewNop())
	f.orchestrator = New(st, f.invoker, dc, bus, cipher, zap.NewNop())
	return f
}

func receive[T any](t *testing.T, c commbus.Consumer) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := c.Receive(ctx)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(payload, &out))
	return out
}

func assertEmpty(t *testing.T, c commbus.Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	payload, err := c.Receive(ctx)
	require.Error(t, err, "unexpected envelope: %s", payload)
}

func sendMessageOutput(body string) envelope.FSMOutput {
	msg := envelope.NewTextMessage(body)
	return envelope.FSMOutput{Intent: envelope.FSMIntentSendMessage, Message: &msg}
}

func userInputFlow(body string) *envelope.Flow {
	return &envelope.Flow{
		Source: "channel",
		Intent: envelope.FlowIntentUserInput,
		UserInput: &envelope.UserInput{
			TurnID:  "turn-1",
			Message: envelope.NewTextMessage(body),
		},
	}
}

// =============================================================================
// TURN EXECUTION
// =============================================================================

func TestUserInputRunsTurnAndRoutesReply(t *testing.T) {
	f := newFixture(t)
	f.invoker.result = &runtime.InvokeResult{
		Outputs:  []envelope.FSMOutput{sendMessageOutput("What is your name?")},
		NewState: json.RawMessage(`{"step":1}`),
	}

	require.NoError(t, f.orchestrator.HandleFlow(context.Background(), userInputFlow("hi")))

	// The bot saw the text body with decrypted credentials and empty state.
	require.Len(t, f.invoker.requests, 1)
	req := f.invoker.requests[0]
	assert.Equal(t, "bot-1", req.BotID)
	require.NotNil(t, req.Input.UserInput)
	assert.Equal(t, "hi", *req.Input.UserInput)
	assert.JSONEq(t, `{}`, string(req.State))
	assert.Equal(t, "sk-live", req.Credentials["OPENAI_API_KEY"])
	assert.Equal(t, "prod", req.ConfigEnv["MODE"])

	// Reply went to the language topic for outbound translation.
	lang := receive[envelope.Language](t, f.languageOut)
	assert.Equal(t, envelope.LanguageIntentOut, lang.Intent)
	assert.Equal(t, "turn-1", lang.TurnID)
	assert.Equal(t, "What is your name?", lang.Message.Text.Body)
	assertEmpty(t, f.channelOut)

	// State was persisted; the next turn sees it.
	sess, err := f.store.ResolveSession(context.Background(), "turn-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":1}`, string(sess.State))

	// The inbound message was recorded against the turn.
	recs := f.store.MessagesByTurn("turn-1")
	require.Len(t, recs, 1)
	assert.Equal(t, store.DirectionUserSent, recs[0].Direction)
	assert.Equal(t, "text", recs[0].MessageType)
}

func TestOutputsRoutedInEmissionOrder(t *testing.T) {
	f := newFixture(t)
	formMsg := envelope.Message{Type: envelope.MessageTypeForm, Form: &envelope.FormContent{FormID: "f-1", Body: "Fill this in"}}
	f.invoker.result = &runtime.InvokeResult{
		Outputs: []envelope.FSMOutput{
			sendMessageOutput("A"),
			{Intent: envelope.FSMIntentSendMessage, Message: &formMsg},
			sendMessageOutput("C"),
		},
	}

	require.NoError(t, f.orchestrator.HandleFlow(context.Background(), userInputFlow("go")))

	// Text outputs keep their relative order on the language topic.
	first := receive[envelope.Language](t, f.languageOut)
	second := receive[envelope.Language](t, f.languageOut)
	assert.Equal(t, "A", first.Message.Text.Body)
	assert.Equal(t, "C", second.Message.Text.Body)

	// The form skipped translation and went straight to the channel.
	ch := receive[envelope.Channel](t, f.channelOut)
	assert.Equal(t, envelope.ChannelIntentOut, ch.Intent)
	require.NotNil(t, ch.BotOutput)
	assert.Equal(t, envelope.MessageTypeForm, ch.BotOutput.Type)
	assert.Equal(t, "f-1", ch.BotOutput.Form.FormID)
}

func TestConversationResetReentersFlow(t *testing.T) {
	f := newFixture(t)
	f.invoker.result = &runtime.InvokeResult{
		Outputs: []envelope.FSMOutput{{Intent: envelope.FSMIntentConversationReset}},
	}

	require.NoError(t, f.orchestrator.HandleFlow(context.Background(), userInputFlow("start over")))

	flow := receive[envelope.Flow](t, f.flowOut)
	assert.Equal(t, envelope.FlowIntentDialog, flow.Intent)
	require.NotNil(t, flow.Dialog)
	assert.Equal(t, "turn-1", flow.Dialog.TurnID)
	assert.Equal(t, envelope.DialogEventConversationReset, flow.Dialog.Message.Dialog.DialogID)
}

func TestDialogResetRunsBotOnFreshSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed session state that the reset must discard.
	sess, err := f.store.ResolveSession(ctx, "turn-1")
	require.NoError(t, err)
	require.NoError(t, f.store.PersistState(ctx, sess.ID, json.RawMessage(`{"step":9}`)))

	env := &envelope.Flow{
		Source: "flow",
		Intent: envelope.FlowIntentDialog,
		Dialog: &envelope.Dialog{
			TurnID:  "turn-1",
			Message: envelope.NewDialogMessage(envelope.DialogEventConversationReset, ""),
		},
	}
	require.NoError(t, f.orchestrator.HandleFlow(ctx, env))

	require.Len(t, f.invoker.requests, 1)
	req := f.invoker.requests[0]
	require.NotNil(t, req.Input.UserInput)
	assert.Equal(t, "reset", *req.Input.UserInput)
	assert.JSONEq(t, `{}`, string(req.State))
}

func TestLanguageChangeSendsPickerDirectlyToChannel(t *testing.T) {
	f := newFixture(t)
	f.invoker.result = &runtime.InvokeResult{
		Outputs: []envelope.FSMOutput{{Intent: envelope.FSMIntentLanguageChange}},
	}

	require.NoError(t, f.orchestrator.HandleFlow(context.Background(), userInputFlow("change language")))

	ch := receive[envelope.Channel](t, f.channelOut)
	assert.Equal(t, envelope.ChannelIntentOut, ch.Intent)
	require.NotNil(t, ch.BotOutput)
	assert.Equal(t, envelope.MessageTypeDialog, ch.BotOutput.Type)
	assert.Equal(t, envelope.DialogEventLanguageChange, ch.BotOutput.Dialog.DialogID)
	assertEmpty(t, f.languageOut)
}

func TestRAGCallPublishesRetrievalEnvelope(t *testing.T) {
	f := newFixture(t)
	f.invoker.result = &runtime.InvokeResult{
		Outputs: []envelope.FSMOutput{{
			Intent:   envelope.FSMIntentRAGCall,
			RAGQuery: &envelope.RAGQuery{CollectionName: "faq", Query: "opening hours", TopChunkK: 5},
		}},
	}

	require.NoError(t, f.orchestrator.HandleFlow(context.Background(), userInputFlow("when are you open")))

	ret := receive[envelope.Retrieval](t, f.retrievalOut)
	assert.Equal(t, "turn-1", ret.TurnID)
	assert.Equal(t, "faq", ret.CollectionName)
	assert.Equal(t, "opening hours", ret.Query)
	assert.Equal(t, 5, ret.TopChunkK)
}

func TestCallbackBecomesCallbackInput(t *testing.T) {
	f := newFixture(t)

	env := &envelope.Flow{
		Source:   "webhook",
		Intent:   envelope.FlowIntentCallback,
		Callback: &envelope.Callback{TurnID: "turn-1", CallbackInput: `{"payment":"done"}`},
	}
	require.NoError(t, f.orchestrator.HandleFlow(context.Background(), env))

	require.Len(t, f.invoker.requests, 1)
	req := f.invoker.requests[0]
	require.NotNil(t, req.Input.CallbackInput)
	assert.Equal(t, `{"payment":"done"}`, *req.Input.CallbackInput)
	assert.Nil(t, req.Input.UserInput)
}

func TestUnsupportedInboundKindFailsTurn(t *testing.T) {
	f := newFixture(t)

	env := &envelope.Flow{
		Source: "channel",
		Intent: envelope.FlowIntentUserInput,
		UserInput: &envelope.UserInput{
			TurnID:  "turn-1",
			Message: envelope.NewAudioMessage("https://cdn.example.com/voice.ogg"),
		},
	}
	err := f.orchestrator.HandleFlow(context.Background(), env)
	var unsupported *UnsupportedKindError
	require.ErrorAs(t, err, &unsupported)
	assert.Empty(t, f.invoker.requests)

	// The rejected message is never recorded against the turn.
	assert.Empty(t, f.store.MessagesByTurn("turn-1"))
}

func TestStateUnchangedWhenBotEmitsNoState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.store.ResolveSession(ctx, "turn-1")
	require.NoError(t, err)
	require.NoError(t, f.store.PersistState(ctx, sess.ID, json.RawMessage(`{"step":3}`)))

	f.invoker.result = &runtime.InvokeResult{Outputs: []envelope.FSMOutput{sendMessageOutput("ok")}}
	require.NoError(t, f.orchestrator.HandleFlow(ctx, userInputFlow("next")))

	after, err := f.store.ResolveSession(ctx, "turn-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":3}`, string(after.State))
}

func TestInvocationFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.invoker.invokeErr = runtime.NewInvocationError("bot-1", "boom", errors.New("exit status 3"))

	err := f.orchestrator.HandleFlow(context.Background(), userInputFlow("hi"))
	var invErr *runtime.InvocationError
	require.ErrorAs(t, err, &invErr)
}

// =============================================================================
// BOT LIFECYCLE
// =============================================================================

func installFlow(botID, code string) *envelope.Flow {
	return &envelope.Flow{
		Source: "webhook",
		Intent: envelope.FlowIntentBot,
		BotConfig: &envelope.BotConfig{
			BotID:  botID,
			Intent: envelope.BotIntentInstall,
			Bot: &envelope.BotSpec{
				Name:                  "greeter",
				FSMCode:               code,
				RequirementsTxt:       "requests\n",
				SessionTimeoutSeconds: 7200,
			},
		},
	}
}

func TestInstallCreatesBotAndEnvironment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orchestrator.HandleFlow(ctx, installFlow("bot-2", "code v1")))

	bot, err := f.store.GetBot(ctx, "bot-2")
	require.NoError(t, err)
	assert.Equal(t, "greeter", bot.Name)
	assert.Equal(t, "code v1", bot.FSMCode)
	assert.Equal(t, 2*time.Hour, bot.SessionTimeout)
	assert.Equal(t, store.BotStatusActive, bot.Status)
	assert.Equal(t, []string{"bot-2"}, f.invoker.installs)
}

func TestReinstallReplacesCodeAndKeepsCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// bot-1 already exists with credentials and its own timeout; a
	// reinstall replaces the program and timeout but not the credentials.
	require.NoError(t, f.orchestrator.HandleFlow(ctx, installFlow("bot-1", "code v2")))

	bot, err := f.store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "code v2", bot.FSMCode)
	assert.Equal(t, 2*time.Hour, bot.SessionTimeout)
	assert.NotEmpty(t, bot.Credentials)
	assert.Equal(t, []string{"bot-1"}, f.invoker.installs)

	// Installing again is safe and rebuilds the environment.
	require.NoError(t, f.orchestrator.HandleFlow(ctx, installFlow("bot-1", "code v2")))
	assert.Equal(t, []string{"bot-1", "bot-1"}, f.invoker.installs)
}

func TestDeleteBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := &envelope.Flow{
		Source:    "webhook",
		Intent:    envelope.FlowIntentBot,
		BotConfig: &envelope.BotConfig{BotID: "bot-1", Intent: envelope.BotIntentDelete},
	}
	require.NoError(t, f.orchestrator.HandleFlow(ctx, env))

	bot, err := f.store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, store.BotStatusDeleted, bot.Status)
	assert.Equal(t, []string{"bot-1"}, f.invoker.deletes)

	// Deleting a bot that never existed is a no-op.
	env.BotConfig.BotID = "ghost"
	assert.NoError(t, f.orchestrator.HandleFlow(ctx, env))
}

func TestReinstallActiveBots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateBot(ctx, &store.Bot{ID: "bot-2", Name: "faq", Status: store.BotStatusActive}))
	require.NoError(t, f.store.CreateBot(ctx, &store.Bot{ID: "bot-3", Name: "old", Status: store.BotStatusDeleted}))
	f.invoker.installErr = map[string]error{"bot-2": errors.New("pip failed")}

	require.NoError(t, f.orchestrator.ReinstallActiveBots(ctx))

	// Both active bots were attempted; the deleted one was skipped and
	// the failing one did not abort the rest.
	assert.ElementsMatch(t, []string{"bot-1", "bot-2"}, f.invoker.installs)
}
