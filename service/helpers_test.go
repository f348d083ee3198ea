package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/store"
)

// seedStore creates the bot/channel/user/turn graph the services walk.
func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateBot(ctx, &store.Bot{ID: "bot-1", Name: "quiz", SessionTimeout: time.Hour, Status: store.BotStatusActive}))
	require.NoError(t, st.CreateChannel(ctx, &store.Channel{ID: "ch-1", BotID: "bot-1", Type: "telegram", AppID: "app-1", Status: store.ChannelStatusActive}))
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "user-1", BotID: "bot-1", Identifier: "tg:42"}))
	require.NoError(t, st.CreateTurn(ctx, &store.Turn{ID: "turn-1", BotID: "bot-1", ChannelID: "ch-1", UserID: "user-1"}))
	return st
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

// fakeAdapter is a scripted ChannelAdapter.
type fakeAdapter struct {
	name     string
	parsed   *envelope.Message
	parseErr error

	sent    []*envelope.Message
	sentTo  []*store.User
	sendErr error
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Parse(ctx context.Context, data *envelope.ChannelData) (*envelope.Message, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	return a.parsed, nil
}

func (a *fakeAdapter) Send(ctx context.Context, channel *store.Channel, user *store.User, msg *envelope.Message) error {
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, msg)
	a.sentTo = append(a.sentTo, user)
	return nil
}

// fakeProvider translates by tagging text with the target language and
// transcribes to a fixed string, recording every call.
type fakeProvider struct {
	translations [][3]string // text, from, to
	transcribed  []string
	err          error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Translate(ctx context.Context, text, from, to string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.translations = append(p.translations, [3]string{text, from, to})
	return text + "[" + to + "]", nil
}

func (p *fakeProvider) Transcribe(ctx context.Context, mediaURL, language string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.transcribed = append(p.transcribed, mediaURL)
	return "spoken words", nil
}

func newBus() *commbus.InMemoryBus {
	return commbus.NewInMemoryBus(zap.NewNop(), 64)
}
