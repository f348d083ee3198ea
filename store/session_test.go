package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	store *MemoryStore
	bot   *Bot
	chann *Channel
	user  *User
	clock *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()

	s := NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s.SetClock(clock.Now)

	bot := &Bot{Name: "quizbot", FSMCode: "pass", SessionTimeout: timeout}
	require.NoError(t, s.CreateBot(ctx, bot))

	channel := &Channel{BotID: bot.ID, Name: "telegram", Type: "telegram", AppID: "app-1", Status: ChannelStatusActive}
	require.NoError(t, s.CreateChannel(ctx, channel))

	user := &User{BotID: bot.ID, Identifier: "+911234567890", Name: "asha"}
	require.NoError(t, s.CreateUser(ctx, user))

	return &fixture{store: s, bot: bot, chann: channel, user: user, clock: clock}
}

func (f *fixture) newTurn(t *testing.T) *Turn {
	t.Helper()
	turn := &Turn{BotID: f.bot.ID, ChannelID: f.chann.ID, UserID: f.user.ID}
	require.NoError(t, f.store.CreateTurn(context.Background(), turn))
	return turn
}

// =============================================================================
// SESSION CONTINUATION
// =============================================================================

func TestResolveSession_CreatesFreshWithEmptyState(t *testing.T) {
	f := newFixture(t, 60*time.Second)
	turn := f.newTurn(t)

	sess, err := f.store.ResolveSession(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bot.ID, sess.BotID)
	assert.Equal(t, f.user.ID, sess.UserID)
	assert.JSONEq(t, `{}`, string(sess.State))
}

func TestResolveSession_ReusesLiveSession(t *testing.T) {
	// Same user again 1s later with a 60s timeout: same session id.
	f := newFixture(t, 60*time.Second)

	first, err := f.store.ResolveSession(context.Background(), f.newTurn(t).ID)
	require.NoError(t, err)

	f.clock.Advance(1 * time.Second)
	second, err := f.store.ResolveSession(context.Background(), f.newTurn(t).ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestResolveSession_ExpiredCreatesNew(t *testing.T) {
	// Same user again 120s later with a 60s timeout: new session, empty state.
	f := newFixture(t, 60*time.Second)
	ctx := context.Background()

	first, err := f.store.ResolveSession(ctx, f.newTurn(t).ID)
	require.NoError(t, err)
	require.NoError(t, f.store.PersistState(ctx, first.ID, json.RawMessage(`{"step":"asked_name"}`)))

	f.clock.Advance(120 * time.Second)
	second, err := f.store.ResolveSession(ctx, f.newTurn(t).ID)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.JSONEq(t, `{}`, string(second.State))
}

func TestResolveSession_TimeoutBoundary(t *testing.T) {
	// Exactly at the timeout the session is expired; one tick before, live.
	timeout := 60 * time.Second

	t.Run("one tick inside window", func(t *testing.T) {
		f := newFixture(t, timeout)
		first, err := f.store.ResolveSession(context.Background(), f.newTurn(t).ID)
		require.NoError(t, err)

		f.clock.Advance(timeout - time.Nanosecond)
		second, err := f.store.ResolveSession(context.Background(), f.newTurn(t).ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID, "strictly inside the window must continue")
	})

	t.Run("exactly at timeout", func(t *testing.T) {
		f := newFixture(t, timeout)
		first, err := f.store.ResolveSession(context.Background(), f.newTurn(t).ID)
		require.NoError(t, err)

		f.clock.Advance(timeout)
		second, err := f.store.ResolveSession(context.Background(), f.newTurn(t).ID)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID, "elapsed == timeout must supersede")
	})
}

func TestForceNewSession_DiscardsState(t *testing.T) {
	f := newFixture(t, 600*time.Second)
	ctx := context.Background()

	first, err := f.store.ResolveSession(ctx, f.newTurn(t).ID)
	require.NoError(t, err)
	require.NoError(t, f.store.PersistState(ctx, first.ID, json.RawMessage(`{"step":"quiz"}`)))

	forced, err := f.store.ForceNewSession(ctx, f.newTurn(t).ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, forced.ID)
	assert.JSONEq(t, `{}`, string(forced.State))

	// The forced session is now the one turns resolve to.
	resolved, err := f.store.ResolveSession(ctx, f.newTurn(t).ID)
	require.NoError(t, err)
	assert.Equal(t, forced.ID, resolved.ID)
}

func TestPersistState_BumpsUpdatedAt(t *testing.T) {
	f := newFixture(t, 60*time.Second)
	ctx := context.Background()

	sess, err := f.store.ResolveSession(ctx, f.newTurn(t).ID)
	require.NoError(t, err)

	// Keep touching the session just inside the window; it must stay live
	// well past the original deadline.
	for i := 0; i < 5; i++ {
		f.clock.Advance(50 * time.Second)
		require.NoError(t, f.store.PersistState(ctx, sess.ID, json.RawMessage(`{"i":1}`)))
	}
	resolved, err := f.store.ResolveSession(ctx, f.newTurn(t).ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resolved.ID)
}

func TestResolveSession_AtMostOneLivePerUser(t *testing.T) {
	f := newFixture(t, 60*time.Second)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		sess, err := f.store.ResolveSession(ctx, f.newTurn(t).ID)
		require.NoError(t, err)
		seen[sess.ID] = true
	}
	assert.Len(t, seen, 1, "repeated live resolves must converge on one session")
}

func TestResolveSession_UnknownTurn(t *testing.T) {
	f := newFixture(t, 60*time.Second)
	_, err := f.store.ResolveSession(context.Background(), "missing-turn")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

// =============================================================================
// PLUGIN REFERENCES
// =============================================================================

func TestPluginReferenceSweep(t *testing.T) {
	f := newFixture(t, 60*time.Second)
	ctx := context.Background()
	turn := f.newTurn(t)
	sess, err := f.store.ResolveSession(ctx, turn.ID)
	require.NoError(t, err)

	old := &PluginReference{ID: "jbkeyAAAAAjbkey", SessionID: sess.ID, TurnID: turn.ID}
	require.NoError(t, f.store.CreatePluginReference(ctx, old))

	f.clock.Advance(48 * time.Hour)
	fresh := &PluginReference{ID: "jbkeyBBBBBjbkey", SessionID: sess.ID, TurnID: turn.ID}
	require.NoError(t, f.store.CreatePluginReference(ctx, fresh))

	deleted, err := f.store.DeletePluginReferencesBefore(ctx, f.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = f.store.GetPluginReference(ctx, old.ID)
	assert.True(t, IsNotFound(err))
	got, err := f.store.GetPluginReference(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, turn.ID, got.TurnID)
}
