package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for single-process deployments and
// tests. A single mutex covers all maps, which trivially satisfies the
// atomicity requirement on the session operations.
type MemoryStore struct {
	mu sync.Mutex

	bots     map[string]*Bot
	channels map[string]*Channel
	users    map[string]*User
	turns    map[string]*Turn
	sessions map[string]*Session
	messages map[string]*MessageRecord
	// messageOrder preserves insertion order for MessagesByTurn.
	messageOrder []string
	plugins      map[string]*PluginReference

	// now is injectable so timeout boundaries can be tested deterministically.
	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:     make(map[string]*Bot),
		channels: make(map[string]*Channel),
		users:    make(map[string]*User),
		turns:    make(map[string]*Turn),
		sessions: make(map[string]*Session),
		messages: make(map[string]*MessageRecord),
		plugins:  make(map[string]*PluginReference),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// ResolveSession returns the live session for the turn's (bot, user) pair,
// creating a fresh one if none is live.
func (s *MemoryStore) ResolveSession(ctx context.Context, turnID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[turnID]
	if !ok {
		return nil, NewNotFoundError("turn", turnID)
	}
	bot, ok := s.bots[turn.BotID]
	if !ok {
		return nil, NewNotFoundError("bot", turn.BotID)
	}

	now := s.now()
	var live *Session
	for _, sess := range s.sessions {
		if sess.BotID != turn.BotID || sess.UserID != turn.UserID {
			continue
		}
		if !sess.Live(now, bot.SessionTimeout) {
			continue
		}
		// At most one live session can exist; keep the freshest defensively.
		if live == nil || sess.UpdatedAt.After(live.UpdatedAt) {
			live = sess
		}
	}
	if live != nil {
		return cloneSession(live), nil
	}
	return s.insertSessionLocked(turn), nil
}

// ForceNewSession unconditionally creates a fresh session for the turn's
// (bot, user) pair.
func (s *MemoryStore) ForceNewSession(ctx context.Context, turnID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[turnID]
	if !ok {
		return nil, NewNotFoundError("turn", turnID)
	}
	return s.insertSessionLocked(turn), nil
}

// PersistState overwrites the opaque state and bumps last-updated.
func (s *MemoryStore) PersistState(ctx context.Context, sessionID string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return NewNotFoundError("session", sessionID)
	}
	sess.State = append(json.RawMessage(nil), state...)
	sess.UpdatedAt = s.now()
	return nil
}

// insertSessionLocked creates a fresh empty-state session. Supersedes any
// prior session for the pair: the prior one simply stops being resolvable
// because the new one is fresher.
func (s *MemoryStore) insertSessionLocked(turn *Turn) *Session {
	now := s.now()
	sess := &Session{
		ID:        uuid.New().String(),
		BotID:     turn.BotID,
		ChannelID: turn.ChannelID,
		UserID:    turn.UserID,
		State:     json.RawMessage(`{}`),
		UpdatedAt: now,
		CreatedAt: now,
	}
	s.sessions[sess.ID] = sess
	return cloneSession(sess)
}

func cloneSession(sess *Session) *Session {
	out := *sess
	out.State = append(json.RawMessage(nil), sess.State...)
	return &out
}

// =============================================================================
// BOTS
// =============================================================================

func (s *MemoryStore) CreateBot(ctx context.Context, bot *Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = s.now()
	}
	if bot.Status == "" {
		bot.Status = BotStatusActive
	}
	cp := *bot
	s.bots[bot.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBot(ctx context.Context, botID string) (*Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[botID]
	if !ok {
		return nil, NewNotFoundError("bot", botID)
	}
	cp := *bot
	return &cp, nil
}

func (s *MemoryStore) ListActiveBots(ctx context.Context) ([]*Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Bot
	for _, bot := range s.bots {
		if bot.Status == BotStatusDeleted {
			continue
		}
		cp := *bot
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateBotStatus(ctx context.Context, botID string, status BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[botID]
	if !ok {
		return NewNotFoundError("bot", botID)
	}
	bot.Status = status
	return nil
}

// =============================================================================
// CHANNELS
// =============================================================================

func (s *MemoryStore) CreateChannel(ctx context.Context, channel *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel.ID == "" {
		channel.ID = uuid.New().String()
	}
	cp := *channel
	s.channels[channel.ID] = &cp
	return nil
}

func (s *MemoryStore) GetChannelByTurn(ctx context.Context, turnID string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return nil, NewNotFoundError("turn", turnID)
	}
	channel, ok := s.channels[turn.ChannelID]
	if !ok {
		return nil, NewNotFoundError("channel", turn.ChannelID)
	}
	cp := *channel
	return &cp, nil
}

func (s *MemoryStore) GetBotAndChannelByAppID(ctx context.Context, appID, channelType string) (*Bot, *Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, channel := range s.channels {
		if channel.AppID != appID || channel.Type != channelType || channel.Status != ChannelStatusActive {
			continue
		}
		bot, ok := s.bots[channel.BotID]
		if !ok || bot.Status != BotStatusActive {
			continue
		}
		bcp, ccp := *bot, *channel
		return &bcp, &ccp, nil
	}
	return nil, nil, NewNotFoundError("channel", appID)
}

// =============================================================================
// USERS
// =============================================================================

func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUserByIdentifier(ctx context.Context, botID, identifier string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.BotID == botID && user.Identifier == identifier {
			cp := *user
			return &cp, nil
		}
	}
	return nil, NewNotFoundError("user", identifier)
}

func (s *MemoryStore) GetUserByTurn(ctx context.Context, turnID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return nil, NewNotFoundError("turn", turnID)
	}
	user, ok := s.users[turn.UserID]
	if !ok {
		return nil, NewNotFoundError("user", turn.UserID)
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryStore) UpdateUserLanguageByTurn(ctx context.Context, turnID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return NewNotFoundError("turn", turnID)
	}
	user, ok := s.users[turn.UserID]
	if !ok {
		return NewNotFoundError("user", turn.UserID)
	}
	user.Language = &language
	return nil
}

// =============================================================================
// TURNS
// =============================================================================

func (s *MemoryStore) CreateTurn(ctx context.Context, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	cp := *turn
	s.turns[turn.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return nil, NewNotFoundError("turn", turnID)
	}
	cp := *turn
	return &cp, nil
}

// =============================================================================
// MESSAGES
// =============================================================================

func (s *MemoryStore) CreateMessage(ctx context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	cp := *rec
	cp.Payload = append(json.RawMessage(nil), rec.Payload...)
	s.messages[rec.ID] = &cp
	s.messageOrder = append(s.messageOrder, rec.ID)
	return nil
}

func (s *MemoryStore) MarkMessageDelivered(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[messageID]
	if !ok {
		return NewNotFoundError("message", messageID)
	}
	rec.Delivered = true
	return nil
}

// MessagesByTurn returns the records for a turn in creation order. Test hook.
func (s *MemoryStore) MessagesByTurn(turnID string) []*MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MessageRecord
	for _, id := range s.messageOrder {
		rec := s.messages[id]
		if rec != nil && rec.TurnID == turnID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// =============================================================================
// PLUGIN REFERENCES
// =============================================================================

func (s *MemoryStore) CreatePluginReference(ctx context.Context, ref *PluginReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = s.now()
	}
	cp := *ref
	s.plugins[ref.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPluginReference(ctx context.Context, token string) (*PluginReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.plugins[token]
	if !ok {
		return nil, NewNotFoundError("plugin_reference", token)
	}
	cp := *ref
	return &cp, nil
}

func (s *MemoryStore) DeletePluginReferencesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for token, ref := range s.plugins {
		if ref.CreatedAt.Before(cutoff) {
			delete(s.plugins, token)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
