package store

import (
	"context"
	"encoding/json"
	"time"
)

// SessionStore is the session lifecycle boundary consumed by the turn
// orchestrator. All three operations must be atomic against concurrent
// turns for the same (bot, user) pair.
type SessionStore interface {
	// ResolveSession finds the turn's (bot, user) pair and returns its live
	// session, or atomically creates a fresh one with empty state.
	ResolveSession(ctx context.Context, turnID string) (*Session, error)

	// ForceNewSession unconditionally creates a fresh session for the
	// turn's (bot, user) pair, discarding any prior state.
	ForceNewSession(ctx context.Context, turnID string) (*Session, error)

	// PersistState overwrites the opaque state blob and bumps the
	// session's last-updated timestamp.
	PersistState(ctx context.Context, sessionID string, state json.RawMessage) error
}

// Store is the full persistence boundary: session lifecycle plus the entity
// reads and append-only writes the core services perform. Bot/Channel/User
// creation belongs to the management layer; the write methods exist so that
// layer (and tests) share one contract.
type Store interface {
	SessionStore

	// Bots. CreateBot upserts by ID so reinstalling a bot replaces its
	// record wholesale.
	CreateBot(ctx context.Context, bot *Bot) error
	GetBot(ctx context.Context, botID string) (*Bot, error)
	ListActiveBots(ctx context.Context) ([]*Bot, error)
	UpdateBotStatus(ctx context.Context, botID string, status BotStatus) error

	// Channels
	CreateChannel(ctx context.Context, channel *Channel) error
	GetChannelByTurn(ctx context.Context, turnID string) (*Channel, error)
	GetBotAndChannelByAppID(ctx context.Context, appID, channelType string) (*Bot, *Channel, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByIdentifier(ctx context.Context, botID, identifier string) (*User, error)
	GetUserByTurn(ctx context.Context, turnID string) (*User, error)
	UpdateUserLanguageByTurn(ctx context.Context, turnID, language string) error

	// Turns
	CreateTurn(ctx context.Context, turn *Turn) error
	GetTurn(ctx context.Context, turnID string) (*Turn, error)

	// Messages
	CreateMessage(ctx context.Context, rec *MessageRecord) error
	MarkMessageDelivered(ctx context.Context, messageID string) error

	// Plugin references
	CreatePluginReference(ctx context.Context, ref *PluginReference) error
	GetPluginReference(ctx context.Context, token string) (*PluginReference, error)
	DeletePluginReferencesBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
