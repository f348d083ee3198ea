// Package store provides the persistence boundary for the platform.
//
// Entity ownership:
//   - Bot, Channel, User are written by the management layer and read here.
//   - Turn and Message are owned by the core and append-only.
//   - Session state is owned entirely by each bot's FSM; the store only
//     carries it as an opaque blob.
//
// The session operations (Resolve/ForceNew/PersistState) are the only
// guard for the at-most-one-live-session invariant and must be atomic
// against concurrent turns for the same user.
package store

import (
	"encoding/json"
	"time"
)

// =============================================================================
// STATUS ENUMS
// =============================================================================

// BotStatus is the lifecycle status of a bot. Bots are soft-deleted to keep
// turn history referentially intact.
type BotStatus string

const (
	BotStatusActive  BotStatus = "active"
	BotStatusDeleted BotStatus = "deleted"
)

// ChannelStatus is the lifecycle status of a channel binding.
type ChannelStatus string

const (
	ChannelStatusInactive ChannelStatus = "inactive"
	ChannelStatusActive   ChannelStatus = "active"
	ChannelStatusDeleted  ChannelStatus = "deleted"
)

// MessageDirection distinguishes user-sent from bot-sent message records.
type MessageDirection string

const (
	DirectionUserSent MessageDirection = "user_sent"
	DirectionBotSent  MessageDirection = "bot_sent"
)

// =============================================================================
// ENTITIES
// =============================================================================

// Bot is a tenant agent: its FSM program, dependency manifest, credentials
// and per-bot settings.
type Bot struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	FSMCode             string            `json:"fsm_code"`
	RequirementsTxt     string            `json:"requirements_txt"`
	IndexURLs           []string          `json:"index_urls,omitempty"`
	Credentials         map[string]string `json:"credentials,omitempty"` // encrypted values
	RequiredCredentials []string          `json:"required_credentials,omitempty"`
	ConfigEnv           map[string]string `json:"config_env,omitempty"`
	Languages           []string          `json:"languages,omitempty"`
	SessionTimeout      time.Duration     `json:"session_timeout"`
	Status              BotStatus         `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Channel binds a bot to one external messaging surface.
type Channel struct {
	ID     string        `json:"id"`
	BotID  string        `json:"bot_id"`
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Key    string        `json:"key"` // encrypted connection credential
	AppID  string        `json:"app_id"`
	URL    string        `json:"url,omitempty"`
	Status ChannelStatus `json:"status"`
}

// User is an end-user identity scoped to one bot, created lazily on first
// contact.
type User struct {
	ID         string    `json:"id"`
	BotID      string    `json:"bot_id"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name,omitempty"`
	Language   *string   `json:"language,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Turn is one inbound-triggered conversation unit. Immutable.
type Turn struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the FSM execution context for one (bot, user) pair. State is an
// opaque blob shaped entirely by the tenant FSM.
//
// A session is live iff now-UpdatedAt is strictly less than the bot's
// session timeout; at exactly the timeout it is expired.
type Session struct {
	ID        string          `json:"id"`
	BotID     string          `json:"bot_id"`
	ChannelID string          `json:"channel_id"`
	UserID    string          `json:"user_id"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// Live reports whether the session is still continuable at now.
func (s *Session) Live(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.UpdatedAt) < timeout
}

// MessageRecord is the persisted record of one content unit tied to a turn.
// Append-only; only delivery metadata may change after send.
type MessageRecord struct {
	ID          string           `json:"id"`
	TurnID      string           `json:"turn_id"`
	Direction   MessageDirection `json:"direction"`
	MessageType string           `json:"message_type"`
	Payload     json.RawMessage  `json:"payload"`
	Delivered   bool             `json:"delivered"`
	CreatedAt   time.Time        `json:"created_at"`
}

// PluginReference maps an opaque callback token to the (session, turn) that
// minted it. References have no intrinsic expiry; retention is handled by a
// sweep (see Store.DeletePluginReferencesBefore).
type PluginReference struct {
	ID        string    `json:"id"` // the full jbkey<...>jbkey token
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	CreatedAt time.Time `json:"created_at"`
}
