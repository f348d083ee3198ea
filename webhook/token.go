// Package webhook is the HTTP ingress for the platform: asynchronous
// plugin callbacks correlated by opaque token, channel-native inbound
// payloads, and bot lifecycle management. Handlers never run turns
// themselves; every accepted request becomes an envelope on a topic.
package webhook

import (
	"context"
	"regexp"

	"github.com/google/uuid"

	"github.com/fluxbot-cluster/fluxbot/store"
)

// =============================================================================
// CALLBACK TOKENS
// =============================================================================

const (
	tokenMarker = "jbkey"
	tokenBody   = 25
)

// tokenPattern matches a full callback token anywhere in a request body.
var tokenPattern = regexp.MustCompile(`jbkey.{25}jbkey`)

// NewToken mints a fresh callback token: the marker, 25 characters of a
// random UUID, the marker again. Collision risk is accepted; references
// are short-lived and swept by the janitor.
func NewToken() string {
	return tokenMarker + uuid.New().String()[:tokenBody] + tokenMarker
}

// ExtractToken scans body for the first callback token and returns it
// whole, marker included. The second return is false when no token is
// present.
func ExtractToken(body string) (string, bool) {
	token := tokenPattern.FindString(body)
	return token, token != ""
}

// MintReference mints a token for the (session, turn) pair and persists
// the mapping so a later callback carrying the token can be correlated.
func MintReference(ctx context.Context, st store.Store, sessionID, turnID string) (string, error) {
	token := NewToken()
	ref := &store.PluginReference{
		ID:        token,
		SessionID: sessionID,
		TurnID:    turnID,
	}
	if err := st.CreatePluginReference(ctx, ref); err != nil {
		return "", err
	}
	return token, nil
}
