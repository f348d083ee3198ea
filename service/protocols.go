// Package service contains the consumption loops that tie the topic
// bus to the orchestrator, channel adapters, and language providers.
//
// Each service is one consumer group on one topic. Envelope handling
// is contained per envelope: a failing or panicking envelope is logged
// and counted, never allowed to stop the loop.
package service

import (
	"context"
	"fmt"

	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/store"
)

// ChannelAdapter converts between one external channel's native payloads
// and canonical Messages. Implementations live under adapters/.
type ChannelAdapter interface {
	// Name returns the channel type this adapter serves, e.g. "telegram".
	Name() string

	// Parse converts a raw inbound payload into a canonical Message.
	Parse(ctx context.Context, data *envelope.ChannelData) (*envelope.Message, error)

	// Send delivers a canonical Message to the user on the external
	// channel.
	Send(ctx context.Context, channel *store.Channel, user *store.User, msg *envelope.Message) error
}

// LanguageProvider performs translation and speech transcription.
type LanguageProvider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Translate returns text translated from sourceLang to targetLang.
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)

	// Transcribe converts spoken audio at mediaURL to text in the given
	// language.
	Transcribe(ctx context.Context, mediaURL, language string) (string, error)
}

// TransientProviderError wraps a provider failure that is expected to
// succeed on retry (rate limits, upstream timeouts). The consumption
// loop treats it like any other envelope failure; the distinction
// exists for logs and for brokers with redelivery.
type TransientProviderError struct {
	Provider string
	Cause    error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("provider %s transient failure: %v", e.Provider, e.Cause)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Cause
}

// NewTransientProviderError creates a new TransientProviderError.
func NewTransientProviderError(provider string, cause error) *TransientProviderError {
	return &TransientProviderError{Provider: provider, Cause: cause}
}
