// Package openai implements the language provider on the OpenAI API:
// chat completions for translation, Whisper for speech transcription.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/observability"
	"github.com/fluxbot-cluster/fluxbot/service"
)

const providerName = "openai"

// DefaultModel is used when no translation model is configured.
const DefaultModel = sdk.GPT4oMini

// client is the slice of the OpenAI SDK the provider uses. Narrow so
// tests can stub it.
type client interface {
	CreateChatCompletion(ctx context.Context, req sdk.ChatCompletionRequest) (sdk.ChatCompletionResponse, error)
	CreateTranscription(ctx context.Context, req sdk.AudioRequest) (sdk.AudioResponse, error)
}

// Provider translates and transcribes via the OpenAI API.
type Provider struct {
	client     client
	httpClient *http.Client
	model      string
	logger     *zap.Logger
}

// Ensure Provider satisfies the language protocol.
var _ service.LanguageProvider = (*Provider)(nil)

// New creates a Provider. An empty model selects DefaultModel.
func New(apiKey, model string, logger *zap.Logger) *Provider {
	return newProvider(sdk.NewClient(apiKey), model, logger)
}

func newProvider(c client, model string, logger *zap.Logger) *Provider {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client:     c,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		model:      model,
		logger:     logger,
	}
}

// Name identifies the provider in logs and metrics.
func (p *Provider) Name() string { return providerName }

// Translate returns text translated from sourceLang to targetLang.
// Empty text is returned as is without an API call.
func (p *Provider) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	prompt := fmt.Sprintf(
		"You are a translation engine. Translate the user's text from %s to %s. "+
			"Preserve tone, placeholders and formatting. Return only the translation, nothing else.",
		sourceLang, targetLang)

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, sdk.ChatCompletionRequest{
		Model: p.model,
		Messages: []sdk.ChatCompletionMessage{
			{Role: sdk.ChatMessageRoleSystem, Content: prompt},
			{Role: sdk.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	p.record("translate", start, err)
	if err != nil {
		return "", p.wrap("translate", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai translate: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transcribe downloads the audio at mediaURL and converts it to text in
// the given language via Whisper.
func (p *Provider) Transcribe(ctx context.Context, mediaURL, language string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("openai transcribe: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", service.NewTransientProviderError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", service.NewTransientProviderError(providerName,
			fmt.Errorf("media download returned %d", resp.StatusCode))
	}

	start := time.Now()
	out, err := p.client.CreateTranscription(ctx, sdk.AudioRequest{
		Model:    sdk.Whisper1,
		Reader:   resp.Body,
		FilePath: "audio.ogg", // name only carries the format hint
		Language: language,
	})
	p.record("transcribe", start, err)
	if err != nil {
		return "", p.wrap("transcribe", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func (p *Provider) record(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordProviderCall(providerName, operation, status, int(time.Since(start).Milliseconds()))
}

// wrap classifies API failures: rate limits and upstream errors are
// transient, everything else is terminal for the envelope.
func (p *Provider) wrap(operation string, err error) error {
	if isTransient(err) {
		p.logger.Warn("openai transient failure", zap.String("operation", operation), zap.Error(err))
		return service.NewTransientProviderError(providerName, err)
	}
	return fmt.Errorf("openai %s: %w", operation, err)
}

func isTransient(err error) bool {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}
