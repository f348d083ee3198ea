package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/observability"
	"github.com/fluxbot-cluster/fluxbot/store"
)

const sourceWebhook = "webhook"

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// IdentityExtractor pulls the end-user identity out of a raw channel
// payload before the payload is handed to the channel service. One
// extractor per channel type; channel adapters implement this too.
type IdentityExtractor interface {
	// Name returns the channel type this extractor serves.
	Name() string

	// Identify returns the channel-scoped user identifier and display
	// name found in the raw payload.
	Identify(data *envelope.ChannelData) (identifier, displayName string, err error)
}

// Handler serves the ingress routes. Accepted requests are answered 202
// and continue asynchronously on the topic bus.
type Handler struct {
	store      store.Store
	producer   commbus.Producer
	extractors map[string]IdentityExtractor
	logger     *zap.Logger
}

// NewHandler creates a Handler. Extractors are keyed by their Name.
func NewHandler(st store.Store, producer commbus.Producer, extractors []IdentityExtractor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]IdentityExtractor, len(extractors))
	for _, e := range extractors {
		byName[e.Name()] = e
	}
	return &Handler{store: st, producer: producer, extractors: byName, logger: logger}
}

// Router builds a chi router with the standard middleware stack and all
// ingress routes registered.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the ingress routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/callbacks", h.Callback)
		r.Post("/channels/{channelType}/{appID}", h.ChannelIngress)
		r.Post("/bots", h.InstallBot)
		r.Delete("/bots/{botID}", h.DeleteBot)
	})
}

// =============================================================================
// PLUGIN CALLBACKS
// =============================================================================

// Callback correlates an async external callback to its turn via the
// token embedded in the body and replays the raw body into the flow
// topic. The body is never interpreted here.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	const route = "callback"
	body, err := readBody(w, r)
	if err != nil {
		h.error(w, route, http.StatusBadRequest, "request body unreadable")
		return
	}

	token, ok := ExtractToken(string(body))
	if !ok {
		h.error(w, route, http.StatusBadRequest, "no callback token in request body")
		return
	}

	ref, err := h.store.GetPluginReference(r.Context(), token)
	if err != nil {
		if store.IsNotFound(err) {
			h.error(w, route, http.StatusNotFound, "unknown callback token")
			return
		}
		h.logger.Error("plugin reference lookup failed", zap.Error(err))
		h.error(w, route, http.StatusInternalServerError, "lookup failed")
		return
	}

	flow := &envelope.Flow{
		Source: sourceWebhook,
		Intent: envelope.FlowIntentCallback,
		Callback: &envelope.Callback{
			TurnID:        ref.TurnID,
			CallbackInput: string(body),
		},
	}
	if err := commbus.PublishJSON(r.Context(), h.producer, commbus.TopicFlow, flow); err != nil {
		h.logger.Error("callback publish failed", zap.String("turn_id", ref.TurnID), zap.Error(err))
		h.error(w, route, http.StatusInternalServerError, "publish failed")
		return
	}

	h.json(w, route, http.StatusAccepted, map[string]string{"turn_id": ref.TurnID})
}

// =============================================================================
// CHANNEL INGRESS
// =============================================================================

// ChannelIngress accepts one channel-native inbound payload, resolves
// the bot and channel bound to the app id, lazily creates the user on
// first contact, opens a turn, and publishes the raw payload to the
// channel topic for adaptation.
func (h *Handler) ChannelIngress(w http.ResponseWriter, r *http.Request) {
	const route = "channel_ingress"
	channelType := chi.URLParam(r, "channelType")
	appID := chi.URLParam(r, "appID")

	extractor, ok := h.extractors[channelType]
	if !ok {
		h.error(w, route, http.StatusBadRequest, "unknown channel type: "+channelType)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		h.error(w, route, http.StatusBadRequest, "request body unreadable")
		return
	}

	bot, channel, err := h.store.GetBotAndChannelByAppID(r.Context(), appID, channelType)
	if err != nil {
		if store.IsNotFound(err) {
			h.error(w, route, http.StatusNotFound, "no active channel for app id")
			return
		}
		h.logger.Error("channel lookup failed", zap.String("app_id", appID), zap.Error(err))
		h.error(w, route, http.StatusInternalServerError, "lookup failed")
		return
	}

	data := &envelope.ChannelData{
		ChannelName: channelType,
		Data:        body,
		QueryParams: flattenQuery(r),
	}

	identifier, displayName, err := extractor.Identify(data)
	if err != nil {
		h.error(w, route, http.StatusBadRequest, "payload carries no user identity")
		return
	}

	user, err := h.store.GetUserByIdentifier(r.Context(), bot.ID, identifier)
	if store.IsNotFound(err) {
		user = &store.User{
			ID:         uuid.New().String(),
			BotID:      bot.ID,
			Identifier: identifier,
			Name:       displayName,
		}
		err = h.store.CreateUser(r.Context(), user)
	}
	if err != nil {
		h.logger.Error("user resolution failed", zap.String("identifier", identifier), zap.Error(err))
		h.error(w, route, http.StatusInternalServerError, "user resolution failed")
		return
	}

	turn := &store.Turn{
		ID:        uuid.New().String(),
		BotID:     bot.ID,
		ChannelID: channel.ID,
		UserID:    user.ID,
	}
	if err := h.store.CreateTurn(r.Context(), turn); err != nil {
		h.logger.Error("turn creation failed", zap.Error(err))
		h.error(w, route, http.StatusInternalServerError, "turn creation failed")
		return
	}

	env := &envelope.Channel{
		Source:   sourceWebhook,
		TurnID:   turn.ID,
		Intent:   envelope.ChannelIntentIn,
		BotInput: data,
	}
	if err := commbus.PublishJSON(r.Context(), h.producer, commbus.TopicChannel, env); err != nil {
		h.logger.Error("ingress publish failed", zap.String("turn_id", turn.ID), zap.Error(err))
		h.error(w, route, http.StatusInternalServerError, "publish failed")
		return
	}

	h.json(w, route, http.StatusAccepted, map[string]string{"turn_id": turn.ID})
}

// =============================================================================
// BOT MANAGEMENT
// =============================================================================

// installRequest is the management payload for installing a bot.
type installRequest struct {
	BotID                 string   `json:"bot_id"`
	Name                  string   `json:"name"`
	FSMCode               string   `json:"fsm_code"`
	RequirementsTxt       string   `json:"requirements_txt"`
	IndexURLs             []string `json:"index_urls,omitempty"`
	SessionTimeoutSeconds int      `json:"session_timeout_seconds"`
}

// InstallBot queues a bot install on the flow topic.
func (h *Handler) InstallBot(w http.ResponseWriter, r *http.Request) {
	const route = "install_bot"
	var req installRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.error(w, route, http.StatusBadRequest, "invalid install payload")
		return
	}

	flow := &envelope.Flow{
		Source: sourceWebhook,
		Intent: envelope.FlowIntentBot,
		BotConfig: &envelope.BotConfig{
			BotID:  req.BotID,
			Intent: envelope.BotIntentInstall,
			Bot: &envelope.BotSpec{
				Name:                  req.Name,
				FSMCode:               req.FSMCode,
				RequirementsTxt:       req.RequirementsTxt,
				IndexURLs:             req.IndexURLs,
				SessionTimeoutSeconds: req.SessionTimeoutSeconds,
			},
		},
	}
	if err := flow.Validate(); err != nil {
		h.error(w, route, http.StatusBadRequest, err.Error())
		return
	}
	if err := commbus.PublishJSON(r.Context(), h.producer, commbus.TopicFlow, flow); err != nil {
		h.logger.Error("install publish failed", zap.String("bot_id", req.BotID), zap.Error(err))
		h.error(w, route, http.StatusInternalServerError, "publish failed")
		return
	}

	h.json(w, route, http.StatusAccepted, map[string]string{"bot_id": req.BotID})
}

// DeleteBot queues a bot delete on the flow topic.
func (h *Handler) DeleteBot(w http.ResponseWriter, r *http.Request) {
	const route = "delete_bot"
	botID := chi.URLParam(r, "botID")
	flow := &envelope.Flow{
		Source: sourceWebhook,
		Intent: envelope.FlowIntentBot,
		BotConfig: &envelope.BotConfig{
			BotID:  botID,
			Intent: envelope.BotIntentDelete,
		},
	}
	if err := flow.Validate(); err != nil {
		h.error(w, route, http.StatusBadRequest, err.Error())
		return
	}
	if err := commbus.PublishJSON(r.Context(), h.producer, commbus.TopicFlow, flow); err != nil {
		h.logger.Error("delete publish failed", zap.String("bot_id", botID), zap.Error(err))
		h.error(w, route, http.StatusInternalServerError, "publish failed")
		return
	}

	h.json(w, route, http.StatusAccepted, map[string]string{"bot_id": botID})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) json(w http.ResponseWriter, route string, status int, v any) {
	observability.RecordWebhookRequest(route, statusClass(status))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encoding failed", zap.String("route", route), zap.Error(err))
	}
}

func (h *Handler) error(w http.ResponseWriter, route string, status int, message string) {
	h.json(w, route, status, map[string]string{"error": message})
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func flattenQuery(r *http.Request) map[string]string {
	query := r.URL.Query()
	if len(query) == 0 {
		return nil
	}
	out := make(map[string]string, len(query))
	for key, values := range query {
		out[key] = values[0]
	}
	return out
}
