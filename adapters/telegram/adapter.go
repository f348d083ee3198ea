// Package telegram adapts Telegram Bot API traffic to canonical
// platform messages: inbound updates become Messages, outbound Messages
// become chat sends with inline keyboards for interactive content.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/service"
	"github.com/fluxbot-cluster/fluxbot/store"
	"github.com/fluxbot-cluster/fluxbot/webhook"
)

// Ensure Adapter satisfies both ingress protocols.
var (
	_ service.ChannelAdapter    = (*Adapter)(nil)
	_ webhook.IdentityExtractor = (*Adapter)(nil)
)

const adapterName = "telegram"

// Callback data prefixes tie inline keyboard presses back to the
// content that produced them.
const (
	optionPrefix   = "opt:"
	languagePrefix = "lang:"
	formPrefix     = "form:"
)

// resetCommand forces a brand-new conversation session.
const resetCommand = "/reset"

// botAPI is the slice of tgbotapi.BotAPI the adapter uses. Narrow so
// tests can stub it.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// languageNames maps supported language codes to their native display
// names for the language picker.
var languageNames = map[string]string{
	"en": "English",
	"es": "Español",
	"pt": "Português",
	"fr": "Français",
	"de": "Deutsch",
	"hi": "हिन्दी",
}

// Adapter is the Telegram channel adapter.
type Adapter struct {
	api       botAPI
	languages []string
	logger    *zap.Logger
}

// New creates an Adapter connected to the Telegram Bot API. languages
// is the set of codes offered by the language picker.
func New(token string, languages []string, logger *zap.Logger) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram api: %w", err)
	}
	return newAdapter(api, languages, logger), nil
}

func newAdapter(api botAPI, languages []string, logger *zap.Logger) *Adapter {
	if len(languages) == 0 {
		languages = []string{"en", "es", "hi"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{api: api, languages: languages, logger: logger}
}

// Name returns the channel type this adapter serves.
func (a *Adapter) Name() string { return adapterName }

// =============================================================================
// INBOUND
// =============================================================================

// Identify extracts the Telegram user identity from a raw update.
func (a *Adapter) Identify(data *envelope.ChannelData) (string, string, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(data.Data, &update); err != nil {
		return "", "", fmt.Errorf("decode telegram update: %w", err)
	}
	from := update.SentFrom()
	if from == nil {
		return "", "", fmt.Errorf("telegram update carries no sender")
	}
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	return strconv.FormatInt(from.ID, 10), name, nil
}

// Parse converts a raw Telegram update into a canonical Message.
func (a *Adapter) Parse(ctx context.Context, data *envelope.ChannelData) (*envelope.Message, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(data.Data, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}

	if update.CallbackQuery != nil {
		return a.parseCallback(update.CallbackQuery)
	}
	if update.Message != nil {
		return a.parseMessage(update.Message)
	}
	return nil, fmt.Errorf("telegram update carries no message or callback")
}

func (a *Adapter) parseMessage(m *tgbotapi.Message) (*envelope.Message, error) {
	switch {
	case m.Voice != nil:
		url, err := a.api.GetFileDirectURL(m.Voice.FileID)
		if err != nil {
			return nil, fmt.Errorf("resolve voice file: %w", err)
		}
		msg := envelope.NewAudioMessage(url)
		return &msg, nil

	case len(m.Photo) > 0:
		// Telegram sends every resolution; the last entry is the largest.
		url, err := a.api.GetFileDirectURL(m.Photo[len(m.Photo)-1].FileID)
		if err != nil {
			return nil, fmt.Errorf("resolve photo file: %w", err)
		}
		return &envelope.Message{
			Type:  envelope.MessageTypeImage,
			Image: &envelope.ImageContent{URL: url, Caption: m.Caption},
		}, nil

	case m.Document != nil:
		url, err := a.api.GetFileDirectURL(m.Document.FileID)
		if err != nil {
			return nil, fmt.Errorf("resolve document file: %w", err)
		}
		return &envelope.Message{
			Type: envelope.MessageTypeDocument,
			Document: &envelope.DocumentContent{
				URL:     url,
				Name:    m.Document.FileName,
				Caption: m.Caption,
			},
		}, nil

	case m.Text != "":
		if strings.TrimSpace(m.Text) == resetCommand {
			msg := envelope.NewDialogMessage(envelope.DialogEventConversationReset, "")
			return &msg, nil
		}
		msg := envelope.NewTextMessage(m.Text)
		return &msg, nil
	}
	return nil, fmt.Errorf("unsupported telegram message")
}

func (a *Adapter) parseCallback(cq *tgbotapi.CallbackQuery) (*envelope.Message, error) {
	data := cq.Data
	switch {
	case strings.HasPrefix(data, languagePrefix):
		msg := envelope.NewDialogMessage(envelope.DialogEventLanguageSelected, strings.TrimPrefix(data, languagePrefix))
		return &msg, nil

	case strings.HasPrefix(data, optionPrefix):
		id := strings.TrimPrefix(data, optionPrefix)
		return &envelope.Message{
			Type: envelope.MessageTypeInteractiveReply,
			InteractiveReply: &envelope.InteractiveReplyContent{
				Options: []envelope.Option{{ID: id, Text: a.buttonLabel(cq, data, id)}},
			},
		}, nil
	}
	return nil, fmt.Errorf("unsupported telegram callback data: %s", data)
}

// buttonLabel recovers the pressed button's text from the keyboard the
// callback came from, falling back to the option id.
func (a *Adapter) buttonLabel(cq *tgbotapi.CallbackQuery, data, fallback string) string {
	if cq.Message == nil || cq.Message.ReplyMarkup == nil {
		return fallback
	}
	for _, row := range cq.Message.ReplyMarkup.InlineKeyboard {
		for _, button := range row {
			if button.CallbackData != nil && *button.CallbackData == data {
				return button.Text
			}
		}
	}
	return fallback
}

// =============================================================================
// OUTBOUND
// =============================================================================

// Send delivers a canonical Message to the user's Telegram chat.
func (a *Adapter) Send(ctx context.Context, channel *store.Channel, user *store.User, msg *envelope.Message) error {
	chatID, err := strconv.ParseInt(user.Identifier, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram identifier %q is not a chat id: %w", user.Identifier, err)
	}

	chattable, err := a.chattable(chatID, msg)
	if err != nil {
		return err
	}
	if _, err := a.api.Send(chattable); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (a *Adapter) chattable(chatID int64, msg *envelope.Message) (tgbotapi.Chattable, error) {
	switch msg.Type {
	case envelope.MessageTypeText:
		return tgbotapi.NewMessage(chatID, joinSections(msg.Text.Header, msg.Text.Body, msg.Text.Footer)), nil

	case envelope.MessageTypeAudio:
		return tgbotapi.NewAudio(chatID, tgbotapi.FileURL(msg.Audio.MediaURL)), nil

	case envelope.MessageTypeImage:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.Image.URL))
		photo.Caption = msg.Image.Caption
		return photo, nil

	case envelope.MessageTypeDocument:
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(msg.Document.URL))
		doc.Caption = msg.Document.Caption
		return doc, nil

	case envelope.MessageTypeForm:
		out := tgbotapi.NewMessage(chatID, joinSections(msg.Form.Header, msg.Form.Body, msg.Form.Footer))
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Open", formPrefix+msg.Form.FormID),
			),
		)
		return out, nil

	case envelope.MessageTypeInteractiveList:
		out := tgbotapi.NewMessage(chatID, joinSections(msg.InteractiveList.Header, msg.InteractiveList.Body, msg.InteractiveList.Footer))
		out.ReplyMarkup = optionKeyboard(msg.InteractiveList.Options)
		return out, nil

	case envelope.MessageTypeInteractiveButton:
		out := tgbotapi.NewMessage(chatID, joinSections(msg.InteractiveButton.Header, msg.InteractiveButton.Body, msg.InteractiveButton.Footer))
		out.ReplyMarkup = optionKeyboard(msg.InteractiveButton.Options)
		return out, nil

	case envelope.MessageTypeDialog:
		if msg.Dialog.DialogID == envelope.DialogEventLanguageChange {
			return a.languagePicker(chatID), nil
		}
	}
	return nil, fmt.Errorf("unsupported outbound kind for telegram: %s", msg.Type)
}

// languagePicker renders the language selection keyboard. The prompt is
// multilingual on purpose; the user's language is unknown here.
func (a *Adapter) languagePicker(chatID int64) tgbotapi.Chattable {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(a.languages))
	for _, code := range a.languages {
		label, ok := languageNames[code]
		if !ok {
			label = code
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, languagePrefix+code),
		))
	}
	out := tgbotapi.NewMessage(chatID, "Please choose your language / Por favor elige tu idioma")
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	return out
}

func optionKeyboard(options []envelope.Option) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(options))
	for _, option := range options {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(option.Text, optionPrefix+option.ID),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func joinSections(sections ...string) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
