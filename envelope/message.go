// Package envelope defines the canonical message and envelope contracts
// for the platform.
//
// This package is the CANONICAL wire contract for the entire system.
// All services depend on these types, not on channel- or provider-specific
// payloads.
//
// Contract categories:
//   - Message: tagged union over content kinds (text, audio, form, ...)
//   - Flow envelope: one conversational turn entering the orchestrator
//   - Language envelope: translation work, inbound or outbound
//   - Channel envelope: channel-native ingress or canonical egress
//   - Retrieval envelope: RAG queries issued by bot programs
//
// Every tagged union validates that the declared kind's payload is present.
// Validation runs at construction and again on every JSON decode, so a
// malformed message is rejected at each boundary it crosses.
package envelope

import (
	"encoding/json"
)

// =============================================================================
// MESSAGE KINDS
// =============================================================================

// MessageType identifies the content kind of a canonical Message.
type MessageType string

const (
	MessageTypeText              MessageType = "text"
	MessageTypeAudio             MessageType = "audio"
	MessageTypeImage             MessageType = "image"
	MessageTypeDocument          MessageType = "document"
	MessageTypeForm              MessageType = "form"
	MessageTypeInteractiveList   MessageType = "interactive_list"
	MessageTypeInteractiveButton MessageType = "interactive_button"
	MessageTypeInteractiveReply  MessageType = "interactive_reply"
	MessageTypeFormReply         MessageType = "form_reply"
	MessageTypeDialog            MessageType = "dialog"
)

// Translatable reports whether content of this kind passes through the
// language pipeline. Structured kinds (forms, replies, dialog) bypass it.
func (t MessageType) Translatable() bool {
	switch t {
	case MessageTypeText, MessageTypeAudio, MessageTypeImage, MessageTypeDocument:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known message kind.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeAudio, MessageTypeImage, MessageTypeDocument,
		MessageTypeForm, MessageTypeInteractiveList, MessageTypeInteractiveButton,
		MessageTypeInteractiveReply, MessageTypeFormReply, MessageTypeDialog:
		return true
	}
	return false
}

// =============================================================================
// PAYLOAD VARIANTS
// =============================================================================

// TextContent is the payload for text messages.
type TextContent struct {
	Header string `json:"header,omitempty"`
	Body   string `json:"body"`
	Footer string `json:"footer,omitempty"`
}

// AudioContent is the payload for audio messages.
type AudioContent struct {
	MediaURL string `json:"media_url"`
}

// ImageContent is the payload for image messages.
type ImageContent struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// DocumentContent is the payload for document messages.
type DocumentContent struct {
	URL     string `json:"url"`
	Name    string `json:"name"`
	Caption string `json:"caption,omitempty"`
}

// FormContent is the payload for form messages. Forms are channel-rendered
// and never pass through the language pipeline.
type FormContent struct {
	Header string `json:"header,omitempty"`
	Body   string `json:"body,omitempty"`
	Footer string `json:"footer,omitempty"`
	FormID string `json:"form_id"`
}

// Option is a selectable entry of an interactive message.
type Option struct {
	ID   string `json:"option_id"`
	Text string `json:"option_text"`
}

// ListContent is the payload for interactive list messages.
type ListContent struct {
	Header     string   `json:"header,omitempty"`
	Body       string   `json:"body"`
	Footer     string   `json:"footer,omitempty"`
	ButtonText string   `json:"button_text"`
	Options    []Option `json:"options"`
}

// ButtonContent is the payload for interactive button messages.
type ButtonContent struct {
	Header  string   `json:"header,omitempty"`
	Body    string   `json:"body"`
	Footer  string   `json:"footer,omitempty"`
	Options []Option `json:"options"`
}

// InteractiveReplyContent is the payload for a user's interactive selection.
type InteractiveReplyContent struct {
	Options []Option `json:"options"`
}

// FormReplyContent is the payload for a submitted form.
type FormReplyContent struct {
	FormData map[string]string `json:"form_data"`
}

// DialogEvent identifies a system-level dialog event.
type DialogEvent string

const (
	DialogEventConversationReset DialogEvent = "CONVERSATION_RESET"
	DialogEventLanguageChange    DialogEvent = "LANGUAGE_CHANGE"
	DialogEventLanguageSelected  DialogEvent = "LANGUAGE_SELECTED"
)

// Valid reports whether e is a known dialog event.
func (e DialogEvent) Valid() bool {
	switch e {
	case DialogEventConversationReset, DialogEventLanguageChange, DialogEventLanguageSelected:
		return true
	}
	return false
}

// DialogContent is the payload for dialog messages. DialogInput carries the
// selected language code for LANGUAGE_SELECTED and is empty otherwise.
type DialogContent struct {
	DialogID    DialogEvent `json:"dialog_id"`
	DialogInput string      `json:"dialog_input,omitempty"`
}

// =============================================================================
// CANONICAL MESSAGE
// =============================================================================

// Message is the canonical content unit: a tagged union over MessageType
// where exactly the declared kind's payload must be present.
type Message struct {
	Type MessageType `json:"message_type"`

	Text              *TextContent             `json:"text,omitempty"`
	Audio             *AudioContent            `json:"audio,omitempty"`
	Image             *ImageContent            `json:"image,omitempty"`
	Document          *DocumentContent         `json:"document,omitempty"`
	Form              *FormContent             `json:"form,omitempty"`
	InteractiveList   *ListContent             `json:"interactive_list,omitempty"`
	InteractiveButton *ButtonContent           `json:"interactive_button,omitempty"`
	InteractiveReply  *InteractiveReplyContent `json:"interactive_reply,omitempty"`
	FormReply         *FormReplyContent        `json:"form_reply,omitempty"`
	Dialog            *DialogContent           `json:"dialog,omitempty"`
}

// Validate checks that the declared kind's payload is present and no error
// otherwise. It does not require the absence of other payloads; the declared
// kind decides which one is read.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return NewValidationError("message_type", "unknown message type: "+string(m.Type))
	}
	var present bool
	switch m.Type {
	case MessageTypeText:
		present = m.Text != nil
	case MessageTypeAudio:
		present = m.Audio != nil
	case MessageTypeImage:
		present = m.Image != nil
	case MessageTypeDocument:
		present = m.Document != nil
	case MessageTypeForm:
		present = m.Form != nil
	case MessageTypeInteractiveList:
		present = m.InteractiveList != nil
	case MessageTypeInteractiveButton:
		present = m.InteractiveButton != nil
	case MessageTypeInteractiveReply:
		present = m.InteractiveReply != nil
	case MessageTypeFormReply:
		present = m.FormReply != nil
	case MessageTypeDialog:
		present = m.Dialog != nil && m.Dialog.DialogID.Valid()
	}
	if !present {
		return NewValidationError(string(m.Type), "payload missing for declared message type")
	}
	return nil
}

// UnmarshalJSON decodes and validates in one step so a kind/payload mismatch
// can never enter the system through a topic boundary.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Message(a)
	return m.Validate()
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// NewTextMessage creates a validated text Message.
func NewTextMessage(body string) Message {
	return Message{Type: MessageTypeText, Text: &TextContent{Body: body}}
}

// NewAudioMessage creates a validated audio Message.
func NewAudioMessage(mediaURL string) Message {
	return Message{Type: MessageTypeAudio, Audio: &AudioContent{MediaURL: mediaURL}}
}

// NewDialogMessage creates a validated dialog Message. dialogInput is the
// selected language code for LANGUAGE_SELECTED and empty otherwise.
func NewDialogMessage(event DialogEvent, dialogInput string) Message {
	return Message{
		Type:   MessageTypeDialog,
		Dialog: &DialogContent{DialogID: event, DialogInput: dialogInput},
	}
}
