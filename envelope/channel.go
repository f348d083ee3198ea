package envelope

import (
	"encoding/json"
)

// ChannelIntent identifies the direction of a Channel envelope.
type ChannelIntent string

const (
	// ChannelIntentIn carries a channel-native inbound payload.
	ChannelIntentIn ChannelIntent = "channel_in"
	// ChannelIntentOut carries a canonical Message to deliver to the user.
	ChannelIntentOut ChannelIntent = "channel_out"
)

// ChannelData is the raw inbound payload as received from an external
// channel, before the channel adapter converts it to a canonical Message.
type ChannelData struct {
	ChannelName string            `json:"channel_name"`
	Headers     map[string]string `json:"headers,omitempty"`
	Data        json.RawMessage   `json:"data"`
	QueryParams map[string]string `json:"query_params,omitempty"`
}

// Channel is the envelope consumed by the channel service: raw payload in,
// canonical Message out.
type Channel struct {
	Source    string        `json:"source"`
	TurnID    string        `json:"turn_id"`
	Intent    ChannelIntent `json:"intent"`
	BotInput  *ChannelData  `json:"bot_input,omitempty"`
	BotOutput *Message      `json:"bot_output,omitempty"`
}

// Validate checks direction/payload pairing.
func (c *Channel) Validate() error {
	if c.TurnID == "" {
		return NewValidationError("turn_id", "turn_id is required")
	}
	switch c.Intent {
	case ChannelIntentIn:
		if c.BotInput == nil || c.BotOutput != nil {
			return NewValidationError("intent", "channel_in requires bot_input and no bot_output")
		}
		if c.BotInput.ChannelName == "" {
			return NewValidationError("channel_name", "channel_name is required")
		}
	case ChannelIntentOut:
		if c.BotOutput == nil || c.BotInput != nil {
			return NewValidationError("intent", "channel_out requires bot_output and no bot_input")
		}
		return c.BotOutput.Validate()
	default:
		return NewValidationError("intent", "unknown channel intent: "+string(c.Intent))
	}
	return nil
}

// UnmarshalJSON decodes and validates in one step.
func (c *Channel) UnmarshalJSON(data []byte) error {
	type alias Channel
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Channel(a)
	return c.Validate()
}
