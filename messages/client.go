package messages

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client message types
const (
	TypeControl    = "control"
	TypeAttachment = "attachment"
)

// Control actions
const (
	ActionActivate    = "activate"
	ActionDeactivate  = "deactivate"
	ActionToggleMute  = "toggle_mute"
	ActionInterrupt   = "interrupt"
	ActionChangeVoice = "change_voice"
	ActionPing        = "ping"
)

// Attachment actions
const (
	AttachmentSet   = "set"
	AttachmentClear = "clear"
)

// ClientMessage represents a message from frontend client
type ClientMessage struct {
	Type    string          `json:"type"` // "audio", "control", "attachment"
	Payload json.RawMessage `json:"payload"`
}

// AudioPayload contains audio data from client
type AudioPayload struct {
	Data string `json:"data"` // Base64-encoded PCM audio, 16 kHz mono
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"`
	Voice  string `json:"voice,omitempty"` // change_voice only
}

// AttachmentPayload sets or clears the pending image.
type AttachmentPayload struct {
	Action   string `json:"action"` // "set", "clear"
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // Base64-encoded image
}

// DecodeClientMessage parses one text frame.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("invalid message: missing type")
	}
	return &msg, nil
}

// DecodePayload parses the payload into v.
func (m *ClientMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("invalid %s payload: empty", m.Type)
	}
	if err := sonic.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

// Bytes decodes base64 audio.
func (p AudioPayload) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Data)
}

// Bytes decodes the base64 image.
func (p AttachmentPayload) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Data)
}
