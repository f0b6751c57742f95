package messages

import (
	"encoding/base64"

	"github.com/bytedance/sonic"

	"github.com/room4-2/openconverse-voice/engine"
)

// Error codes
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeGeminiError      = "GEMINI_ERROR"
	ErrCodeSessionFailed    = "SESSION_FAILED"
	ErrCodeConnectionClosed = "CONNECTION_CLOSED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeNotActive        = "NOT_ACTIVE"
	ErrCodeAlreadyActive    = "ALREADY_ACTIVE"
	ErrCodeVoiceLocked      = "VOICE_SWAP_IN_PROGRESS"
	ErrCodeToolInProgress   = "TOOL_IN_PROGRESS"
)

// Message types
const (
	TypeAudio     = "audio"
	TypeFlush     = "flush"
	TypeStatus    = "status"
	TypeLevel     = "level"
	TypeTurn      = "turn"
	TypeVoiceLock = "voice_lock"
	TypeTool      = "tool"
	TypeCue       = "cue"
	TypeHaptic    = "haptic"
	TypeError     = "error"
)

const outputMimeType = "audio/pcm;rate=24000"

// ServerMessage represents a message sent to frontend client
type ServerMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Encode renders the message as a text frame.
func (m *ServerMessage) Encode() ([]byte, error) {
	return sonic.Marshal(m)
}

// AudioResponsePayload contains audio data for client
type AudioResponsePayload struct {
	Data     string `json:"data"`     // Base64-encoded PCM audio
	MimeType string `json:"mimeType"` // "audio/pcm;rate=24000"
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status  string `json:"status"` // idle, connecting, listening, thinking, speaking, muted, unmuted, pong
	Muted   bool   `json:"muted"`
	Message string `json:"message,omitempty"`
}

// LevelPayload carries smoothed amplitudes in [0,1].
type LevelPayload struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// VoiceLockPayload reports the voice picker state.
type VoiceLockPayload struct {
	Locked bool   `json:"locked"`
	Voice  string `json:"voice"`
}

// ToolPayload names the oldest pending tool, empty when none.
type ToolPayload struct {
	Name string `json:"name"`
}

// CuePayload starts or stops the ambient cue for a tool kind.
type CuePayload struct {
	Active bool   `json:"active"`
	Kind   string `json:"kind,omitempty"`
}

type HapticPayload struct {
	Signal string `json:"signal"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAudioMessage creates an audio response message
func NewAudioMessage(sessionID string, pcm []byte) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Payload: AudioResponsePayload{
			Data:     base64.StdEncoding.EncodeToString(pcm),
			MimeType: outputMimeType,
		},
	}
}

// NewFlushMessage tells the client to drop queued audio.
func NewFlushMessage(sessionID string) *ServerMessage {
	return &ServerMessage{Type: TypeFlush, SessionID: sessionID}
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status string, muted bool, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload: StatusPayload{
			Status:  status,
			Muted:   muted,
			Message: message,
		},
	}
}

func NewLevelMessage(sessionID string, input, output float64) *ServerMessage {
	return &ServerMessage{
		Type:      TypeLevel,
		SessionID: sessionID,
		Payload:   LevelPayload{Input: input, Output: output},
	}
}

// NewTurnMessage carries one committed turn.
func NewTurnMessage(sessionID string, turn engine.Turn) *ServerMessage {
	return &ServerMessage{Type: TypeTurn, SessionID: sessionID, Payload: turn}
}

func NewVoiceLockMessage(sessionID string, locked bool, voice string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeVoiceLock,
		SessionID: sessionID,
		Payload:   VoiceLockPayload{Locked: locked, Voice: voice},
	}
}

func NewToolMessage(sessionID, name string) *ServerMessage {
	return &ServerMessage{Type: TypeTool, SessionID: sessionID, Payload: ToolPayload{Name: name}}
}

func NewCueMessage(sessionID string, active bool, kind string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeCue,
		SessionID: sessionID,
		Payload:   CuePayload{Active: active, Kind: kind},
	}
}

func NewHapticMessage(sessionID, signal string) *ServerMessage {
	return &ServerMessage{Type: TypeHaptic, SessionID: sessionID, Payload: HapticPayload{Signal: signal}}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
