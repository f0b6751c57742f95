package engine

import "context"

// ConnectConfig is what a transport needs to open one realtime session.
type ConnectConfig struct {
	SessionID    string
	Voice        string
	SystemPrompt string
}

// Transport opens realtime model connections.
type Transport interface {
	Connect(ctx context.Context, cfg ConnectConfig) (Conn, error)
}

// Conn is one open realtime connection. A connection that fails reports a
// TransportError or closes Events. Send methods must not block on the
// model's reply.
type Conn interface {
	Events() <-chan Event

	SendAudio(pcm []byte) error
	// CommitAudioBuffer finalizes captured audio as one utterance.
	CommitAudioBuffer() error
	// CreateResponse asks the model to answer what it has received so far.
	CreateResponse() error
	CancelResponse(responseID string) error
	// RequestVoiceChange switches the synthesized voice. The transport
	// follows it with a short intro response spoken in the new voice.
	RequestVoiceChange(voice string) error
	SendToolResult(res ToolResult) error
	SendImage(att Attachment) error

	Close() error
}
