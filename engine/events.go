package engine

// Event is an inbound transport event. The set of implementations is closed;
// the controller's dispatch switch handles every case.
type Event interface {
	isEvent()
}

// SpeechStarted is the transport's voice activity detector firing.
// It says nothing about whether the sound was speech.
type SpeechStarted struct{}

// TranscriptionCompleted carries the final transcription of one user utterance.
type TranscriptionCompleted struct {
	Text string
}

// TranscriptionUpdated revises the utterance last reported by
// TranscriptionCompleted once more of it has been transcribed. Text is the
// whole utterance so far.
type TranscriptionUpdated struct {
	Text string
}

// ResponseCreated announces a new model response.
type ResponseCreated struct {
	ResponseID string
}

// AudioDelta is a chunk of synthesized PCM for a response.
type AudioDelta struct {
	ResponseID string
	Data       []byte
}

// ToolCallRequested is the model asking for a named tool within a response.
type ToolCallRequested struct {
	ResponseID string
	CallID     string
	Name       string
	Args       map[string]any
}

// ToolCallCancelled withdraws earlier tool calls.
type ToolCallCancelled struct {
	CallIDs []string
}

// ResponseDone ends a response. Cancelled is set when the transport stopped
// it early (server side barge-in or an accepted cancel).
type ResponseDone struct {
	ResponseID string
	Transcript string
	Cancelled  bool
}

// TransportError is a fatal connection fault.
type TransportError struct {
	Err error
}

func (SpeechStarted) isEvent()          {}
func (TranscriptionCompleted) isEvent() {}
func (TranscriptionUpdated) isEvent()   {}
func (ResponseCreated) isEvent()        {}
func (AudioDelta) isEvent()             {}
func (ToolCallRequested) isEvent()      {}
func (ToolCallCancelled) isEvent()      {}
func (ResponseDone) isEvent()           {}
func (TransportError) isEvent()         {}
