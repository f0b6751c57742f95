package engine

// Status is the externally visible state of a voice session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusListening
	StatusThinking
	StatusSpeaking
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusThinking:
		return "thinking"
	case StatusSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Active reports whether a transport is attached or being attached.
func (s Status) Active() bool {
	return s != StatusIdle
}
