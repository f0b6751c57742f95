package engine

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Artifact references something produced or attached during a turn,
// such as a generated image.
type Artifact struct {
	Kind     string `json:"kind"`
	Ref      string `json:"ref"`
	MIMEType string `json:"mimeType,omitempty"`
}

// Turn is one committed utterance.
type Turn struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Transcript  string     `json:"transcript"`
	CreatedAt   time.Time  `json:"createdAt"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	Interrupted bool       `json:"interrupted,omitempty"`
}

// TranscriptSink receives committed turns in order.
type TranscriptSink interface {
	Append(ctx context.Context, sessionID string, turn Turn) error
}

// Attachment is an image supplied by the user (camera frame or upload).
type Attachment struct {
	ID       string
	MIMEType string
	Data     []byte
}

// AttachmentSource holds at most one pending attachment.
type AttachmentSource interface {
	Current() (Attachment, bool)
	Clear()
}

// Playback plays model audio. Play must not block; Flush drops anything queued.
type Playback interface {
	Play(pcm []byte)
	Flush()
}

// Feedback receives UI signals such as haptics. Calls are made on their
// own goroutine and never delay a transition.
type Feedback interface {
	Notify(signal string)
}

// AmbientCue is a background cue shown or played while a tool runs.
// Implementations must not block.
type AmbientCue interface {
	Start(kind ToolKind)
	Stop()
}

// Feedback signals.
const (
	SignalInterrupt   = "interrupt"
	SignalMuteHandoff = "mute_handoff"
	SignalMuted       = "muted"
	SignalUnmuted     = "unmuted"
)

type nopPlayback struct{}

func (nopPlayback) Play([]byte) {}
func (nopPlayback) Flush()      {}

type nopFeedback struct{}

func (nopFeedback) Notify(string) {}

type nopCue struct{}

func (nopCue) Start(ToolKind) {}
func (nopCue) Stop()          {}

type nopSink struct{}

func (nopSink) Append(context.Context, string, Turn) error { return nil }

type noAttachments struct{}

func (noAttachments) Current() (Attachment, bool) { return Attachment{}, false }
func (noAttachments) Clear()                      {}
