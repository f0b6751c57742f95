package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Session is one activation: created by Activate, destroyed by Deactivate
// or a transport fault. Only the controller's loop touches it. The values
// a UI watches (status, mute, levels, voice, pending tool) live on the
// Controller so subscriptions outlive any single session.
type Session struct {
	ID        string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	conn   Conn
	logger *zap.Logger

	evidence SpeechEvidence
	response *response
	exchange *exchange
	// cancelled holds response ids whose late events must be ignored. An
	// entry lives until the response's ResponseDone.
	cancelled map[string]bool
	// latest is where the newest accepted transcription went, so later
	// fragments of the same utterance can be folded into it.
	latest utteranceSlot

	introPending bool
	// deferred holds utterances validated while a tool was running.
	deferred []string
	// carry holds user words whose exchange ended without any reply.
	carry          string
	carryArtifacts []Artifact
	userArtifacts  []Artifact

	thinking *loopTask
}

// response is one model response as announced by the transport.
type response struct {
	id       string
	admitted bool
	gate     *loopTask
	// gated holds audio of a response still waiting for admission, and
	// held its tool calls.
	gated          [][]byte
	held           []ToolCallRequested
	done           bool
	doneTranscript string
}

// exchange is one admitted user utterance and everything the assistant
// produced for it, possibly across several tool chained responses.
type exchange struct {
	// carried holds words from earlier exchanges that got no reply; said
	// holds the transcriptions that opened this one.
	carried        string
	said           []string
	userArtifacts  []Artifact
	text           []string
	artifacts      []Artifact
	spoke          bool
	intro          bool
	awaitingResume bool
}

func (ex *exchange) userText() string {
	return strings.TrimSpace(ex.carried + " " + strings.Join(ex.said, " "))
}

func (ex *exchange) assistantText() string {
	return strings.Join(ex.text, " ")
}

func (ex *exchange) empty() bool {
	return len(ex.text) == 0 && !ex.spoke && len(ex.artifacts) == 0
}

type utteranceSlot int

const (
	slotNone utteranceSlot = iota
	slotEvidence
	slotDeferred
	slotExchange
)

// loopTask is a timer whose callback runs on the controller loop and can
// be stopped from it without racing the timer goroutine.
type loopTask struct {
	timer   *time.Timer
	stopped bool
}

func (t *loopTask) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.timer.Stop()
}
