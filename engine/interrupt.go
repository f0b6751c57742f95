package engine

import (
	"strings"

	"go.uber.org/zap"
)

// InterruptSource says who stopped the assistant.
type InterruptSource string

const (
	SourceUser      InterruptSource = "user"
	SourceSpeech    InterruptSource = "speech"
	SourceServer    InterruptSource = "server"
	SourceVoiceSwap InterruptSource = "voice_swap"
)

// InterruptCoordinator cancels in-flight assistant output. It runs on the
// controller loop and changes state only through the controller.
type InterruptCoordinator struct {
	c *Controller
}

// Interrupt cancels the current response, flushes queued audio, abandons
// running tools and returns to listening. Outside thinking and speaking it
// only flushes playback and reports false, so bursts of interrupt signals
// collapse into a single cancellation.
func (ic *InterruptCoordinator) Interrupt(source InterruptSource) bool {
	c := ic.c
	sess := c.sess
	st := c.status.Get()
	if sess == nil || (st != StatusThinking && st != StatusSpeaking) {
		c.playback.Flush()
		return false
	}

	if r := sess.response; r != nil {
		r.gate.Stop()
		r.gated = nil
		if source == SourceServer {
			sess.response = nil
			c.declineHeld(sess, r)
		} else {
			c.cancelResponse(sess, r)
		}
	}
	c.playback.Flush()
	c.output.Reset()
	c.setStatus(StatusListening)
	tools := c.bridge.CancelAll()
	c.finishExchange(true)

	if source == SourceUser && sess.evidence.HasValidatedTranscript {
		// a user stop also withdraws speech still waiting for its reply
		sess.carry = strings.TrimSpace(sess.carry + " " + sess.evidence.Text())
		sess.evidence.Rearm()
		sess.latest = slotNone
	}
	if len(sess.deferred) > 0 {
		sess.carry = strings.TrimSpace(sess.carry + " " + strings.Join(sess.deferred, " "))
		sess.deferred = nil
		sess.latest = slotNone
	}

	c.metrics.interrupt(string(source))
	sess.logger.Info("assistant interrupted",
		zap.String("source", string(source)),
		zap.Int("cancelled_tools", tools))
	if source == SourceUser || source == SourceSpeech {
		go c.feedback.Notify(SignalInterrupt)
	}
	return true
}
