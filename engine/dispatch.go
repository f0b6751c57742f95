package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// dispatch is the transition table for inbound transport events.
func (c *Controller) dispatch(ev Event) {
	sess := c.sess
	switch e := ev.(type) {
	case SpeechStarted:
		sess.evidence.VoiceActivity()
	case TranscriptionCompleted:
		c.onTranscription(sess, e.Text)
	case TranscriptionUpdated:
		c.onTranscriptionUpdated(sess, e.Text)
	case ResponseCreated:
		c.onResponseCreated(sess, e.ResponseID)
	case AudioDelta:
		c.onAudioDelta(sess, e)
	case ToolCallRequested:
		c.onToolCall(sess, e)
	case ToolCallCancelled:
		if n := c.bridge.Cancel(e.CallIDs...); n > 0 {
			sess.logger.Info("tool calls withdrawn by model", zap.Int("count", n))
			c.resumeAfterTools(sess)
		}
	case ResponseDone:
		c.onResponseDone(sess, e)
	case TransportError:
		c.fail(e.Err)
	default:
		sess.logger.Warn("unhandled transport event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (c *Controller) onTranscription(sess *Session, raw string) {
	verdict := c.validator.Apply(&sess.evidence, raw)
	if !verdict.Accepted {
		sess.logger.Debug("transcript rejected", zap.String("reason", verdict.Reason), zap.String("text", verdict.Text))
		sess.latest = slotNone
		if r := sess.response; r != nil && !r.admitted {
			c.discard(sess, r, "rejected_transcript")
		}
		return
	}

	if c.bridge.Suspended() {
		sess.deferred = append(sess.deferred, verdict.Text)
		sess.latest = slotDeferred
		sess.evidence.Rearm()
		sess.logger.Debug("utterance deferred until tool resolves")
		return
	}

	sess.latest = slotEvidence
	if r := sess.response; r != nil && !r.admitted {
		c.admitGated(sess, r)
		return
	}
	if sess.exchange != nil {
		// new real speech while the assistant holds the floor
		c.interrupts.Interrupt(SourceSpeech)
		sess.latest = slotEvidence
	}
	c.awaitResponse(sess)
}

// onTranscriptionUpdated folds a longer transcription of the latest
// utterance into wherever that utterance went.
func (c *Controller) onTranscriptionUpdated(sess *Session, raw string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return
	}
	switch sess.latest {
	case slotEvidence:
		sess.evidence.Revise(text)
	case slotDeferred:
		if n := len(sess.deferred); n > 0 {
			sess.deferred[n-1] = text
		}
	case slotExchange:
		if ex := sess.exchange; ex != nil && len(ex.said) > 0 {
			ex.said[len(ex.said)-1] = text
		}
	}
}

// awaitResponse moves to thinking on validated speech and bundles any
// pending attachment with the utterance.
func (c *Controller) awaitResponse(sess *Session) {
	if att, ok := c.attachments.Current(); ok {
		if err := sess.conn.SendImage(att); err != nil {
			sess.logger.Warn("attachment send failed", zap.Error(err))
		} else {
			sess.userArtifacts = append(sess.userArtifacts, Artifact{Kind: "image", Ref: att.ID, MIMEType: att.MIMEType})
			c.attachments.Clear()
		}
	}
	c.setStatus(StatusThinking)
}

func (c *Controller) onResponseCreated(sess *Session, id string) {
	if sess.cancelled[id] {
		return
	}
	if prev := sess.response; prev != nil {
		if prev.id == id {
			return
		}
		sess.logger.Warn("response superseded", zap.String("previous", prev.id), zap.String("next", id))
		c.cancelResponse(sess, prev)
	}

	r := &response{id: id}
	sess.response = r
	ex := sess.exchange

	switch {
	case ex != nil && (ex.awaitingResume || c.bridge.Suspended()):
		ex.awaitingResume = false
		r.admitted = true
	case sess.introPending:
		sess.introPending = false
		sess.exchange = &exchange{intro: true}
		r.admitted = true
	case sess.evidence.HasValidatedTranscript:
		c.openExchange(sess, r)
	case sess.evidence.AwaitingTranscript:
		r.gate = c.schedule(c.cfg.AdmissionWindow, func() {
			if sess.response == r && !r.admitted {
				c.discard(sess, r, "admission_window")
			}
		})
		sess.logger.Debug("response gated until transcript", zap.String("response_id", id))
		return
	default:
		c.discard(sess, r, "no_evidence")
		return
	}
	if c.status.Get() != StatusSpeaking {
		c.setStatus(StatusThinking)
	}
}

// openExchange admits r on the strength of a validated transcript. The
// evidence is consumed so it can never authorize another response.
func (c *Controller) openExchange(sess *Session, r *response) {
	sess.exchange = &exchange{
		carried:       sess.carry,
		said:          append([]string(nil), sess.evidence.texts...),
		userArtifacts: append(sess.carryArtifacts, sess.userArtifacts...),
	}
	sess.carry = ""
	sess.carryArtifacts = nil
	sess.userArtifacts = nil
	sess.evidence.Rearm()
	if sess.latest == slotEvidence {
		sess.latest = slotExchange
	}
	r.admitted = true
}

// admitGated releases what a gated response produced while it waited:
// its audio is played and its tool calls start.
func (c *Controller) admitGated(sess *Session, r *response) {
	r.gate.Stop()
	c.openExchange(sess, r)
	c.setStatus(StatusThinking)
	for _, chunk := range r.gated {
		c.play(sess, chunk)
	}
	r.gated = nil
	held := r.held
	r.held = nil
	for _, call := range held {
		c.startTool(sess, call)
	}
	if r.done {
		c.completeResponse(sess, r, r.doneTranscript, false)
	}
}

// discard drops a response that was never admitted. Nothing about it
// reaches the user.
func (c *Controller) discard(sess *Session, r *response, reason string) {
	r.gate.Stop()
	r.gated = nil
	c.cancelResponse(sess, r)
	sess.evidence.Rearm()
	if sess.latest == slotEvidence {
		sess.latest = slotNone
	}
	c.metrics.phantom(reason)
	c.metrics.fault(FaultAdmission)
	sess.logger.Debug("phantom response discarded", zap.String("response_id", r.id), zap.String("reason", reason))

	if sess.exchange == nil && !c.bridge.Suspended() && c.status.Get() != StatusListening {
		c.setStatus(StatusListening)
	}
}

func (c *Controller) declineHeld(sess *Session, r *response) {
	held := r.held
	r.held = nil
	for _, call := range held {
		c.declineCall(sess, call)
	}
}

// declineCall answers a tool call of a dropped response with an error, so
// the model is not left waiting for a result that never comes.
func (c *Controller) declineCall(sess *Session, call ToolCallRequested) {
	res := ToolResult{
		CallID:  call.CallID,
		Name:    call.Name,
		Payload: map[string]any{"error": "request was not confirmed by the user"},
	}
	if err := sess.conn.SendToolResult(res); err != nil {
		sess.logger.Warn("declining tool call failed", zap.String("tool", call.Name), zap.Error(err))
	}
}

func (c *Controller) cancelResponse(sess *Session, r *response) {
	if sess.response == r {
		sess.response = nil
	}
	c.declineHeld(sess, r)
	if r.done {
		return
	}
	sess.cancelled[r.id] = true
	if err := sess.conn.CancelResponse(r.id); err != nil {
		sess.logger.Warn("cancel response failed", zap.String("response_id", r.id), zap.Error(err))
	}
}

func (c *Controller) onAudioDelta(sess *Session, e AudioDelta) {
	r := sess.response
	if r == nil || r.id != e.ResponseID {
		return
	}
	if !r.admitted {
		r.gated = append(r.gated, e.Data)
		return
	}
	c.play(sess, e.Data)
}

func (c *Controller) play(sess *Session, pcm []byte) {
	c.playback.Play(pcm)
	c.output.Feed(pcm)
	if sess.exchange != nil {
		sess.exchange.spoke = true
	}
	c.setStatus(StatusSpeaking)
}

func (c *Controller) onToolCall(sess *Session, e ToolCallRequested) {
	if sess.cancelled[e.ResponseID] {
		c.declineCall(sess, e)
		return
	}
	r := sess.response
	if r == nil || r.id != e.ResponseID {
		sess.logger.Debug("ignoring tool call outside the current response",
			zap.String("tool", e.Name), zap.String("response_id", e.ResponseID))
		return
	}
	if !r.admitted {
		r.held = append(r.held, e)
		return
	}
	if sess.exchange == nil {
		sess.logger.Debug("ignoring tool call without an exchange", zap.String("tool", e.Name))
		return
	}
	c.startTool(sess, e)
}

func (c *Controller) startTool(sess *Session, e ToolCallRequested) {
	call := ToolCall{CallID: e.CallID, Name: e.Name, Args: e.Args}
	if c.tools != nil && c.tools.Kind(e.Name) == ToolImage {
		if att, ok := c.attachments.Current(); ok {
			call.Attachment = &att
			c.attachments.Clear()
		}
	}
	c.setStatus(StatusThinking)
	c.bridge.Start(sess.ctx, call, func(task *ToolTask, res ToolResult) {
		if c.sess != sess {
			return
		}
		c.onToolResolved(sess, task, res)
	})
}

func (c *Controller) onToolResolved(sess *Session, task *ToolTask, res ToolResult) {
	if task.Err != nil {
		c.metrics.fault(FaultTool)
	}
	if err := sess.conn.SendToolResult(res); err != nil {
		c.fail(fmt.Errorf("send tool result: %w", err))
		return
	}
	if ex := sess.exchange; ex != nil {
		ex.artifacts = append(ex.artifacts, res.Artifacts...)
	}
	sess.logger.Info("tool task resolved",
		zap.String("tool", task.Name),
		zap.Int("artifacts", len(res.Artifacts)),
		zap.Bool("failed", task.Err != nil))
	c.resumeAfterTools(sess)
}

// resumeAfterTools waits for the model's continuation once no tool is pending.
func (c *Controller) resumeAfterTools(sess *Session) {
	if c.bridge.Suspended() {
		return
	}
	ex := sess.exchange
	if ex == nil {
		c.setStatus(StatusListening)
		c.resumeDeferred(sess)
		return
	}
	ex.awaitingResume = true
	c.setStatus(StatusThinking)
	c.armThinking()
}

func (c *Controller) onResponseDone(sess *Session, e ResponseDone) {
	if sess.cancelled[e.ResponseID] {
		delete(sess.cancelled, e.ResponseID)
		return
	}
	r := sess.response
	if r == nil || r.id != e.ResponseID {
		return
	}
	if !r.admitted {
		r.done = true
		if e.Cancelled {
			c.discard(sess, r, "cancelled_before_admission")
			return
		}
		r.doneTranscript = e.Transcript
		return
	}
	c.completeResponse(sess, r, e.Transcript, e.Cancelled)
}

func (c *Controller) completeResponse(sess *Session, r *response, transcript string, cancelled bool) {
	sess.response = nil
	ex := sess.exchange
	if t := strings.TrimSpace(transcript); t != "" && ex != nil {
		ex.text = append(ex.text, t)
	}
	if cancelled {
		c.interrupts.Interrupt(SourceServer)
		return
	}
	if c.bridge.Suspended() {
		c.setStatus(StatusThinking)
		return
	}
	if ex != nil && ex.awaitingResume {
		return
	}
	c.finishExchange(false)
	c.setStatus(StatusListening)
	c.resumeDeferred(sess)
}

// finishExchange commits the open exchange as a user turn followed by an
// assistant turn. An exchange that produced nothing commits nothing; the
// user's words carry into the next one.
func (c *Controller) finishExchange(interrupted bool) {
	sess := c.sess
	ex := sess.exchange
	if ex == nil {
		return
	}
	sess.exchange = nil

	if ex.intro {
		if !interrupted {
			c.watchdog.Complete()
		}
		return
	}
	if sess.latest == slotExchange {
		sess.latest = slotNone
	}
	if ex.empty() {
		sess.carry = strings.TrimSpace(sess.carry + " " + ex.userText())
		sess.carryArtifacts = append(sess.carryArtifacts, ex.userArtifacts...)
		return
	}
	c.commit(Turn{Role: RoleUser, Transcript: ex.userText(), Artifacts: ex.userArtifacts})
	c.commit(Turn{Role: RoleAssistant, Transcript: ex.assistantText(), Artifacts: ex.artifacts, Interrupted: interrupted})
}

// resumeDeferred replays speech that arrived while a tool was running.
func (c *Controller) resumeDeferred(sess *Session) {
	if len(sess.deferred) == 0 || c.sess != sess {
		return
	}
	for _, text := range sess.deferred {
		sess.evidence.Validated(text)
	}
	sess.deferred = nil
	if sess.latest == slotDeferred {
		sess.latest = slotEvidence
	}
	if err := sess.conn.CreateResponse(); err != nil {
		c.fail(fmt.Errorf("create response: %w", err))
		return
	}
	c.awaitResponse(sess)
}

func (c *Controller) onThinkingTimeout(sess *Session) {
	if c.sess != sess || c.status.Get() != StatusThinking || c.bridge.Suspended() {
		return
	}
	sess.logger.Warn("no response activity, recovering to listening",
		zap.Duration("timeout", c.cfg.ThinkingTimeout))
	if r := sess.response; r != nil {
		r.gate.Stop()
		c.cancelResponse(sess, r)
	}
	c.finishExchange(true)
	if sess.evidence.HasValidatedTranscript {
		sess.carry = strings.TrimSpace(sess.carry + " " + sess.evidence.Text())
	}
	sess.evidence.Rearm()
	sess.latest = slotNone
	c.metrics.interrupt("thinking_timeout")
	c.setStatus(StatusListening)
}
