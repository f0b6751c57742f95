package engine

import "go.uber.org/zap"

// MuteHandoffCoordinator makes sure muting mid-utterance does not swallow
// what the user was saying.
type MuteHandoffCoordinator struct {
	c *Controller
}

// Handoff runs when an unmuted session is about to mute. If detected speech
// has not been transcribed yet, it commits the captured audio and asks for
// a response before input stops. The forced response still goes through
// admission. The result is informational only.
func (m *MuteHandoffCoordinator) Handoff() bool {
	c := m.c
	sess := c.sess
	if sess == nil || sess.conn == nil {
		return false
	}
	if c.status.Get() != StatusListening || !sess.evidence.Uncommitted() {
		return false
	}
	if err := sess.conn.CommitAudioBuffer(); err != nil {
		sess.logger.Warn("mute handoff commit failed", zap.Error(err))
		return false
	}
	sess.evidence.markHandedOff()
	if err := sess.conn.CreateResponse(); err != nil {
		sess.logger.Warn("mute handoff response request failed", zap.Error(err))
	}
	c.metrics.muteHandoff()
	sess.logger.Info("mute handoff committed pending speech")
	return true
}
