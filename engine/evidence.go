package engine

import "strings"

// SpeechEvidence tracks what is known about the user's current utterance.
//
// Two signals are kept apart. VADTriggered is the coarse one: the detector
// fired since the last response cycle, which ambient noise also satisfies.
// Mute handoff reads it. HasValidatedTranscript is set only by an accepted
// transcription and is the sole evidence response admission accepts.
type SpeechEvidence struct {
	VADTriggered           bool
	HasValidatedTranscript bool
	// AwaitingTranscript is set while detected audio has not been transcribed.
	AwaitingTranscript bool

	handedOff bool
	texts     []string
}

func (e *SpeechEvidence) VoiceActivity() {
	e.VADTriggered = true
	e.AwaitingTranscript = true
}

func (e *SpeechEvidence) Validated(text string) {
	e.AwaitingTranscript = false
	e.HasValidatedTranscript = true
	e.texts = append(e.texts, text)
}

// Revise replaces the latest validated transcription with a longer one
// of the same utterance.
func (e *SpeechEvidence) Revise(text string) {
	if n := len(e.texts); n > 0 {
		e.texts[n-1] = text
	}
}

func (e *SpeechEvidence) Rejected() {
	e.AwaitingTranscript = false
}

// Uncommitted reports captured speech that is neither transcribed nor
// already handed off.
func (e *SpeechEvidence) Uncommitted() bool {
	return e.VADTriggered && e.AwaitingTranscript && !e.handedOff
}

func (e *SpeechEvidence) markHandedOff() {
	e.handedOff = true
}

// Text joins the validated transcriptions of the utterance.
func (e *SpeechEvidence) Text() string {
	return strings.Join(e.texts, " ")
}

// Rearm clears everything. Called whenever a response cycle starts or is
// discarded, so validation never carries over to a later response.
func (e *SpeechEvidence) Rearm() {
	*e = SpeechEvidence{}
}
