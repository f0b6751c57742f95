package gemini

import (
	"strings"

	"google.golang.org/genai"

	"github.com/room4-2/openconverse-voice/engine"
)

// translator turns Live API server messages into engine events. It keeps
// the per-turn bookkeeping the Live API leaves implicit: which model turn
// is current and whether the user's transcription has been reported yet.
//
// The Live API streams the input transcription in fragments, often after
// the model has already started answering. One TranscriptionCompleted is
// emitted per user turn, at the earliest of: a finished fragment, the model
// starting with buffered input, or the first fragment after the model has
// started. Later fragments of the same turn arrive as TranscriptionUpdated
// carrying the whole utterance so far.
//
// Voice activity signals are not enabled on the session, so a model turn
// that starts before any input was heard reports SpeechStarted first. The
// engine then holds the response for the transcription instead of treating
// it as unprompted.
type translator struct {
	newID func() string

	responseID string
	output     strings.Builder

	heard     bool
	input     strings.Builder
	inputSent bool
	// answered is set once the model finished a turn after the transcription
	// went out; the next input fragment then belongs to a new utterance.
	answered bool
}

func newTranslator(newID func() string) *translator {
	return &translator{newID: newID}
}

func (t *translator) translate(msg *genai.LiveServerMessage) []engine.Event {
	if msg == nil {
		return nil
	}
	var out []engine.Event

	if va := msg.VoiceActivity; va != nil && va.VoiceActivityType == genai.VoiceActivityTypeActivityStart {
		out = t.speechStarted(out)
	}
	if sig := msg.VoiceActivityDetectionSignal; sig != nil && sig.VADSignalType == genai.VADSignalTypeSos {
		out = t.speechStarted(out)
	}

	if sc := msg.ServerContent; sc != nil {
		out = t.content(sc, out)
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		out = t.ensureResponse(out)
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			id := fc.ID
			if id == "" {
				id = t.newID()
			}
			out = append(out, engine.ToolCallRequested{
				ResponseID: t.responseID,
				CallID:     id,
				Name:       fc.Name,
				Args:       fc.Args,
			})
		}
		// the model waits for the results; its continuation is a new turn
		out = t.endResponse(out, false)
	}

	if tcc := msg.ToolCallCancellation; tcc != nil && len(tcc.IDs) > 0 {
		out = append(out, engine.ToolCallCancelled{CallIDs: tcc.IDs})
	}
	return out
}

func (t *translator) content(sc *genai.LiveServerContent, out []engine.Event) []engine.Event {
	if tr := sc.InputTranscription; tr != nil && (tr.Text != "" || tr.Finished) {
		out = t.inputFragment(tr, out)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			out = t.ensureResponse(out)
			out = append(out, engine.AudioDelta{ResponseID: t.responseID, Data: part.InlineData.Data})
		}
	}

	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		out = t.ensureResponse(out)
		t.output.WriteString(tr.Text)
	}

	if sc.Interrupted {
		// server side barge-in: the user is talking over the model
		if t.inputSent {
			t.newUtterance()
		}
		out = t.speechStarted(out)
		out = t.endResponse(out, true)
	}
	if sc.TurnComplete {
		out = t.endResponse(out, false)
	}
	return out
}

func (t *translator) inputFragment(tr *genai.Transcription, out []engine.Event) []engine.Event {
	if t.inputSent {
		if !t.answered {
			if tr.Text == "" {
				return out
			}
			t.input.WriteString(tr.Text)
			return append(out, engine.TranscriptionUpdated{Text: strings.TrimSpace(t.input.String())})
		}
		t.newUtterance()
	}
	if !t.heard {
		out = t.speechStarted(out)
	}
	t.input.WriteString(tr.Text)
	if tr.Finished || t.responseID != "" {
		out = t.flushInput(out)
	}
	return out
}

func (t *translator) speechStarted(out []engine.Event) []engine.Event {
	if t.inputSent && (t.answered || t.responseID != "") {
		t.newUtterance()
	}
	if t.heard {
		return out
	}
	t.heard = true
	return append(out, engine.SpeechStarted{})
}

func (t *translator) newUtterance() {
	t.heard = false
	t.input.Reset()
	t.inputSent = false
	t.answered = false
}

func (t *translator) flushInput(out []engine.Event) []engine.Event {
	if t.inputSent {
		return out
	}
	t.inputSent = true
	return append(out, engine.TranscriptionCompleted{Text: strings.TrimSpace(t.input.String())})
}

func (t *translator) ensureResponse(out []engine.Event) []engine.Event {
	if t.responseID != "" {
		return out
	}
	if !t.heard {
		out = t.speechStarted(out)
	}
	if t.input.Len() > 0 {
		out = t.flushInput(out)
	}
	t.responseID = t.newID()
	t.output.Reset()
	return append(out, engine.ResponseCreated{ResponseID: t.responseID})
}

func (t *translator) endResponse(out []engine.Event, cancelled bool) []engine.Event {
	if t.responseID == "" {
		return out
	}
	out = append(out, engine.ResponseDone{
		ResponseID: t.responseID,
		Transcript: strings.TrimSpace(t.output.String()),
		Cancelled:  cancelled,
	})
	t.responseID = ""
	t.output.Reset()
	if t.inputSent {
		t.answered = true
	}
	return out
}
