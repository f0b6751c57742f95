package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultGarblePatterns match transcriptions that are noise rather than speech:
// punctuation only, bracketed placeholders like "[inaudible]", lone fillers,
// decoder replacement characters and the stock phrases speech recognizers
// hallucinate on silence.
var DefaultGarblePatterns = []string{
	`^[\p{P}\p{S}\s]*$`,
	`^[\[\(<].*[\]\)>]$`,
	`(?i)^(uh+|um+|hm+|mm+|ah+|eh+)[\p{P}\s]*$`,
	`\x{FFFD}`,
	`(?i)^(thanks for watching|thank you for watching|subtitles by.*)[\p{P}\s]*$`,
}

// Verdict is the outcome of validating one transcription.
type Verdict struct {
	Accepted bool
	Text     string
	Reason   string
}

// TranscriptValidator decides whether a finished transcription is real speech.
type TranscriptValidator struct {
	patterns []*regexp.Regexp
}

// NewTranscriptValidator compiles the default patterns plus extra.
func NewTranscriptValidator(extra ...string) (*TranscriptValidator, error) {
	v := &TranscriptValidator{}
	for _, p := range append(append([]string{}, DefaultGarblePatterns...), extra...) {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid garble pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, re)
	}
	return v, nil
}

func (v *TranscriptValidator) Validate(raw string) Verdict {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Verdict{Reason: "empty"}
	}
	for _, re := range v.patterns {
		if re.MatchString(text) {
			return Verdict{Text: text, Reason: "garbled"}
		}
	}
	return Verdict{Accepted: true, Text: text}
}

// Apply validates raw and records the outcome on ev.
func (v *TranscriptValidator) Apply(ev *SpeechEvidence, raw string) Verdict {
	verdict := v.Validate(raw)
	if verdict.Accepted {
		ev.Validated(verdict.Text)
	} else {
		ev.Rejected()
	}
	return verdict
}
