package engine

import "time"

// Config tunes the engine's timing.
type Config struct {
	SystemPrompt string
	DefaultVoice string

	// AdmissionWindow bounds how long a response created before its
	// transcription may wait, muted, for that transcription.
	AdmissionWindow time.Duration
	// ThinkingTimeout recovers a session that sits in thinking with no
	// response activity and no running tool.
	ThinkingTimeout  time.Duration
	ToolTimeout      time.Duration
	VoiceSwapTimeout time.Duration

	AmplitudeTick  time.Duration
	AmplitudeDecay float64

	SinkTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SystemPrompt:     "You are a helpful voice assistant. Keep answers short and conversational.",
		DefaultVoice:     "Zephyr",
		AdmissionWindow:  1500 * time.Millisecond,
		ThinkingTimeout:  20 * time.Second,
		ToolTimeout:      30 * time.Second,
		VoiceSwapTimeout: 8 * time.Second,
		AmplitudeTick:    50 * time.Millisecond,
		AmplitudeDecay:   0.85,
		SinkTimeout:      2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.DefaultVoice == "" {
		c.DefaultVoice = d.DefaultVoice
	}
	if c.AdmissionWindow <= 0 {
		c.AdmissionWindow = d.AdmissionWindow
	}
	if c.ThinkingTimeout <= 0 {
		c.ThinkingTimeout = d.ThinkingTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.VoiceSwapTimeout <= 0 {
		c.VoiceSwapTimeout = d.VoiceSwapTimeout
	}
	if c.AmplitudeTick <= 0 {
		c.AmplitudeTick = d.AmplitudeTick
	}
	if c.AmplitudeDecay <= 0 || c.AmplitudeDecay >= 1 {
		c.AmplitudeDecay = d.AmplitudeDecay
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = d.SinkTimeout
	}
	return c
}
