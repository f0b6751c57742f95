package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/room4-2/openconverse-voice/engine"
)

// Config holds all server configuration
type Config struct {
	Port            int
	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	GeminiAPIKey    string
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int // audio held per session while the model connects, in bytes

	LogLevel  string
	LogFormat string // "json" or "console"

	GeminiModel      string // realtime (Live) model
	GeminiToolModel  string // model used by search and file tools
	GeminiImageModel string

	DefaultVoice     string
	SystemPrompt     string // empty selects the built-in prompt
	VoiceSwapTimeout time.Duration
	AdmissionWindow  time.Duration
	ThinkingTimeout  time.Duration
	ToolTimeout      time.Duration
	AmplitudeTick    time.Duration
	AmplitudeDecay   float64
	GarblePatterns   []string

	ControlRateLimit float64 // control messages per second per client
	TranscriptTTL    time.Duration
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	ec := engine.DefaultConfig()
	config := &Config{
		Port:             8080,
		RedisURL:         "localhost:6379",
		MaxSessions:      100,
		SessionTimeout:   30 * time.Minute,
		AllowedOrigins:   []string{"*"},
		KeepAlivePeriod:  30 * time.Second,
		MaxBufferSize:    512 * 1024,
		LogLevel:         "info",
		LogFormat:        "json",
		GeminiModel:      "gemini-2.5-flash-native-audio-preview-09-2025",
		GeminiToolModel:  "gemini-2.5-flash",
		GeminiImageModel: "imagen-4.0-generate-001",
		DefaultVoice:     ec.DefaultVoice,
		VoiceSwapTimeout: ec.VoiceSwapTimeout,
		AdmissionWindow:  ec.AdmissionWindow,
		ThinkingTimeout:  ec.ThinkingTimeout,
		ToolTimeout:      ec.ToolTimeout,
		AmplitudeTick:    ec.AmplitudeTick,
		AmplitudeDecay:   ec.AmplitudeDecay,
		ControlRateLimit: 20,
		TranscriptTTL:    24 * time.Hour,
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	if err := intVar("PORT", &config.Port); err != nil {
		return nil, err
	}
	stringVar("REDIS_URL", &config.RedisURL)
	stringVar("REDIS_PASSWORD", &config.RedisPassword)
	if err := intVar("MAX_SESSIONS", &config.MaxSessions); err != nil {
		return nil, err
	}
	if config.MaxSessions <= 0 {
		return nil, fmt.Errorf("invalid MAX_SESSIONS: must be positive")
	}
	if err := durationVar("SESSION_TIMEOUT", time.Minute, &config.SessionTimeout); err != nil {
		return nil, err
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = splitList(origins)
	}

	if err := durationVar("KEEPALIVE_PERIOD", time.Second, &config.KeepAlivePeriod); err != nil {
		return nil, err
	}

	if err := intVar("MAX_BUFFER_SIZE", &config.MaxBufferSize); err != nil {
		return nil, err
	}
	if config.MaxBufferSize < 0 {
		return nil, fmt.Errorf("invalid MAX_BUFFER_SIZE: must not be negative")
	}

	stringVar("LOG_LEVEL", &config.LogLevel)
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		switch format {
		case "json", "console":
			config.LogFormat = format
		default:
			return nil, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'console'")
		}
	}

	stringVar("GEMINI_MODEL", &config.GeminiModel)
	stringVar("GEMINI_TOOL_MODEL", &config.GeminiToolModel)
	stringVar("GEMINI_IMAGE_MODEL", &config.GeminiImageModel)
	stringVar("DEFAULT_VOICE", &config.DefaultVoice)
	stringVar("SYSTEM_PROMPT", &config.SystemPrompt)

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"VOICE_SWAP_TIMEOUT", &config.VoiceSwapTimeout},
		{"ADMISSION_WINDOW", &config.AdmissionWindow},
		{"THINKING_TIMEOUT", &config.ThinkingTimeout},
		{"TOOL_TIMEOUT", &config.ToolTimeout},
		{"AMPLITUDE_TICK", &config.AmplitudeTick},
	} {
		if err := durationVar(d.key, time.Millisecond, d.dst); err != nil {
			return nil, err
		}
	}

	// Optional: AMPLITUDE_DECAY (0 < decay < 1)
	if decay := os.Getenv("AMPLITUDE_DECAY"); decay != "" {
		v, err := strconv.ParseFloat(decay, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid AMPLITUDE_DECAY: %w", err)
		}
		if v <= 0 || v >= 1 {
			return nil, fmt.Errorf("invalid AMPLITUDE_DECAY: must be between 0 and 1")
		}
		config.AmplitudeDecay = v
	}

	// Optional: GARBLE_PATTERNS (comma-separated regular expressions)
	if patterns := os.Getenv("GARBLE_PATTERNS"); patterns != "" {
		config.GarblePatterns = splitList(patterns)
		if _, err := engine.NewTranscriptValidator(config.GarblePatterns...); err != nil {
			return nil, fmt.Errorf("invalid GARBLE_PATTERNS: %w", err)
		}
	}

	// Optional: CONTROL_RATE_LIMIT (messages per second)
	if limit := os.Getenv("CONTROL_RATE_LIMIT"); limit != "" {
		v, err := strconv.ParseFloat(limit, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid CONTROL_RATE_LIMIT: %q", limit)
		}
		config.ControlRateLimit = v
	}

	if err := durationVar("TRANSCRIPT_TTL", time.Hour, &config.TranscriptTTL); err != nil {
		return nil, err
	}

	return config, nil
}

// Engine returns the turn engine's settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		SystemPrompt:     c.SystemPrompt,
		DefaultVoice:     c.DefaultVoice,
		AdmissionWindow:  c.AdmissionWindow,
		ThinkingTimeout:  c.ThinkingTimeout,
		ToolTimeout:      c.ToolTimeout,
		VoiceSwapTimeout: c.VoiceSwapTimeout,
		AmplitudeTick:    c.AmplitudeTick,
		AmplitudeDecay:   c.AmplitudeDecay,
	}
}

func stringVar(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

// durationVar reads an integer count of unit.
func durationVar(key string, unit time.Duration, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("invalid %s: must be positive", key)
	}
	*dst = time.Duration(n) * unit
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
