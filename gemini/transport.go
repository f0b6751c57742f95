package gemini

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/room4-2/openconverse-voice/engine"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	inputMIMEType = "audio/pcm;rate=16000"

	defaultIntroPrompt = "Your voice has just changed. Introduce yourself in one short sentence so the user can hear your new voice, then wait."
)

// liveSession is the part of *genai.Session a Conn uses.
type liveSession interface {
	SendClientContent(input genai.LiveClientContentInput) error
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Options configures a Transport.
type Options struct {
	Model string
	// Tools are declared to the model on every connection.
	Tools []*genai.Tool
	// IntroPrompt asks for the short self introduction after a voice change.
	IntroPrompt string
	Logger      *zap.Logger
}

// Transport opens Gemini Live sessions. It implements engine.Transport.
type Transport struct {
	model       string
	tools       []*genai.Tool
	introPrompt string
	logger      *zap.Logger
	dial        dialFunc
	newID       func() string
}

// NewClient creates the GenAI client shared by the transport and the tools.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

func NewTransport(client *genai.Client, opts Options) *Transport {
	return newTransport(func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		return client.Live.Connect(ctx, model, cfg)
	}, opts)
}

func newTransport(dial dialFunc, opts Options) *Transport {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.IntroPrompt == "" {
		opts.IntroPrompt = defaultIntroPrompt
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Transport{
		model:       opts.Model,
		tools:       opts.Tools,
		introPrompt: opts.IntroPrompt,
		logger:      opts.Logger.With(zap.String("component", "gemini")),
		dial:        dial,
		newID:       func() string { return uuid.New().String() },
	}
}

// Connect opens a Live session for one engine session.
func (t *Transport) Connect(ctx context.Context, cfg engine.ConnectConfig) (engine.Conn, error) {
	c := &Conn{
		t:          t,
		ctx:        ctx,
		cfg:        cfg,
		logger:     t.logger.With(zap.String("session_id", cfg.SessionID)),
		events:     make(chan engine.Event, 64),
		done:       make(chan struct{}),
		suppressed: make(map[string]bool),
	}
	session, err := t.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.start(session, 0, nil)
	c.logger.Info("connected to Gemini Live", zap.String("model", t.model), zap.String("voice", cfg.Voice))
	return c, nil
}

func (t *Transport) open(ctx context.Context, cfg engine.ConnectConfig) (liveSession, error) {
	session, err := t.dial(ctx, t.model, t.liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}
	return session, nil
}

func (t *Transport) liveConfig(cfg engine.ConnectConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		Tools:                    t.tools,
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{},
		},
	}
	if cfg.SystemPrompt != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemPrompt}},
		}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return lc
}
