package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/room4-2/openconverse-voice/engine"
)

// maxHistory bounds the turns replayed into a new session after a voice change.
const maxHistory = 40

var (
	errClosed       = errors.New("gemini connection is closed")
	errReconnecting = errors.New("gemini connection is switching sessions")
)

// Conn is one engine session on the Live API. A voice change swaps the
// underlying Live session; the Conn and its event stream stay the same.
type Conn struct {
	t      *Transport
	ctx    context.Context
	cfg    engine.ConnectConfig
	logger *zap.Logger

	events    chan engine.Event
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	session    liveSession
	gen        int
	suppressed map[string]bool
	history    []*genai.Content

	// sendMu serializes writes; the Live websocket allows one writer.
	sendMu sync.Mutex
}

func (c *Conn) Events() <-chan engine.Event { return c.events }

// start makes session current for generation gen and begins receiving
// from it. A session for a superseded generation is closed instead. seed,
// if set, runs before receiving starts.
func (c *Conn) start(session liveSession, gen int, seed func(liveSession) error) {
	c.mu.Lock()
	if c.gen != gen || c.isClosed() {
		c.mu.Unlock()
		_ = session.Close()
		return
	}
	c.session = session
	c.mu.Unlock()

	if seed != nil {
		if err := seed(session); err != nil {
			c.fault(gen, fmt.Errorf("seed new session: %w", err))
			return
		}
	}
	go c.receive(session, gen)
}

func (c *Conn) current(gen int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen == gen && !c.isClosed()
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) receive(session liveSession, gen int) {
	tr := newTranslator(c.t.newID)
	for {
		msg, err := session.Receive()
		if err != nil {
			if c.current(gen) {
				c.logger.Error("Gemini receive error", zap.Error(err))
				c.fault(gen, fmt.Errorf("gemini receive: %w", err))
			}
			return
		}
		if !c.current(gen) {
			return
		}
		if msg.GoAway != nil {
			c.logger.Warn("Gemini session ending soon", zap.Duration("time_left", msg.GoAway.TimeLeft))
		}
		for _, ev := range tr.translate(msg) {
			c.observe(ev)
			if c.dropped(ev) {
				continue
			}
			if !c.emit(ev) {
				return
			}
		}
	}
}

func (c *Conn) fault(gen int, err error) {
	if !c.current(gen) {
		return
	}
	c.emit(engine.TransportError{Err: err})
}

// emit never blocks once the connection is closed.
func (c *Conn) emit(ev engine.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// dropped suppresses audio of responses the engine cancelled.
func (c *Conn) dropped(ev engine.Event) bool {
	delta, ok := ev.(engine.AudioDelta)
	if !ok {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suppressed[delta.ResponseID]
}

// observe records finished turns so a replacement session can be seeded.
func (c *Conn) observe(ev engine.Event) {
	var content *genai.Content
	switch e := ev.(type) {
	case engine.TranscriptionCompleted:
		if e.Text != "" {
			content = genai.NewContentFromText(e.Text, genai.RoleUser)
		}
	case engine.TranscriptionUpdated:
		c.mu.Lock()
		c.reviseLastInput(e.Text)
		c.mu.Unlock()
		return
	case engine.ResponseDone:
		c.mu.Lock()
		delete(c.suppressed, e.ResponseID)
		c.mu.Unlock()
		if e.Transcript != "" && !e.Cancelled {
			content = genai.NewContentFromText(e.Transcript, genai.RoleModel)
		}
	}
	if content == nil {
		return
	}
	c.mu.Lock()
	c.history = append(c.history, content)
	if n := len(c.history); n > maxHistory {
		c.history = append([]*genai.Content(nil), c.history[n-maxHistory:]...)
	}
	c.mu.Unlock()
}

// reviseLastInput replaces the newest user entry. The caller holds mu.
func (c *Conn) reviseLastInput(text string) {
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Role == genai.RoleUser {
			c.history[i] = genai.NewContentFromText(text, genai.RoleUser)
			return
		}
	}
}

func (c *Conn) live() (liveSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isClosed() {
		return nil, errClosed
	}
	if c.session == nil {
		return nil, errReconnecting
	}
	return c.session, nil
}

func (c *Conn) sendRealtimeInput(input genai.LiveRealtimeInput) error {
	session, err := c.live()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return session.SendRealtimeInput(input)
}

// SendAudio forwards 16 kHz mono PCM.
func (c *Conn) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	err := c.sendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: inputMIMEType, Data: pcm},
	})
	if errors.Is(err, errReconnecting) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// CommitAudioBuffer tells the model the audio stream paused, which makes
// it transcribe and answer what it has.
func (c *Conn) CommitAudioBuffer() error {
	if err := c.sendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return fmt.Errorf("failed to send audio stream end: %w", err)
	}
	c.logger.Debug("sent audio stream end")
	return nil
}

func (c *Conn) CreateResponse() error {
	session, err := c.live()
	if err != nil {
		return err
	}
	turnComplete := true
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := session.SendClientContent(genai.LiveClientContentInput{TurnComplete: &turnComplete}); err != nil {
		return fmt.Errorf("failed to request response: %w", err)
	}
	return nil
}

// CancelResponse drops the rest of a response locally. The Live API has no
// cancel request; the model stops on its own when the user talks over it.
func (c *Conn) CancelResponse(responseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return errClosed
	}
	c.suppressed[responseID] = true
	return nil
}

// RequestVoiceChange reconnects with the new voice in the background,
// replays the conversation so far and asks for a short intro. Failures
// arrive as a TransportError.
func (c *Conn) RequestVoiceChange(voice string) error {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return errClosed
	}
	old := c.session
	c.session = nil
	c.gen++
	gen := c.gen
	c.cfg.Voice = voice
	cfg := c.cfg
	history := append([]*genai.Content(nil), c.history...)
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Debug("closing previous Live session", zap.Error(err))
		}
	}

	go func() {
		session, err := c.t.open(c.ctx, cfg)
		if err != nil {
			c.fault(gen, fmt.Errorf("voice change: %w", err))
			return
		}
		c.logger.Info("reconnected with new voice", zap.String("voice", voice), zap.Int("history", len(history)))
		c.start(session, gen, func(s liveSession) error {
			return c.seed(s, history)
		})
	}()
	return nil
}

func (c *Conn) seed(session liveSession, history []*genai.Content) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if len(history) > 0 {
		incomplete := false
		if err := session.SendClientContent(genai.LiveClientContentInput{
			Turns:        history,
			TurnComplete: &incomplete,
		}); err != nil {
			return err
		}
	}
	turnComplete := true
	return session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(c.t.introPrompt, genai.RoleUser)},
		TurnComplete: &turnComplete,
	})
}

// SendToolResult answers one function call.
func (c *Conn) SendToolResult(res engine.ToolResult) error {
	session, err := c.live()
	if err != nil {
		return err
	}
	payload := res.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err = session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       res.CallID,
			Name:     res.Name,
			Response: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}
	c.logger.Debug("sent tool response", zap.String("tool", res.Name))
	return nil
}

// SendImage shares a still image with the model as a video frame.
func (c *Conn) SendImage(att engine.Attachment) error {
	if err := c.sendRealtimeInput(genai.LiveRealtimeInput{
		Video: &genai.Blob{MIMEType: att.MIMEType, Data: att.Data},
	}); err != nil {
		return fmt.Errorf("failed to send image: %w", err)
	}
	return nil
}

// Close terminates the Gemini connection
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		session := c.session
		c.session = nil
		c.mu.Unlock()
		if session != nil {
			err = session.Close()
		}
	})
	return err
}
