package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/room4-2/openconverse-voice/engine"
	"github.com/room4-2/openconverse-voice/messages"
	"github.com/room4-2/openconverse-voice/transcript"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	readLimit       = 512 * 1024
	levelInterval   = 100 * time.Millisecond
	levelEpsilon    = 0.01
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Transport engine.Transport
	Tools     engine.ToolSet
	Validator *engine.TranscriptValidator
	Sink      engine.TranscriptSink
	Metrics   *engine.Metrics
	Logger    *zap.Logger
}

// Settings are the per-connection limits.
type Settings struct {
	Engine          engine.Config
	ControlRate     float64
	MaxBufferSize   int
	KeepAlivePeriod time.Duration
}

type outbound struct {
	msg *messages.ServerMessage
	// epoch tags audio; audio from before the last flush is not written.
	epoch uint64
}

// ClientSession represents a single user's connection. It owns one turn
// controller and relays its state to the browser.
type ClientSession struct {
	ID           string
	ClientConn   *websocket.Conn
	Controller   *engine.Controller
	CreatedAt    time.Time
	LastActivity time.Time

	logger    *zap.Logger
	limiter   *rate.Limiter
	keepAlive time.Duration

	// preroll holds audio sent while the model connects.
	preroll    *AudioBuffer
	audioMu    sync.Mutex
	prerolling bool

	writeChan chan outbound
	epoch     atomic.Uint64

	attachment *engine.Attachment
	unsubs     []func()

	sink engine.TranscriptSink
	// transcripts are the engine session ids this connection wrote turns for.
	transcripts map[string]struct{}

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClientSession creates a session and its controller.
func NewClientSession(id string, clientConn *websocket.Conn, settings Settings, deps Deps) *ClientSession {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if settings.ControlRate <= 0 {
		settings.ControlRate = 20
	}
	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(readLimit)

	cs := &ClientSession{
		ID:           id,
		ClientConn:   clientConn,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		logger:       deps.Logger.With(zap.String("client_id", id)),
		limiter:      rate.NewLimiter(rate.Limit(settings.ControlRate), int(settings.ControlRate)+1),
		keepAlive:    settings.KeepAlivePeriod,
		preroll:      NewAudioBuffer(settings.MaxBufferSize),
		writeChan:    make(chan outbound, writeBufferSize),
		sink:         deps.Sink,
		transcripts:  make(map[string]struct{}),
		CloseChan:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}

	cs.Controller = engine.NewController(deps.Transport, engine.Options{
		Config:      settings.Engine,
		Tools:       deps.Tools,
		Validator:   deps.Validator,
		Sink:        transcript.Fanout{deps.Sink, transcript.SinkFunc(cs.sendTurn)},
		Playback:    cs,
		Feedback:    cs,
		Cue:         cueRelay{cs},
		Attachments: cs,
		Logger:      cs.logger,
		Metrics:     deps.Metrics,
	})
	return cs
}

// Start begins the bidirectional message handling
func (cs *ClientSession) Start() {
	go cs.writePump()
	cs.forwardState()
	go cs.forwardLevels()
	go cs.forwardFaults()
	go cs.handleClientMessages()
}

// forwardState relays the controller's observable values to the client.
func (cs *ClientSession) forwardState() {
	c := cs.Controller
	status, unsubStatus := c.Status().Subscribe()
	muted, unsubMuted := c.Muted().Subscribe()
	locked, unsubLocked := c.VoiceLocked().Subscribe()
	voice, unsubVoice := c.ActiveVoice().Subscribe()
	tool, unsubTool := c.PendingTool().Subscribe()
	cs.mu.Lock()
	cs.unsubs = append(cs.unsubs, unsubStatus, unsubMuted, unsubLocked, unsubVoice, unsubTool)
	cs.mu.Unlock()

	go func() {
		curStatus, curMuted := c.Status().Get(), c.Muted().Get()
		curLocked, curVoice := c.VoiceLocked().Get(), c.ActiveVoice().Get()
		for {
			select {
			case <-cs.CloseChan:
				return
			case s := <-status:
				curStatus = s
				cs.queueMessage(messages.NewStatusMessage(cs.ID, s.String(), curMuted, ""))
			case m := <-muted:
				if m == curMuted {
					continue
				}
				curMuted = m
				cs.queueMessage(messages.NewStatusMessage(cs.ID, curStatus.String(), m, ""))
			case l := <-locked:
				curLocked = l
				cs.queueMessage(messages.NewVoiceLockMessage(cs.ID, l, curVoice))
			case v := <-voice:
				if v == curVoice {
					continue
				}
				curVoice = v
				cs.queueMessage(messages.NewVoiceLockMessage(cs.ID, curLocked, v))
			case name := <-tool:
				cs.queueMessage(messages.NewToolMessage(cs.ID, name))
			}
		}
	}()
}

// forwardLevels samples the amplitude observables at a fixed rate; they
// change every tick, which is too often to relay one by one.
func (cs *ClientSession) forwardLevels() {
	ticker := time.NewTicker(levelInterval)
	defer ticker.Stop()
	var lastIn, lastOut float64
	for {
		select {
		case <-cs.CloseChan:
			return
		case <-ticker.C:
			in := cs.Controller.InputLevel().Get()
			out := cs.Controller.OutputLevel().Get()
			if abs(in-lastIn) < levelEpsilon && abs(out-lastOut) < levelEpsilon {
				continue
			}
			lastIn, lastOut = in, out
			cs.queueMessage(messages.NewLevelMessage(cs.ID, in, out))
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func (cs *ClientSession) forwardFaults() {
	for {
		select {
		case <-cs.CloseChan:
			return
		case f := <-cs.Controller.Faults():
			if f.UserVisible() {
				cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeGeminiError, f.Err.Error()))
			}
		}
	}
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	var ping <-chan time.Time
	if cs.keepAlive > 0 {
		ticker := time.NewTicker(cs.keepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		// Send close message before exiting
		_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = cs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-cs.CloseChan:
			return
		case <-ping:
			_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cs.logger.Debug("keepalive ping failed", zap.Error(err))
				go cs.Close()
				return
			}
		case out := <-cs.writeChan:
			if err := cs.write(out); err != nil {
				cs.logger.Debug("client write failed", zap.Error(err))
				go cs.Close()
				return
			}
		}
	}
}

func (cs *ClientSession) write(out outbound) error {
	if out.msg.Type == messages.TypeAudio && out.epoch != cs.epoch.Load() {
		return nil
	}
	data, err := out.msg.Encode()
	if err != nil {
		cs.logger.Error("failed to encode message", zap.String("type", out.msg.Type), zap.Error(err))
		return nil
	}
	_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cs.ClientConn.WriteMessage(websocket.TextMessage, data)
}

// queueMessage adds a message to the write queue (non-blocking)
func (cs *ClientSession) queueMessage(msg *messages.ServerMessage) {
	cs.queue(outbound{msg: msg, epoch: cs.epoch.Load()})
}

func (cs *ClientSession) queue(out outbound) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.closed {
		return
	}
	select {
	case cs.writeChan <- out:
	default:
		cs.logger.Warn("write queue full, dropping message", zap.String("type", out.msg.Type))
	}
}

// Play implements engine.Playback.
func (cs *ClientSession) Play(pcm []byte) {
	cs.queueMessage(messages.NewAudioMessage(cs.ID, pcm))
}

// Flush implements engine.Playback: queued audio is skipped and the client
// drops what it has buffered.
func (cs *ClientSession) Flush() {
	cs.epoch.Add(1)
	cs.queueMessage(messages.NewFlushMessage(cs.ID))
}

// Notify implements engine.Feedback.
func (cs *ClientSession) Notify(signal string) {
	cs.queueMessage(messages.NewHapticMessage(cs.ID, signal))
}

// cueRelay implements engine.AmbientCue; the client plays the cue.
type cueRelay struct{ cs *ClientSession }

func (r cueRelay) Start(kind engine.ToolKind) {
	r.cs.queueMessage(messages.NewCueMessage(r.cs.ID, true, string(kind)))
}

func (r cueRelay) Stop() {
	r.cs.queueMessage(messages.NewCueMessage(r.cs.ID, false, ""))
}

// Current implements engine.AttachmentSource.
func (cs *ClientSession) Current() (engine.Attachment, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.attachment == nil {
		return engine.Attachment{}, false
	}
	return *cs.attachment, true
}

func (cs *ClientSession) Clear() {
	cs.mu.Lock()
	cs.attachment = nil
	cs.mu.Unlock()
}

func (cs *ClientSession) sendTurn(_ context.Context, sessionID string, turn engine.Turn) error {
	cs.mu.Lock()
	cs.transcripts[sessionID] = struct{}{}
	cs.mu.Unlock()
	cs.queueMessage(messages.NewTurnMessage(cs.ID, turn))
	return nil
}

// forgetter is implemented by in-memory sinks that keep turns until told
// to drop them.
type forgetter interface {
	Forget(sessionID string)
}

// forgetTranscripts releases what an in-memory sink holds for this
// connection. Sinks with their own expiry are left alone.
func (cs *ClientSession) forgetTranscripts() {
	f, ok := cs.sink.(forgetter)
	if !ok {
		return
	}
	cs.mu.Lock()
	ids := cs.transcripts
	cs.transcripts = make(map[string]struct{})
	cs.mu.Unlock()
	for id := range ids {
		f.Forget(id)
	}
}

// Close terminates the session and cleans up resources
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	unsubs := cs.unsubs
	cs.unsubs = nil
	cs.mu.Unlock()

	cs.cancel()
	close(cs.CloseChan)
	for _, unsub := range unsubs {
		unsub()
	}
	cs.Controller.Close()
	cs.forgetTranscripts()
	cs.preroll.Clear()

	if cs.ClientConn != nil {
		cs.ClientConn.Close()
	}
	cs.logger.Info("client session closed")
	return nil
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.LastActivity = time.Now()
	cs.mu.Unlock()
}

func (cs *ClientSession) lastActivity() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.LastActivity
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	if cs.keepAlive > 0 {
		_ = cs.ClientConn.SetReadDeadline(time.Now().Add(2 * cs.keepAlive))
		cs.ClientConn.SetPongHandler(func(string) error {
			return cs.ClientConn.SetReadDeadline(time.Now().Add(2 * cs.keepAlive))
		})
	}

	for {
		messageType, message, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if !cs.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.logger.Warn("client read error", zap.Error(err))
			}
			return
		}
		cs.touch()
		if cs.keepAlive > 0 {
			_ = cs.ClientConn.SetReadDeadline(time.Now().Add(2 * cs.keepAlive))
		}

		// Binary messages are raw PCM audio
		if messageType == websocket.BinaryMessage {
			cs.handleAudio(message)
			continue
		}

		clientMsg, err := messages.DecodeClientMessage(message)
		if err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid message format"))
			continue
		}
		cs.processClientMessage(clientMsg)
	}
}

func (cs *ClientSession) processClientMessage(msg *messages.ClientMessage) {
	switch msg.Type {
	case messages.TypeAudio:
		var payload messages.AudioPayload
		if err := msg.DecodePayload(&payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid audio payload"))
			return
		}
		pcm, err := payload.Bytes()
		if err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid base64 audio data"))
			return
		}
		cs.handleAudio(pcm)

	case messages.TypeControl:
		if !cs.allow() {
			return
		}
		var payload messages.ControlPayload
		if err := msg.DecodePayload(&payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid control payload"))
			return
		}
		cs.handleControlMessage(&payload)

	case messages.TypeAttachment:
		if !cs.allow() {
			return
		}
		var payload messages.AttachmentPayload
		if err := msg.DecodePayload(&payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid attachment payload"))
			return
		}
		cs.handleAttachment(&payload)

	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown message type: "+msg.Type))
	}
}

func (cs *ClientSession) allow() bool {
	if cs.limiter.Allow() {
		return true
	}
	cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeRateLimited, "Too many control messages"))
	return false
}

// handleAudio forwards microphone audio, holding it while the model connects.
func (cs *ClientSession) handleAudio(pcm []byte) {
	cs.audioMu.Lock()
	defer cs.audioMu.Unlock()
	if cs.prerolling {
		cs.preroll.Append(pcm)
		return
	}
	if err := cs.Controller.SendAudio(pcm); err != nil && !errors.Is(err, engine.ErrNotActive) {
		cs.logger.Warn("failed to forward audio", zap.Error(err))
	}
}

func (cs *ClientSession) handleControlMessage(payload *messages.ControlPayload) {
	c := cs.Controller
	switch payload.Action {
	case messages.ActionPing:
		cs.queueMessage(messages.NewStatusMessage(cs.ID, "pong", c.Muted().Get(), ""))
	case messages.ActionActivate:
		cs.audioMu.Lock()
		if cs.prerolling {
			cs.audioMu.Unlock()
			// the first activation still owns the preroll
			cs.logger.Debug("activate ignored while connecting")
			return
		}
		cs.prerolling = true
		cs.audioMu.Unlock()
		go cs.activate()
	case messages.ActionDeactivate:
		cs.stopPreroll()
		cs.reportError(c.Deactivate())
	case messages.ActionToggleMute:
		_, _, err := c.ToggleMute()
		cs.reportError(err)
	case messages.ActionInterrupt:
		_, err := c.Interrupt()
		cs.reportError(err)
	case messages.ActionChangeVoice:
		if payload.Voice == "" {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "change_voice needs a voice"))
			return
		}
		cs.reportError(c.ChangeVoice(payload.Voice))
	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown control action: "+payload.Action))
	}
}

func (cs *ClientSession) activate() {
	err := cs.Controller.Activate(cs.ctx)

	cs.audioMu.Lock()
	defer cs.audioMu.Unlock()
	cs.prerolling = false
	data, dropped := cs.preroll.Flush()
	if errors.Is(err, engine.ErrAlreadyActive) {
		// already live: what was held belongs to the running session
		cs.reportError(err)
	} else if err != nil {
		cs.logger.Warn("activation failed", zap.Error(err))
		cs.reportError(err)
		return
	}
	if dropped > 0 {
		cs.logger.Debug("preroll overflowed", zap.Int("dropped_bytes", dropped))
	}
	if len(data) > 0 {
		if err := cs.Controller.SendAudio(data); err != nil {
			cs.logger.Warn("failed to forward preroll audio", zap.Error(err))
		}
	}
}

func (cs *ClientSession) stopPreroll() {
	cs.audioMu.Lock()
	cs.prerolling = false
	cs.preroll.Clear()
	cs.audioMu.Unlock()
}

func (cs *ClientSession) handleAttachment(payload *messages.AttachmentPayload) {
	switch payload.Action {
	case messages.AttachmentSet:
		data, err := payload.Bytes()
		if err != nil || len(data) == 0 {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid attachment data"))
			return
		}
		mimeType := payload.MimeType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		att := &engine.Attachment{ID: fmt.Sprintf("%s-%d", cs.ID, time.Now().UnixNano()), MIMEType: mimeType, Data: data}
		cs.mu.Lock()
		cs.attachment = att
		cs.mu.Unlock()
	case messages.AttachmentClear:
		cs.Clear()
	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown attachment action: "+payload.Action))
	}
}

func (cs *ClientSession) reportError(err error) {
	if err == nil {
		return
	}
	cs.queueMessage(messages.NewErrorMessage(cs.ID, errorCode(err), err.Error()))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrNotActive):
		return messages.ErrCodeNotActive
	case errors.Is(err, engine.ErrAlreadyActive):
		return messages.ErrCodeAlreadyActive
	case errors.Is(err, engine.ErrVoiceSwapInProgress):
		return messages.ErrCodeVoiceLocked
	case errors.Is(err, engine.ErrToolInProgress):
		return messages.ErrCodeToolInProgress
	case errors.Is(err, engine.ErrClosed):
		return messages.ErrCodeConnectionClosed
	default:
		return messages.ErrCodeSessionFailed
	}
}
