package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options wires a Controller to its collaborators. Only Transport is required.
type Options struct {
	Config      Config
	Tools       ToolSet
	Validator   *TranscriptValidator
	Sink        TranscriptSink
	Playback    Playback
	Feedback    Feedback
	Cue         AmbientCue
	Attachments AttachmentSource
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Controller is the turn-taking state machine for one user. It is long
// lived: Activate and Deactivate open and close Sessions on it.
//
// All state changes happen on a single loop goroutine. Public methods post
// closures to the loop and wait for them, so they are safe to call from
// any goroutine.
type Controller struct {
	cfg         Config
	transport   Transport
	tools       ToolSet
	validator   *TranscriptValidator
	writer      *turnWriter
	playback    Playback
	feedback    Feedback
	attachments AttachmentSource
	logger      *zap.Logger
	metrics     *Metrics

	status *Value[Status]
	muted  *Value[bool]
	voice  *Value[string]
	input  *AmplitudeSampler
	output *AmplitudeSampler

	watchdog   *VoiceSwapWatchdog
	bridge     *ToolTaskBridge
	interrupts *InterruptCoordinator
	mute       *MuteHandoffCoordinator

	sess  *Session
	turns []Turn

	connMu   sync.RWMutex
	liveConn Conn

	faults    chan *Fault
	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewController(transport Transport, opts Options) *Controller {
	cfg := opts.Config.withDefaults()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Validator == nil {
		opts.Validator, _ = NewTranscriptValidator()
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Playback == nil {
		opts.Playback = nopPlayback{}
	}
	if opts.Feedback == nil {
		opts.Feedback = nopFeedback{}
	}
	if opts.Attachments == nil {
		opts.Attachments = noAttachments{}
	}

	c := &Controller{
		cfg:         cfg,
		transport:   transport,
		tools:       opts.Tools,
		validator:   opts.Validator,
		playback:    opts.Playback,
		feedback:    opts.Feedback,
		attachments: opts.Attachments,
		logger:      opts.Logger.With(zap.String("component", "turn_controller")),
		metrics:     opts.Metrics,
		status:      NewValue(StatusIdle),
		muted:       NewValue(false),
		voice:       NewValue(cfg.DefaultVoice),
		input:       NewAmplitudeSampler(cfg.AmplitudeDecay),
		output:      NewAmplitudeSampler(cfg.AmplitudeDecay),
		faults:      make(chan *Fault, 8),
		cmds:        make(chan func()),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.watchdog = NewVoiceSwapWatchdog(cfg.VoiceSwapTimeout, c.postFunc, c.onVoiceSwapResolved)
	c.bridge = NewToolTaskBridge(opts.Tools, BridgeOptions{
		Timeout: cfg.ToolTimeout,
		Post:    c.postFunc,
		Cue:     opts.Cue,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	c.writer = newTurnWriter(opts.Sink, cfg.SinkTimeout, c.logger)
	c.interrupts = &InterruptCoordinator{c: c}
	c.mute = &MuteHandoffCoordinator{c: c}

	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		var events <-chan Event
		if c.sess != nil && c.sess.conn != nil {
			events = c.sess.conn.Events()
		}
		select {
		case <-c.quit:
			c.teardown("controller closed")
			return
		case f := <-c.cmds:
			f()
		case ev, ok := <-events:
			if !ok {
				c.fail(errors.New("transport connection closed"))
				continue
			}
			c.dispatch(ev)
		}
	}
}

// do runs f on the loop and waits for it.
func (c *Controller) do(f func()) error {
	ran := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(ran); f() }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post queues f on the loop from another goroutine. It reports false if
// the controller is closed.
func (c *Controller) post(f func()) bool {
	select {
	case c.cmds <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) postFunc(f func()) { c.post(f) }

// schedule runs fn on the loop after d unless stopped first.
func (c *Controller) schedule(d time.Duration, fn func()) *loopTask {
	t := &loopTask{}
	t.timer = time.AfterFunc(d, func() {
		c.post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Close tears down any session, stops the loop and waits until every
// committed turn has reached the sink.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	c.writer.close()
}

// Activate opens a transport session and blocks until it is listening or
// the handshake fails. Handshake failures leave the controller idle.
func (c *Controller) Activate(ctx context.Context) error {
	var result chan error
	var activateErr error
	err := c.do(func() {
		if c.sess != nil {
			activateErr = ErrAlreadyActive
			return
		}
		sess := c.newSession()
		c.sess = sess
		c.setStatus(StatusConnecting)

		result = make(chan error, 1)
		cfg := ConnectConfig{
			SessionID:    sess.ID,
			Voice:        c.voice.Get(),
			SystemPrompt: c.cfg.SystemPrompt,
		}
		go func() {
			conn, err := c.transport.Connect(sess.ctx, cfg)
			if !c.post(func() { result <- c.attach(sess, conn, err) }) && conn != nil {
				_ = conn.Close()
			}
		}()
	})
	if err != nil {
		return err
	}
	if activateErr != nil {
		return activateErr
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		_ = c.Deactivate()
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) newSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Session{
		ID:        id,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    c.logger.With(zap.String("session_id", id)),
		cancelled: make(map[string]bool),
	}
}

func (c *Controller) attach(sess *Session, conn Conn, err error) error {
	if c.sess != sess {
		if conn != nil {
			_ = conn.Close()
		}
		if err != nil {
			return err
		}
		return ErrNotActive
	}
	if err != nil {
		c.fail(fmt.Errorf("connect: %w", err))
		return err
	}

	sess.conn = conn
	c.connMu.Lock()
	c.liveConn = conn
	c.connMu.Unlock()

	go c.input.Run(sess.ctx, c.cfg.AmplitudeTick)
	go c.output.Run(sess.ctx, c.cfg.AmplitudeTick)

	c.setStatus(StatusListening)
	sess.logger.Info("voice session active", zap.String("voice", c.voice.Get()))
	return nil
}

// Deactivate ends the current session and releases the transport.
func (c *Controller) Deactivate() error {
	var deactivateErr error
	err := c.do(func() {
		if c.sess == nil {
			deactivateErr = ErrNotActive
			return
		}
		c.teardown("deactivated")
	})
	if err != nil {
		return err
	}
	return deactivateErr
}

// teardown releases everything the session owns and returns to idle.
func (c *Controller) teardown(reason string) {
	sess := c.sess
	if sess == nil {
		return
	}
	if r := sess.response; r != nil {
		r.gate.Stop()
		sess.response = nil
	}
	c.finishExchange(true)
	c.bridge.CancelAll()
	c.watchdog.Cancel()
	sess.thinking.Stop()
	c.playback.Flush()

	c.connMu.Lock()
	c.liveConn = nil
	c.connMu.Unlock()
	if sess.conn != nil {
		if err := sess.conn.Close(); err != nil {
			sess.logger.Debug("transport close", zap.Error(err))
		}
	}
	sess.cancel()
	c.sess = nil

	c.muted.Set(false)
	c.input.Reset()
	c.output.Reset()
	c.setStatus(StatusIdle)
	sess.logger.Info("voice session ended",
		zap.String("reason", reason),
		zap.Duration("duration", time.Since(sess.StartedAt)))
}

// fail handles a transport fault: report it and drop to idle.
func (c *Controller) fail(err error) {
	fault := &Fault{Class: FaultTransport, Err: err}
	c.logger.Error("transport fault", zap.Error(err))
	c.metrics.fault(FaultTransport)
	select {
	case c.faults <- fault:
	default:
	}
	c.teardown("transport fault")
}

// ToggleMute flips the microphone. When muting mid-utterance the pending
// audio is committed first; handoff reports whether that happened.
func (c *Controller) ToggleMute() (muted bool, handoff bool, err error) {
	doErr := c.do(func() {
		if c.sess == nil || c.sess.conn == nil {
			err = ErrNotActive
			return
		}
		if c.muted.Get() {
			c.muted.Set(false)
			go c.feedback.Notify(SignalUnmuted)
			return
		}
		handoff = c.mute.Handoff()
		c.muted.Set(true)
		muted = true
		c.input.Reset()
		signal := SignalMuted
		if handoff {
			signal = SignalMuteHandoff
		}
		go c.feedback.Notify(signal)
	})
	if doErr != nil {
		return false, false, doErr
	}
	return muted, handoff, err
}

// Interrupt cancels in-flight assistant output. It reports whether a
// response was actually cancelled; repeated calls are no-ops.
func (c *Controller) Interrupt() (bool, error) {
	var cancelled bool
	var interruptErr error
	err := c.do(func() {
		if c.sess == nil || c.sess.conn == nil {
			interruptErr = ErrNotActive
			return
		}
		cancelled = c.interrupts.Interrupt(SourceUser)
	})
	if err != nil {
		return false, err
	}
	return cancelled, interruptErr
}

// ChangeVoice switches the assistant voice. The picker lock, published by
// VoiceLocked, holds until the intro in the new voice finishes or the
// swap deadline passes.
func (c *Controller) ChangeVoice(voice string) error {
	var swapErr error
	err := c.do(func() {
		sess := c.sess
		if sess == nil || sess.conn == nil {
			swapErr = ErrNotActive
			return
		}
		if voice == "" || voice == c.voice.Get() {
			return
		}
		if _, pending := c.watchdog.Pending(); pending {
			swapErr = ErrVoiceSwapInProgress
			return
		}
		if c.bridge.Suspended() {
			swapErr = ErrToolInProgress
			return
		}
		c.interrupts.Interrupt(SourceVoiceSwap)

		req, err := c.watchdog.Begin(voice)
		if err != nil {
			swapErr = err
			return
		}
		if err := sess.conn.RequestVoiceChange(voice); err != nil {
			c.watchdog.Cancel()
			swapErr = err
			c.fail(fmt.Errorf("request voice change: %w", err))
			return
		}
		sess.introPending = true
		sess.logger.Info("voice swap requested",
			zap.String("voice", voice),
			zap.Time("deadline", req.Deadline))
	})
	if err != nil {
		return err
	}
	return swapErr
}

func (c *Controller) onVoiceSwapResolved(req *VoiceSwapRequest, expired bool) {
	c.voice.Set(req.RequestedVoiceID)
	if c.sess != nil {
		c.sess.introPending = false
	}
	if expired {
		c.logger.Warn("voice swap deadline passed, releasing picker",
			zap.String("voice", req.RequestedVoiceID))
		c.metrics.fault(FaultWatchdog)
		c.metrics.voiceSwap("expired")
		return
	}
	c.metrics.voiceSwap("completed")
}

// SendAudio forwards captured microphone PCM. Frames are dropped while muted.
func (c *Controller) SendAudio(pcm []byte) error {
	if c.muted.Get() {
		return nil
	}
	c.connMu.RLock()
	conn := c.liveConn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotActive
	}
	c.input.Feed(pcm)
	return conn.SendAudio(pcm)
}

// Transcript returns a copy of the turns committed so far.
func (c *Controller) Transcript() []Turn {
	var out []Turn
	_ = c.do(func() {
		out = append([]Turn(nil), c.turns...)
	})
	return out
}

// SessionID returns the current session id, or "" when idle.
func (c *Controller) SessionID() string {
	var id string
	_ = c.do(func() {
		if c.sess != nil {
			id = c.sess.ID
		}
	})
	return id
}

func (c *Controller) Status() Observable[Status]      { return c.status }
func (c *Controller) Muted() Observable[bool]         { return c.muted }
func (c *Controller) ActiveVoice() Observable[string] { return c.voice }
func (c *Controller) VoiceLocked() Observable[bool]   { return c.watchdog.Locked() }
func (c *Controller) InputLevel() Observable[float64] { return c.input.Level() }
func (c *Controller) OutputLevel() Observable[float64] {
	return c.output.Level()
}
func (c *Controller) PendingTool() Observable[string] { return c.bridge.Pending() }

// Faults delivers user visible faults. Delivery is best effort.
func (c *Controller) Faults() <-chan *Fault { return c.faults }

func (c *Controller) setStatus(to Status) {
	from := c.status.Get()
	if from == to {
		return
	}
	c.status.Set(to)
	c.metrics.transition(from, to)
	c.logger.Debug("status", zap.Stringer("from", from), zap.Stringer("to", to))

	if sess := c.sess; sess != nil {
		if to == StatusThinking {
			c.armThinking()
		} else {
			sess.thinking.Stop()
			sess.thinking = nil
		}
	}
}

func (c *Controller) armThinking() {
	sess := c.sess
	sess.thinking.Stop()
	sess.thinking = c.schedule(c.cfg.ThinkingTimeout, func() { c.onThinkingTimeout(sess) })
}

func (c *Controller) commit(turn Turn) {
	turn.ID = uuid.New().String()
	turn.CreatedAt = time.Now()
	c.turns = append(c.turns, turn)
	c.metrics.turn(turn.Role)

	sessionID := ""
	if c.sess != nil {
		sessionID = c.sess.ID
	}
	c.writer.enqueue(sessionID, turn)
}
