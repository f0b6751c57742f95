package engine

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// --- fakes ---

type fakeConn struct {
	events chan Event

	mu      sync.Mutex
	actions []string
	audio   int
	results []ToolResult
	images  []Attachment
	hungUp  bool
}

func newFakeConn() *fakeConn {
	// unbuffered so a send returns only once the loop has taken the event
	return &fakeConn{events: make(chan Event)}
}

func (f *fakeConn) record(a string) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
}

func (f *fakeConn) Events() <-chan Event { return f.events }

func (f *fakeConn) SendAudio([]byte) error {
	f.mu.Lock()
	f.audio++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) CommitAudioBuffer() error { f.record("commit"); return nil }
func (f *fakeConn) CreateResponse() error    { f.record("create_response"); return nil }
func (f *fakeConn) CancelResponse(id string) error {
	f.record("cancel:" + id)
	return nil
}
func (f *fakeConn) RequestVoiceChange(voice string) error {
	f.record("voice:" + voice)
	return nil
}

func (f *fakeConn) SendToolResult(res ToolResult) error {
	f.mu.Lock()
	f.results = append(f.results, res)
	f.mu.Unlock()
	f.record("tool_result:" + res.CallID)
	return nil
}

func (f *fakeConn) SendImage(att Attachment) error {
	f.mu.Lock()
	f.images = append(f.images, att)
	f.mu.Unlock()
	f.record("image:" + att.ID)
	return nil
}

func (f *fakeConn) Close() error { f.record("close"); return nil }

// hangup simulates the remote end dropping the connection.
func (f *fakeConn) hangup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hungUp {
		f.hungUp = true
		close(f.events)
	}
}

func (f *fakeConn) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if strings.HasPrefix(a, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeConn) toolResults() []ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ToolResult(nil), f.results...)
}

func (f *fakeConn) audioFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

type fakeTransport struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
	cfgs  []ConnectConfig
}

func (f *fakeTransport) Connect(_ context.Context, cfg ConnectConfig) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	conn := newFakeConn()
	f.conns = append(f.conns, conn)
	f.cfgs = append(f.cfgs, cfg)
	return conn, nil
}

func (f *fakeTransport) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakePlayback struct {
	mu      sync.Mutex
	played  int
	flushes int
}

func (p *fakePlayback) Play([]byte) {
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
}

func (p *fakePlayback) Flush() {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
}

func (p *fakePlayback) counts() (played, flushes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played, p.flushes
}

type fakeFeedback struct {
	signals chan string
}

func (f *fakeFeedback) Notify(signal string) {
	select {
	case f.signals <- signal:
	default:
	}
}

type fakeCue struct {
	mu     sync.Mutex
	starts []ToolKind
	stops  int
}

func (c *fakeCue) Start(kind ToolKind) {
	c.mu.Lock()
	c.starts = append(c.starts, kind)
	c.mu.Unlock()
}

func (c *fakeCue) Stop() {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
}

func (c *fakeCue) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.starts), c.stops
}

type memSink struct {
	mu    sync.Mutex
	turns []Turn
}

func (s *memSink) Append(_ context.Context, _ string, turn Turn) error {
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
	return nil
}

func (s *memSink) all() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// gatedSink holds every append until release is closed.
type gatedSink struct {
	memSink
	release chan struct{}
}

func (s *gatedSink) Append(ctx context.Context, sessionID string, turn Turn) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.memSink.Append(ctx, sessionID, turn)
}

type fakeTools struct {
	kinds  map[string]ToolKind
	invoke func(ctx context.Context, call ToolCall) (ToolResult, error)
}

func (f *fakeTools) Kind(name string) ToolKind {
	if k, ok := f.kinds[name]; ok {
		return k
	}
	return ToolOther
}

func (f *fakeTools) Invoke(ctx context.Context, call ToolCall) (ToolResult, error) {
	if f.invoke != nil {
		return f.invoke(ctx, call)
	}
	return ToolResult{Payload: map[string]any{"ok": true}}, nil
}

type fakeAttachments struct {
	mu  sync.Mutex
	att *Attachment
}

func (f *fakeAttachments) Current() (Attachment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.att == nil {
		return Attachment{}, false
	}
	return *f.att, true
}

func (f *fakeAttachments) Clear() {
	f.mu.Lock()
	f.att = nil
	f.mu.Unlock()
}

// --- harness ---

// testingT is what both *testing.T and *rapid.T provide.
type testingT interface {
	require.TestingT
	Helper()
	Fatalf(format string, args ...any)
}

type harness struct {
	t         testingT
	c         *Controller
	transport *fakeTransport
	playback  *fakePlayback
	feedback  *fakeFeedback
	sink      *memSink
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AmplitudeTick = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	h := buildHarness(t, opts)
	t.Cleanup(h.c.Close)
	return h
}

func buildHarness(t testingT, opts Options) *harness {
	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		playback:  &fakePlayback{},
		feedback:  &fakeFeedback{signals: make(chan string, 16)},
		sink:      &memSink{},
	}
	if opts.Config == (Config{}) {
		opts.Config = testConfig()
	}
	if opts.Playback == nil {
		opts.Playback = h.playback
	}
	if opts.Feedback == nil {
		opts.Feedback = h.feedback
	}
	if opts.Sink == nil {
		opts.Sink = h.sink
	}
	h.c = NewController(h.transport, opts)
	return h
}

func (h *harness) activate() *fakeConn {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(h.t, h.c.Activate(ctx))
	require.Equal(h.t, StatusListening, h.c.Status().Get())
	return h.transport.last()
}

func (h *harness) conn() *fakeConn { return h.transport.last() }

// emit delivers events one by one and returns after the last is handled.
func (h *harness) emit(events ...Event) {
	h.t.Helper()
	conn := h.conn()
	for _, ev := range events {
		select {
		case conn.events <- ev:
		case <-time.After(time.Second):
			h.t.Fatalf("controller did not take %T", ev)
		}
	}
	h.sync()
}

// sync waits until everything queued on the loop before it has run.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.c.do(func() {}))
}

func (h *harness) status() Status { return h.c.Status().Get() }

// sinkTurns waits until n turns have reached the sink.
func (h *harness) sinkTurns(n int) []Turn {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.sink.all()) >= n }, time.Second, 5*time.Millisecond)
	return h.sink.all()
}

// cancelledCount reports how many response ids the session still tracks
// as cancelled.
func (h *harness) cancelledCount() int {
	h.t.Helper()
	n := 0
	require.NoError(h.t, h.c.do(func() {
		if h.c.sess != nil {
			n = len(h.c.sess.cancelled)
		}
	}))
	return n
}

// say is a complete, recognisable user utterance.
func (h *harness) say(text string) {
	h.t.Helper()
	h.emit(SpeechStarted{}, TranscriptionCompleted{Text: text})
}

// reply is a full assistant response with one audio chunk.
func (h *harness) reply(id, transcript string) {
	h.t.Helper()
	h.emit(
		ResponseCreated{ResponseID: id},
		AudioDelta{ResponseID: id, Data: tone(160, 8000)},
		ResponseDone{ResponseID: id, Transcript: transcript},
	)
}

func (h *harness) waitStatus(want Status) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("status is %s, want %s", h.status(), want)
}

func (h *harness) expectSignal(want string) {
	h.t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case got := <-h.feedback.signals:
			if got == want {
				return
			}
		case <-timeout:
			h.t.Fatalf("feedback signal %q not delivered", want)
		}
	}
}

// tone returns n samples of 16-bit PCM at a constant amplitude.
func tone(n int, amplitude int16) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}
