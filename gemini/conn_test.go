package gemini

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"

	"github.com/room4-2/openconverse-voice/engine"
)

type fakeSession struct {
	msgs   chan *genai.LiveServerMessage
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	realtime []genai.LiveRealtimeInput
	content  []genai.LiveClientContentInput
	tools    []genai.LiveToolResponseInput
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		msgs:   make(chan *genai.LiveServerMessage, 128),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) SendClientContent(in genai.LiveClientContentInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = append(s.content, in)
	return nil
}

func (s *fakeSession) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realtime = append(s.realtime, in)
	return nil
}

func (s *fakeSession) SendToolResponse(in genai.LiveToolResponseInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, in)
	return nil
}

func (s *fakeSession) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m, ok := <-s.msgs:
		if !ok {
			return nil, errors.New("websocket: close 1011")
		}
		return m, nil
	case <-s.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) sentContent() []genai.LiveClientContentInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]genai.LiveClientContentInput(nil), s.content...)
}

func (s *fakeSession) sentRealtime() []genai.LiveRealtimeInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]genai.LiveRealtimeInput(nil), s.realtime...)
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type dialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	cfgs     []*genai.LiveConnectConfig
	err      error
}

func (d *dialer) dial(_ context.Context, _ string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	d.cfgs = append(d.cfgs, cfg)
	return s, nil
}

func (d *dialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func connect(t *testing.T) (*Conn, *dialer) {
	t.Helper()
	d := &dialer{}
	tr := newTransport(d.dial, Options{Logger: zaptest.NewLogger(t)})
	tr.newID = seqIDs()
	conn, err := tr.Connect(context.Background(), engine.ConnectConfig{
		SessionID:    "s1",
		Voice:        "Zephyr",
		SystemPrompt: "be brief",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*Conn), d
}

func next(t *testing.T, c *Conn) engine.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestTransport_LiveConfig(t *testing.T) {
	_, d := connect(t)
	require.Len(t, d.cfgs, 1)
	cfg := d.cfgs[0]
	assert.Equal(t, []genai.Modality{genai.ModalityAudio}, cfg.ResponseModalities)
	assert.Equal(t, "Zephyr", cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
	assert.NotNil(t, cfg.InputAudioTranscription)
	assert.NotNil(t, cfg.OutputAudioTranscription)
}

func TestTransport_ConnectFailure(t *testing.T) {
	d := &dialer{err: errors.New("403")}
	tr := newTransport(d.dial, Options{})
	_, err := tr.Connect(context.Background(), engine.ConnectConfig{SessionID: "s1"})
	assert.ErrorContains(t, err, "failed to connect to Live API")
}

func TestConn_EventsFlow(t *testing.T) {
	c, d := connect(t)
	s := d.session(0)
	s.msgs <- input("hi", true)
	s.msgs <- audio(1)

	assert.Equal(t, engine.SpeechStarted{}, next(t, c))
	assert.Equal(t, engine.TranscriptionCompleted{Text: "hi"}, next(t, c))
	assert.Equal(t, engine.ResponseCreated{ResponseID: "resp-1"}, next(t, c))
	assert.Equal(t, engine.AudioDelta{ResponseID: "resp-1", Data: []byte{1}}, next(t, c))
}

func TestConn_SendsRealtimeInput(t *testing.T) {
	c, d := connect(t)
	s := d.session(0)

	require.NoError(t, c.SendAudio([]byte{1, 2}))
	require.NoError(t, c.SendAudio(nil))
	require.NoError(t, c.CommitAudioBuffer())
	require.NoError(t, c.SendImage(engine.Attachment{MIMEType: "image/png", Data: []byte{9}}))

	sent := s.sentRealtime()
	require.Len(t, sent, 3)
	assert.Equal(t, inputMIMEType, sent[0].Audio.MIMEType)
	assert.True(t, sent[1].AudioStreamEnd)
	assert.Equal(t, "image/png", sent[2].Video.MIMEType)

	require.NoError(t, c.CreateResponse())
	content := s.sentContent()
	require.Len(t, content, 1)
	assert.True(t, *content[0].TurnComplete)
}

func TestConn_SendToolResult(t *testing.T) {
	c, d := connect(t)
	require.NoError(t, c.SendToolResult(engine.ToolResult{CallID: "call-1", Name: "web_search"}))

	s := d.session(0)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.tools, 1)
	fr := s.tools[0].FunctionResponses[0]
	assert.Equal(t, "call-1", fr.ID)
	assert.Equal(t, "web_search", fr.Name)
	assert.NotNil(t, fr.Response)
}

func TestConn_CancelSuppressesAudio(t *testing.T) {
	c, d := connect(t)
	s := d.session(0)
	s.msgs <- input("tell me a story", true)
	s.msgs <- audio(1)
	next(t, c)
	next(t, c)
	next(t, c)
	next(t, c)

	require.NoError(t, c.CancelResponse("resp-1"))
	s.msgs <- audio(2)
	s.msgs <- turnComplete()
	assert.Equal(t, engine.ResponseDone{ResponseID: "resp-1"}, next(t, c))

	s.msgs <- input("next", true)
	s.msgs <- audio(3)
	assert.Equal(t, engine.SpeechStarted{}, next(t, c))
	assert.Equal(t, engine.TranscriptionCompleted{Text: "next"}, next(t, c))
	assert.Equal(t, engine.ResponseCreated{ResponseID: "resp-2"}, next(t, c))
	assert.Equal(t, engine.AudioDelta{ResponseID: "resp-2", Data: []byte{3}}, next(t, c))
}

func TestConn_ReceiveErrorIsTransportError(t *testing.T) {
	c, d := connect(t)
	close(d.session(0).msgs)

	ev := next(t, c)
	te, ok := ev.(engine.TransportError)
	require.True(t, ok, "got %T", ev)
	assert.ErrorContains(t, te.Err, "gemini receive")
}

func TestConn_VoiceChangeReconnectsAndSeeds(t *testing.T) {
	c, d := connect(t)
	first := d.session(0)
	first.msgs <- input("my name is Ada", true)
	first.msgs <- output("Nice to meet you, Ada.")
	first.msgs <- turnComplete()
	for range 4 {
		next(t, c)
	}

	require.NoError(t, c.RequestVoiceChange("Puck"))
	assert.True(t, first.isClosed())
	// audio during the switch is dropped, not an error
	require.NoError(t, c.SendAudio([]byte{1}))

	require.Eventually(t, func() bool { return d.count() == 2 }, time.Second, 5*time.Millisecond)
	second := d.session(1)
	d.mu.Lock()
	assert.Equal(t, "Puck", d.cfgs[1].SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	d.mu.Unlock()

	require.Eventually(t, func() bool { return len(second.sentContent()) == 2 }, time.Second, 5*time.Millisecond)
	content := second.sentContent()
	history := content[0]
	assert.False(t, *history.TurnComplete)
	require.Len(t, history.Turns, 2)
	assert.Equal(t, genai.RoleUser, history.Turns[0].Role)
	assert.Equal(t, "my name is Ada", history.Turns[0].Parts[0].Text)
	assert.Equal(t, genai.RoleModel, history.Turns[1].Role)
	assert.Equal(t, "Nice to meet you, Ada.", history.Turns[1].Parts[0].Text)
	intro := content[1]
	assert.True(t, *intro.TurnComplete)
	assert.Equal(t, defaultIntroPrompt, intro.Turns[0].Parts[0].Text)

	// events from the new session arrive on the same stream
	second.msgs <- audio(5)
	assert.Equal(t, engine.SpeechStarted{}, next(t, c))
	assert.Equal(t, engine.ResponseCreated{ResponseID: "resp-2"}, next(t, c))
	assert.Equal(t, engine.AudioDelta{ResponseID: "resp-2", Data: []byte{5}}, next(t, c))
}

func TestConn_VoiceChangeSeedsWholeUtterance(t *testing.T) {
	c, d := connect(t)
	first := d.session(0)
	first.msgs <- audio(1)
	first.msgs <- input("my name is", false)
	first.msgs <- input(" Ada", true)
	first.msgs <- turnComplete()
	for range 6 {
		next(t, c)
	}

	require.NoError(t, c.RequestVoiceChange("Puck"))
	require.Eventually(t, func() bool { return d.count() == 2 }, time.Second, 5*time.Millisecond)
	second := d.session(1)
	require.Eventually(t, func() bool { return len(second.sentContent()) == 2 }, time.Second, 5*time.Millisecond)
	history := second.sentContent()[0]
	require.Len(t, history.Turns, 1)
	assert.Equal(t, "my name is Ada", history.Turns[0].Parts[0].Text)
}

func TestConn_VoiceChangeFailureIsTransportError(t *testing.T) {
	c, d := connect(t)
	d.mu.Lock()
	d.err = errors.New("quota exceeded")
	d.mu.Unlock()

	require.NoError(t, c.RequestVoiceChange("Puck"))
	ev := next(t, c)
	te, ok := ev.(engine.TransportError)
	require.True(t, ok, "got %T", ev)
	assert.ErrorContains(t, te.Err, "voice change")
}

func TestConn_CloseUnblocksAndRejectsSends(t *testing.T) {
	c, d := connect(t)
	s := d.session(0)
	// fill the event buffer so the receive loop blocks on emit
	for range cap(c.events) + 4 {
		s.msgs <- audio(1)
	}

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}
	assert.True(t, s.isClosed())
	assert.ErrorIs(t, c.SendAudio([]byte{1}), errClosed)
	assert.ErrorIs(t, c.CancelResponse("x"), errClosed)
	assert.ErrorIs(t, c.RequestVoiceChange("Puck"), errClosed)
}
