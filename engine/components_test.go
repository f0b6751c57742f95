package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func TestValue_SubscribeDeliversCurrentThenLatest(t *testing.T) {
	v := NewValue(StatusIdle)
	ch, unsubscribe := v.Subscribe()
	defer unsubscribe()

	assert.Equal(t, StatusIdle, <-ch)

	assert.True(t, v.Set(StatusConnecting))
	assert.True(t, v.Set(StatusListening))
	assert.False(t, v.Set(StatusListening))

	// slow reader sees only the newest value
	assert.Equal(t, StatusListening, <-ch)
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra delivery %s", s)
	default:
	}
}

func TestValue_Unsubscribe(t *testing.T) {
	v := NewValue(0)
	ch, unsubscribe := v.Subscribe()
	<-ch
	unsubscribe()
	unsubscribe()

	v.Set(1)
	select {
	case <-ch:
		t.Fatal("delivered after unsubscribe")
	default:
	}
	assert.Equal(t, 1, v.Get())
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
		active bool
	}{
		{StatusIdle, "idle", false},
		{StatusConnecting, "connecting", true},
		{StatusListening, "listening", true},
		{StatusThinking, "thinking", true},
		{StatusSpeaking, "speaking", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
		assert.Equal(t, tt.active, tt.status.Active(), tt.want)
	}
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS([]byte{0x01}))
	assert.Zero(t, RMS(make([]byte, 64)))
	assert.InDelta(t, 0.5, RMS(tone(100, 16384)), 1e-9)
	assert.InDelta(t, 1.0, RMS(tone(100, -32768)), 1e-9)
}

func TestAmplitudeSampler_RiseAndDecay(t *testing.T) {
	a := NewAmplitudeSampler(0.5)

	a.Feed(tone(100, 3000))
	a.Feed(tone(100, 16384))
	assert.InDelta(t, 0.5, a.Tick(), 1e-9, "loudest frame wins")

	assert.InDelta(t, 0.25, a.Tick(), 1e-9)
	assert.InDelta(t, 0.125, a.Tick(), 1e-9)

	a.Feed(tone(100, 32767))
	assert.InDelta(t, 1.0, a.Tick(), 1e-3)

	for i := 0; i < 20; i++ {
		a.Tick()
	}
	assert.Zero(t, a.Level().Get(), "tiny levels snap to zero")
}

func TestAmplitudeSampler_LevelStaysInRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := NewAmplitudeSampler(rapid.Float64Range(0, 0.99).Draw(rt, "decay"))
		for i := rapid.IntRange(1, 30).Draw(rt, "ticks"); i > 0; i-- {
			if rapid.Bool().Draw(rt, "feed") {
				amp := int16(rapid.IntRange(-32768, 32767).Draw(rt, "amp"))
				a.Feed(tone(rapid.IntRange(1, 64).Draw(rt, "n"), amp))
			}
			if l := a.Tick(); l < 0 || l > 1 {
				rt.Fatalf("level %f out of range", l)
			}
		}
	})
}

func TestAmplitudeSampler_RunResetsOnStop(t *testing.T) {
	a := NewAmplitudeSampler(0.9)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, 2*time.Millisecond)
		close(done)
	}()

	a.Feed(tone(100, 16384))
	require.Eventually(t, func() bool { return a.Level().Get() > 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Zero(t, a.Level().Get())
}

func TestTranscriptValidator(t *testing.T) {
	v, err := NewTranscriptValidator(`(?i)^beep$`)
	require.NoError(t, err)

	tests := []struct {
		raw    string
		accept bool
		reason string
	}{
		{"turn on the light", true, ""},
		{"  What's the weather?  ", true, ""},
		{"Uh, can you help me", true, ""},
		{"", false, "empty"},
		{"   \n", false, "empty"},
		{"...", false, "garbled"},
		{"?!", false, "garbled"},
		{"[inaudible]", false, "garbled"},
		{"(music playing)", false, "garbled"},
		{"<noise>", false, "garbled"},
		{"Um.", false, "garbled"},
		{"hmmm", false, "garbled"},
		{"caf\uFFFD", false, "garbled"},
		{"Thanks for watching!", false, "garbled"},
		{"beep", false, "garbled"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := v.Validate(tt.raw)
			assert.Equal(t, tt.accept, got.Accepted)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestTranscriptValidator_BadPattern(t *testing.T) {
	_, err := NewTranscriptValidator(`([`)
	assert.Error(t, err)
}

func TestSpeechEvidence(t *testing.T) {
	v, err := NewTranscriptValidator()
	require.NoError(t, err)
	var ev SpeechEvidence

	ev.VoiceActivity()
	assert.True(t, ev.VADTriggered)
	assert.True(t, ev.Uncommitted())
	assert.False(t, ev.HasValidatedTranscript, "voice activity alone is not evidence")

	v.Apply(&ev, "[noise]")
	assert.False(t, ev.HasValidatedTranscript)
	assert.False(t, ev.AwaitingTranscript)
	assert.False(t, ev.Uncommitted())

	ev.VoiceActivity()
	ev.markHandedOff()
	assert.False(t, ev.Uncommitted())

	v.Apply(&ev, "book a table")
	v.Apply(&ev, "for two")
	assert.True(t, ev.HasValidatedTranscript)
	assert.Equal(t, "book a table for two", ev.Text())

	ev.Revise("for two people")
	assert.Equal(t, "book a table for two people", ev.Text())

	ev.Rearm()
	assert.Equal(t, SpeechEvidence{}, ev)
}

func TestTurnWriter_OrderedAndDrainedOnClose(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{})}
	w := newTurnWriter(sink, time.Second, zaptest.NewLogger(t))

	start := time.Now()
	for i := range 5 {
		w.enqueue("s1", Turn{ID: strconv.Itoa(i)})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "enqueue must not wait for the sink")
	assert.Empty(t, sink.all())

	close(sink.release)
	w.close()
	turns := sink.all()
	require.Len(t, turns, 5)
	for i, turn := range turns {
		assert.Equal(t, strconv.Itoa(i), turn.ID)
	}

	w.enqueue("s1", Turn{ID: "late"})
	w.close()
	assert.Len(t, sink.all(), 5)
}

func TestVoiceSwapWatchdog_ExpiresWithoutSignal(t *testing.T) {
	var mu sync.Mutex
	var resolved []bool
	w := NewVoiceSwapWatchdog(20*time.Millisecond, nil, func(_ *VoiceSwapRequest, expired bool) {
		mu.Lock()
		resolved = append(resolved, expired)
		mu.Unlock()
	})

	req, err := w.Begin("Puck")
	require.NoError(t, err)
	assert.Equal(t, "Puck", req.RequestedVoiceID)
	assert.Equal(t, req.StartedAt.Add(20*time.Millisecond), req.Deadline)
	assert.True(t, w.Locked().Get())

	_, err = w.Begin("Kore")
	assert.ErrorIs(t, err, ErrVoiceSwapInProgress)

	require.Eventually(t, func() bool { return !w.Locked().Get() }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{true}, resolved)
	mu.Unlock()
	assert.False(t, w.Complete(), "late completion is a no-op")
}

func TestVoiceSwapWatchdog_CompleteStopsDeadline(t *testing.T) {
	var calls atomic.Int32
	w := NewVoiceSwapWatchdog(15*time.Millisecond, nil, func(_ *VoiceSwapRequest, expired bool) {
		assert.False(t, expired)
		calls.Add(1)
	})

	_, err := w.Begin("Puck")
	require.NoError(t, err)
	assert.True(t, w.Complete())
	assert.False(t, w.Locked().Get())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestVoiceSwapWatchdog_StaleExpiryIgnored(t *testing.T) {
	w := NewVoiceSwapWatchdog(time.Hour, nil, nil)
	first, err := w.Begin("Puck")
	require.NoError(t, err)
	require.NotNil(t, w.Cancel())

	_, err = w.Begin("Kore")
	require.NoError(t, err)
	w.expire(first)

	cur, pending := w.Pending()
	require.True(t, pending)
	assert.Equal(t, "Kore", cur.RequestedVoiceID)
	assert.True(t, w.Locked().Get())
}

func TestToolTaskBridge_ResolvesInOrder(t *testing.T) {
	release := map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{})}
	tools := &fakeTools{
		kinds: map[string]ToolKind{"web_search": ToolSearch},
		invoke: func(ctx context.Context, call ToolCall) (ToolResult, error) {
			<-release[call.CallID]
			return ToolResult{Payload: map[string]any{"answer": call.CallID}}, nil
		},
	}
	cue := &fakeCue{}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	b := NewToolTaskBridge(tools, BridgeOptions{Cue: cue, Logger: zaptest.NewLogger(t), Metrics: m})

	results := make(chan ToolResult, 2)
	done := func(_ *ToolTask, res ToolResult) { results <- res }
	b.Start(context.Background(), ToolCall{CallID: "a", Name: "web_search"}, done)
	b.Start(context.Background(), ToolCall{CallID: "b", Name: "web_search"}, done)

	assert.True(t, b.Suspended())
	assert.Equal(t, "web_search", b.Pending().Get())
	starts, _ := cue.counts()
	assert.Equal(t, 1, starts, "cue starts once for overlapping tasks")

	close(release["b"])
	res := <-results
	assert.Equal(t, "b", res.CallID)
	assert.True(t, b.Suspended())

	close(release["a"])
	res = <-results
	assert.Equal(t, "a", res.CallID)
	assert.Equal(t, "web_search", res.Name)
	assert.False(t, b.Suspended())
	_, stops := cue.counts()
	assert.Equal(t, 1, stops)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolTasks.WithLabelValues("search", "ok")))
}

func TestToolTaskBridge_Timeout(t *testing.T) {
	tools := &fakeTools{invoke: func(ctx context.Context, _ ToolCall) (ToolResult, error) {
		select {}
	}}
	b := NewToolTaskBridge(tools, BridgeOptions{Timeout: 10 * time.Millisecond})

	results := make(chan *ToolTask, 1)
	b.Start(context.Background(), ToolCall{CallID: "slow", Name: "generate_file"}, func(task *ToolTask, res ToolResult) {
		assert.Contains(t, res.Payload["error"], "deadline")
		results <- task
	})

	select {
	case task := <-results:
		assert.True(t, task.Resolved)
		assert.ErrorIs(t, task.Err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("tool task never timed out")
	}
	assert.False(t, b.Suspended())
}

func TestToolTaskBridge_CancelDropsResult(t *testing.T) {
	tools := &fakeTools{invoke: func(ctx context.Context, _ ToolCall) (ToolResult, error) {
		<-ctx.Done()
		return ToolResult{}, ctx.Err()
	}}
	b := NewToolTaskBridge(tools, BridgeOptions{})

	var called atomic.Bool
	b.Start(context.Background(), ToolCall{CallID: "x", Name: "web_search"}, func(*ToolTask, ToolResult) {
		called.Store(true)
	})
	assert.Equal(t, 0, b.Cancel("nope"))
	assert.Equal(t, 1, b.Cancel("x"))
	assert.False(t, b.Suspended())
	assert.Equal(t, 0, b.CancelAll())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, called.Load())
}

func TestToolTaskBridge_NoToolSet(t *testing.T) {
	b := NewToolTaskBridge(nil, BridgeOptions{})
	results := make(chan *ToolTask, 1)
	b.Start(context.Background(), ToolCall{CallID: "x", Name: "anything"}, func(task *ToolTask, _ ToolResult) {
		results <- task
	})
	task := <-results
	assert.True(t, errors.Is(task.Err, ErrUnknownTool))
}

func TestFault(t *testing.T) {
	base := errors.New("boom")
	f := &Fault{Class: FaultTool, Err: base}
	assert.ErrorIs(t, f, base)
	assert.Equal(t, "tool fault: boom", f.Error())
	assert.False(t, f.UserVisible())
}

func TestMetrics_RecordDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "openconverse")
	h := newHarness(t, Options{Metrics: m})
	h.activate()

	h.reply("phantom", "nobody asked")
	h.say("hello")
	h.reply("r1", "Hi there.")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.phantomDiscards.WithLabelValues("no_evidence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.faults.WithLabelValues("admission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("assistant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("thinking", "speaking")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.phantom("x")
		nilMetrics.turn(RoleUser)
	})
}
