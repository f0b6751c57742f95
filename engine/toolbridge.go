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

type ToolKind string

const (
	ToolSearch ToolKind = "search"
	ToolImage  ToolKind = "image"
	ToolFile   ToolKind = "file"
	ToolOther  ToolKind = "other"
)

// ToolCall is one model request handed to a tool.
type ToolCall struct {
	CallID     string
	Name       string
	Args       map[string]any
	Attachment *Attachment
}

// ToolResult is what goes back to the model.
type ToolResult struct {
	CallID    string
	Name      string
	Payload   map[string]any
	Artifacts []Artifact
}

// ToolSet is the tool invocation surface. Invoke should honour ctx.
type ToolSet interface {
	Kind(name string) ToolKind
	Invoke(ctx context.Context, call ToolCall) (ToolResult, error)
}

// ToolTask is one in-flight tool call.
type ToolTask struct {
	ID        string
	CallID    string
	Name      string
	Kind      ToolKind
	StartedAt time.Time
	Resolved  bool
	Err       error

	cancel context.CancelFunc
}

// ToolTaskBridge runs tool calls off the event loop and reports results back
// onto it. While any task is pending, turn admission is suspended.
type ToolTaskBridge struct {
	mu      sync.Mutex
	tools   ToolSet
	timeout time.Duration
	post    func(func())
	cue     AmbientCue
	logger  *zap.Logger
	metrics *Metrics

	tasks   []*ToolTask
	pending *Value[string]
}

type BridgeOptions struct {
	Timeout time.Duration
	// Post runs resolution callbacks on the owner's loop. Nil runs them
	// on the tool goroutine.
	Post    func(func())
	Cue     AmbientCue
	Logger  *zap.Logger
	Metrics *Metrics
}

func NewToolTaskBridge(tools ToolSet, opts BridgeOptions) *ToolTaskBridge {
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	if opts.Cue == nil {
		opts.Cue = nopCue{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &ToolTaskBridge{
		tools:   tools,
		timeout: opts.Timeout,
		post:    opts.Post,
		cue:     opts.Cue,
		logger:  opts.Logger.With(zap.String("component", "tool_bridge")),
		metrics: opts.Metrics,
		pending: NewValue(""),
	}
}

// Start launches call. done runs once with the result, unless the task is
// cancelled first. A failing tool still produces a result carrying an
// error payload.
func (b *ToolTaskBridge) Start(ctx context.Context, call ToolCall, done func(*ToolTask, ToolResult)) *ToolTask {
	kind := ToolOther
	if b.tools != nil {
		kind = b.tools.Kind(call.Name)
	}
	taskCtx, cancel := context.WithTimeout(ctx, b.timeout)
	task := &ToolTask{
		ID:        uuid.New().String(),
		CallID:    call.CallID,
		Name:      call.Name,
		Kind:      kind,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	b.mu.Lock()
	first := len(b.tasks) == 0
	b.tasks = append(b.tasks, task)
	b.pending.Set(b.tasks[0].Name)
	b.mu.Unlock()

	if first {
		b.cue.Start(kind)
	}
	b.logger.Info("tool task started",
		zap.String("task_id", task.ID),
		zap.String("tool", call.Name),
		zap.String("kind", string(kind)))

	go func() {
		res, err := b.invoke(taskCtx, call)
		b.post(func() { b.resolve(task, res, err, done) })
	}()
	return task
}

func (b *ToolTaskBridge) invoke(ctx context.Context, call ToolCall) (ToolResult, error) {
	if b.tools == nil {
		return ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	type outcome struct {
		res ToolResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := b.tools.Invoke(ctx, call)
		ch <- outcome{res, err}
	}()
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return ToolResult{}, ctx.Err()
	}
}

func (b *ToolTaskBridge) resolve(task *ToolTask, res ToolResult, err error, done func(*ToolTask, ToolResult)) {
	if !b.remove(task) {
		b.logger.Debug("dropping result of cancelled tool task", zap.String("task_id", task.ID))
		return
	}
	task.cancel()
	task.Resolved = true
	task.Err = err

	res.CallID = task.CallID
	res.Name = task.Name
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		res = ToolResult{
			CallID:  task.CallID,
			Name:    task.Name,
			Payload: map[string]any{"error": err.Error()},
		}
		b.logger.Warn("tool task failed", zap.String("tool", task.Name), zap.Error(err))
	}
	b.metrics.toolTask(task.Kind, outcome, time.Since(task.StartedAt))
	done(task, res)
}

// remove drops task from the queue and reports whether it was still there.
func (b *ToolTaskBridge) remove(task *ToolTask) bool {
	b.mu.Lock()
	found := false
	for i, t := range b.tasks {
		if t == task {
			b.tasks = append(b.tasks[:i], b.tasks[i+1:]...)
			found = true
			break
		}
	}
	empty := len(b.tasks) == 0
	if empty {
		b.pending.Set("")
	} else {
		b.pending.Set(b.tasks[0].Name)
	}
	b.mu.Unlock()

	if found && empty {
		b.cue.Stop()
	}
	return found
}

// Cancel abandons the tasks with the given call ids. Their results, if
// they ever arrive, are discarded.
func (b *ToolTaskBridge) Cancel(callIDs ...string) int {
	want := make(map[string]bool, len(callIDs))
	for _, id := range callIDs {
		want[id] = true
	}
	b.mu.Lock()
	var victims []*ToolTask
	for _, t := range b.tasks {
		if want[t.CallID] {
			victims = append(victims, t)
		}
	}
	b.mu.Unlock()
	return b.cancel(victims)
}

func (b *ToolTaskBridge) CancelAll() int {
	b.mu.Lock()
	victims := append([]*ToolTask(nil), b.tasks...)
	b.mu.Unlock()
	return b.cancel(victims)
}

func (b *ToolTaskBridge) cancel(victims []*ToolTask) int {
	n := 0
	for _, t := range victims {
		if b.remove(t) {
			t.cancel()
			b.metrics.toolTask(t.Kind, "cancelled", time.Since(t.StartedAt))
			n++
		}
	}
	return n
}

// Suspended reports whether a task is pending.
func (b *ToolTaskBridge) Suspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks) > 0
}

// Pending publishes the name of the oldest pending tool, or "".
func (b *ToolTaskBridge) Pending() Observable[string] {
	return b.pending
}
