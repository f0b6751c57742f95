package engine

import (
	"sync"
	"time"
)

// VoiceSwapRequest is one pending voice change. Its deadline timer lives and
// dies with the request.
type VoiceSwapRequest struct {
	RequestedVoiceID string
	StartedAt        time.Time
	Deadline         time.Time

	timer *time.Timer
}

func (r *VoiceSwapRequest) release() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// VoiceSwapWatchdog holds the voice picker lock while a swap is pending and
// guarantees the lock clears by the request's deadline.
type VoiceSwapWatchdog struct {
	mu        sync.Mutex
	timeout   time.Duration
	post      func(func())
	onResolve func(req *VoiceSwapRequest, expired bool)
	current   *VoiceSwapRequest
	locked    *Value[bool]
}

// NewVoiceSwapWatchdog returns a watchdog. Expiry callbacks are handed to
// post so they run on the owner's event loop; nil post runs them on the
// timer goroutine. onResolve runs after a swap completes or expires.
func NewVoiceSwapWatchdog(timeout time.Duration, post func(func()), onResolve func(req *VoiceSwapRequest, expired bool)) *VoiceSwapWatchdog {
	if post == nil {
		post = func(f func()) { f() }
	}
	if onResolve == nil {
		onResolve = func(*VoiceSwapRequest, bool) {}
	}
	return &VoiceSwapWatchdog{
		timeout:   timeout,
		post:      post,
		onResolve: onResolve,
		locked:    NewValue(false),
	}
}

// Begin locks the picker and starts the deadline.
func (w *VoiceSwapWatchdog) Begin(voice string) (*VoiceSwapRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil {
		return nil, ErrVoiceSwapInProgress
	}
	now := time.Now()
	req := &VoiceSwapRequest{
		RequestedVoiceID: voice,
		StartedAt:        now,
		Deadline:         now.Add(w.timeout),
	}
	req.timer = time.AfterFunc(w.timeout, func() {
		w.post(func() { w.expire(req) })
	})
	w.current = req
	w.locked.Set(true)
	return req, nil
}

// Complete resolves the pending swap on its normal completion signal.
func (w *VoiceSwapWatchdog) Complete() bool {
	req := w.clear(nil)
	if req == nil {
		return false
	}
	w.onResolve(req, false)
	return true
}

// Cancel drops the pending swap without resolving it.
func (w *VoiceSwapWatchdog) Cancel() *VoiceSwapRequest {
	return w.clear(nil)
}

func (w *VoiceSwapWatchdog) expire(req *VoiceSwapRequest) {
	if w.clear(req) == nil {
		return
	}
	w.onResolve(req, true)
}

// clear removes the current request, or only want when want is non-nil.
func (w *VoiceSwapWatchdog) clear(want *VoiceSwapRequest) *VoiceSwapRequest {
	w.mu.Lock()
	defer w.mu.Unlock()

	req := w.current
	if req == nil || (want != nil && want != req) {
		return nil
	}
	req.release()
	w.current = nil
	w.locked.Set(false)
	return req
}

func (w *VoiceSwapWatchdog) Pending() (*VoiceSwapRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.current != nil
}

// Locked is true while a swap is pending.
func (w *VoiceSwapWatchdog) Locked() Observable[bool] {
	return w.locked
}
