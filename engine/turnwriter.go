package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type pendingTurn struct {
	sessionID string
	turn      Turn
}

// turnWriter appends committed turns to the sink on its own goroutine, in
// commit order, so a slow sink never holds up the control loop. enqueue
// never blocks.
type turnWriter struct {
	sink    TranscriptSink
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	queue  []pendingTurn
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newTurnWriter(sink TranscriptSink, timeout time.Duration, logger *zap.Logger) *turnWriter {
	w := &turnWriter{
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *turnWriter) enqueue(sessionID string, turn Turn) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("transcript writer closed, turn dropped", zap.String("role", string(turn.Role)))
		return
	}
	w.queue = append(w.queue, pendingTurn{sessionID: sessionID, turn: turn})
	w.mu.Unlock()
	w.signal()
}

func (w *turnWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *turnWriter) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, p := range batch {
			w.write(p)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *turnWriter) write(p pendingTurn) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.sink.Append(ctx, p.sessionID, p.turn); err != nil {
		w.logger.Warn("transcript sink append failed", zap.Error(err), zap.String("role", string(p.turn.Role)))
	}
}

// close writes out what is queued and stops the writer.
func (w *turnWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
	<-w.done
}
