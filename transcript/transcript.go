// Package transcript stores committed conversation turns.
package transcript

import (
	"context"
	"errors"
	"sync"

	"github.com/room4-2/openconverse-voice/engine"
)

// Log keeps turns in memory, per session.
type Log struct {
	mu    sync.RWMutex
	turns map[string][]engine.Turn
}

func NewLog() *Log {
	return &Log{turns: make(map[string][]engine.Turn)}
}

func (l *Log) Append(_ context.Context, sessionID string, turn engine.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns[sessionID] = append(l.turns[sessionID], turn)
	return nil
}

// Turns returns a copy of the session's turns in commit order.
func (l *Log) Turns(sessionID string) []engine.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]engine.Turn(nil), l.turns[sessionID]...)
}

// Forget drops a session's turns.
func (l *Log) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.turns, sessionID)
}

// Fanout appends every turn to each sink. All sinks are tried; their
// errors are joined.
type Fanout []engine.TranscriptSink

func (f Fanout) Append(ctx context.Context, sessionID string, turn engine.Turn) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, sessionID, turn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to engine.TranscriptSink.
type SinkFunc func(ctx context.Context, sessionID string, turn engine.Turn) error

func (f SinkFunc) Append(ctx context.Context, sessionID string, turn engine.Turn) error {
	return f(ctx, sessionID, turn)
}
