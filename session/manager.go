package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/openconverse-voice/config"
)

var ErrMaxSessions = errors.New("maximum sessions reached")

const (
	activeSessionsKey = "active_sessions"
	cleanupInterval   = 1 * time.Minute
)

// Manager manages all client sessions
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	redis    redis.UniversalClient
	config   *config.Config
	deps     Deps
	logger   *zap.Logger
}

// NewManager creates a session manager. rdb may be nil; session metadata
// is then kept in memory only.
func NewManager(cfg *config.Config, rdb redis.UniversalClient, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*ClientSession),
		redis:    rdb,
		config:   cfg,
		deps:     deps,
		logger:   deps.Logger.With(zap.String("component", "session_manager")),
	}
}

func (sm *Manager) settings() Settings {
	ec := sm.config.Engine()
	if ec.SystemPrompt == "" {
		ec.SystemPrompt = DefaultSystemPrompt
	}
	return Settings{
		Engine:          ec,
		ControlRate:     sm.config.ControlRateLimit,
		MaxBufferSize:   sm.config.MaxBufferSize,
		KeepAlivePeriod: sm.config.KeepAlivePeriod,
	}
}

// CreateSession creates a new client session
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	session := NewClientSession(sessionID, clientConn, sm.settings(), sm.deps)

	sm.storeSession(ctx, sessionID, session)
	sm.logger.Info("session created", zap.String("client_id", sessionID), zap.Int("active", len(sm.sessions)))
	return session, nil
}

func metadataKey(sessionID string) string {
	return "session:" + sessionID
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(ctx context.Context, sessionID string, session *ClientSession) {
	sm.sessions[sessionID] = session

	if sm.redis == nil {
		return
	}
	pipe := sm.redis.TxPipeline()
	pipe.HSet(ctx, metadataKey(sessionID), map[string]interface{}{
		"created_at":    session.CreatedAt.Format(time.RFC3339),
		"last_activity": session.LastActivity.Format(time.RFC3339),
		"status":        "active",
		"voice":         session.Controller.ActiveVoice().Get(),
	})
	pipe.SAdd(ctx, activeSessionsKey, sessionID)
	pipe.Expire(ctx, metadataKey(sessionID), sm.config.SessionTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		sm.logger.Warn("failed to store session metadata", zap.String("client_id", sessionID), zap.Error(err))
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
	if !exists {
		return nil
	}

	session.Close()
	return sm.forget(ctx, sessionID)
}

func (sm *Manager) forget(ctx context.Context, sessionID string) error {
	if sm.redis == nil {
		return nil
	}
	pipe := sm.redis.TxPipeline()
	pipe.Del(ctx, metadataKey(sessionID))
	pipe.SRem(ctx, activeSessionsKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) int {
	now := time.Now()
	var stale []*ClientSession

	sm.mu.Lock()
	for id, session := range sm.sessions {
		if now.Sub(session.lastActivity()) > sm.config.SessionTimeout {
			stale = append(stale, session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, session := range stale {
		session.Close()
		if err := sm.forget(ctx, session.ID); err != nil {
			sm.logger.Warn("failed to remove session metadata", zap.String("client_id", session.ID), zap.Error(err))
		}
		sm.logger.Info("closed inactive session", zap.String("client_id", session.ID))
	}
	return len(stale)
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions concurrently.
func (sm *Manager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*ClientSession)
	sm.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for id, session := range sessions {
		g.Go(func() error {
			session.Close()
			return sm.forget(gctx, id)
		})
	}
	err := g.Wait()
	sm.logger.Info("sessions closed", zap.Int("count", len(sessions)))
	return err
}
