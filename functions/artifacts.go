package functions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/openconverse-voice/engine"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore keeps generated images and files so turns can reference
// them by id.
type ArtifactStore interface {
	Put(ctx context.Context, kind, mimeType string, data []byte) (engine.Artifact, error)
	Get(ctx context.Context, ref string) (data []byte, mimeType string, err error)
}

const artifactPrefix = "artifact:"

func newRef() string {
	return artifactPrefix + uuid.New().String()
}

// RedisArtifactStore stores each artifact in a hash that expires after ttl.
type RedisArtifactStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisArtifactStore(client redis.UniversalClient, ttl time.Duration) *RedisArtifactStore {
	return &RedisArtifactStore{client: client, ttl: ttl}
}

func (s *RedisArtifactStore) Put(ctx context.Context, kind, mimeType string, data []byte) (engine.Artifact, error) {
	ref := newRef()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, ref, map[string]interface{}{
		"kind":       kind,
		"mime_type":  mimeType,
		"data":       data,
		"created_at": time.Now().Format(time.RFC3339),
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, ref, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return engine.Artifact{}, fmt.Errorf("failed to store artifact: %w", err)
	}
	return engine.Artifact{Kind: kind, Ref: ref, MIMEType: mimeType}, nil
}

func (s *RedisArtifactStore) Get(ctx context.Context, ref string) ([]byte, string, error) {
	if !strings.HasPrefix(ref, artifactPrefix) {
		return nil, "", ErrArtifactNotFound
	}
	vals, err := s.client.HMGet(ctx, ref, "data", "mime_type").Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load artifact: %w", err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, "", ErrArtifactNotFound
	}
	mimeType, _ := vals[1].(string)
	return []byte(data), mimeType, nil
}

// MemoryArtifactStore is used when Redis is unavailable.
type MemoryArtifactStore struct {
	mu    sync.RWMutex
	items map[string]memoryArtifact
}

type memoryArtifact struct {
	mimeType string
	data     []byte
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{items: make(map[string]memoryArtifact)}
}

func (s *MemoryArtifactStore) Put(_ context.Context, kind, mimeType string, data []byte) (engine.Artifact, error) {
	ref := newRef()
	s.mu.Lock()
	s.items[ref] = memoryArtifact{mimeType: mimeType, data: append([]byte(nil), data...)}
	s.mu.Unlock()
	return engine.Artifact{Kind: kind, Ref: ref, MIMEType: mimeType}, nil
}

func (s *MemoryArtifactStore) Get(_ context.Context, ref string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[ref]
	if !ok {
		return nil, "", ErrArtifactNotFound
	}
	return a.data, a.mimeType, nil
}
