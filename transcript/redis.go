package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/openconverse-voice/engine"
)

const defaultKeyPrefix = "transcript:"

// RedisSink appends turns to a Redis list per session. The list expires
// ttl after its last write.
type RedisSink struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisSink(client redis.UniversalClient, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, keyPrefix: defaultKeyPrefix, ttl: ttl}
}

func (s *RedisSink) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *RedisSink) Append(ctx context.Context, sessionID string, turn engine.Turn) error {
	data, err := sonic.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// Turns reads a session's turns back in commit order.
func (s *RedisSink) Turns(ctx context.Context, sessionID string) ([]engine.Turn, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	turns := make([]engine.Turn, 0, len(raw))
	for _, r := range raw {
		var t engine.Turn
		if err := sonic.UnmarshalString(r, &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
