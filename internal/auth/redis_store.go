package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"rotarydesk/internal/types"
)

const (
	sessionKeyPrefix = "session:"
	expiryIndexKey   = "sessions:expiry"
)

// RedisSessionStore keeps each session as a JSON string with its own TTL and
// indexes every id in a sorted set scored by expiry, so Sweep can clear
// index entries and any keys the server has not yet evicted.
type RedisSessionStore struct {
	client redis.UniversalClient
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore wraps a connected client.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

// Create writes the session and its index entry atomically.
func (s *RedisSessionStore) Create(ctx context.Context, session *types.Session, ttl time.Duration) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode session", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, sessionKey(session.ID), raw, ttl)
		p.ZAdd(ctx, expiryIndexKey, &redis.Z{
			Score:  float64(session.ExpiresAt.Unix()),
			Member: session.ID,
		})
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "failed to store session", err)
	}
	return nil
}

// Get returns ErrCodeNotFoundSession when the key is absent.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*types.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalCache, "failed to load session", err)
	}
	var session types.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "corrupt session record", err)
	}
	return &session, nil
}

// Delete removes the session and its index entry.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, sessionKey(id))
		p.ZRem(ctx, expiryIndexKey, id)
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "failed to delete session", err)
	}
	return nil
}

// Sweep deletes every indexed session whose expiry is at or before now.
func (s *RedisSessionStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalCache, "failed to scan session index", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, expiryIndexKey, members...)
		return nil
	})
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalCache, "failed to sweep sessions", err)
	}
	return len(ids), nil
}

// Ping checks connectivity for health probes.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
