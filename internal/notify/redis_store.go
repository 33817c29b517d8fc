package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"topup-reconciler/internal/cache"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps in-app notifications as JSON documents and reads push tokens from the user hash.
type RedisStore struct {
	redis *cache.Redis
}

var (
	_ InAppStore  = (*RedisStore)(nil)
	_ TokenSource = (*RedisStore)(nil)
)

// NewRedisStore wraps the shared Redis client.
func NewRedisStore(r *cache.Redis) *RedisStore {
	return &RedisStore{redis: r}
}

// CreateNotification stores the record if its id is new and indexes it under the user.
func (s *RedisStore) CreateNotification(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	created, err := s.redis.Client().SetNX(ctx, cache.NotificationKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store notification %s: %w", rec.ID, err)
	}
	if !created {
		return ErrDuplicateNotification
	}
	score := float64(rec.Timestamp.UnixMilli())
	if err := s.redis.Client().ZAdd(ctx, cache.NotificationUserIndexKey(rec.UserID), redis.Z{Score: score, Member: rec.ID}).Err(); err != nil {
		return fmt.Errorf("index notification %s: %w", rec.ID, err)
	}
	return nil
}

// HasNotification reports whether a record with id exists.
func (s *RedisStore) HasNotification(ctx context.Context, id string) (bool, error) {
	n, err := s.redis.Client().Exists(ctx, cache.NotificationKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", id, err)
	}
	return n > 0, nil
}

// GetPushToken reads the push_token field of the user document.
func (s *RedisStore) GetPushToken(ctx context.Context, userID string) (string, bool, error) {
	return s.redis.HGet(ctx, cache.UserKey(userID), cache.FieldPushToken)
}

// DisplayName reads the display_name field of the user document.
func (s *RedisStore) DisplayName(ctx context.Context, userID string) (string, bool, error) {
	return s.redis.HGet(ctx, cache.UserKey(userID), cache.FieldDisplayName)
}
