package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSessionKeyPrefix = "saleslens:session:"

// RedisSessionStore keeps sessions as JSON values whose TTL covers expiry
// plus the retention window.
type RedisSessionStore struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ SessionStore = (*RedisSessionStore)(nil)

func NewRedisSessionStore(client redis.Cmdable, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = defaultSessionKeyPrefix
	}
	return &RedisSessionStore{
		client:    client,
		prefix:    prefix,
		retention: DefaultExpiredRetention,
		now:       time.Now,
	}
}

func (r *RedisSessionStore) key(id string) string { return r.prefix + id }

func (r *RedisSessionStore) Put(ctx context.Context, s Session) error {
	data, ttl, err := r.encode(s)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return r.Delete(ctx, s.ID)
	}
	return r.client.Set(ctx, r.key(s.ID), data, ttl).Err()
}

// Replace uses SET XX so a key deleted by a concurrent revoke stays deleted.
func (r *RedisSessionStore) Replace(ctx context.Context, s Session) error {
	data, ttl, err := r.encode(s)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return r.Delete(ctx, s.ID)
	}
	ok, err := r.client.SetXX(ctx, r.key(s.ID), data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// encode returns the stored form of s and its key TTL, which is not positive
// once the session is past its retention window.
func (r *RedisSessionStore) encode(s Session) ([]byte, time.Duration, error) {
	if s.ID == "" {
		return nil, 0, ErrInvalidInput
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, 0, fmt.Errorf("encode session: %w", err)
	}
	return data, s.ExpiresAt.Sub(r.now()) + r.retention, nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (Session, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}
