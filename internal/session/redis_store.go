// Package session stores refresh-token sessions. Redis is preferred
// for its native TTLs; the Postgres store satisfies the same interface
// when Redis is not configured.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inkwell/api/internal/store"
)

// Store is what the HTTP layer needs from a session backend. Both the
// Redis store here and store.PostgresStore implement it.
type Store interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

const keyPrefix = "refresh:"

// fallbackTTL applies when a caller hands us an already-expired
// deadline; the session still needs some lifetime to be revocable.
const fallbackTTL = 30 * 24 * time.Hour

type sessionRecord struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps refresh sessions in Redis keyed by token hash, with
// expiry delegated to Redis TTLs.
type RedisStore struct {
	client *redis.Client
	users  UserLookup
}

// UserLookup resolves the session's user on lookup so revoked or
// deleted accounts drop their sessions.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string, users UserLookup) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, users: users}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, users UserLookup) *RedisStore {
	return &RedisStore{client: client, users: users}
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	record := sessionRecord{
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = fallbackTTL
	}
	if err := s.client.Set(ctx, keyPrefix+tokenHash, blob, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	blob, err := s.client.Get(ctx, keyPrefix+tokenHash).Result()
	if err == redis.Nil {
		return store.User{}, fmt.Errorf("session not found or expired")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var record sessionRecord
	if err := json.Unmarshal([]byte(blob), &record); err != nil {
		return store.User{}, fmt.Errorf("unmarshal session: %w", err)
	}

	if s.users != nil {
		user, err := s.users.GetUserByID(ctx, record.UserID)
		if err != nil {
			return store.User{}, fmt.Errorf("session user lookup: %w", err)
		}
		return user, nil
	}
	return store.User{ID: record.UserID, Email: record.Email}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, keyPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
