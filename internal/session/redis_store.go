// Package session provides session storage backends for admin refresh tokens.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quotedesk/api/internal/store"
)

// ErrNotFound is returned for unknown, expired or revoked refresh tokens.
var ErrNotFound = errors.New("refresh session not found or expired")

// TokenData holds the data stored for each refresh token
type TokenData struct {
	AdminID   string    `json:"admin_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisStore implements refresh token storage using Redis
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	client, err := Dial(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client), nil
}

// Dial parses redisURL and checks the server answers. The client is shared
// by sessions, drafts and rate limiting.
func Dial(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "refresh:",
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// adminKey indexes the token hashes issued to one admin so they can be
// revoked together.
func (s *RedisStore) adminKey(adminID string) string {
	return s.prefix + "admin:" + adminID
}

// SaveRefreshSession stores a refresh token until expiresAt.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, adminID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save refresh token: expiry %s is in the past", expiresAt.Format(time.RFC3339))
	}
	payload, err := json.Marshal(TokenData{
		AdminID:   adminID,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(tokenHash), payload, ttl)
	pipe.SAdd(ctx, s.adminKey(adminID), tokenHash)
	// Tokens share one TTL, so the newest token outlives the rest.
	pipe.Expire(ctx, s.adminKey(adminID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, tokenHash string) (TokenData, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TokenData{}, ErrNotFound
	}
	if err != nil {
		return TokenData{}, fmt.Errorf("lookup refresh token: %w", err)
	}
	var data TokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		return TokenData{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	if data.AdminID == "" {
		return TokenData{}, ErrNotFound
	}
	return data, nil
}

// LookupRefreshSession returns the admin a refresh token belongs to. Only
// the ID is populated; callers reload the admin record.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.Admin, error) {
	data, err := s.load(ctx, tokenHash)
	if err != nil {
		return store.Admin{}, err
	}
	return store.Admin{ID: data.AdminID}, nil
}

// RevokeRefreshSession deletes a refresh token. Unknown tokens are not an error.
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	data, err := s.load(ctx, tokenHash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(tokenHash))
	if data.AdminID != "" {
		pipe.SRem(ctx, s.adminKey(data.AdminID), tokenHash)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAdminRefreshSessions signs an admin out everywhere and returns how
// many live tokens were dropped.
func (s *RedisStore) RevokeAdminRefreshSessions(ctx context.Context, adminID string) (int, error) {
	hashes, err := s.client.SMembers(ctx, s.adminKey(adminID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list admin refresh tokens: %w", err)
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, hash := range hashes {
		keys = append(keys, s.key(hash))
	}
	removed := 0
	if len(keys) > 0 {
		n, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, fmt.Errorf("revoke admin refresh tokens: %w", err)
		}
		removed = int(n)
	}
	if err := s.client.Del(ctx, s.adminKey(adminID)).Err(); err != nil {
		return removed, fmt.Errorf("clear admin token index: %w", err)
	}
	return removed, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
