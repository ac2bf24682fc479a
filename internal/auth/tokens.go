package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "auth:token:"

// TokenStore keeps opaque bearer tokens in Redis with a TTL.
type TokenStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTokenStore constructs the store. ttl <= 0 defaults to 12h.
func NewTokenStore(rdb *redis.Client, ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenStore{rdb: rdb, ttl: ttl}
}

// Issue mints a token mapped to the user id.
func (s *TokenStore) Issue(ctx context.Context, userID string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("auth: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := s.rdb.Set(ctx, tokenKeyPrefix+token, userID, s.ttl).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("auth: store token: %w", err)
	}
	return token, time.Now().UTC().Add(s.ttl), nil
}

// Resolve returns the user id behind a token.
func (s *TokenStore) Resolve(ctx context.Context, token string) (string, error) {
	userID, err := s.rdb.Get(ctx, tokenKeyPrefix+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTokenInvalid
		}
		return "", fmt.Errorf("auth: resolve token: %w", err)
	}
	return userID, nil
}

// Revoke deletes a token.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, tokenKeyPrefix+token).Err()
}
