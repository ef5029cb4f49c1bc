// Package stores holds small Redis-backed token bookkeeping used by the
// credential service.
package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport-level Redis failures.
var ErrRedisUnavailable = errors.New("verification redis unavailable")

// ConsumedTokenStore remembers verification tokens that were already
// redeemed, for the remainder of their original lifetime. Redeeming a
// verification link twice is common (mail clients prefetch, users double
// click) and must stay a success, while the account record itself holds no
// token once verified.
type ConsumedTokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewConsumedTokenStore returns a store namespaced under prefix.
func NewConsumedTokenStore(client redis.UniversalClient, prefix string) *ConsumedTokenStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &ConsumedTokenStore{redis: client, prefix: prefix}
}

func (s *ConsumedTokenStore) key(tokenHash string) string {
	return s.prefix + ":verified:" + tokenHash
}

// MarkConsumed records that the token with the given hash has been redeemed
// by userID. The marker expires when the token would have.
func (s *ConsumedTokenStore) MarkConsumed(ctx context.Context, tokenHash, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.redis.Set(ctx, s.key(tokenHash), userID, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// WasConsumed reports whether the token with the given hash was already
// redeemed.
func (s *ConsumedTokenStore) WasConsumed(ctx context.Context, tokenHash string) (bool, error) {
	err := s.redis.Get(ctx, s.key(tokenHash)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return true, nil
}
