// Package session persists issued refresh tokens in Redis, one record per
// token. Records are keyed by the token hash, which makes redeeming a token
// a single atomic delete: two concurrent redeems of the same token can never
// both win.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport-level Redis failures.
var ErrRedisUnavailable = errors.New("session redis unavailable")

// ErrNotFound is returned when no live session matches a presented token.
// A rotated, logged-out, or expired token and a token that was never issued
// produce the same error.
var ErrNotFound = errors.New("session not found")

// consumeLua atomically fetches and destroys one session record, removing it
// from the per-user index in the same step. Returning the record from the
// same atomic unit is what makes rotation single-winner under concurrency.
//
// KEYS[1] = session key, KEYS[2] = user index key
// ARGV[1] = refresh hash (index member)
var consumeLua = redis.NewScript(`
local data = redis.call("GET", KEYS[1])
if not data then
  redis.call("SREM", KEYS[2], ARGV[1])
  return false
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return data
`)

// Store is a Redis-backed session store. Sessions are created and destroyed,
// never mutated in place.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a session [Store] backed by the given Redis client.
// prefix namespaces all keys written by this store.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) sessionKey(userID, refreshHash string) string {
	return s.prefix + ":sess:" + userID + ":" + refreshHash
}

func (s *Store) indexKey(userID string) string {
	return s.prefix + ":idx:" + userID
}

// Save persists a new session with the given TTL and registers it in the
// owner's index set.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("session ttl must be positive")
	}

	sessionKey := s.sessionKey(sess.UserID, sess.RefreshHash)
	indexKey := s.indexKey(sess.UserID)

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey, data, ttl)
		pipe.SAdd(ctx, indexKey, sess.RefreshHash)
		pipe.Expire(ctx, indexKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Consume atomically looks up the session matching the given refresh hash
// and destroys it, returning the destroyed record. A second Consume with the
// same hash, concurrent or later, yields [ErrNotFound]. This is the
// replay/reuse defense: a token absent from the store cannot be redeemed.
func (s *Store) Consume(ctx context.Context, userID, refreshHash string) (*Session, error) {
	result, err := consumeLua.Run(
		ctx,
		s.redis,
		[]string{s.sessionKey(userID, refreshHash), s.indexKey(userID)},
		refreshHash,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var blob []byte
	switch v := result.(type) {
	case string:
		blob = []byte(v)
	case []byte:
		blob = v
	default:
		return nil, fmt.Errorf("%w: invalid consume script response", ErrRedisUnavailable)
	}

	sess, err := Decode(blob)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > sess.ExpiresAt {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListByUser returns the live sessions for a user. Index members whose
// record has already expired are skipped.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	hashes, err := s.redis.SMembers(ctx, s.indexKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(hashes) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(hashes))
	for i, h := range hashes {
		cmds[i] = pipe.Get(ctx, s.sessionKey(userID, h))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := time.Now().Unix()
	sessions := make([]*Session, 0, len(hashes))
	for _, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}
		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		if now > sess.ExpiresAt {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// DeleteAllForUser destroys every session a user holds. Used by logout-all,
// password reset, and account closure.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	indexKey := s.indexKey(userID)

	hashes, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, s.sessionKey(userID, h))
	}
	keys = append(keys, indexKey)

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// CountForUser returns the number of live sessions a user holds.
func (s *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.indexKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

// Ping reports Redis availability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
