package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const minTTL = time.Second

const takeScript = `
local data = redis.call("GET", KEYS[1])
if data then
  redis.call("DEL", KEYS[1])
end
return data
`

var takeLua = redis.NewScript(takeScript)

// RedisStore keeps records under "<prefix>:<clientID>" with a TTL matching
// the token expiry.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore keys records under prefix. An empty prefix uses the default.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "edusync:tok"
	}
	return &RedisStore{
		redis:  client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) key(clientID string) string {
	return s.prefix + ":" + clientID
}

func (s *RedisStore) Save(ctx context.Context, clientID string, rec *Record) error {
	if clientID == "" {
		return errors.New("client id required")
	}
	if rec == nil {
		return errors.New("nil record")
	}

	ttl := time.Duration(0)
	if rec.ExpiresAt > 0 {
		ttl = time.Unix(rec.ExpiresAt, 0).Sub(s.now())
		if ttl <= 0 {
			return ErrExpired
		}
		if ttl < minTTL {
			ttl = minTTL
		}
	}

	data, err := Encode(rec)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(clientID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, clientID string) (*Record, error) {
	key := s.key(clientID)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	rec, err := Decode(data)
	if err != nil {
		// unreadable records are dropped so the client falls back to signed out
		_ = s.redis.Del(ctx, key).Err()
		return nil, err
	}
	if rec.Expired(s.now()) {
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, ErrNotFound
	}

	return rec, nil
}

func (s *RedisStore) Take(ctx context.Context, clientID string) (*Record, error) {
	res, err := takeLua.Run(ctx, s.redis, []string{s.key(clientID)}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	data, ok := res.(string)
	if !ok {
		return nil, ErrNotFound
	}

	rec, err := Decode([]byte(data))
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, clientID string) error {
	if err := s.redis.Del(ctx, s.key(clientID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Ping measures a round-trip to Redis.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return time.Since(start), nil
}
