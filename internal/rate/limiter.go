package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config tunes the sign-in throttle.
type Config struct {
	// MaxAttempts is the number of failures tolerated per window.
	MaxAttempts int
	// Cooldown is the window length, counted from the first failure.
	Cooldown time.Duration
	// PerIP also counts failures per client address.
	PerIP  bool
	Prefix string
}

// DefaultConfig allows five failures per identifier or address every 15 minutes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Cooldown:    15 * time.Minute,
		PerIP:       true,
		Prefix:      "edusync:rl",
	}
}

// Limiter enforces the sign-in failure budget using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) (*Limiter, error) {
	if redisClient == nil {
		return nil, errors.New("rate: redis client required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("rate: MaxAttempts must be > 0")
	}
	if cfg.Cooldown < time.Second {
		return nil, errors.New("rate: Cooldown must be >= 1s")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	return &Limiter{redis: redisClient, config: cfg}, nil
}

// Check returns ErrRateLimited when the identifier or ip has used up its
// budget. It does not count an attempt.
func (l *Limiter) Check(ctx context.Context, identifier, ip string) error {
	for _, key := range l.keys(identifier, ip) {
		if err := l.checkCounter(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Fail records a rejected sign-in. It returns ErrRateLimited once the
// attempt exhausted the budget.
func (l *Limiter) Fail(ctx context.Context, identifier, ip string) error {
	limited := false
	for _, key := range l.keys(identifier, ip) {
		count, err := l.incrementWithTTL(ctx, key)
		if err != nil {
			return err
		}
		if count >= int64(l.config.MaxAttempts) {
			limited = true
		}
	}
	if limited {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the counters after a successful sign-in.
func (l *Limiter) Reset(ctx context.Context, identifier, ip string) error {
	keys := l.keys(identifier, ip)
	if len(keys) == 0 {
		return nil
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Attempts returns the failure count of identifier in the current window.
// Missing keys return zero and do not reveal account existence.
func (l *Limiter) Attempts(ctx context.Context, identifier string) (int, error) {
	count, err := l.redis.Get(ctx, l.identifierKey(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) keys(identifier, ip string) []string {
	var keys []string
	if id := normalize(identifier); id != "" {
		keys = append(keys, l.identifierKey(id))
	}
	if l.config.PerIP && ip != "" {
		keys = append(keys, l.config.Prefix+":login:ip:"+ip)
	}
	return keys
}

func (l *Limiter) identifierKey(identifier string) string {
	return l.config.Prefix + ":login:u:" + normalize(identifier)
}

func normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (l *Limiter) checkCounter(ctx context.Context, key string) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(l.config.MaxAttempts) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// fixed window: the first failure starts the clock
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.Cooldown).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count, nil
}
