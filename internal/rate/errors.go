package rate

import "errors"

var (
	// ErrRateLimited is returned while an identifier or address is cooling down.
	ErrRateLimited = errors.New("too many sign-in attempts")
	// ErrRedisUnavailable wraps counter backend failures.
	ErrRedisUnavailable = errors.New("rate limit backend unavailable")
)
