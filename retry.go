package eduauth

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// fetchWithRetry asks the auth service for the current identity, retrying
// transient failures per Config.Fetch. A nil identity with a nil error means
// nobody is signed in. Retries stop early with ErrStaleResult once gen has
// been superseded.
func (m *Manager) fetchWithRetry(ctx context.Context, gen uint64) (*Identity, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := 0
	op := func() (*Identity, error) {
		if !m.isCurrent(gen) {
			return nil, backoff.Permanent(ErrStaleResult)
		}
		attempts++

		callCtx, cancel := m.callContext(ctx)
		id, err := m.service.CurrentUser(callCtx)
		cancel()

		switch {
		case err == nil:
			if id == nil || id.ID == "" {
				return nil, nil
			}
			out := *id
			return &out, nil
		case errors.Is(err, ErrUnauthenticated):
			return nil, nil
		case !isTransient(ctx, err):
			return nil, backoff.Permanent(classifyServiceError(err))
		default:
			return nil, classifyServiceError(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		m.metricInc(MetricFetchRetry)
		m.logger.Debug("retrying session fetch", "error", err, "attempt", attempts, "wait", wait)
	}

	id, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(m.fetchBackOff()),
		backoff.WithMaxTries(uint(m.config.Fetch.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, attempts, err
	}
	return id, attempts, nil
}

func (m *Manager) fetchBackOff() backoff.BackOff {
	cfg := m.config.Fetch
	if cfg.InitialBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// isTransient reports whether a failed CurrentUser call is worth repeating.
// Rejected credentials and a canceled caller are not.
func isTransient(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrStaleResult) {
		return false
	}
	return true
}
