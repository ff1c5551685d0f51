package eduauth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the auth service rejects the supplied credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrServiceUnavailable is returned when the auth service cannot be reached or fails.
	ErrServiceUnavailable = errors.New("auth service unavailable")
	// ErrUnauthenticated is returned by operations that need a signed-in user.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrStaleResult is returned when a newer operation superseded the call and its result was discarded.
	ErrStaleResult = errors.New("stale auth result discarded")
	// ErrLogoutRemote wraps a failed remote invalidation. Local state is cleared regardless.
	ErrLogoutRemote = errors.New("remote logout failed")
	// ErrManagerNotReady is returned when a Manager was not produced by Builder.Build.
	ErrManagerNotReady = errors.New("session manager not initialized")
)

// AuthError is the error surfaced to callers of Manager.Login.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e == nil || e.Err == nil {
		return "auth error"
	}
	if e.Op == "" {
		return "auth: " + e.Err.Error()
	}
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SessionFetchError describes a FetchUser call that ended in the
// unauthenticated state because the auth service could not answer.
//
// It is informational: the session has already been cleared when it is
// returned, and the UI is expected to treat it as "signed out".
type SessionFetchError struct {
	Attempts int
	Err      error
}

func (e *SessionFetchError) Error() string {
	if e == nil || e.Err == nil {
		return "session fetch failed"
	}
	return fmt.Sprintf("session fetch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SessionFetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsAuthError reports whether err carries an [*AuthError].
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func classifyServiceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrUnauthenticated):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
}
