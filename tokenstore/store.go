package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no live token exists for a client.
	ErrNotFound = errors.New("token not found")
	// ErrBackendUnavailable wraps failures of the storage backend.
	ErrBackendUnavailable = errors.New("token store unavailable")
	// ErrCorrupt is returned for records that cannot be decoded.
	ErrCorrupt = errors.New("token record corrupt")
	// ErrExpired is returned by Save for a record already past ExpiresAt.
	ErrExpired = errors.New("token record already expired")
)

// Record is the persisted credential of one client.
type Record struct {
	AccessToken string
	// UserID is informational; the auth service stays authoritative.
	UserID    string
	IssuedAt  int64
	ExpiresAt int64
}

// Expired reports whether r is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// Store persists one Record per client id.
type Store interface {
	// Load returns the live record or ErrNotFound.
	Load(ctx context.Context, clientID string) (*Record, error)
	// Save replaces the record and expires it at rec.ExpiresAt.
	Save(ctx context.Context, clientID string, rec *Record) error
	// Take atomically loads and removes the record. ErrNotFound if none.
	Take(ctx context.Context, clientID string) (*Record, error)
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, clientID string) error
}
