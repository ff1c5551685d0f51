package tokenstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records live until they expire or are
// deleted; expired entries are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, clientID string, rec *Record) error {
	if clientID == "" {
		return errors.New("client id required")
	}
	if rec == nil || rec.AccessToken == "" {
		return errors.New("access token required")
	}
	if rec.Expired(s.now()) {
		return ErrExpired
	}

	s.mu.Lock()
	s.records[clientID] = *rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, clientID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Expired(s.now()) {
		delete(s.records, clientID)
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Take(_ context.Context, clientID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.records, clientID)
	if rec.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	delete(s.records, clientID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
