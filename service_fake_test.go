package eduauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeService is a programmable AuthService. Nil hooks fall back to a
// single signed-in teacher.
type fakeService struct {
	mu sync.Mutex

	login   func(ctx context.Context, identifier, secret string) (Identity, error)
	logout  func(ctx context.Context) error
	current func(ctx context.Context) (*Identity, error)

	loginCalls   atomic.Int32
	logoutCalls  atomic.Int32
	currentCalls atomic.Int32
}

func (f *fakeService) Login(ctx context.Context, identifier, secret string) (Identity, error) {
	f.loginCalls.Add(1)
	f.mu.Lock()
	fn := f.login
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, identifier, secret)
	}
	return Identity{ID: "1", DisplayName: "Ada", Role: RoleTeacher}, nil
}

func (f *fakeService) Logout(ctx context.Context) error {
	f.logoutCalls.Add(1)
	f.mu.Lock()
	fn := f.logout
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *fakeService) CurrentUser(ctx context.Context) (*Identity, error) {
	f.currentCalls.Add(1)
	f.mu.Lock()
	fn := f.current
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil, nil
}

func newTestManager(t *testing.T, svc AuthService, mutate func(*Config)) *Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Fetch.InitialBackoff = time.Millisecond
	cfg.Fetch.MaxBackoff = 2 * time.Millisecond
	cfg.Metrics.EnableLatencyHistograms = true
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New().WithConfig(cfg).WithAuthService(svc).Build()
	if err != nil {
		t.Fatalf("build manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}
