package eduauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerStartsUnknown(t *testing.T) {
	m := newTestManager(t, &fakeService{}, nil)

	s := m.Session()
	if s.Status != StatusUnknown {
		t.Fatalf("expected unknown, got %s", s.Status)
	}
	if s.IsAuthenticated || s.User != nil {
		t.Fatalf("expected no user, got %+v", s)
	}
	if !s.Pending() {
		t.Fatal("expected unknown session to be pending")
	}
}

func TestLoginThenLogout(t *testing.T) {
	svc := &fakeService{
		login: func(_ context.Context, identifier, secret string) (Identity, error) {
			if identifier != "a@b.com" || secret != "pw" {
				return Identity{}, ErrInvalidCredentials
			}
			return Identity{ID: "1", DisplayName: "A", Role: RoleTeacher}, nil
		},
	}
	m := newTestManager(t, svc, nil)
	ctx := context.Background()

	if err := m.Login(ctx, "a@b.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	s := m.Session()
	if !s.IsAuthenticated || s.User == nil {
		t.Fatalf("expected authenticated session, got %+v", s)
	}
	if s.User.ID != "1" || s.User.Role != RoleTeacher {
		t.Fatalf("unexpected user %+v", *s.User)
	}
	if s.Status != StatusAuthenticated {
		t.Fatalf("expected authenticated status, got %s", s.Status)
	}

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}

	s = m.Session()
	if s.IsAuthenticated || s.User != nil || s.Status != StatusUnauthenticated {
		t.Fatalf("expected cleared session, got %+v", s)
	}
	if got := svc.logoutCalls.Load(); got != 1 {
		t.Fatalf("expected one remote logout, got %d", got)
	}
}

func TestLoginRejectedCredentials(t *testing.T) {
	svc := &fakeService{
		login: func(context.Context, string, string) (Identity, error) {
			return Identity{}, ErrInvalidCredentials
		},
	}
	m := newTestManager(t, svc, nil)

	err := m.Login(context.Background(), "a@b.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Op != "login" {
		t.Fatalf("expected *AuthError for login, got %T %v", err, err)
	}

	s := m.Session()
	if s.IsAuthenticated || s.Status != StatusUnauthenticated {
		t.Fatalf("expected unauthenticated session, got %+v", s)
	}
	if got := m.MetricsSnapshot().Counters[MetricLoginFailure]; got != 1 {
		t.Fatalf("expected one login failure, got %d", got)
	}
}

func TestLoginEmptyCredentialsSkipsService(t *testing.T) {
	svc := &fakeService{}
	m := newTestManager(t, svc, nil)

	tests := []struct {
		name       string
		identifier string
		secret     string
	}{
		{name: "empty identifier", identifier: "", secret: "pw"},
		{name: "blank identifier", identifier: "   ", secret: "pw"},
		{name: "empty secret", identifier: "a@b.com", secret: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Login(context.Background(), tt.identifier, tt.secret)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}

	if got := svc.loginCalls.Load(); got != 0 {
		t.Fatalf("expected no service calls, got %d", got)
	}
}

func TestLoginServiceFailureIsUnavailable(t *testing.T) {
	svc := &fakeService{
		login: func(context.Context, string, string) (Identity, error) {
			return Identity{}, errors.New("connection refused")
		},
	}
	m := newTestManager(t, svc, nil)

	err := m.Login(context.Background(), "a@b.com", "pw")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %T", err)
	}
	if m.Session().IsAuthenticated {
		t.Fatal("expected unauthenticated session")
	}
}

func TestLoginIdentityWithoutIDRejected(t *testing.T) {
	svc := &fakeService{
		login: func(context.Context, string, string) (Identity, error) {
			return Identity{DisplayName: "ghost", Role: RoleAdmin}, nil
		},
	}
	m := newTestManager(t, svc, nil)

	err := m.Login(context.Background(), "a@b.com", "pw")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if m.Session().User != nil {
		t.Fatal("expected no user")
	}
}

func TestLoginNormalizesRole(t *testing.T) {
	tests := []struct {
		raw  Role
		want Role
	}{
		{raw: "TEACHER", want: RoleTeacher},
		{raw: " admin ", want: RoleAdmin},
		{raw: "student", want: RoleStudent},
		{raw: "janitor", want: RoleOther},
		{raw: "", want: RoleOther},
	}

	for _, tt := range tests {
		t.Run(string(tt.raw), func(t *testing.T) {
			svc := &fakeService{
				login: func(context.Context, string, string) (Identity, error) {
					return Identity{ID: "7", Role: tt.raw}, nil
				},
			}
			m := newTestManager(t, svc, nil)
			if err := m.Login(context.Background(), "x", "y"); err != nil {
				t.Fatalf("login: %v", err)
			}
			if got := m.Session().User.Role; got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestLoginTimeout(t *testing.T) {
	svc := &fakeService{
		login: func(ctx context.Context, _, _ string) (Identity, error) {
			<-ctx.Done()
			return Identity{}, ctx.Err()
		},
	}
	m := newTestManager(t, svc, func(c *Config) {
		c.Timeouts.Operation = 20 * time.Millisecond
	})

	err := m.Login(context.Background(), "a@b.com", "pw")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
}

func TestLogoutRemoteFailureStillClears(t *testing.T) {
	svc := &fakeService{
		logout: func(context.Context) error {
			return errors.New("502 bad gateway")
		},
	}
	m := newTestManager(t, svc, nil)
	ctx := context.Background()

	if err := m.Login(ctx, "a@b.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	err := m.Logout(ctx)
	if !errors.Is(err, ErrLogoutRemote) {
		t.Fatalf("expected ErrLogoutRemote, got %v", err)
	}

	s := m.Session()
	if s.IsAuthenticated || s.User != nil || s.Status != StatusUnauthenticated {
		t.Fatalf("expected cleared session, got %+v", s)
	}
	if got := m.MetricsSnapshot().Counters[MetricLogoutRemoteFailure]; got != 1 {
		t.Fatalf("expected one remote failure, got %d", got)
	}
}

func TestLogoutWhenSignedOutIsIdempotent(t *testing.T) {
	svc := &fakeService{}
	m := newTestManager(t, svc, nil)

	var versions []uint64
	cancel := m.Subscribe(func(s Session) { versions = append(versions, s.Version) })
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := m.Logout(context.Background()); err != nil {
			t.Fatalf("logout %d: %v", i, err)
		}
	}

	if len(versions) != 1 {
		t.Fatalf("expected a single notification, got %v", versions)
	}
	if got := svc.logoutCalls.Load(); got != 3 {
		t.Fatalf("expected remote logout every call, got %d", got)
	}
}

func TestLogoutBeatsInFlightLogin(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svc := &fakeService{
		login: func(context.Context, string, string) (Identity, error) {
			close(started)
			<-release
			return Identity{ID: "1", Role: RoleTeacher}, nil
		},
	}
	m := newTestManager(t, svc, nil)

	done := make(chan error, 1)
	go func() {
		done <- m.Login(context.Background(), "a@b.com", "pw")
	}()

	<-started
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult, got %v", err)
	}

	s := m.Session()
	if s.IsAuthenticated || s.User != nil {
		t.Fatalf("logout must win over late login, got %+v", s)
	}
	if got := m.MetricsSnapshot().Counters[MetricStaleDiscarded]; got != 1 {
		t.Fatalf("expected one discarded result, got %d", got)
	}
}

func TestLogoutBeatsInFlightFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svc := &fakeService{
		current: func(context.Context) (*Identity, error) {
			close(started)
			<-release
			return &Identity{ID: "1", Role: RoleStudent}, nil
		},
	}
	m := newTestManager(t, svc, nil)

	done := make(chan error, 1)
	go func() {
		done <- m.FetchUser(context.Background())
	}()

	<-started
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult, got %v", err)
	}
	if m.Session().IsAuthenticated {
		t.Fatal("late fetch must not re-authenticate")
	}
}

func TestNewerLoginWins(t *testing.T) {
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	svc := &fakeService{
		login: func(_ context.Context, identifier, _ string) (Identity, error) {
			if identifier == "slow" {
				close(firstStarted)
				<-releaseFirst
				return Identity{ID: "slow", Role: RoleStudent}, nil
			}
			return Identity{ID: "fast", Role: RoleAdmin}, nil
		},
	}
	m := newTestManager(t, svc, nil)

	done := make(chan error, 1)
	go func() {
		done <- m.Login(context.Background(), "slow", "pw")
	}()

	<-firstStarted
	if err := m.Login(context.Background(), "fast", "pw"); err != nil {
		t.Fatalf("fast login: %v", err)
	}
	close(releaseFirst)

	if err := <-done; !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected stale slow login, got %v", err)
	}
	if got := m.Session().User.ID; got != "fast" {
		t.Fatalf("expected newest login to hold, got %q", got)
	}
}

func TestFetchUserRestoresSession(t *testing.T) {
	svc := &fakeService{
		current: func(context.Context) (*Identity, error) {
			return &Identity{ID: "42", DisplayName: "Grace", Role: RoleAdmin}, nil
		},
	}
	m := newTestManager(t, svc, nil)

	if err := m.FetchUser(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	s := m.Session()
	if !s.HasRole(RoleAdmin) || s.User.ID != "42" {
		t.Fatalf("expected restored admin, got %+v", s)
	}
	if got := m.MetricsSnapshot().Counters[MetricFetchRestored]; got != 1 {
		t.Fatalf("expected one restore, got %d", got)
	}
}

func TestFetchUserAbsent(t *testing.T) {
	tests := []struct {
		name    string
		current func(context.Context) (*Identity, error)
	}{
		{
			name:    "nil identity",
			current: func(context.Context) (*Identity, error) { return nil, nil },
		},
		{
			name:    "unauthenticated",
			current: func(context.Context) (*Identity, error) { return nil, ErrUnauthenticated },
		},
		{
			name:    "identity without id",
			current: func(context.Context) (*Identity, error) { return &Identity{DisplayName: "x"}, nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{current: tt.current}
			m := newTestManager(t, svc, nil)

			if err := m.FetchUser(context.Background()); err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			s := m.Session()
			if s.Status != StatusUnauthenticated || s.IsAuthenticated {
				t.Fatalf("expected unauthenticated, got %+v", s)
			}
			if got := svc.currentCalls.Load(); got != 1 {
				t.Fatalf("absent identity must not be retried, got %d calls", got)
			}
		})
	}
}

func TestFetchUserRetriesTransientFailures(t *testing.T) {
	var calls int
	svc := &fakeService{
		current: func(context.Context) (*Identity, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("503 service unavailable")
			}
			return &Identity{ID: "9", Role: RoleStudent}, nil
		},
	}
	m := newTestManager(t, svc, nil)

	if err := m.FetchUser(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !m.Session().HasRole(RoleStudent) {
		t.Fatalf("expected student session, got %+v", m.Session())
	}
	if got := m.MetricsSnapshot().Counters[MetricFetchRetry]; got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
}

func TestFetchUserGivesUpAfterMaxAttempts(t *testing.T) {
	svc := &fakeService{
		current: func(context.Context) (*Identity, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	m := newTestManager(t, svc, func(c *Config) {
		c.Fetch.MaxAttempts = 4
	})

	err := m.FetchUser(context.Background())
	var fetchErr *SessionFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *SessionFetchError, got %T %v", err, err)
	}
	if fetchErr.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", fetchErr.Attempts)
	}
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable in chain, got %v", err)
	}

	s := m.Session()
	if s.Status != StatusUnauthenticated || s.User != nil {
		t.Fatalf("failure must resolve to unauthenticated, got %+v", s)
	}
	if got := svc.currentCalls.Load(); got != 4 {
		t.Fatalf("expected 4 calls, got %d", got)
	}
}

func TestFetchUserPermanentFailureNotRetried(t *testing.T) {
	svc := &fakeService{
		current: func(context.Context) (*Identity, error) {
			return nil, ErrInvalidCredentials
		},
	}
	m := newTestManager(t, svc, nil)

	err := m.FetchUser(context.Background())
	var fetchErr *SessionFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Attempts != 1 {
		t.Fatalf("expected single-attempt fetch error, got %v", err)
	}
	if got := svc.currentCalls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestFetchUserMarksLoading(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svc := &fakeService{
		current: func(context.Context) (*Identity, error) {
			close(started)
			<-release
			return nil, nil
		},
	}
	m := newTestManager(t, svc, nil)

	done := make(chan error, 1)
	go func() {
		done <- m.FetchUser(context.Background())
	}()

	<-started
	if s := m.Session(); s.Status != StatusLoading || !s.Pending() {
		t.Fatalf("expected loading while fetch in flight, got %s", s.Status)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s := m.Session(); s.Pending() {
		t.Fatalf("expected resolved session, got %s", s.Status)
	}
}

func TestFetchUserKeepsResolvedStateWhileRefreshing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var n int
	svc := &fakeService{
		current: func(context.Context) (*Identity, error) {
			n++
			if n == 2 {
				close(started)
				<-release
			}
			return &Identity{ID: "1", Role: RoleTeacher}, nil
		},
	}
	m := newTestManager(t, svc, nil)
	if err := m.FetchUser(context.Background()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.FetchUser(context.Background())
	}()

	<-started
	if s := m.Session(); s.Status != StatusAuthenticated {
		t.Fatalf("refresh must not flip a resolved session to loading, got %s", s.Status)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("second fetch: %v", err)
	}
}

func TestSubscribeReceivesOrderedSnapshots(t *testing.T) {
	m := newTestManager(t, &fakeService{}, nil)

	var mu sync.Mutex
	var got []Session
	cancel := m.Subscribe(func(s Session) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	ctx := context.Background()
	if err := m.Login(ctx, "a@b.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}

	cancel()
	cancel()
	if err := m.Login(ctx, "a@b.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots before cancel, got %d", len(got))
	}
	if !got[0].IsAuthenticated || got[1].IsAuthenticated {
		t.Fatalf("unexpected snapshot sequence %+v", got)
	}
	if got[0].Version >= got[1].Version {
		t.Fatalf("versions must increase, got %d then %d", got[0].Version, got[1].Version)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	m := newTestManager(t, &fakeService{}, nil)
	if err := m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	s := m.Session()
	s.User.Role = RoleAdmin

	if m.Session().User.Role != RoleTeacher {
		t.Fatal("mutating a snapshot must not leak into the manager")
	}
}

func TestSessionNeverObservedMixed(t *testing.T) {
	m := newTestManager(t, &fakeService{
		current: func(context.Context) (*Identity, error) {
			return &Identity{ID: "1", Role: RoleStudent}, nil
		},
	}, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	check := func(s Session) {
		if s.IsAuthenticated != (s.User != nil) {
			t.Errorf("mixed session observed: %+v", s)
		}
		if s.IsAuthenticated != (s.Status == StatusAuthenticated) {
			t.Errorf("status disagrees with flag: %+v", s)
		}
	}
	cancel := m.Subscribe(check)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				check(m.Session())
			}
		}
	}()

	ctx := context.Background()
	var ops sync.WaitGroup
	for i := 0; i < 8; i++ {
		ops.Add(1)
		go func(i int) {
			defer ops.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 3 {
				case 0:
					_ = m.Login(ctx, "a@b.com", "pw")
				case 1:
					_ = m.Logout(ctx)
				default:
					_ = m.FetchUser(ctx)
				}
			}
		}(i)
	}
	ops.Wait()
	close(stop)
	wg.Wait()
}

func TestNilManagerNotReady(t *testing.T) {
	var m *Manager
	ctx := context.Background()

	if err := m.Login(ctx, "a", "b"); !errors.Is(err, ErrManagerNotReady) {
		t.Fatalf("login: expected ErrManagerNotReady, got %v", err)
	}
	if err := m.Logout(ctx); !errors.Is(err, ErrManagerNotReady) {
		t.Fatalf("logout: expected ErrManagerNotReady, got %v", err)
	}
	if err := m.FetchUser(ctx); !errors.Is(err, ErrManagerNotReady) {
		t.Fatalf("fetch: expected ErrManagerNotReady, got %v", err)
	}
	if s := m.Session(); s.Status != StatusUnknown {
		t.Fatalf("expected unknown, got %s", s.Status)
	}
}

func TestBuilderRequiresService(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without auth service")
	}

	b := New().WithAuthService(&fakeService{})
	if _, err := b.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected builder reuse to fail")
	}
}

func TestLatencyHistogramsObserved(t *testing.T) {
	m := newTestManager(t, &fakeService{}, nil)
	if err := m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := m.FetchUser(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	snap := m.MetricsSnapshot()
	for _, id := range []MetricID{MetricLoginLatency, MetricFetchLatency} {
		if total := snap.Histograms[id].Count(); total != 1 {
			t.Fatalf("metric %d: expected 1 observation, got %d", id, total)
		}
	}
}
