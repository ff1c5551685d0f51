package eduauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edusync/eduauth/internal/audit"
)

// Manager owns one client's [Session] and the three operations allowed to
// change it: Login, Logout and FetchUser.
//
// Every operation draws a generation number when it starts. A Login or
// FetchUser result is committed only if no other operation started after it;
// otherwise it is discarded with [ErrStaleResult]. Logout clears the session
// as soon as it is invoked, so a slower login or fetch started earlier can
// never resurrect an authenticated state.
//
// Manager methods are safe for concurrent use.
type Manager struct {
	config   Config
	service  AuthService
	logger   *slog.Logger
	audit    *audit.Dispatcher
	metrics  *Metrics
	clientID string
	// ownsAudit is false for relays passed to WithAuditRelay.
	ownsAudit bool

	mu           sync.Mutex
	state        Session
	gen          uint64
	committedGen uint64
	subs         map[uint64]func(Session)
	nextSub      uint64

	notifyMu  sync.Mutex
	delivered uint64
}

// Session returns the current snapshot. The returned value is a copy.
func (m *Manager) Session() Session {
	if m == nil {
		return Session{Status: StatusUnknown}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Subscribe registers fn to receive committed snapshots. Snapshots are
// delivered in version order; a snapshot superseded before delivery may be
// skipped. fn runs on the goroutine that committed the change and must not
// call back into the Manager synchronously.
func (m *Manager) Subscribe(fn func(Session)) (cancel func()) {
	if m == nil || fn == nil {
		return func() {}
	}

	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Routes returns the configured guard redirect targets.
func (m *Manager) Routes() RouteConfig {
	if m == nil {
		return defaultConfig().Routes
	}
	return m.config.Routes
}

// Metrics exposes the counters so route guards can record their outcomes.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// MetricsSnapshot copies the Manager's metric set, which may be shared.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	if m == nil {
		return (*Metrics)(nil).Snapshot()
	}
	return m.metrics.Snapshot()
}

// AuditDropped reports audit events the relay discarded on a full queue.
func (m *Manager) AuditDropped() uint64 {
	if m == nil || m.audit == nil {
		return 0
	}
	return m.audit.Dropped()
}

// Close flushes pending audit events of a Manager-owned relay. The session
// itself needs no teardown.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	if m.ownsAudit {
		m.audit.Close()
	}
}

// Login authenticates against the auth service and, on success, atomically
// replaces the session with the returned identity.
//
// Failures are returned as [*AuthError] and leave the session
// unauthenticated. If a Logout or another operation started while the call
// was in flight, the result is dropped and [ErrStaleResult] is returned.
func (m *Manager) Login(ctx context.Context, identifier, secret string) error {
	if m == nil || m.service == nil {
		return ErrManagerNotReady
	}
	identifier = strings.TrimSpace(identifier)
	gen := m.begin(false)

	if identifier == "" || secret == "" {
		return m.failLogin(ctx, gen, identifier, &AuthError{Op: "login", Err: ErrInvalidCredentials})
	}

	start := time.Now()
	callCtx, cancel := m.callContext(ctx)
	id, err := m.service.Login(callCtx, identifier, secret)
	cancel()
	m.metrics.Observe(MetricLoginLatency, time.Since(start))

	if errors.Is(err, ErrStaleResult) {
		// the service saw a newer call on this client and dropped the token
		m.discardStale(ctx, gen, "login")
		return ErrStaleResult
	}
	if err == nil && strings.TrimSpace(id.ID) == "" {
		err = fmt.Errorf("%w: identity without id", ErrServiceUnavailable)
	}
	if err != nil {
		return m.failLogin(ctx, gen, identifier, &AuthError{Op: "login", Err: classifyServiceError(err)})
	}

	snap, ok := m.commitIfCurrent(gen, func(version uint64) Session {
		return authenticatedSession(id, version)
	})
	if !ok {
		m.discardStale(ctx, gen, "login")
		return ErrStaleResult
	}

	m.metricInc(MetricLoginSuccess)
	m.emitAudit(ctx, auditEventLoginSuccess, true, snap.User, gen, nil, nil)
	return nil
}

func (m *Manager) failLogin(ctx context.Context, gen uint64, identifier string, authErr *AuthError) error {
	m.metricInc(MetricLoginFailure)
	if _, ok := m.commitIfCurrent(gen, unauthenticatedSession); !ok {
		m.discardStale(ctx, gen, "login")
	}
	m.emitAudit(ctx, auditEventLoginFailure, false, nil, gen, authErr, func() map[string]string {
		return map[string]string{"identifier": identifier}
	})
	return authErr
}

// Logout signs the client out. The local session is cleared when Logout is
// invoked, before the remote invalidation is requested, and stays cleared
// even if that request fails. A remote failure is returned wrapped in
// [ErrLogoutRemote] for reporting only.
func (m *Manager) Logout(ctx context.Context) error {
	if m == nil || m.service == nil {
		return ErrManagerNotReady
	}

	gen, prev := m.clearForLogout()
	m.metricInc(MetricLogout)

	callCtx, cancel := m.callContext(ctx)
	err := m.service.Logout(callCtx)
	cancel()

	if err != nil {
		m.metricInc(MetricLogoutRemoteFailure)
		m.logger.Warn("remote logout failed, local session cleared", "error", err, "generation", gen)
		m.emitAudit(ctx, auditEventLogoutRemoteFailure, false, prev, gen, err, nil)
		return fmt.Errorf("%w: %w", ErrLogoutRemote, err)
	}

	m.emitAudit(ctx, auditEventLogout, true, prev, gen, nil, nil)
	return nil
}

// FetchUser resolves the session from the auth service, typically at start
// to restore a persisted sign-in. Transient failures are retried with
// bounded backoff (Config.Fetch).
//
// An absent identity and a failure both end unauthenticated: the two are
// not distinguished in the resulting state. A failure is also
// returned as [*SessionFetchError] so callers can log it; it must not be
// shown as a hard error.
func (m *Manager) FetchUser(ctx context.Context) error {
	if m == nil || m.service == nil {
		return ErrManagerNotReady
	}

	gen := m.begin(true)
	start := time.Now()
	id, attempts, err := m.fetchWithRetry(ctx, gen)
	m.metrics.Observe(MetricFetchLatency, time.Since(start))

	if errors.Is(err, ErrStaleResult) {
		m.discardStale(ctx, gen, "fetch")
		return ErrStaleResult
	}

	if err != nil {
		fetchErr := &SessionFetchError{Attempts: attempts, Err: err}
		if _, ok := m.commitIfCurrent(gen, unauthenticatedSession); !ok {
			m.discardStale(ctx, gen, "fetch")
			return ErrStaleResult
		}
		m.metricInc(MetricFetchFailure)
		m.logger.Warn("session fetch failed, treating as signed out", "error", err, "attempts", attempts)
		m.emitAudit(ctx, auditEventSessionFetchFailure, false, nil, gen, fetchErr, nil)
		return fetchErr
	}

	if id == nil {
		if _, ok := m.commitIfCurrent(gen, unauthenticatedSession); !ok {
			m.discardStale(ctx, gen, "fetch")
			return ErrStaleResult
		}
		m.metricInc(MetricFetchAbsent)
		m.emitAudit(ctx, auditEventSessionAbsent, true, nil, gen, nil, nil)
		return nil
	}

	identity := *id
	snap, ok := m.commitIfCurrent(gen, func(version uint64) Session {
		return authenticatedSession(identity, version)
	})
	if !ok {
		m.discardStale(ctx, gen, "fetch")
		return ErrStaleResult
	}

	m.metricInc(MetricFetchRestored)
	m.emitAudit(ctx, auditEventSessionRestored, true, snap.User, gen, nil, nil)
	return nil
}

/*
====================================
STATE TRANSITIONS
====================================
*/

// begin hands out the next generation. With markLoading, a never-resolved
// session moves to StatusLoading so guards keep showing the placeholder.
func (m *Manager) begin(markLoading bool) uint64 {
	m.mu.Lock()
	m.gen++
	gen := m.gen

	var snap Session
	publish := false
	if markLoading && m.state.Status == StatusUnknown {
		m.state = Session{Status: StatusLoading, Version: m.state.Version + 1}
		snap = m.state.clone()
		publish = true
	}
	m.mu.Unlock()

	if publish {
		m.publish(snap)
	}
	return gen
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// commitIfCurrent installs next(version) if gen is still the newest generation.
func (m *Manager) commitIfCurrent(gen uint64, next func(version uint64) Session) (Session, bool) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return Session{}, false
	}
	prev := m.state
	state := next(prev.Version + 1)
	if sameSession(prev, state) {
		m.committedGen = gen
		snap := prev.clone()
		m.mu.Unlock()
		return snap, true
	}
	m.state = state
	m.committedGen = gen
	snap := m.state.clone()
	m.mu.Unlock()

	m.publish(snap)
	return snap, true
}

func (m *Manager) clearForLogout() (uint64, *Identity) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	var prev *Identity
	if m.state.User != nil {
		u := *m.state.User
		prev = &u
	}
	changed := m.state.Status != StatusUnauthenticated
	if changed {
		m.state = unauthenticatedSession(m.state.Version + 1)
	}
	m.committedGen = gen
	snap := m.state.clone()
	m.mu.Unlock()

	if changed {
		m.publish(snap)
	}
	return gen, prev
}

func (m *Manager) publish(snap Session) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if snap.Version <= m.delivered {
		return
	}
	m.delivered = snap.Version

	m.mu.Lock()
	subs := make([]func(Session), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(snap.clone())
	}
}

func (m *Manager) discardStale(ctx context.Context, gen uint64, op string) {
	m.metricInc(MetricStaleDiscarded)
	m.logger.Debug("discarded superseded auth result", "op", op, "generation", gen)
	m.emitAudit(ctx, auditEventStaleDiscarded, false, nil, gen, ErrStaleResult, func() map[string]string {
		return map[string]string{"op": op}
	})
}

func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.config.Timeouts.Operation > 0 {
		return context.WithTimeout(ctx, m.config.Timeouts.Operation)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) metricInc(id MetricID) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.Inc(id)
}

// sameSession ignores Version so that re-confirming an unchanged state does
// not wake subscribers.
func sameSession(a, b Session) bool {
	if a.Status != b.Status || a.IsAuthenticated != b.IsAuthenticated {
		return false
	}
	if (a.User == nil) != (b.User == nil) {
		return false
	}
	return a.User == nil || *a.User == *b.User
}
