// Package webapp is the EduSync web shell: it gives every browser its own
// session Manager and guards the pages behind it.
package webapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/edusync/eduauth"
	"github.com/edusync/eduauth/internal/httpx"
	"github.com/edusync/eduauth/metrics/export/prometheus"
	"github.com/edusync/eduauth/middleware"
)

// CookieName identifies a browser across requests.
const CookieName = "edusync_sid"

// Config configures the web shell.
type Config struct {
	Manager      eduauth.Config
	CookieSecure bool
	// CookieKey signs browser ids; at least 32 bytes. Empty picks a random
	// key, which signs everybody out on restart.
	CookieKey []byte
	// IdleTTL is how long an unused browser keeps its Manager in memory.
	IdleTTL time.Duration
	// FetchTimeout bounds the background session fetch of a new browser.
	FetchTimeout time.Duration
}

// DefaultConfig returns the shell defaults around eduauth.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		Manager:      eduauth.DefaultConfig(),
		IdleTTL:      30 * time.Minute,
		FetchTimeout: 15 * time.Second,
	}
}

// ServiceFactory returns the auth boundary for one browser.
type ServiceFactory func(clientID string) eduauth.AuthService

// Pinger is implemented by token stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// LoginLimiter throttles failed sign-ins per identifier and client address.
type LoginLimiter interface {
	Check(ctx context.Context, identifier, ip string) error
	Fail(ctx context.Context, identifier, ip string) error
	Reset(ctx context.Context, identifier, ip string) error
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithAuditSink sends the audit events of every browser to sink through one
// relay. Nothing is emitted unless Config.Manager.Audit.Enabled is set.
func WithAuditSink(sink eduauth.AuditSink) Option {
	return func(s *Server) {
		s.auditSink = sink
	}
}

// WithStorePinger adds the token store to /healthz.
func WithStorePinger(p Pinger) Option {
	return func(s *Server) {
		s.pinger = p
	}
}

// WithLoginLimiter throttles POST requests to the login path.
func WithLoginLimiter(l LoginLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// Server is the web shell.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    Config
	services  ServiceFactory
	metrics   *eduauth.Metrics
	auditSink eduauth.AuditSink
	audit     *eduauth.AuditRelay
	pinger    Pinger
	limiter   LoginLimiter
	clients   *clientRegistry
	cookies   *cookieSigner
	pages     *renderer
	exporter  *prometheus.Exporter
	startTime time.Time

	fetches sync.WaitGroup
}

// New validates cfg and registers all routes.
func New(cfg Config, services ServiceFactory, logger *slog.Logger, opts ...Option) (*Server, error) {
	if services == nil {
		return nil, errors.New("webapp: service factory required")
	}
	if err := cfg.Manager.Validate(); err != nil {
		return nil, err
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pages, err := newRenderer()
	if err != nil {
		return nil, err
	}
	cookies, err := newCookieSigner(cfg.CookieKey)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "webapp"),
		config:    cfg,
		services:  services,
		metrics:   eduauth.NewMetrics(cfg.Manager.Metrics),
		pages:     pages,
		cookies:   cookies,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auditSink != nil {
		s.audit = eduauth.NewAuditRelay(cfg.Manager.Audit, s.auditSink)
	}
	s.clients = newClientRegistry(cfg.IdleTTL, s.newManager)
	s.exporter = prometheus.NewExporter(s)

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// MetricsSnapshot aggregates the counters of every browser session.
func (s *Server) MetricsSnapshot() eduauth.MetricsSnapshot {
	return s.metrics.Snapshot()
}

// AuditDropped reports audit events lost to a full relay queue.
func (s *Server) AuditDropped() uint64 {
	return s.audit.Dropped()
}

// Run evicts idle browsers until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.clients.sweep(now); n > 0 {
				s.logger.Debug("evicted idle clients", "count", n)
			}
		}
	}
}

// Close waits for background fetches, then flushes the audit relay.
func (s *Server) Close() {
	s.fetches.Wait()
	s.clients.closeAll()
	s.audit.Close()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httpx.RequestID)
	r.Use(httpx.Logging(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.exporter.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.attachClient)

		source := middleware.SourceFunc(s.sessionFor)
		policy := middleware.PolicyFor(s.config.Manager.Routes, middleware.Restriction{})
		policy.Metrics = s.metrics
		policy.Placeholder = http.HandlerFunc(s.handleLoading)

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/dashboard", http.StatusFound)
		})
		r.Get(s.config.Manager.Routes.LoginPath, s.handleLoginPage)
		r.Post(s.config.Manager.Routes.LoginPath, s.handleLogin)
		r.Post("/logout", s.handleLogout)
		if p := s.config.Manager.Routes.UnauthorizedPath; p != "" {
			r.Get(p, s.handleUnauthorized)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(source, policy))
			r.Get("/dashboard", s.page("dashboard", "Dashboard"))
			r.Get("/chat", s.page("chat", "Chat"))
		})
		r.With(middleware.RequireTeacher(source, policy)).Get("/classes", s.page("classes", "My classes"))
		r.With(middleware.RequireAdmin(source, policy)).Get("/admin", s.page("admin", "Administration"))
	})
}

// attachClient binds a request carrying a signed browser id to its client.
// Requests without one get no client and read as signed out; ids are only
// minted by a successful sign-in.
func (s *Server) attachClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CookieName)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		id, ok := s.cookies.verify(cookie.Value)
		if !ok {
			s.clearCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		c, created, err := s.clients.get(id)
		if err != nil {
			s.logger.Error("create session manager", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if created {
			// evicted or from before a restart; its token may still be stored
			s.resolve(c, eduauth.RequestIDFromContext(r.Context()))
		}

		next.ServeHTTP(w, r.WithContext(withClient(r.Context(), c)))
	})
}

func (s *Server) setCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) newManager(id string) (*eduauth.Manager, error) {
	b := eduauth.New().
		WithConfig(s.config.Manager).
		WithAuthService(s.services(id)).
		WithClientID(id).
		WithLogger(s.logger).
		WithMetrics(s.metrics)
	if s.audit != nil {
		b = b.WithAuditRelay(s.audit)
	}
	return b.Build()
}

// resolve fetches a new browser's session in the background; guarded pages
// show the placeholder until it lands.
func (s *Server) resolve(c *client, requestID string) {
	s.fetches.Add(1)
	go func() {
		defer s.fetches.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.FetchTimeout)
		defer cancel()
		if requestID != "" {
			ctx = eduauth.WithRequestID(ctx, requestID)
		}

		err := c.manager.FetchUser(ctx)
		var fetchErr *eduauth.SessionFetchError
		switch {
		case errors.As(err, &fetchErr):
			s.logger.Warn("session fetch failed", "client_id", c.id, "attempts", fetchErr.Attempts, "error", fetchErr.Err)
		case err != nil && !errors.Is(err, eduauth.ErrStaleResult):
			s.logger.Error("session fetch", "client_id", c.id, "error", err)
		}
	}()
}

func (s *Server) sessionFor(r *http.Request) eduauth.Session {
	c := clientFrom(r.Context())
	if c == nil {
		return eduauth.Session{Status: eduauth.StatusUnauthenticated}
	}
	return c.manager.Session()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":  "ok",
		"clients": s.clients.len(),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if latency, err := s.pinger.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["token_store"] = err.Error()
		} else {
			body["token_store"] = latency.String()
		}
	}
	httpx.WriteJSON(w, status, body)
}
