package webapp

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edusync/eduauth"
	"github.com/edusync/eduauth/authclient"
	"github.com/edusync/eduauth/internal/authstub"
	"github.com/edusync/eduauth/internal/rate"
	"github.com/edusync/eduauth/jwt"
	"github.com/edusync/eduauth/password"
	"github.com/edusync/eduauth/tokenstore"
)

type env struct {
	app   *Server
	web   *httptest.Server
	stub  *authstub.Server
	redis *miniredis.Miniredis
	http  *http.Client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Manager.Fetch.InitialBackoff = time.Millisecond
	cfg.Manager.Fetch.MaxBackoff = 2 * time.Millisecond
	cfg.FetchTimeout = 5 * time.Second
	return cfg
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newEnv(t *testing.T, mutate func(*Config), opts ...Option) *env {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := jwt.NewManager(jwt.Config{AccessTTL: time.Hour, SigningMethod: jwt.MethodEd25519, PrivateKey: priv})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	hasher, err := password.NewHasher(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	stub, err := authstub.New(signer, hasher, nil)
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	if err := stub.SeedDemoUsers(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	authSrv := httptest.NewServer(stub.Handler())
	t.Cleanup(authSrv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := tokenstore.NewRedisStore(rdb, "")

	auth, err := authclient.New(authclient.Config{BaseURL: authSrv.URL}, store)
	if err != nil {
		t.Fatalf("authclient: %v", err)
	}

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithStorePinger(store)}, opts...)
	app, err := New(cfg, func(id string) eduauth.AuthService { return auth.Bind(id) }, nil, opts...)
	if err != nil {
		t.Fatalf("webapp: %v", err)
	}
	web := httptest.NewServer(app)
	t.Cleanup(func() {
		web.Close()
		app.Close()
	})

	return &env{app: app, web: web, stub: stub, redis: mr, http: newBrowser(t)}
}

func (e *env) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.http.Get(e.web.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func (e *env) post(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := e.http.PostForm(e.web.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// cookieValue returns the session cookie held by browser, or "".
func cookieValue(browser *http.Client, base string) string {
	u, _ := url.Parse(base)
	for _, c := range browser.Jar.Cookies(u) {
		if c.Name == CookieName {
			return c.Value
		}
	}
	return ""
}

// browserID returns the verified id behind the cookie of e.http.
func (e *env) browserID(t *testing.T) string {
	t.Helper()
	return verifiedID(t, e.app, cookieValue(e.http, e.web.URL))
}

func verifiedID(t *testing.T, app *Server, value string) string {
	t.Helper()
	id, ok := app.cookies.verify(value)
	if !ok {
		t.Fatalf("no valid session cookie, have %q", value)
	}
	return id
}

// browserWith returns a browser that presents value as its session cookie.
func (e *env) browserWith(t *testing.T, value string) *http.Client {
	t.Helper()
	b := newBrowser(t)
	u, _ := url.Parse(e.web.URL)
	b.Jar.SetCookies(u, []*http.Cookie{{Name: CookieName, Value: value, Path: "/"}})
	return b
}

// dashboardAs requests /dashboard with browser once its session resolved.
func (e *env) dashboardAs(t *testing.T, browser *http.Client) int {
	t.Helper()
	if id, ok := e.app.cookies.verify(cookieValue(browser, e.web.URL)); ok {
		resp, err := browser.Get(e.web.URL + "/login")
		if err != nil {
			t.Fatalf("GET /login: %v", err)
		}
		resp.Body.Close()
		waitResolved(t, e.app, id)
	}
	resp, err := browser.Get(e.web.URL + "/dashboard")
	if err != nil {
		t.Fatalf("GET /dashboard: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func waitResolved(t *testing.T, app *Server, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		app.clients.mu.Lock()
		c := app.clients.clients[id]
		app.clients.mu.Unlock()
		if c != nil && !c.manager.Session().Pending() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session of %s never resolved", id)
}

func (e *env) login(t *testing.T, identifier, next string) *http.Response {
	t.Helper()
	resp, _ := e.post(t, "/login", url.Values{"identifier": {identifier}, "secret": {authstub.DemoSecret}, "next": {next}})
	return resp
}

func TestAnonymousVisitorRedirectedToLogin(t *testing.T) {
	e := newEnv(t, nil)

	resp, _ := e.get(t, "/dashboard")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/login?next=%2Fdashboard" {
		t.Fatalf("unexpected redirect target %q", loc)
	}
}

func TestAnonymousVisitsCreateNoClients(t *testing.T) {
	e := newEnv(t, nil)

	for _, path := range []string{"/", "/login", "/dashboard", "/classes", "/unauthorized"} {
		e.get(t, path)
	}
	e.post(t, "/logout", nil)

	if n := e.app.clients.len(); n != 0 {
		t.Fatalf("anonymous visits must not allocate sessions, have %d", n)
	}
	if v := cookieValue(e.http, e.web.URL); v != "" {
		t.Fatalf("anonymous visitor got a session cookie %q", v)
	}
	for _, id := range []eduauth.MetricID{eduauth.MetricFetchAbsent, eduauth.MetricFetchRestored, eduauth.MetricFetchFailure} {
		if got := e.app.metrics.Value(id); got != 0 {
			t.Fatalf("anonymous visits must not fetch sessions, metric %d is %d", id, got)
		}
	}
}

func TestLoginFlowAndRoleGuards(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.login(t, "a@b.com", "/classes")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/classes" {
		t.Fatalf("login: status %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, body := e.get(t, "/classes")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "My classes") {
		t.Fatalf("teacher must reach /classes, got %d", resp.StatusCode)
	}

	resp, body = e.get(t, "/dashboard")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Ada Teacher") || !strings.Contains(body, "Teacher") {
		t.Fatalf("dashboard: %d %s", resp.StatusCode, body)
	}

	resp, _ = e.get(t, "/admin")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/unauthorized" {
		t.Fatalf("teacher on /admin: status %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	resp, _ = e.get(t, "/unauthorized")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthorized page status %d", resp.StatusCode)
	}

	resp, _ = e.get(t, "/login")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/dashboard" {
		t.Fatalf("signed-in login page: status %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestStudentDeniedTeacherPages(t *testing.T) {
	e := newEnv(t, nil)
	e.login(t, "student@b.com", "")

	resp, _ := e.get(t, "/classes")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/unauthorized" {
		t.Fatalf("student on /classes: status %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if resp, _ := e.get(t, "/chat"); resp.StatusCode != http.StatusOK {
		t.Fatalf("student on /chat: %d", resp.StatusCode)
	}
}

func TestAdminSeesActiveClients(t *testing.T) {
	e := newEnv(t, nil)
	e.login(t, "admin@b.com", "")

	resp, body := e.get(t, "/admin")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Active browser sessions: 1") {
		t.Fatalf("admin page: %d %s", resp.StatusCode, body)
	}
}

func TestLoginRejected(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.post(t, "/login", url.Values{"identifier": {"a@b.com"}, "secret": {"wrong"}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Invalid email or password") || !strings.Contains(body, `value="a@b.com"`) {
		t.Fatalf("unexpected body %s", body)
	}

	e.stub.SetUnavailable(true)
	resp, body = e.post(t, "/login", url.Values{"identifier": {"a@b.com"}, "secret": {"pw"}})
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, "temporarily unavailable") {
		t.Fatalf("unavailable: %d %s", resp.StatusCode, body)
	}

	if resp, _ := e.get(t, "/dashboard"); resp.StatusCode != http.StatusFound {
		t.Fatalf("failed logins must leave the visitor signed out, got %d", resp.StatusCode)
	}
}

func TestLoginThrottled(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter, err := rate.New(rdb, rate.Config{MaxAttempts: 2, Cooldown: time.Minute, PerIP: true})
	if err != nil {
		t.Fatalf("rate.New: %v", err)
	}

	e := newEnv(t, nil, WithLoginLimiter(limiter))

	for i := 0; i < 2; i++ {
		resp, _ := e.post(t, "/login", url.Values{"identifier": {"a@b.com"}, "secret": {"wrong"}})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i+1, resp.StatusCode)
		}
	}

	logins := e.stub.LoginCount()
	resp, body := e.post(t, "/login", url.Values{"identifier": {"a@b.com"}, "secret": {authstub.DemoSecret}})
	if resp.StatusCode != http.StatusTooManyRequests || !strings.Contains(body, "Too many sign-in attempts") {
		t.Fatalf("expected throttle, got %d", resp.StatusCode)
	}
	if e.stub.LoginCount() != logins {
		t.Fatal("throttled attempts must not reach the auth service")
	}

	mr.FastForward(2 * time.Minute)
	if resp := e.login(t, "a@b.com", ""); resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected sign-in after cooldown, got %d", resp.StatusCode)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("successful sign-in must clear counters, have %v", keys)
	}
}

func TestLogoutSignsOutAndDropsToken(t *testing.T) {
	e := newEnv(t, nil)
	e.login(t, "a@b.com", "")

	if len(e.redis.Keys()) != 1 {
		t.Fatalf("expected one stored token, have %v", e.redis.Keys())
	}

	resp, _ := e.post(t, "/logout", nil)
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Fatalf("logout: status %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if len(e.redis.Keys()) != 0 {
		t.Fatalf("token must be removed, have %v", e.redis.Keys())
	}
	if resp, _ := e.get(t, "/dashboard"); resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect after logout, got %d", resp.StatusCode)
	}
}

func TestLogoutWhileAuthServiceDown(t *testing.T) {
	e := newEnv(t, nil)
	e.login(t, "a@b.com", "")

	e.stub.SetUnavailable(true)
	resp, _ := e.post(t, "/logout", nil)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	if resp, _ := e.get(t, "/dashboard"); resp.StatusCode != http.StatusFound {
		t.Fatalf("local session must be cleared, got %d", resp.StatusCode)
	}
}

func TestSessionRestoredAfterEviction(t *testing.T) {
	e := newEnv(t, nil)
	e.login(t, "a@b.com", "")
	id := e.browserID(t)

	if n := e.app.clients.sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}

	e.get(t, "/healthz")
	e.get(t, "/login")
	waitResolved(t, e.app, id)

	resp, body := e.get(t, "/dashboard")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Ada Teacher") {
		t.Fatalf("expected restored session, got %d", resp.StatusCode)
	}
}

func TestUnsignedCookieCleared(t *testing.T) {
	e := newEnv(t, nil)
	direct := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	for _, value := range []string{"not-a-uuid", uuid.NewString(), uuid.NewString() + ".forged"} {
		req, _ := http.NewRequest(http.MethodGet, e.web.URL+"/dashboard", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: value})
		resp, err := direct.Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusFound {
			t.Fatalf("cookie %q: expected redirect, got %d", value, resp.StatusCode)
		}
		var cleared bool
		for _, c := range resp.Cookies() {
			if c.Name == CookieName {
				cleared = c.MaxAge < 0 && c.HttpOnly && c.SameSite == http.SameSiteLaxMode
			}
		}
		if !cleared {
			t.Fatalf("cookie %q: expected it to be cleared, got %v", value, resp.Header.Values("Set-Cookie"))
		}
	}
	if n := e.app.clients.len(); n != 0 {
		t.Fatalf("unsigned ids must not allocate sessions, have %d", n)
	}
}

func TestLoginRotatesBrowserID(t *testing.T) {
	e := newEnv(t, nil)

	// a valid id obtained by someone else and planted in the victim's browser
	e.login(t, "student@b.com", "")
	e.post(t, "/logout", nil)
	planted := cookieValue(e.http, e.web.URL)
	verifiedID(t, e.app, planted)

	victim := e.browserWith(t, planted)
	e.http = victim
	resp := e.login(t, "a@b.com", "")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == CookieName && (!c.HttpOnly || c.SameSite != http.SameSiteLaxMode) {
			t.Fatalf("cookie flags not set: %+v", c)
		}
	}
	if cookieValue(victim, e.web.URL) == planted {
		t.Fatal("login must issue a new browser id")
	}

	if got := e.dashboardAs(t, victim); got != http.StatusOK {
		t.Fatalf("victim dashboard: %d", got)
	}
	if got := e.dashboardAs(t, e.browserWith(t, planted)); got != http.StatusFound {
		t.Fatalf("planted id must stay signed out, got %d", got)
	}
}

func TestReloginRetiresPreviousID(t *testing.T) {
	e := newEnv(t, nil)
	e.login(t, "a@b.com", "")
	first := cookieValue(e.http, e.web.URL)

	if resp := e.login(t, "admin@b.com", ""); resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("second login: status %d", resp.StatusCode)
	}
	if cookieValue(e.http, e.web.URL) == first {
		t.Fatal("second login must rotate the browser id")
	}
	if keys := e.redis.Keys(); len(keys) != 1 {
		t.Fatalf("previous token must be dropped, have %v", keys)
	}
	if n := e.app.clients.len(); n != 1 {
		t.Fatalf("previous client must be retired, have %d", n)
	}
	if got := e.dashboardAs(t, e.browserWith(t, first)); got != http.StatusFound {
		t.Fatalf("previous cookie must no longer authenticate, got %d", got)
	}
	if got := e.dashboardAs(t, e.http); got != http.StatusOK {
		t.Fatalf("current cookie: %d", got)
	}
}

func TestHealthzReportsTokenStore(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"status":"ok"`) || !strings.Contains(body, "token_store") {
		t.Fatalf("healthz: %d %s", resp.StatusCode, body)
	}

	e.redis.Close()
	resp, body = e.get(t, "/healthz")
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, "degraded") {
		t.Fatalf("healthz with redis down: %d %s", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.get(t, "/dashboard")
	e.login(t, "a@b.com", "")
	e.get(t, "/dashboard")

	resp, body := e.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	for _, want := range []string{
		"edusync_guard_redirect_login_total 1",
		"edusync_guard_allowed_total 1",
		"edusync_login_success_total 1",
		"edusync_session_absent_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestAuditEventsCarryBrowserID(t *testing.T) {
	sink := eduauth.NewChannelSink(16)
	e := newEnv(t, func(c *Config) { c.Manager.Audit.Enabled = true }, WithAuditSink(sink))
	e.login(t, "a@b.com", "")
	id := e.browserID(t)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType != "login_success" {
				continue
			}
			if ev.ClientID != id || ev.UserID != "1" {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-timeout:
			t.Fatal("login_success audit event not delivered")
		}
	}
}

type blockingService struct {
	release chan struct{}
}

func (b *blockingService) Login(context.Context, string, string) (eduauth.Identity, error) {
	return eduauth.Identity{ID: "1", DisplayName: "Ada", Role: eduauth.RoleTeacher}, nil
}

func (b *blockingService) Logout(context.Context) error { return nil }

func (b *blockingService) CurrentUser(ctx context.Context) (*eduauth.Identity, error) {
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPendingSessionShowsPlaceholder(t *testing.T) {
	svc := &blockingService{release: make(chan struct{})}
	app, err := New(testConfig(), func(string) eduauth.AuthService { return svc }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	web := httptest.NewServer(app)
	defer func() {
		web.Close()
		app.Close()
	}()
	browser := newBrowser(t)

	resp, err := browser.PostForm(web.URL+"/login", url.Values{"identifier": {"a@b.com"}, "secret": {"pw"}})
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	// the next request rebuilds the session from the token store
	if n := app.clients.sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}

	resp, err = browser.Get(web.URL + "/dashboard")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected placeholder, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Refresh") == "" || resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("placeholder headers missing: %v", resp.Header)
	}
	if !strings.Contains(string(body), "Loading your session") {
		t.Fatalf("unexpected placeholder body %s", body)
	}

	close(svc.release)
	waitResolved(t, app, verifiedID(t, app, cookieValue(browser, web.URL)))

	resp, err = browser.Get(web.URL + "/dashboard")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect once resolved, got %d", resp.StatusCode)
	}
}

func TestSafeNext(t *testing.T) {
	s := &Server{config: DefaultConfig()}

	tests := []struct {
		in   string
		want string
	}{
		{"", "/dashboard"},
		{"/classes", "/classes"},
		{"/chat?room=7", "/chat?room=7"},
		{"https://evil.example", "/dashboard"},
		{"//evil.example", "/dashboard"},
		{"/\\evil.example", "/dashboard"},
		{"/login", "/dashboard"},
		{"/login?next=%2Fadmin", "/dashboard"},
	}

	for _, tt := range tests {
		if got := s.safeNext(tt.in); got != tt.want {
			t.Errorf("safeNext(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Fatal("expected error without service factory")
	}

	cfg := DefaultConfig()
	cfg.Manager.Routes.LoginPath = "login"
	if _, err := New(cfg, func(string) eduauth.AuthService { return &blockingService{} }, nil); err == nil {
		t.Fatal("expected invalid manager config to be rejected")
	}
}
