// Package authstub is an in-memory auth service for development and tests.
// It speaks the authclient wire contract: argon2id-hashed accounts, signed
// JWT access tokens and revocation by token id on logout.
package authstub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edusync/eduauth"
	"github.com/edusync/eduauth/authclient"
	"github.com/edusync/eduauth/internal/httpx"
	"github.com/edusync/eduauth/jwt"
	"github.com/edusync/eduauth/password"
)

const maxLoginBody = 4 << 10

// DemoUsers are the accounts installed by SeedDemoUsers. Every demo account
// uses the secret "pw".
var DemoUsers = []struct {
	Identifier string
	Identity   eduauth.Identity
}{
	{Identifier: "a@b.com", Identity: eduauth.Identity{ID: "1", DisplayName: "Ada Teacher", Role: eduauth.RoleTeacher}},
	{Identifier: "admin@b.com", Identity: eduauth.Identity{ID: "2", DisplayName: "Grace Admin", Role: eduauth.RoleAdmin}},
	{Identifier: "student@b.com", Identity: eduauth.Identity{ID: "3", DisplayName: "Linus Student", Role: eduauth.RoleStudent}},
}

// DemoSecret is the secret of every demo account.
const DemoSecret = "pw"

type account struct {
	identity eduauth.Identity
	hash     string
}

// Server is the development auth service.
type Server struct {
	router chi.Router
	logger *slog.Logger
	tokens *jwt.Manager
	hasher *password.Hasher
	now    func() time.Time

	unavailable atomic.Bool
	logins      atomic.Int64

	mu      sync.RWMutex
	byLogin map[string]*account
	byID    map[string]*account
	revoked map[string]time.Time
}

// New returns a Server signing with tokens and hashing with hasher.
func New(tokens *jwt.Manager, hasher *password.Hasher, logger *slog.Logger) (*Server, error) {
	if tokens == nil || !tokens.CanIssue() {
		return nil, errors.New("authstub: token manager must hold a signing key")
	}
	if hasher == nil {
		return nil, errors.New("authstub: password hasher required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger.With("component", "authstub"),
		tokens:  tokens,
		hasher:  hasher,
		now:     time.Now,
		byLogin: make(map[string]*account),
		byID:    make(map[string]*account),
		revoked: make(map[string]time.Time),
	}
	s.routes()
	return s, nil
}

// Handler returns the auth service routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddUser creates or replaces an account.
func (s *Server) AddUser(identifier, secret string, id eduauth.Identity) error {
	key := normalizeLogin(identifier)
	if key == "" {
		return errors.New("authstub: identifier required")
	}
	if strings.TrimSpace(id.ID) == "" {
		return errors.New("authstub: identity id required")
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return err
	}
	id.Role = eduauth.ParseRole(string(id.Role))

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byLogin[key]; ok {
		delete(s.byID, old.identity.ID)
	}
	acct := &account{identity: id, hash: hash}
	s.byLogin[key] = acct
	s.byID[id.ID] = acct
	return nil
}

// RemoveUser deletes an account. Tokens already issued for it stop resolving.
func (s *Server) RemoveUser(identifier string) {
	key := normalizeLogin(identifier)

	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.byLogin[key]; ok {
		delete(s.byID, acct.identity.ID)
		delete(s.byLogin, key)
	}
}

// SeedDemoUsers installs DemoUsers.
func (s *Server) SeedDemoUsers() error {
	for _, u := range DemoUsers {
		if err := s.AddUser(u.Identifier, DemoSecret, u.Identity); err != nil {
			return err
		}
	}
	return nil
}

// SetUnavailable makes every endpoint answer 503 until cleared.
func (s *Server) SetUnavailable(down bool) {
	s.unavailable.Store(down)
}

// LoginCount reports how many login attempts reached the credential check.
func (s *Server) LoginCount() int64 {
	return s.logins.Load()
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.Recoverer)
	r.Use(httpx.RequestID)
	r.Use(httpx.Logging(s.logger))
	r.Use(s.availability)

	r.Post(authclient.PathLogin, s.handleLogin)
	r.Post(authclient.PathLogout, s.handleLogout)
	r.Get(authclient.PathMe, s.handleMe)
}

func (s *Server) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.unavailable.Load() {
			respondError(w, http.StatusServiceUnavailable, authclient.CodeInternal, "service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authclient.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, authclient.CodeBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Secret == "" {
		respondError(w, http.StatusBadRequest, authclient.CodeBadRequest, "identifier and secret are required")
		return
	}
	s.logins.Add(1)

	s.mu.RLock()
	acct := s.byLogin[normalizeLogin(req.Identifier)]
	s.mu.RUnlock()

	hash := ""
	if acct != nil {
		hash = acct.hash
	}
	// Check runs a full derivation for unknown accounts too.
	if !s.hasher.Check(req.Secret, hash) {
		s.logger.Info("login rejected", "request_id", eduauth.RequestIDFromContext(r.Context()))
		respondError(w, http.StatusUnauthorized, authclient.CodeInvalidCredentials, "invalid credentials")
		return
	}

	token, claims, err := s.tokens.Issue(acct.identity)
	if err != nil {
		s.logger.Error("issue token", "error", err)
		respondError(w, http.StatusInternalServerError, authclient.CodeInternal, "could not issue token")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, authclient.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   claims.ExpiresAt.Unix(),
		User:        acct.identity,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := s.authenticate(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, authclient.CodeUnauthenticated, "unauthenticated")
		return
	}

	now := s.now()
	s.mu.Lock()
	for jti, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, jti)
		}
	}
	s.revoked[claims.ID] = claims.ExpiresAt.Time
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	_, acct, ok := s.authenticate(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, authclient.CodeUnauthenticated, "unauthenticated")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authclient.UserResponse{User: acct.identity})
}

// authenticate resolves the bearer token to a live account.
func (s *Server) authenticate(r *http.Request) (*jwt.IdentityClaims, *account, bool) {
	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return nil, nil, false
	}

	claims, err := s.tokens.Parse(raw)
	if err != nil {
		return nil, nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, revoked := s.revoked[claims.ID]; revoked {
		return nil, nil, false
	}
	acct, ok := s.byID[claims.UID]
	if !ok {
		return nil, nil, false
	}
	return claims, acct, true
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	httpx.WriteJSON(w, status, authclient.ErrorResponse{Code: code, Message: msg})
}

func normalizeLogin(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
