package webapp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/edusync/eduauth"
	"github.com/edusync/eduauth/internal/rate"
	"github.com/edusync/eduauth/middleware"
)

const defaultLanding = "/dashboard"

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := s.safeNext(r.URL.Query().Get("next"))
	if sess := s.sessionFor(r); sess.IsAuthenticated {
		http.Redirect(w, r, next, http.StatusFound)
		return
	}
	s.render(w, http.StatusOK, "login", pageData{Title: "Sign in", Next: next})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	identifier := strings.TrimSpace(r.PostForm.Get("identifier"))
	secret := r.PostForm.Get("secret")
	next := s.safeNext(r.PostForm.Get("next"))

	data := pageData{Title: "Sign in", Next: next, Identifier: identifier}
	ip := clientIP(r)
	if !s.allowLogin(r, identifier, ip) {
		data.Error = "Too many sign-in attempts. Please wait a few minutes and try again."
		s.render(w, http.StatusTooManyRequests, "login", data)
		return
	}

	// every sign-in lands on a newly minted browser id; the previous one,
	// possibly planted, never becomes authenticated
	id, cookie := s.cookies.mint()
	m, err := s.newManager(id)
	if err != nil {
		s.logger.Error("create session manager", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	fresh := &client{id: id, manager: m}

	err = m.Login(r.Context(), identifier, secret)
	if err == nil {
		s.clients.add(fresh)
		s.setCookie(w, cookie)
		s.retire(r, clientFrom(r.Context()))
		if s.limiter != nil {
			if err := s.limiter.Reset(r.Context(), identifier, ip); err != nil {
				s.logger.Warn("reset login throttle", "error", err)
			}
		}
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}

	m.Close()

	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, eduauth.ErrInvalidCredentials):
		data.Error = "Invalid email or password."
		if s.limiter != nil {
			if err := s.limiter.Fail(r.Context(), identifier, ip); err != nil && !errors.Is(err, rate.ErrRateLimited) {
				s.logger.Warn("record failed login", "error", err)
			}
		}
	case errors.Is(err, eduauth.ErrStaleResult):
		// superseded before the token was kept; show the form again
		status = http.StatusConflict
		data.Error = "Your session changed while signing in. Please try again."
	default:
		status = http.StatusServiceUnavailable
		data.Error = "Sign-in is temporarily unavailable. Please try again shortly."
		s.logger.Warn("login failed", "client_id", id, "error", err)
	}
	s.render(w, status, "login", data)
}

// retire drops the browser's previous client after a sign-in moved it to a
// new id. A session still holding a token is logged out so the old cookie
// cannot restore it.
func (s *Server) retire(r *http.Request, old *client) {
	if old == nil || s.clients.remove(old.id) == nil {
		return
	}
	defer old.manager.Close()

	if old.manager.Session().Status == eduauth.StatusUnauthenticated {
		return
	}
	if err := old.manager.Logout(context.WithoutCancel(r.Context())); err != nil {
		s.logger.Warn("retire previous session", "client_id", old.id, "error", err)
	}
}

// allowLogin consults the throttle. A failing backend lets the attempt
// through.
func (s *Server) allowLogin(r *http.Request, identifier, ip string) bool {
	if s.limiter == nil {
		return true
	}
	err := s.limiter.Check(r.Context(), identifier, ip)
	switch {
	case err == nil:
		return true
	case errors.Is(err, rate.ErrRateLimited):
		s.logger.Info("login throttled", "ip", ip, "request_id", eduauth.RequestIDFromContext(r.Context()))
		return false
	default:
		s.logger.Warn("login throttle unavailable", "error", err)
		return true
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	c := clientFrom(r.Context())
	if c == nil {
		http.Redirect(w, r, s.config.Manager.Routes.LoginPath, http.StatusSeeOther)
		return
	}
	if err := c.manager.Logout(r.Context()); err != nil {
		// the local session is already cleared
		s.logger.Warn("remote logout failed", "client_id", c.id, "error", err)
	}
	http.Redirect(w, r, s.config.Manager.Routes.LoginPath, http.StatusSeeOther)
}

func (s *Server) handleUnauthorized(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	s.render(w, http.StatusForbidden, "unauthorized", pageData{Title: "Not available", User: sess.User})
}

func (s *Server) handleLoading(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Refresh", "1")
	s.render(w, http.StatusAccepted, "loading", pageData{Title: "Loading"})
}

// page renders a protected page for the session injected by the guard.
func (s *Server) page(name, title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := middleware.SessionFromContext(r.Context())
		if !ok || sess.User == nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		data := pageData{Title: title, User: sess.User}
		if name == "admin" {
			data.ActiveClients = s.clients.len()
		}
		s.render(w, http.StatusOK, name, data)
	}
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data pageData) {
	if err := s.pages.render(w, status, name, data); err != nil {
		s.logger.Error("template render failed", "template", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// safeNext keeps post-login redirects on this site and off the login page.
func (s *Server) safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return defaultLanding
	}
	path, _, _ := strings.Cut(next, "?")
	if path == s.config.Manager.Routes.LoginPath {
		return defaultLanding
	}
	return next
}
