package middleware

import (
	"context"
	"net/http"
	"net/url"
	"slices"

	"github.com/edusync/eduauth"
)

// Outcome is the decision a guard takes for one request.
type Outcome uint8

const (
	// OutcomePending means the session is not resolved yet. The placeholder is
	// served and the protected handler is not run.
	OutcomePending Outcome = iota
	// OutcomeRedirectLogin means nobody is signed in.
	OutcomeRedirectLogin
	// OutcomeForbidden means the user is signed in without a required role.
	OutcomeForbidden
	// OutcomeAllow runs the protected handler.
	OutcomeAllow
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeRedirectLogin:
		return "redirect_login"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeAllow:
		return "allow"
	default:
		return "invalid"
	}
}

// Restriction lists the roles admitted to a route. The zero value admits any
// authenticated user. Roles are not ordered: an admin does not satisfy a
// teacher-only restriction unless RoleAdmin is listed.
type Restriction struct {
	Roles []eduauth.Role
}

var (
	// TeacherOnly admits teachers.
	TeacherOnly = Restriction{Roles: []eduauth.Role{eduauth.RoleTeacher}}
	// AdminOnly admits administrators.
	AdminOnly = Restriction{Roles: []eduauth.Role{eduauth.RoleAdmin}}
)

// Allows reports whether role satisfies r.
func (r Restriction) Allows(role eduauth.Role) bool {
	if len(r.Roles) == 0 {
		return true
	}
	return slices.Contains(r.Roles, role)
}

// Decide maps a session and a restriction to an [Outcome].
func Decide(s eduauth.Session, r Restriction) Outcome {
	switch {
	case s.Pending():
		return OutcomePending
	case !s.IsAuthenticated || s.User == nil:
		return OutcomeRedirectLogin
	case !r.Allows(s.User.Role):
		return OutcomeForbidden
	default:
		return OutcomeAllow
	}
}

// SessionSource yields the session that applies to a request.
type SessionSource interface {
	SessionFor(r *http.Request) eduauth.Session
}

// SourceFunc adapts a function to [SessionSource].
type SourceFunc func(r *http.Request) eduauth.Session

func (f SourceFunc) SessionFor(r *http.Request) eduauth.Session {
	return f(r)
}

// Static returns a source that always reads m, for processes serving a single
// client.
func Static(m *eduauth.Manager) SessionSource {
	return SourceFunc(func(*http.Request) eduauth.Session {
		return m.Session()
	})
}

// Policy configures a [Guard].
type Policy struct {
	Restriction Restriction

	// LoginPath receives unauthenticated requests.
	LoginPath string
	// UnauthorizedPath receives requests denied by Restriction. Empty means
	// answer 403 in place.
	UnauthorizedPath string

	// Placeholder renders while the session is pending. Defaults to a
	// minimal self-refreshing page.
	Placeholder http.Handler

	Metrics *eduauth.Metrics
}

// PolicyFor builds a Policy from the Manager route configuration.
func PolicyFor(routes eduauth.RouteConfig, restriction Restriction) Policy {
	return Policy{
		Restriction:      restriction,
		LoginPath:        routes.LoginPath,
		UnauthorizedPath: routes.UnauthorizedPath,
	}
}

type sessionContextKey struct{}

// SessionFromContext returns the session injected by an allowing guard.
func SessionFromContext(ctx context.Context) (eduauth.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(eduauth.Session)
	return s, ok
}

// Guard returns middleware enforcing policy for every request.
func Guard(source SessionSource, policy Policy) func(http.Handler) http.Handler {
	if policy.LoginPath == "" {
		policy.LoginPath = eduauth.DefaultConfig().Routes.LoginPath
	}
	placeholder := policy.Placeholder
	if placeholder == nil {
		placeholder = http.HandlerFunc(defaultPlaceholder)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := eduauth.Session{Status: eduauth.StatusUnknown}
			if source != nil {
				session = source.SessionFor(r)
			}

			switch Decide(session, policy.Restriction) {
			case OutcomePending:
				policy.Metrics.Inc(eduauth.MetricGuardPending)
				w.Header().Set("Cache-Control", "no-store")
				placeholder.ServeHTTP(w, r)

			case OutcomeRedirectLogin:
				policy.Metrics.Inc(eduauth.MetricGuardRedirectLogin)
				if r.URL.Path == policy.LoginPath {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				http.Redirect(w, r, loginTarget(policy.LoginPath, r), http.StatusFound)

			case OutcomeForbidden:
				policy.Metrics.Inc(eduauth.MetricGuardForbidden)
				if policy.UnauthorizedPath == "" || r.URL.Path == policy.UnauthorizedPath {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				http.Redirect(w, r, policy.UnauthorizedPath, http.StatusFound)

			default:
				policy.Metrics.Inc(eduauth.MetricGuardAllowed)
				ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

// loginTarget appends the original request as next= so the login page can
// return there. Only safe methods are replayable.
func loginTarget(loginPath string, r *http.Request) string {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return loginPath
	}
	q := url.Values{}
	q.Set("next", r.URL.RequestURI())
	return loginPath + "?" + q.Encode()
}

func defaultPlaceholder(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Refresh", "1")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`<!doctype html><title>EduSync</title><p>Loading&hellip;</p>`))
}
