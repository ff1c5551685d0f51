// Package middleware exposes HTTP route guards built on top of an
// eduauth.Manager session.
//
// # Guards
//
//   - [Guard] — enforces a [Policy] for a wrapped handler.
//   - [RequireAuth] — any signed-in user.
//   - [RequireTeacher] — teacher-only pages.
//   - [RequireAdmin] — admin-only pages.
//
// Each guard asks its [SessionSource] for the session of the request, maps it
// to an [Outcome] with [Decide], and either serves the placeholder, redirects,
// denies, or runs the protected handler with the session injected into the
// request context.
//
// # Architecture boundaries
//
// This package translates session state into HTTP responses. It never calls
// the auth service and never mutates a session; Login, Logout and FetchUser
// stay with the Manager.
package middleware
