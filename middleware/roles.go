package middleware

import (
	"net/http"
)

// RequireAuth admits any authenticated user, overriding base.Restriction.
func RequireAuth(source SessionSource, base Policy) func(http.Handler) http.Handler {
	base.Restriction = Restriction{}
	return Guard(source, base)
}

// RequireTeacher returns middleware that admits teachers only.
func RequireTeacher(source SessionSource, base Policy) func(http.Handler) http.Handler {
	base.Restriction = TeacherOnly
	return Guard(source, base)
}

// RequireAdmin returns middleware that admits administrators only.
func RequireAdmin(source SessionSource, base Policy) func(http.Handler) http.Handler {
	base.Restriction = AdminOnly
	return Guard(source, base)
}
