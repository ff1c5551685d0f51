package eduauth

import "strings"

// Role is the coarse access class carried by an [Identity].
type Role string

const (
	// RoleAdmin is held by school administrators.
	RoleAdmin Role = "admin"
	// RoleTeacher is held by teaching staff.
	RoleTeacher Role = "teacher"
	// RoleStudent is held by enrolled students.
	RoleStudent Role = "student"
	// RoleOther covers every identity the auth service does not classify.
	RoleOther Role = "other"
)

// ParseRole maps a wire value onto a known [Role]. Unknown or empty values
// become [RoleOther].
func ParseRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleTeacher:
		return RoleTeacher
	case RoleStudent:
		return RoleStudent
	default:
		return RoleOther
	}
}

func (r Role) String() string {
	return string(r)
}

// Identity is the user record returned by the auth service.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// Status is the resolution state of a [Session].
type Status uint8

const (
	// StatusUnknown is the state of a Manager that has not resolved its session yet.
	StatusUnknown Status = iota
	// StatusLoading marks the first resolution being in flight.
	StatusLoading
	// StatusAuthenticated means Session.User is populated.
	StatusAuthenticated
	// StatusUnauthenticated means no user is signed in.
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "invalid"
	}
}

// Resolved reports whether the status is either authenticated or unauthenticated.
func (s Status) Resolved() bool {
	return s == StatusAuthenticated || s == StatusUnauthenticated
}

// Session is an immutable snapshot of the client authentication state.
//
// IsAuthenticated is true if and only if User is non-nil. Version increases
// by one for every committed change and orders snapshots delivered to
// subscribers.
type Session struct {
	User            *Identity
	IsAuthenticated bool
	Status          Status
	Version         uint64
}

// Pending reports whether the session has not been resolved yet. Guards must
// not render protected content for a pending session.
func (s Session) Pending() bool {
	return !s.Status.Resolved()
}

// HasRole reports whether the session is authenticated with the given role.
func (s Session) HasRole(role Role) bool {
	return s.IsAuthenticated && s.User != nil && s.User.Role == role
}

func (s Session) clone() Session {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	return out
}

func authenticatedSession(id Identity, version uint64) Session {
	u := id
	u.Role = ParseRole(string(id.Role))
	return Session{
		User:            &u,
		IsAuthenticated: true,
		Status:          StatusAuthenticated,
		Version:         version,
	}
}

func unauthenticatedSession(version uint64) Session {
	return Session{
		Status:  StatusUnauthenticated,
		Version: version,
	}
}
