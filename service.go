package eduauth

import "context"

// AuthService is the external authentication boundary the Manager delegates to.
//
// Implementations report credential rejection with [ErrInvalidCredentials]
// and transport or server failures with [ErrServiceUnavailable]. Other errors
// are treated as unavailability.
type AuthService interface {
	// Login authenticates identifier/secret and returns the signed-in identity.
	Login(ctx context.Context, identifier, secret string) (Identity, error)
	// Logout invalidates the current remote session.
	Logout(ctx context.Context) error
	// CurrentUser returns the identity bound to the persisted credentials.
	// A nil identity with a nil error means nobody is signed in.
	CurrentUser(ctx context.Context) (*Identity, error)
}
