package authclient

import "github.com/edusync/eduauth"

const (
	PathLogin  = "/v1/auth/login"
	PathLogout = "/v1/auth/logout"
	PathMe     = "/v1/auth/me"

	// HeaderRequestID carries the correlation id of an auth call.
	HeaderRequestID = "X-Request-ID"
)

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// TokenResponse is returned by a successful login.
type TokenResponse struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresAt   int64            `json:"expires_at"`
	User        eduauth.Identity `json:"user"`
}

// UserResponse is returned by GET /v1/auth/me.
type UserResponse struct {
	User eduauth.Identity `json:"user"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Error codes used in ErrorResponse.Code.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeUnauthenticated    = "unauthenticated"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal_error"
)
