// Package authclient implements eduauth.AuthService over the EduSync auth
// HTTP API.
//
// A [Client] owns the transport and token storage and is shared by the whole
// process. [Client.Bind] returns the per-client view that a Manager uses: it
// keeps that client's access token in the configured tokenstore so sessions
// survive restarts.
//
// Endpoints:
//
//	POST /v1/auth/login   {identifier, secret} -> TokenResponse
//	POST /v1/auth/logout  bearer token         -> 204
//	GET  /v1/auth/me      bearer token         -> UserResponse
package authclient
