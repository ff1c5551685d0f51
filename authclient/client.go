package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edusync/eduauth"
	"github.com/edusync/eduauth/jwt"
	"github.com/edusync/eduauth/tokenstore"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = 1 << 20
	defaultUserAgent        = "edusync-authclient/1"
)

// Config describes the auth service endpoint.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxResponseBytes int64
	UserAgent        string
}

// StatusError is a non-2xx answer from the auth service.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("auth service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("auth service returned %d (%s)", e.StatusCode, e.Code)
}

// Option configures optional Client dependencies.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithVerifier makes the client check access tokens locally before using
// them. Tokens that fail verification are treated as signed out.
func WithVerifier(v *jwt.Manager) Option {
	return func(c *Client) {
		c.verifier = v
	}
}

// WithLogger sets the logger for token store and auth call diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to the auth service on behalf of many clients.
type Client struct {
	base      *url.URL
	http      *http.Client
	store     tokenstore.Store
	verifier  *jwt.Manager
	logger    *slog.Logger
	maxBytes  int64
	userAgent string
}

// New validates cfg and returns a Client persisting tokens in store.
func New(cfg Config, store tokenstore.Store, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("token store required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid auth base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.New("auth base url must be http or https")
	}
	if base.Host == "" {
		return nil, errors.New("auth base url must include a host")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	c := &Client{
		base:      base,
		http:      &http.Client{Timeout: timeout},
		store:     store,
		logger:    slog.New(slog.DiscardHandler),
		maxBytes:  maxBytes,
		userAgent: ua,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "authclient")
	return c, nil
}

// Bind returns the AuthService of one client. clientID keys its token in the
// store.
func (c *Client) Bind(clientID string) *Binding {
	return &Binding{client: c, clientID: clientID}
}

// Binding is the per-client AuthService. Every call starts a new epoch; a
// call may only write the stored token while its epoch is the newest, so a
// login overtaken by a logout never persists its token.
type Binding struct {
	client   *Client
	clientID string

	mu    sync.Mutex
	epoch uint64
}

func (b *Binding) begin() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch++
	return b.epoch
}

// whileCurrent runs fn under the binding lock if no later call has started.
func (b *Binding) whileCurrent(epoch uint64, fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return false
	}
	fn()
	return true
}

var _ eduauth.AuthService = (*Binding)(nil)

// ClientID is the key of this client's token in the store.
func (b *Binding) ClientID() string {
	return b.clientID
}

// Login exchanges credentials for an access token and persists it. If a
// Logout or another call started meanwhile, the fresh token is revoked
// instead and [eduauth.ErrStaleResult] is returned.
func (b *Binding) Login(ctx context.Context, identifier, secret string) (eduauth.Identity, error) {
	c := b.client
	epoch := b.begin()

	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, PathLogin, "", LoginRequest{Identifier: identifier, Secret: secret}, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			switch se.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
				return eduauth.Identity{}, fmt.Errorf("%w: %w", eduauth.ErrInvalidCredentials, se)
			}
			return eduauth.Identity{}, fmt.Errorf("%w: %w", eduauth.ErrServiceUnavailable, se)
		}
		return eduauth.Identity{}, err
	}

	if resp.AccessToken == "" || resp.User.ID == "" {
		return eduauth.Identity{}, fmt.Errorf("%w: incomplete login response", eduauth.ErrServiceUnavailable)
	}

	rec := &tokenstore.Record{
		AccessToken: resp.AccessToken,
		UserID:      resp.User.ID,
		IssuedAt:    time.Now().Unix(),
		ExpiresAt:   resp.ExpiresAt,
	}
	if c.verifier != nil {
		claims, err := c.verifier.Parse(resp.AccessToken)
		if err != nil {
			return eduauth.Identity{}, fmt.Errorf("%w: %w", eduauth.ErrServiceUnavailable, err)
		}
		if claims.UID != resp.User.ID {
			return eduauth.Identity{}, fmt.Errorf("%w: token subject does not match user", eduauth.ErrServiceUnavailable)
		}
		if claims.ExpiresAt != nil {
			rec.ExpiresAt = claims.ExpiresAt.Unix()
		}
	}

	var saveErr error
	if !b.whileCurrent(epoch, func() { saveErr = c.store.Save(ctx, b.clientID, rec) }) {
		b.revoke(ctx, resp.AccessToken)
		return eduauth.Identity{}, eduauth.ErrStaleResult
	}
	if saveErr != nil {
		// the session still works for this process; only restore is lost
		c.logger.Warn("persist access token failed", "client_id", b.clientID, "error", saveErr)
	}

	id := resp.User
	id.Role = eduauth.ParseRole(string(id.Role))
	return id, nil
}

// Logout removes the local token first, then asks the service to revoke it.
// With no token stored there is nothing to revoke and Logout succeeds.
func (b *Binding) Logout(ctx context.Context) error {
	c := b.client
	b.begin()

	rec, err := c.store.Take(ctx, b.clientID)
	switch {
	case errors.Is(err, tokenstore.ErrNotFound), errors.Is(err, tokenstore.ErrCorrupt):
		return nil
	case err != nil:
		return fmt.Errorf("%w: %w", eduauth.ErrServiceUnavailable, err)
	}

	err = c.do(ctx, http.MethodPost, PathLogout, rec.AccessToken, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		return nil
	}
	return err
}

// CurrentUser resolves the stored token to an identity. A missing, rejected
// or expired token yields (nil, nil).
func (b *Binding) CurrentUser(ctx context.Context) (*eduauth.Identity, error) {
	c := b.client
	epoch := b.begin()

	rec, err := c.store.Load(ctx, b.clientID)
	switch {
	case errors.Is(err, tokenstore.ErrNotFound), errors.Is(err, tokenstore.ErrCorrupt):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %w", eduauth.ErrServiceUnavailable, err)
	}

	if c.verifier != nil {
		if _, err := c.verifier.Parse(rec.AccessToken); err != nil {
			c.logger.Debug("stored token failed verification", "client_id", b.clientID, "error", err)
			b.forget(ctx, epoch)
			return nil, nil
		}
	}

	var resp UserResponse
	err = c.do(ctx, http.MethodGet, PathMe, rec.AccessToken, nil, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			if se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden {
				b.forget(ctx, epoch)
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %w", eduauth.ErrServiceUnavailable, se)
		}
		return nil, err
	}

	if resp.User.ID == "" {
		return nil, nil
	}
	id := resp.User
	id.Role = eduauth.ParseRole(string(id.Role))
	return &id, nil
}

// forget drops a rejected token unless a newer call may have replaced it.
func (b *Binding) forget(ctx context.Context, epoch uint64) {
	var err error
	b.whileCurrent(epoch, func() { err = b.client.store.Delete(ctx, b.clientID) })
	if err != nil {
		b.client.logger.Warn("drop rejected token failed", "client_id", b.clientID, "error", err)
	}
}

// revoke invalidates a token that was never stored.
func (b *Binding) revoke(ctx context.Context, token string) {
	err := b.client.do(context.WithoutCancel(ctx), http.MethodPost, PathLogout, token, nil, nil)
	var se *StatusError
	if err != nil && !(errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized) {
		b.client.logger.Warn("revoke superseded token failed", "client_id", b.clientID, "error", err)
	}
}

// do performs one JSON call. Transport failures and 5xx answers wrap
// eduauth.ErrServiceUnavailable; other non-2xx answers return *StatusError.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	requestID := eduauth.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set(HeaderRequestID, requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", eduauth.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("auth call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start).String(),
		"request_id", requestID,
	)

	limited := io.LimitReader(resp.Body, c.maxBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var apiErr ErrorResponse
		if json.NewDecoder(limited).Decode(&apiErr) == nil {
			se.Code = apiErr.Code
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", eduauth.ErrServiceUnavailable, se)
		}
		return se
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", eduauth.ErrServiceUnavailable, err)
	}
	return nil
}
