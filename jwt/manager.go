package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/edusync/eduauth"
)

// SigningMethod selects the access-token signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with an Ed25519 key pair. Verifiers only need the
	// public key.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared secret.
	MethodHS256 SigningMethod = "hs256"
)

const (
	maxLeeway          = 2 * time.Minute
	defaultFutureIAT   = 10 * time.Minute
	minSharedSecretLen = 32
)

var (
	// ErrInvalidToken wraps every parse or validation failure.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrNoSigningKey is returned by Issue on a verify-only Manager.
	ErrNoSigningKey = errors.New("no signing key configured")
)

// Config describes how access tokens are signed and checked.
//
// Keys are raw bytes or PEM. For HS256 PrivateKey is the shared secret and
// doubles as the verification key. VerifyKeys, when set, replaces PublicKey
// during verification and requires every token to name its key with kid; this
// is how the auth service rotates keys without logging everybody out.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Manager issues and verifies identity access tokens. A Manager configured
// with only a public key (or VerifyKeys) can verify but not issue.
type Manager struct {
	config Config
	method jwt.SigningMethod
	keys   keyring
	parser *jwt.Parser
}

// keyring holds the decoded keys so Parse never touches PEM.
type keyring struct {
	sign     any
	fallback any
	byKID    map[string]any
}

// IdentityClaims carries an [eduauth.Identity] inside a JWT.
type IdentityClaims struct {
	UID  string `json:"uid"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity converts the claims to the identity record of the session store.
func (c *IdentityClaims) Identity() eduauth.Identity {
	return eduauth.Identity{
		ID:          c.UID,
		DisplayName: c.Name,
		Role:        eduauth.ParseRole(c.Role),
	}
}

// NewManager validates cfg, decodes its keys and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("jwt: access TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, fmt.Errorf("jwt: leeway must be within [0, %s]", maxLeeway)
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = defaultFutureIAT
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("jwt: MaxFutureIAT must be within (0, 24h]")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg}

	var err error
	switch cfg.SigningMethod {
	case MethodHS256:
		m.method = jwt.SigningMethodHS256
		err = m.keys.loadShared(cfg)
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		err = m.keys.loadEd25519(cfg)
	default:
		return nil, fmt.Errorf("jwt: unsupported signing method %q", cfg.SigningMethod)
	}
	if err != nil {
		return nil, err
	}
	if cfg.KeyID != "" && m.keys.byKID != nil {
		if _, ok := m.keys.byKID[cfg.KeyID]; !ok {
			return nil, fmt.Errorf("jwt: signing kid %q missing from VerifyKeys", cfg.KeyID)
		}
	}

	m.parser = jwt.NewParser(m.parserOptions()...)
	return m, nil
}

func (k *keyring) loadShared(cfg Config) error {
	if len(cfg.PrivateKey) < minSharedSecretLen {
		return fmt.Errorf("jwt: hs256 secret must be at least %d bytes", minSharedSecretLen)
	}
	k.sign = cfg.PrivateKey
	k.fallback = cfg.PrivateKey
	return k.loadKIDs(cfg.VerifyKeys, func(b []byte) (any, error) { return b, nil })
}

func (k *keyring) loadEd25519(cfg Config) error {
	if len(cfg.PrivateKey) > 0 {
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return err
		}
		k.sign = priv
		k.fallback = priv.Public()
	}
	if len(cfg.PublicKey) > 0 {
		pub, err := parseEdPublicKey(cfg.PublicKey)
		if err != nil {
			return err
		}
		k.fallback = pub
	}
	if err := k.loadKIDs(cfg.VerifyKeys, func(b []byte) (any, error) { return parseEdPublicKey(b) }); err != nil {
		return err
	}
	if k.fallback == nil && k.byKID == nil {
		return errors.New("jwt: ed25519 needs a private key, public key or VerifyKeys")
	}
	return nil
}

func (k *keyring) loadKIDs(raw map[string][]byte, decode func([]byte) (any, error)) error {
	if len(raw) == 0 {
		return nil
	}
	k.byKID = make(map[string]any, len(raw))
	for kid, b := range raw {
		if strings.TrimSpace(kid) == "" {
			return errors.New("jwt: VerifyKeys contains an empty kid")
		}
		key, err := decode(b)
		if err != nil {
			return fmt.Errorf("jwt: verify key %q: %w", kid, err)
		}
		k.byKID[kid] = key
	}
	return nil
}

// lookup picks the verification key for a token header.
func (k *keyring) lookup(kid, pinned string) (any, error) {
	if k.byKID != nil {
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := k.byKID[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}
	if pinned != "" && kid != pinned {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return k.fallback, nil
}

func (m *Manager) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.RequireIAT {
		opts = append(opts, jwt.WithIssuedAt())
	}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.config.Audience))
	}
	return opts
}

// CanIssue reports whether the Manager holds a signing key.
func (m *Manager) CanIssue() bool {
	return m.keys.sign != nil
}

// Issue signs an access token for id. The returned claims carry the token id
// (jti) and expiry, which the auth service uses for revocation.
func (m *Manager) Issue(id eduauth.Identity) (string, *IdentityClaims, error) {
	if !m.CanIssue() {
		return "", nil, ErrNoSigningKey
	}
	if strings.TrimSpace(id.ID) == "" {
		return "", nil, errors.New("jwt: identity id required")
	}

	now := time.Now()
	claims := &IdentityClaims{
		UID:  id.ID,
		Name: id.DisplayName,
		Role: eduauth.ParseRole(string(id.Role)).String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.ID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}
	signed, err := token.SignedString(m.keys.sign)
	if err != nil {
		return "", nil, fmt.Errorf("jwt: sign: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies tokenStr and returns its claims. Every failure wraps
// [ErrInvalidToken].
func (m *Manager) Parse(tokenStr string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	_, err := m.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return m.keys.lookup(kid, m.config.KeyID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if err := m.checkIdentity(claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// checkIdentity holds the claims to what the session store can use.
func (m *Manager) checkIdentity(c *IdentityClaims) error {
	if strings.TrimSpace(c.UID) == "" {
		return errors.New("missing uid")
	}
	if c.Subject != "" && c.Subject != c.UID {
		return errors.New("sub does not match uid")
	}
	if c.IssuedAt != nil && c.IssuedAt.After(time.Now().Add(m.config.MaxFutureIAT)) {
		return errors.New("iat too far in the future")
	}
	return nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwt: private key is not ed25519")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("jwt: public key is not ed25519")
	}
	return edKey, nil
}
