// Package config loads the edusync binaries' settings from EDUSYNC_*
// environment variables. Command-line flags override individual fields.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Web configures `edusync serve`.
type Web struct {
	Addr      string `env:"EDUSYNC_ADDR"       envDefault:":8080"`
	LogLevel  string `env:"EDUSYNC_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"EDUSYNC_LOG_FORMAT" envDefault:"text"`

	AuthURL     string        `env:"EDUSYNC_AUTH_URL"     envDefault:"http://localhost:8081"`
	AuthTimeout time.Duration `env:"EDUSYNC_AUTH_TIMEOUT" envDefault:"10s"`

	// RedisAddr empty keeps tokens in process memory.
	RedisAddr     string `env:"EDUSYNC_REDIS_ADDR"`
	RedisPassword string `env:"EDUSYNC_REDIS_PASSWORD"`
	RedisDB       int    `env:"EDUSYNC_REDIS_DB"`
	TokenPrefix   string `env:"EDUSYNC_TOKEN_PREFIX" envDefault:"edusync:tok"`

	JWT JWT

	// CookieKey signs browser ids. Empty picks a random key per process, so
	// browsers sign in again after a restart.
	CookieKey      string        `env:"EDUSYNC_COOKIE_KEY"`
	CookieSecure   bool          `env:"EDUSYNC_COOKIE_SECURE"`
	SessionIdleTTL time.Duration `env:"EDUSYNC_SESSION_IDLE_TTL" envDefault:"30m"`

	// LoginMaxAttempts failures per identifier or address lock sign-in for
	// LoginCooldown. Needs Redis; 0 disables the throttle.
	LoginMaxAttempts int           `env:"EDUSYNC_LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginCooldown    time.Duration `env:"EDUSYNC_LOGIN_COOLDOWN"     envDefault:"15m"`

	FetchMaxAttempts int  `env:"EDUSYNC_FETCH_MAX_ATTEMPTS" envDefault:"3"`
	AuditLog         bool `env:"EDUSYNC_AUDIT_LOG"`
	LatencyMetrics   bool `env:"EDUSYNC_LATENCY_METRICS" envDefault:"true"`
}

// JWT selects how access tokens are signed or verified. Both binaries read
// the same variables so a shared secret or key pair lines up.
type JWT struct {
	// Secret selects HS256 when set.
	Secret string `env:"EDUSYNC_JWT_SECRET"`
	// PublicKeyFile is an Ed25519 PEM used by the web shell to verify tokens.
	PublicKeyFile string `env:"EDUSYNC_JWT_PUBLIC_KEY_FILE"`
	// PrivateKeyFile is an Ed25519 PEM used by the auth stub to sign tokens.
	PrivateKeyFile string `env:"EDUSYNC_JWT_PRIVATE_KEY_FILE"`
	Issuer         string `env:"EDUSYNC_JWT_ISSUER"   envDefault:"edusync-auth"`
	Audience       string `env:"EDUSYNC_JWT_AUDIENCE" envDefault:"edusync-web"`
}

// Stub configures `edusync authstub`.
type Stub struct {
	Addr      string `env:"EDUSYNC_AUTHSTUB_ADDR"   envDefault:":8081"`
	LogLevel  string `env:"EDUSYNC_LOG_LEVEL"       envDefault:"info"`
	LogFormat string `env:"EDUSYNC_LOG_FORMAT"      envDefault:"text"`

	TokenTTL time.Duration `env:"EDUSYNC_AUTHSTUB_TOKEN_TTL" envDefault:"1h"`
	SeedDemo bool          `env:"EDUSYNC_AUTHSTUB_SEED_DEMO" envDefault:"true"`
	// PublicKeyOut receives the PEM public key of an ephemeral signing key.
	PublicKeyOut string `env:"EDUSYNC_AUTHSTUB_PUBLIC_KEY_OUT"`

	JWT JWT
}

// LoadWeb reads Web from the process environment.
func LoadWeb() (Web, error) {
	return LoadWebFrom(nil)
}

// LoadWebFrom reads Web from environ, or from the process environment when
// environ is nil.
func LoadWebFrom(environ map[string]string) (Web, error) {
	var cfg Web
	if err := parse(&cfg, environ); err != nil {
		return Web{}, err
	}
	return cfg, cfg.Validate()
}

// LoadStub reads Stub from the process environment.
func LoadStub() (Stub, error) {
	return LoadStubFrom(nil)
}

func LoadStubFrom(environ map[string]string) (Stub, error) {
	var cfg Stub
	if err := parse(&cfg, environ); err != nil {
		return Stub{}, err
	}
	return cfg, cfg.Validate()
}

func parse(target any, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports the first invalid field.
func (c Web) Validate() error {
	if c.Addr == "" {
		return errors.New("EDUSYNC_ADDR must not be empty")
	}
	u, err := url.Parse(c.AuthURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("EDUSYNC_AUTH_URL %q must be an absolute http(s) url", c.AuthURL)
	}
	if c.AuthTimeout <= 0 {
		return errors.New("EDUSYNC_AUTH_TIMEOUT must be > 0")
	}
	if c.RedisDB < 0 {
		return errors.New("EDUSYNC_REDIS_DB must be >= 0")
	}
	if c.CookieKey != "" && len(c.CookieKey) < 32 {
		return errors.New("EDUSYNC_COOKIE_KEY must be at least 32 bytes")
	}
	if c.SessionIdleTTL < time.Minute {
		return errors.New("EDUSYNC_SESSION_IDLE_TTL must be >= 1m")
	}
	if c.LoginMaxAttempts < 0 {
		return errors.New("EDUSYNC_LOGIN_MAX_ATTEMPTS must be >= 0")
	}
	if c.LoginMaxAttempts > 0 && c.LoginCooldown < time.Second {
		return errors.New("EDUSYNC_LOGIN_COOLDOWN must be >= 1s")
	}
	if c.FetchMaxAttempts < 1 || c.FetchMaxAttempts > 10 {
		return errors.New("EDUSYNC_FETCH_MAX_ATTEMPTS must be in [1,10]")
	}
	if c.JWT.Secret != "" && c.JWT.PublicKeyFile != "" {
		return errors.New("set either EDUSYNC_JWT_SECRET or EDUSYNC_JWT_PUBLIC_KEY_FILE, not both")
	}
	return nil
}

func (c Stub) Validate() error {
	if c.Addr == "" {
		return errors.New("EDUSYNC_AUTHSTUB_ADDR must not be empty")
	}
	if c.TokenTTL < time.Minute || c.TokenTTL > 24*time.Hour {
		return errors.New("EDUSYNC_AUTHSTUB_TOKEN_TTL must be between 1m and 24h")
	}
	if c.JWT.Secret != "" && c.JWT.PrivateKeyFile != "" {
		return errors.New("set either EDUSYNC_JWT_SECRET or EDUSYNC_JWT_PRIVATE_KEY_FILE, not both")
	}
	if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
		return errors.New("EDUSYNC_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}
