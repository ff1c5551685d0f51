package eduauth

import (
	"errors"
	"strings"
	"time"
)

// Config holds the tunables of a [Manager].
//
// Config values are copied by [Builder.WithConfig]; mutating the original after
// Build has no effect.
type Config struct {
	Routes   RouteConfig
	Fetch    FetchConfig
	Timeouts TimeoutConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
ROUTE CONFIG
====================================
*/

// RouteConfig names the redirect targets consumed by route guards.
type RouteConfig struct {
	// LoginPath receives unauthenticated visitors.
	LoginPath string
	// UnauthorizedPath receives authenticated visitors lacking the required role.
	// Empty means respond 403 in place.
	UnauthorizedPath string
}

/*
====================================
FETCH CONFIG
====================================
*/

// FetchConfig bounds the retry policy of Manager.FetchUser. Only transient
// failures are retried; a definitive "nobody is signed in" answer never is.
type FetchConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// TimeoutConfig bounds each call into the [AuthService].
type TimeoutConfig struct {
	// Operation is applied per external call. Zero disables the bound.
	Operation time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Routes: RouteConfig{
			LoginPath:        "/login",
			UnauthorizedPath: "/unauthorized",
		},
		Fetch: FetchConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
		Timeouts: TimeoutConfig{
			Operation: 10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid field of c.
func (c *Config) Validate() error {
	// Routes
	if !isLocalPath(c.Routes.LoginPath) {
		return errors.New("Routes LoginPath must be an absolute local path")
	}
	if c.Routes.UnauthorizedPath != "" && !isLocalPath(c.Routes.UnauthorizedPath) {
		return errors.New("Routes UnauthorizedPath must be an absolute local path")
	}
	if c.Routes.UnauthorizedPath == c.Routes.LoginPath {
		return errors.New("Routes UnauthorizedPath must differ from LoginPath")
	}

	// Fetch
	if c.Fetch.MaxAttempts < 1 {
		return errors.New("Fetch MaxAttempts must be >= 1")
	}
	if c.Fetch.MaxAttempts > 10 {
		return errors.New("Fetch MaxAttempts must be <= 10")
	}
	if c.Fetch.InitialBackoff < 0 {
		return errors.New("Fetch InitialBackoff must be >= 0")
	}
	if c.Fetch.MaxBackoff < c.Fetch.InitialBackoff {
		return errors.New("Fetch MaxBackoff must be >= InitialBackoff")
	}
	if c.Fetch.Multiplier < 1 {
		return errors.New("Fetch Multiplier must be >= 1")
	}

	// Timeouts
	if c.Timeouts.Operation < 0 {
		return errors.New("Timeouts Operation must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	// Metrics
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//")
}
