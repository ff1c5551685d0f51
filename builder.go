package eduauth

import (
	"errors"
	"log/slog"
	"strings"
)

// Builder assembles a [Manager]. A Builder is single-use.
type Builder struct {
	config    Config
	service   AuthService
	auditSink AuditSink
	relay     *AuditRelay
	logger    *slog.Logger
	clientID  string
	metrics   *Metrics

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration with a copy of cfg.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithAuthService sets the external auth boundary. Required.
func (b *Builder) WithAuthService(svc AuthService) *Builder {
	b.service = svc
	return b
}

// WithAuditSink gives the Manager its own relay into sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithAuditRelay makes the Manager emit into a relay shared with other
// Managers. The relay outlives the Manager: Close does not stop it. It takes
// precedence over WithAuditSink.
func (b *Builder) WithAuditRelay(r *AuditRelay) *Builder {
	b.relay = r
	return b
}

// WithLogger sets the logger. Nil discards.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClientID labels the Manager in logs and audit events, e.g. with the
// browser session it serves.
func (b *Builder) WithClientID(id string) *Builder {
	b.clientID = strings.TrimSpace(id)
	return b
}

// WithMetricsEnabled toggles Config.Metrics.Enabled.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the login and fetch latency histograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithMetrics makes the Manager record into m instead of a private set, so a
// host serving many clients can export one aggregate. Config.Metrics is then
// ignored in favour of the settings m was created with.
func (b *Builder) WithMetrics(m *Metrics) *Builder {
	b.metrics = m
	return b
}

// Build validates the configuration and returns a Manager whose session is
// in [StatusUnknown].
func (b *Builder) Build() (*Manager, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.service == nil {
		return nil, errors.New("auth service required")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "eduauth")
	if b.clientID != "" {
		logger = logger.With("client_id", b.clientID)
	}

	metrics := b.metrics
	if metrics == nil {
		metrics = NewMetrics(cfg.Metrics)
	}

	m := &Manager{
		config:   cfg,
		service:  b.service,
		logger:   logger,
		clientID: b.clientID,
		metrics:  metrics,
		audit:    b.relay,
		state:    Session{Status: StatusUnknown},
		subs:     make(map[uint64]func(Session)),
	}

	if m.audit == nil {
		m.audit = NewAuditRelay(cfg.Audit, b.auditSink)
		m.ownsAudit = m.audit != nil
	}

	b.built = true

	return m, nil
}
