package eduauth

import (
	"io"
	"log/slog"

	"github.com/edusync/eduauth/internal/audit"
)

// AuditEvent records one session transition. See [AuditSink].
type AuditEvent = audit.Event

// AuditSink receives audit events from the Manager's dispatcher goroutine.
type AuditSink = audit.Sink

// NoOpSink discards audit events.
type NoOpSink = audit.NoOpSink

// ChannelSink buffers audit events in a channel, mostly for tests.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes audit events as JSON lines.
type JSONWriterSink = audit.JSONWriterSink

// SlogSink writes audit events as log records.
type SlogSink = audit.SlogSink

// AuditRelay delivers the audit events of any number of Managers to one
// sink from a single goroutine. See [Builder.WithAuditRelay].
type AuditRelay = audit.Dispatcher

// AuditStats reports relay throughput.
type AuditStats = audit.Stats

// NewAuditRelay starts a relay for sink, or returns nil when cfg.Enabled is
// false. A nil relay discards events.
func NewAuditRelay(cfg AuditConfig, sink AuditSink) *AuditRelay {
	if !cfg.Enabled {
		return nil
	}
	return audit.NewDispatcher(audit.Config{BufferSize: cfg.BufferSize, DropIfFull: cfg.DropIfFull}, sink)
}

// NewChannelSink creates a [ChannelSink] with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewSlogSink logs every event at info level.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return audit.NewSlogSink(logger)
}

const (
	auditEventLoginSuccess        = "login_success"
	auditEventLoginFailure        = "login_failure"
	auditEventLogout              = "logout"
	auditEventLogoutRemoteFailure = "logout_remote_failure"
	auditEventSessionRestored     = "session_restored"
	auditEventSessionAbsent       = "session_absent"
	auditEventSessionFetchFailure = "session_fetch_failure"
	auditEventStaleDiscarded      = "stale_result_discarded"
)
