package eduauth

import (
	"context"
	"errors"
	"time"
)

// AuditErrorCode is the stable, non-sensitive error label written to audit
// events in place of raw error text.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrUnavailable        AuditErrorCode = "service_unavailable"
	auditErrUnauthenticated    AuditErrorCode = "unauthenticated"
	auditErrStale              AuditErrorCode = "stale_result"
	auditErrTimeout            AuditErrorCode = "timeout"
	auditErrCanceled           AuditErrorCode = "canceled"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (m *Manager) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	user *Identity,
	gen uint64,
	err error,
	metadataBuilder func() map[string]string,
) {
	if m == nil || m.audit == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	event := AuditEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		ClientID:   m.clientID,
		RequestID:  RequestIDFromContext(ctx),
		Generation: gen,
		Success:    success,
	}
	if metadataBuilder != nil {
		event.Metadata = metadataBuilder()
	}
	var fetchErr *SessionFetchError
	if errors.As(err, &fetchErr) {
		event.Attempts = fetchErr.Attempts
	}
	if user != nil {
		event.UserID = user.ID
		event.Role = user.Role.String()
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	m.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrStaleResult):
		return auditErrStale
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrUnauthenticated):
		return auditErrUnauthenticated
	case errors.Is(err, context.DeadlineExceeded):
		return auditErrTimeout
	case errors.Is(err, context.Canceled):
		return auditErrCanceled
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrLogoutRemote):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
