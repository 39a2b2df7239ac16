// Package audit records credential events both in the structured log and in
// the append-only audit_log store.
package audit

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"authgate.dev/internal/auth"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so audit
// entries can be correlated with access logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder appends audit entries enriched with request context.
type Recorder struct {
	store auth.Store
	log   *logrus.Logger
}

func NewRecorder(store auth.Store, log *logrus.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// Record writes one audit entry. Failures are logged, never propagated: an
// audit hiccup must not fail the request that triggered it.
func (r *Recorder) Record(ctx context.Context, action, targetType, targetID string, metadata map[string]string) {
	entry := &auth.AuditEntry{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
		RequestID:  RequestIDFromContext(ctx),
	}
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		info := principal.Info()
		if info.UserID != "" {
			entry.ActorID = info.UserID
		} else {
			entry.ActorID = info.ClientID
		}
	}
	if err := r.store.Audit(ctx).Append(ctx, entry); err != nil {
		r.log.WithError(err).WithField("action", action).Error("audit append failed")
		return
	}
	fields := logrus.Fields{
		"type":        "audit",
		"action":      action,
		"target_type": targetType,
		"target_id":   targetID,
	}
	if entry.ActorID != "" {
		fields["actor_id"] = entry.ActorID
	}
	if entry.RequestID != "" {
		fields["request_id"] = entry.RequestID
	}
	r.log.WithFields(fields).Info("audit event")
}
