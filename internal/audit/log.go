package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"gatekeep.dev/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// logFallback writes a record that could not be stored to the structured log, the
// fallback channel operators collect alongside the database.
func logFallback(rec Record, cause string) {
	fields := make(map[string]any, len(rec.Details))
	for k, v := range rec.Details {
		fields[k] = v
	}
	obs.Logger().LogAttrs(context.Background(), slog.LevelWarn, "audit_fallback",
		slog.String("type", "audit"),
		slog.String("cause", cause),
		slog.String("audit_id", rec.ID),
		slog.String("actor_id", rec.ActorID),
		slog.String("event", rec.Action),
		slog.String("resource", rec.Resource),
		slog.String("resource_id", rec.ResourceID),
		slog.String("session_id", rec.SessionID),
		slog.Bool("success", rec.Success),
		slog.String("error_message", rec.ErrorMessage),
		slog.String("created_at", rec.CreatedAt.UTC().Format(time.RFC3339Nano)),
		slog.Any("fields", fields),
	)
}
