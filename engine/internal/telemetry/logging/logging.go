// Package logging wraps log/slog with trace/span correlation.
package logging

import (
	"context"
	"log/slog"

	"github.com/opsmgr/control-plane/engine/internal/telemetry/tracing"
)

// Logger is a minimal interface wrapper allowing correlation injection.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapper around base (or slog.Default if
// base is nil).
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) correlate(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return attrs
	}
	return append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.correlate(ctx, attrs)...)
}
