// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and propagates
// the strategy id and cycle trace id through context.Context so every
// line of one strategy's lifecycle can be correlated.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

type ctxKey string

const (
	traceIDKey    ctxKey = "trace_id"
	strategyIDKey ctxKey = "strategy_id"
)

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps "debug", "info", "warn", "error" to a slog level. Unknown
// values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// NewTrace attaches a fresh random trace ID, one per evaluation cycle or entry.
func NewTrace(ctx context.Context) context.Context {
	return WithTraceID(ctx, uuid.NewString())
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithStrategyID stores the strategy id in the context.
func WithStrategyID(ctx context.Context, strategyID string) context.Context {
	return context.WithValue(ctx, strategyIDKey, strategyID)
}

// StrategyID extracts the strategy id from context. Returns "" if not set.
func StrategyID(ctx context.Context) string {
	if v, ok := ctx.Value(strategyIDKey).(string); ok {
		return v
	}
	return ""
}

// Attrs returns slog attributes for whatever ids the context carries.
// Usage: log.InfoContext(ctx, "msg", logger.Attrs(ctx)...)
func Attrs(ctx context.Context) []any {
	var attrs []any
	if tid := TraceID(ctx); tid != "" {
		attrs = append(attrs, slog.String("trace_id", tid))
	}
	if sid := StrategyID(ctx); sid != "" {
		attrs = append(attrs, slog.String("strategy_id", sid))
	}
	return attrs
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
