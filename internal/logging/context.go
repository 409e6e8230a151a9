package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceID returns the trace ID stored in ctx, if any.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// TickContext tags ctx and base with a fresh trace ID and tick number so
// every log line of one evaluation cycle can be correlated.
func TickContext(ctx context.Context, base *Logger, tick uint64) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := base.WithTraceID(traceID).WithField("tick", tick)
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, loggerKey, l)
	return ctx, l
}

// PositionContext creates a logger context for position operations
func PositionContext(base *Logger, id, role, side string, entryPrice, size float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"position_id": id,
		"role":        role,
		"side":        side,
		"entry_price": entryPrice,
		"size":        size,
	})
}

// BinanceAPIContext creates a logger context for exchange calls
func BinanceAPIContext(base *Logger, method, endpoint string) *Logger {
	return base.WithFields(map[string]interface{}{
		"method":   method,
		"endpoint": endpoint,
	}).WithComponent("binance")
}
