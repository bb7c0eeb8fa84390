// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	sessionIDKey = "session.id"
	iterationKey = "iteration"
)

// correlation is what a session run threads through its context so every
// entry logged below it can be tied back to a session record.
type correlation struct {
	sessionID string
	iteration int
	hasIter   bool
}

type correlationKey struct{}
type loggerKey struct{}

func correlationFrom(ctx context.Context) correlation {
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

// ContextFields returns the trace, session and iteration fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	c := correlationFrom(ctx)
	if c.sessionID != "" {
		fields = append(fields, zap.String(sessionIDKey, c.sessionID))
	}
	if c.hasIter {
		fields = append(fields, zap.Int(iterationKey, c.iteration))
	}
	return fields
}

// WithSessionID tags ctx with a session id. Any iteration tag is cleared.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlation{sessionID: sessionID})
}

// SessionIDFromContext returns the session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	return correlationFrom(ctx).sessionID
}

// WithIteration tags ctx with the sequence number of the iteration in flight.
func WithIteration(ctx context.Context, seq int) context.Context {
	c := correlationFrom(ctx)
	c.iteration, c.hasIter = seq, true
	return context.WithValue(ctx, correlationKey{}, c)
}

// IterationFromContext returns the iteration sequence number, if set.
func IterationFromContext(ctx context.Context) (int, bool) {
	c := correlationFrom(ctx)
	return c.iteration, c.hasIter
}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored by WithLogger, or Nop.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
