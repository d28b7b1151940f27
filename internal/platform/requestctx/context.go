// Package requestctx carries per-request values shared by the HTTP middleware chain and the
// services it calls into.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type key int

const (
	loggerKey key = iota
	traceKey
)

var nop = zap.NewNop()

// TraceInfo is the trace the request belongs to, in Cloud Trace terms.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger returns ctx carrying logger. A nil logger is stored as a no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger, or a no-op logger when none was attached.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := LoggerOK(ctx); ok {
		return logger
	}
	return nop
}

// LoggerOK reports whether a logger was attached to ctx.
func LoggerOK(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	return logger, ok && logger != nil
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}
