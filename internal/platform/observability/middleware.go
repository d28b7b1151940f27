package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meem-store/checkout-api/internal/platform/httpx"
	"github.com/meem-store/checkout-api/internal/platform/requestctx"
)

const (
	// UserIDHeader carries the caller supplied user identifier. It is logged but not authenticated.
	UserIDHeader         = "X-User-ID"
	idempotencyKeyHeader = "Idempotency-Key"
)

// InjectLoggerMiddleware attaches logger to every request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware replaces the context logger with one carrying request fields and logs one
// line per completed request. Checkout replays are visible through the idempotency_key field.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", clean(r.Method, 10)),
			}
			if user := clean(r.Header.Get(UserIDHeader), 64); user != "" {
				fields = append(fields, zap.String("user_id", user))
			}
			if r.Header.Get(idempotencyKeyHeader) != "" {
				fields = append(fields, zap.Bool("idempotency_key", true))
			}
			if info, ok := requestctx.Trace(ctx); ok && info.TraceID != "" {
				fields = append(fields, zap.String("trace_id", info.TraceID))
				if projectID != "" {
					fields = append(fields, zap.String("logging.googleapis.com/trace",
						fmt.Sprintf("projects/%s/traces/%s", projectID, info.TraceID)))
				}
			}
			if ip := remoteIP(r); ip != "" {
				fields = append(fields, zap.String("remote_ip", ip))
			}
			logger := requestctx.Logger(ctx).With(fields...)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			completed := false
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if !completed {
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				annotateSpan(trace.SpanFromContext(ctx), route, status)

				done := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int("bytes", ww.BytesWritten()),
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", done...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", done...)
				default:
					logger.Info("request completed", done...)
				}
			}()

			next.ServeHTTP(ww, r.WithContext(requestctx.WithLogger(ctx, logger)))
			completed = true
		})
	}
}

// RecoveryMiddleware turns a panic into a 500 error envelope and logs the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger, ok := requestctx.LoggerOK(ctx)
				if !ok && fallback != nil {
					logger = fallback
				} else if !ok {
					logger = zap.NewNop()
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// routePattern prefers chi's matched pattern so order ids do not explode log cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return clean(pattern, 180)
		}
	}
	if r.URL.Path == "" {
		return "/"
	}
	return clean(r.URL.Path, 180)
}

func annotateSpan(span trace.Span, route string, status int) {
	span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
		return
	}
	span.SetStatus(codes.Ok, "")
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clean(addr, 64)
}

// clean strips control characters and truncates to limit runes so caller input cannot forge log
// lines.
func clean(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
