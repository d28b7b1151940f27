package observability

import (
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meem-store/checkout-api/internal/platform/requestctx"
)

// cloudTraceHeader has the form TRACE_ID/SPAN_ID;o=OPTIONS, with a 32 hex digit trace id and a
// decimal span id.
const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/meem-store/checkout-api/internal/platform/observability")

// TraceMiddleware starts a server span per request, continuing the caller's trace when an
// X-Cloud-Trace-Context header is present, and echoes the resulting context back in the response.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			info := requestctx.TraceInfo{ProjectID: projectID}
			// Without an installed tracer provider the span only carries a valid context when
			// the caller sent one.
			if sc := span.SpanContext(); sc.IsValid() {
				info.TraceID = sc.TraceID().String()
				info.SpanID = sc.SpanID().String()
				info.Sampled = sc.IsSampled()
				w.Header().Set(cloudTraceHeader, formatCloudTraceContext(sc))
			}

			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(ctx, info)))
		})
	}
}

func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	traceHex, rest, found := strings.Cut(strings.TrimSpace(header), "/")
	if !found {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(strings.TrimSpace(spanPart))
	if !ok {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

// parseSpanID accepts the documented decimal form and, for clients that send it, 16 hex digits.
func parseSpanID(value string) (trace.SpanID, bool) {
	if n, err := strconv.ParseUint(value, 10, 64); err == nil && n != 0 {
		var id trace.SpanID
		for i := 7; i >= 0; i-- {
			id[i] = byte(n)
			n >>= 8
		}
		return id, true
	}
	if len(value) == 16 {
		if id, err := trace.SpanIDFromHex(value); err == nil {
			return id, true
		}
	}
	return trace.SpanID{}, false
}

func formatCloudTraceContext(sc trace.SpanContext) string {
	id := sc.SpanID()
	var n uint64
	for _, b := range id {
		n = n<<8 | uint64(b)
	}
	option := "0"
	if sc.IsSampled() {
		option = "1"
	}
	return sc.TraceID().String() + "/" + strconv.FormatUint(n, 10) + ";o=" + option
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
		attribute.String("url.path", r.URL.Path),
		attribute.String("server.address", r.Host),
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}
