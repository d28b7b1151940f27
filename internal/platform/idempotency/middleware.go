package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meem-store/checkout-api/internal/platform/httpx"
)

const (
	replayHeaderName = "X-Idempotent-Replay"
	// MaxBodyBytes bounds the request body buffered for fingerprinting.
	MaxBodyBytes = 1 << 20
)

type guard struct {
	store     Store
	header    string
	ttl       time.Duration
	optional  bool
	now       func() time.Time
	requester func(*http.Request) string
	logger    *zap.Logger
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*guard)

// WithHeader sets the request header carrying the client key. Defaults to Idempotency-Key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long a completed response stays replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithOptionalKey passes keyless requests straight to the handler instead of rejecting them.
func WithOptionalKey() MiddlewareOption {
	return func(g *guard) { g.optional = true }
}

func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRequester sets how the caller is identified; keys are scoped per caller. Defaults to the
// X-User-ID header.
func WithRequester(fn func(*http.Request) string) MiddlewareOption {
	return func(g *guard) {
		if fn != nil {
			g.requester = fn
		}
	}
}

// Middleware makes mutating requests that carry a client key safe to retry. The first request for
// a key runs the handler and its response is stored; repeats with the same body replay it, repeats
// with a different body get 409, and repeats while the first is still running get 409 as well.
// 5xx responses are not stored so the client can retry with the same key.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:     store,
		header:    "Idempotency-Key",
		ttl:       DefaultTTL,
		now:       time.Now,
		requester: func(r *http.Request) string { return r.Header.Get("X-User-ID") },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(next, w, r)
		})
	}
}

func (g *guard) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	if !mutating(r.Method) {
		next.ServeHTTP(w, r)
		return
	}
	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		if g.optional {
			next.ServeHTTP(w, r)
			return
		}
		fail(w, r, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	}

	claim, err := g.claim(r, key)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
			return
		}
		fail(w, r, http.StatusBadRequest, "invalid_request_body", "unable to read request body")
		return
	}
	log := g.logger.With(zap.String("requester", claim.Requester), zap.String("route", claim.Route))

	res, err := g.store.Reserve(r.Context(), claim, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		fail(w, r, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		log.Warn("idempotency reserve failed", zap.Error(err))
		fail(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
		return
	}

	switch res.State {
	case ReservationStateCompleted:
		replay(w, res.Record)
		return
	case ReservationStatePending:
		fail(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	}

	capture := &captureWriter{header: make(http.Header)}
	next.ServeHTTP(capture, r)

	if capture.code() >= http.StatusInternalServerError {
		if err := g.store.Release(r.Context(), claim); err != nil {
			log.Warn("idempotency release failed", zap.Int("status", capture.code()), zap.Error(err))
		}
		capture.flush(w)
		return
	}

	resp := Response{Status: capture.code(), Headers: capture.header.Clone(), Body: capture.body.Bytes()}
	if err := g.store.SaveResponse(r.Context(), claim, resp, g.now().UTC(), g.ttl); err != nil {
		log.Error("idempotency save failed", zap.Error(err))
		if err := g.store.Release(r.Context(), claim); err != nil {
			log.Warn("idempotency release failed", zap.Error(err))
		}
		fail(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}
	capture.flush(w)
}

// claim buffers the body, restores it for the handler and derives the scoped key and fingerprint.
func (g *guard) claim(r *http.Request, key string) (Claim, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, MaxBodyBytes))
		_ = r.Body.Close()
		if err != nil {
			return Claim{}, err
		}
		body = data
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	requester := strings.TrimSpace(g.requester(r))
	if requester == "" {
		requester = "anonymous"
	}
	route := r.Method + " " + r.URL.Path
	return Claim{
		Key:         key + "|" + requester,
		Fingerprint: fingerprint(route, r.URL.RawQuery, r.Header.Get("Content-Type"), requester, body),
		Requester:   requester,
		Route:       route,
	}, nil
}

// fingerprint hashes everything that distinguishes one submission from another. Parts are length
// prefixed so adjacent values cannot run together.
func fingerprint(route, query, contentType, requester string, body []byte) string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(route), []byte(query), []byte(contentType), []byte(requester), body} {
		var size [8]byte
		n := uint64(len(part))
		for i := range size {
			size[i] = byte(n >> (56 - 8*i))
		}
		h.Write(size[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func replay(w http.ResponseWriter, record Record) {
	dst := w.Header()
	for name, values := range headersFromRecord(record.ResponseHeaders) {
		dst[name] = values
	}
	dst.Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// captureWriter holds the handler's response until the middleware decides what to keep.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *captureWriter) code() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func (c *captureWriter) flush(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range c.header {
		dst[name] = values
	}
	w.WriteHeader(c.code())
	_, _ = w.Write(c.body.Bytes())
}
