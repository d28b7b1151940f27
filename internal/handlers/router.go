package handlers

import (
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meem-store/checkout-api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	checkout   RouteRegistrar
	checkoutMW []func(http.Handler) http.Handler
	orders     RouteRegistrar
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api"
	defaultTimeout    = 25 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter builds the HTTP surface: probes at the root and the checkout and order groups under
// the API prefix. Groups without a registrar are not mounted and fall through to the JSON 404.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	// Probes run outside the API timeout; each dependency check carries its own.
	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	if cfg.checkout == nil && cfg.orders == nil {
		return r
	}
	r.Route(cfg.basePath, func(api chi.Router) {
		if cfg.timeout > 0 {
			api.Use(middleware.Timeout(cfg.timeout))
		}
		api.Use(requireJSONBody)

		if cfg.checkout != nil {
			api.Route("/checkout", func(group chi.Router) {
				for _, mw := range cfg.checkoutMW {
					if mw != nil {
						group.Use(mw)
					}
				}
				cfg.checkout(group)
			})
		}
		if cfg.orders != nil {
			api.Route("/orders", cfg.orders)
		}
	})
	return r
}

// requireJSONBody rejects request bodies declared as anything other than JSON. A missing
// Content-Type is accepted; the handlers' strict decoder still has the final say.
func requireJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		declared := strings.TrimSpace(r.Header.Get("Content-Type"))
		if r.ContentLength == 0 || declared == "" {
			next.ServeHTTP(w, r)
			return
		}
		mediaType, _, err := mime.ParseMediaType(declared)
		if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
			httpx.WriteError(r.Context(), w, httpx.NewError("unsupported_media_type", "request body must be application/json", http.StatusUnsupportedMediaType))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithBasePath overrides the prefix under which API groups are mounted.
func WithBasePath(path string) Option {
	return func(cfg *routerConfig) {
		if path != "" {
			cfg.basePath = path
		}
	}
}

// WithRequestTimeout overrides the deadline applied to API routes. Zero disables it.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) {
		cfg.timeout = timeout
	}
}

func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithCheckoutRoutes mounts reg under /checkout.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.checkout = reg
	}
}

// WithCheckoutMiddlewares adds middleware that runs only for the /checkout group, such as the
// idempotency guard.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.checkoutMW = append(cfg.checkoutMW, mw...)
	}
}

// WithOrderRoutes mounts reg under /orders.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orders = reg
	}
}
