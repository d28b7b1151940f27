package handlers

import (
	"net/http"
	"sort"
	"time"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the service used to evaluate readiness.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

type readyzResponse struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime,omitempty"`
	Checks      map[string]healthCheckPayload `json:"checks"`
	Details     []string                      `json:"details,omitempty"`
	Timestamp   string                        `json:"timestamp"`
}

// Healthz reports process liveness. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Truncate(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz reports readiness. Only a failing critical dependency makes the service unready; a
// degraded optional dependency is reported with 200.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	if h.system == nil {
		writeJSON(w, http.StatusOK, readyzResponse{
			Status:    domain.HealthStatusOK,
			Checks:    map[string]healthCheckPayload{},
			Timestamp: now.Format(time.RFC3339),
		})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, readyzResponse{
			Status:    domain.HealthStatusError,
			Checks:    map[string]healthCheckPayload{},
			Details:   []string{err.Error()},
			Timestamp: now.Format(time.RFC3339),
		})
		return
	}

	resp := readyzResponse{
		Status:      report.Status,
		Version:     report.Version,
		Environment: report.Environment,
		Checks:      make(map[string]healthCheckPayload, len(report.Checks)),
		Timestamp:   now.Format(time.RFC3339),
	}
	if report.Uptime > 0 {
		resp.Uptime = report.Uptime.Truncate(time.Second).String()
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		resp.Checks[name] = healthCheckPayload{
			Status:    check.Status,
			Critical:  check.Critical,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
		if check.Error != "" {
			resp.Details = append(resp.Details, name+": "+check.Error)
		}
	}

	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
