package domain

import "time"

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates an optional dependency failed; orders can still be served.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Critical  bool
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for readiness endpoints.
type SystemHealthReport struct {
	Status      string
	Version     string
	Environment string
	Uptime      time.Duration
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}

// Ready reports whether the service should receive traffic.
func (r SystemHealthReport) Ready() bool {
	return r.Status != HealthStatusError
}
