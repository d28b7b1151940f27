package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/repositories"
)

// BuildInfo is the release metadata reported by the health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps configures NewSystemService. CacheFor, when set, lets probes arriving within
// that interval share one dependency sweep so readiness polling does not fan out to Stripe on
// every request.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	CacheFor         time.Duration
}

type systemService struct {
	health   repositories.HealthRepository
	clock    func() time.Time
	build    BuildInfo
	cacheFor time.Duration

	mu       sync.Mutex
	cached   SystemHealthReport
	cachedAt time.Time
}

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		health:   deps.HealthRepository,
		clock:    func() time.Time { return clock().UTC() },
		build:    build,
		cacheFor: deps.CacheFor,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.cacheFor > 0 && !s.cachedAt.IsZero() && now.Sub(s.cachedAt) < s.cacheFor {
		report := s.cached
		report.Uptime = now.Sub(s.build.StartedAt)
		return report, nil
	}

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	report.Uptime = now.Sub(s.build.StartedAt)
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = deriveStatus(report.Checks)
	}

	s.cached, s.cachedAt = report, now
	return report, nil
}

// deriveStatus is error when a critical check failed and degraded when only optional ones did.
func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		if check.Status == domain.HealthStatusOK || check.Status == "" {
			continue
		}
		if check.Critical && check.Status == domain.HealthStatusError {
			return domain.HealthStatusError
		}
		status = domain.HealthStatusDegraded
	}
	return status
}
