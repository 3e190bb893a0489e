package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/repositories"
)

const deadLetterCheck = "dead_letters"

// BuildInfo is the release metadata reported by /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires the readiness report.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// DeadLetters counts webhook messages that exhausted their retries. Optional.
	DeadLetters func(ctx context.Context) (int, error)
	Clock       func() time.Time
	Build       BuildInfo
}

type systemService struct {
	health      repositories.HealthRepository
	deadLetters func(ctx context.Context) (int, error)
	clock       func() time.Time
	build       BuildInfo
}

var _ SystemService = (*systemService)(nil)

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
		health:      deps.HealthRepository,
		deadLetters: deps.DeadLetters,
		clock:       func() time.Time { return clock().UTC() },
		build:       build,
	}, nil
}

// HealthReport runs the dependency probes and stamps build metadata.
// Dead letters never fail readiness; they only degrade it so operators notice.
func (s *systemService) HealthReport(ctx context.Context) (domain.HealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return domain.HealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Version == "" {
		report.Version = s.build.Version
	}
	report.Commit = s.build.CommitSHA
	report.Environment = s.build.Environment
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.HealthCheck{}
	}

	if s.deadLetters != nil {
		report.Checks[deadLetterCheck] = s.deadLetterCheck(ctx, now)
		report.Status = ""
	}
	if report.Status == "" {
		report.Status = deriveStatus(report.Checks)
	}
	return report, nil
}

func (s *systemService) deadLetterCheck(ctx context.Context, now time.Time) domain.HealthCheck {
	check := domain.HealthCheck{Status: domain.HealthStatusOK, CheckedAt: now}
	n, err := s.deadLetters(ctx)
	switch {
	case err != nil:
		check.Status = domain.HealthStatusDegraded
		check.Detail = err.Error()
	case n > 0:
		check.Status = domain.HealthStatusDegraded
		check.Detail = fmt.Sprintf("%d webhook messages need replay", n)
	}
	check.Latency = s.clock().Sub(now)
	return check
}

func deriveStatus(checks map[string]domain.HealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
