package verification

import (
	"context"
	"time"

	"github.com/nkiryanov/carepass/internal/metrics"
	"github.com/nkiryanov/carepass/internal/models"
)

// serviceWithMetrics records count and duration of every operation
type serviceWithMetrics struct {
	next    TokenService
	metrics metrics.BusinessMetrics
}

// NewServiceWithMetrics decorates the service with business metrics
// Validate is labeled with the verdict kind so probing and replays are visible on dashboards.
func NewServiceWithMetrics(next TokenService, bm metrics.BusinessMetrics) TokenService {
	return &serviceWithMetrics{next: next, metrics: bm}
}

func (s *serviceWithMetrics) record(ctx context.Context, operation string, start time.Time, status string) {
	s.metrics.RecordOperation(ctx, operation, status)
	s.metrics.RecordDuration(ctx, operation, time.Since(start), status)
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (s *serviceWithMetrics) Issue(ctx context.Context, entityType models.EntityType, entityID string, actor string, ttl time.Duration) (models.IssuedToken, error) {
	start := time.Now()
	issued, err := s.next.Issue(ctx, entityType, entityID, actor, ttl)
	s.record(ctx, "issue", start, statusOf(err))
	return issued, err
}

func (s *serviceWithMetrics) Validate(ctx context.Context, token string, opts ValidateOptions) (models.Verdict, error) {
	start := time.Now()
	verdict, err := s.next.Validate(ctx, token, opts)

	status := string(verdict.Kind)
	if err != nil {
		status = "error"
	}
	operation := "validate"
	if opts.Consume {
		operation = "consume"
	}
	s.record(ctx, operation, start, status)

	return verdict, err
}

func (s *serviceWithMetrics) Revoke(ctx context.Context, token string, actor string, reason string) (bool, error) {
	start := time.Now()
	ok, err := s.next.Revoke(ctx, token, actor, reason)

	status := statusOf(err)
	if err == nil && !ok {
		status = "rejected"
	}
	s.record(ctx, "revoke", start, status)

	return ok, err
}

func (s *serviceWithMetrics) Status(ctx context.Context, token string) (models.TokenState, error) {
	start := time.Now()
	state, err := s.next.Status(ctx, token)
	s.record(ctx, "status", start, statusOf(err))
	return state, err
}
