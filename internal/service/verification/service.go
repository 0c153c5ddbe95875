// Package verification issues, validates and revokes single-use verification tokens.
//
// A token is an opaque signed string handed to a patient (usually as a QR code) and redeemed once
// by staff at the point of care. The signature proves the token was issued here; the ledger is the
// source of truth for expiry and state.
package verification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/clock"
	"github.com/nkiryanov/carepass/internal/logger"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/repository"
	"github.com/nkiryanov/carepass/internal/service/verification/tokencodec"
)

const (
	DefaultMaxTTL        = 24 * time.Hour
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultPurgeInterval = time.Hour

	// Issue retries with a fresh nonce when the token hash is already taken
	issueAttempts = 3
)

// TokenService is what transports and workflows depend on
type TokenService interface {
	// Issue a token for the entity, valid for ttl
	Issue(ctx context.Context, entityType models.EntityType, entityID string, actor string, ttl time.Duration) (models.IssuedToken, error)

	// Validate the token and optionally consume it
	// The verdict carries the outcome; the error is set only when the ledger failed.
	Validate(ctx context.Context, token string, opts ValidateOptions) (models.Verdict, error)

	// Revoke an active token
	// Returns false (and no error) when the token is used, revoked or expired already.
	Revoke(ctx context.Context, token string, actor string, reason string) (bool, error)

	// Status of the token without counting a validation attempt
	Status(ctx context.Context, token string) (models.TokenState, error)
}

type ValidateOptions struct {
	// Atomically mark the token used if it is valid
	Consume bool

	// Who redeems the token and from where
	Actor  string
	Client models.ClientContext
}

// AuditSink receives lifecycle events, failures here never fail an operation
type AuditSink interface {
	Record(ctx context.Context, event models.AuditEvent) error
}

type Config struct {
	// Upper bound for token ttl
	// If not set than default is used
	MaxTTL time.Duration

	// Time source, real clock if not set
	Clock clock.Clock
}

type Service struct {
	key    tokencodec.SigningKey
	maxTTL time.Duration
	clock  clock.Clock

	ledger repository.TokenLedger
	audit  AuditSink
	logger logger.Logger
}

func NewService(cfg Config, key tokencodec.SigningKey, ledger repository.TokenLedger, audit AuditSink, l logger.Logger) (*Service, error) {
	if key.IsZero() {
		return nil, apperrors.ErrSigningKeyMissing
	}
	if ledger == nil {
		return nil, errors.New("ledger must not be nil")
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Service{
		key:    key,
		maxTTL: cfg.MaxTTL,
		clock:  cfg.Clock,
		ledger: ledger,
		audit:  audit,
		logger: l,
	}, nil
}

// Ledger stores milliseconds as well as the payload, so both agree on every timestamp
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// Send the event to the audit sink, log if it was not accepted
func (s *Service) notify(ctx context.Context, event models.AuditEvent) {
	if s.audit == nil {
		return
	}

	event.ID = uuid.New()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}

	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("Audit event dropped", "error", err, "kind", event.Kind, "token_id", event.TokenID)
	}
}

// Short prefix of the token hash, enough to correlate log lines without leaking the token
func hashPrefix(token string) string {
	h := tokencodec.HashToken(token)
	return h[:12]
}
