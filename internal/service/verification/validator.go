package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/service/verification/tokencodec"
)

// Validate checks the token in a fixed order:
// decode and signature, ledger lookup (counting the attempt), expiry, revoked, used.
// Only then a valid token may be consumed with a single conditional ledger write.
func (s *Service) Validate(ctx context.Context, token string, opts ValidateOptions) (models.Verdict, error) {
	now := s.now()
	failed := models.AuditEvent{
		Kind:       models.AuditValidationFailed,
		Actor:      opts.Actor,
		IP:         opts.Client.IP,
		Device:     opts.Client.Device,
		OccurredAt: now,
	}

	payload, signatureValid, err := tokencodec.Decode(s.key, token)
	switch {
	case err != nil:
		s.logger.Debug("Malformed token presented", "error", err, "ip", opts.Client.IP)
		failed.Verdict = models.VerdictMalformed
		s.notify(ctx, failed)
		return models.Verdict{Kind: models.VerdictMalformed}, nil

	case !signatureValid:
		s.logger.Warn("Tampered token presented", "token_hash", hashPrefix(token), "ip", opts.Client.IP, "device", opts.Client.Device, "actor", opts.Actor)
		failed.Verdict = models.VerdictTampered
		s.notify(ctx, failed)
		return models.Verdict{Kind: models.VerdictTampered}, nil
	}

	record, err := s.ledger.TouchByHash(ctx, tokencodec.HashToken(token), now)
	switch {
	case errors.Is(err, apperrors.ErrTokenNotFound):
		s.logger.Info("Signed token not in ledger", "token_hash", hashPrefix(token), "entity_type", payload.EntityType)
		failed.Verdict = models.VerdictNotFound
		failed.EntityType = payload.EntityType
		s.notify(ctx, failed)
		return models.Verdict{Kind: models.VerdictNotFound}, nil

	case err != nil:
		s.logger.Error("Ledger lookup failed", "error", err)
		return models.Verdict{}, fmt.Errorf("error while looking up token. Err: %w", err)
	}

	failed.TokenID = record.ID
	failed.EntityType = record.EntityType
	failed.EntityID = record.EntityID

	verdict := verdictFor(record, now)
	if !verdict.Valid() {
		failed.Verdict = verdict.Kind
		s.notify(ctx, failed)
		return verdict, nil
	}

	if !opts.Consume {
		s.notify(ctx, models.AuditEvent{
			Kind:       models.AuditValidated,
			TokenID:    record.ID,
			EntityType: record.EntityType,
			EntityID:   record.EntityID,
			Actor:      opts.Actor,
			Verdict:    models.VerdictValid,
			IP:         opts.Client.IP,
			Device:     opts.Client.Device,
			OccurredAt: now,
		})
		return verdict, nil
	}

	won, err := s.ledger.TryTransition(ctx, record.ID, models.TokenActive, models.TokenUsed, models.Transition{
		At:     now,
		Actor:  opts.Actor,
		Client: opts.Client,
	})
	if err != nil {
		s.logger.Error("Ledger consume failed", "error", err, "token_id", record.ID)
		return models.Verdict{}, fmt.Errorf("error while consuming token. Err: %w", err)
	}

	if !won {
		verdict, err = s.lostRace(ctx, record, now)
		if err != nil {
			return models.Verdict{}, err
		}
		s.logger.Info("Token consume lost the race", "token_id", record.ID, "verdict", verdict.Kind)
		failed.Verdict = verdict.Kind
		s.notify(ctx, failed)
		return verdict, nil
	}

	verdict.Consumed = true
	s.logger.Info("Token consumed", "token_id", record.ID, "entity_type", record.EntityType, "used_by", opts.Actor)
	s.notify(ctx, models.AuditEvent{
		Kind:       models.AuditConsumed,
		TokenID:    record.ID,
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		Actor:      opts.Actor,
		Verdict:    models.VerdictValid,
		IP:         opts.Client.IP,
		Device:     opts.Client.Device,
		OccurredAt: now,
	})

	return verdict, nil
}

// Another caller changed the record between the lookup and the write
// Re-read it to report why; never report valid to the loser.
func (s *Service) lostRace(ctx context.Context, record models.TokenRecord, now time.Time) (models.Verdict, error) {
	fallback := models.Verdict{Kind: models.VerdictAlreadyUsed, TokenID: record.ID}

	fresh, err := s.ledger.GetByHash(ctx, record.TokenHash)
	switch {
	case errors.Is(err, apperrors.ErrTokenNotFound):
		return fallback, nil
	case err != nil:
		s.logger.Error("Ledger lookup failed", "error", err)
		return models.Verdict{}, fmt.Errorf("error while looking up token. Err: %w", err)
	}

	verdict := verdictFor(fresh, now)
	if verdict.Valid() {
		return fallback, nil
	}
	return verdict, nil
}

// Expiry dominates the stored state: a used or revoked token past its deadline is reported expired
func verdictFor(r models.TokenRecord, now time.Time) models.Verdict {
	switch r.Effective(now) {
	case models.TokenExpired:
		return models.Verdict{Kind: models.VerdictExpired, TokenID: r.ID, ExpiresAt: r.ExpiresAt}
	case models.TokenRevoked:
		return models.Verdict{Kind: models.VerdictRevoked, TokenID: r.ID, RevokedAt: r.RevokedAt, RevocationReason: r.RevocationReason}
	case models.TokenUsed:
		return models.Verdict{Kind: models.VerdictAlreadyUsed, TokenID: r.ID, UsedAt: r.UsedAt}
	default:
		return models.Verdict{
			Kind:       models.VerdictValid,
			TokenID:    r.ID,
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			ExpiresAt:  r.ExpiresAt,
		}
	}
}
