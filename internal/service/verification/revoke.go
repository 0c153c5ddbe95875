package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/service/verification/tokencodec"
)

func (s *Service) Revoke(ctx context.Context, token string, actor string, reason string) (bool, error) {
	if actor == "" {
		return false, fmt.Errorf("%w: revoker is empty", apperrors.ErrInvalidArgument)
	}

	record, err := s.lookup(ctx, token)
	if err != nil {
		return false, err
	}

	now := s.now()
	if record.Effective(now) != models.TokenActive {
		s.logger.Info("Token not revocable", "token_id", record.ID, "state", record.Effective(now))
		return false, nil
	}

	ok, err := s.ledger.TryTransition(ctx, record.ID, models.TokenActive, models.TokenRevoked, models.Transition{
		At:     now,
		Actor:  actor,
		Reason: reason,
	})
	if err != nil {
		s.logger.Error("Ledger revoke failed", "error", err, "token_id", record.ID)
		return false, fmt.Errorf("error while revoking token. Err: %w", err)
	}
	if !ok {
		s.logger.Info("Token revoke lost the race", "token_id", record.ID)
		return false, nil
	}

	s.logger.Info("Token revoked", "token_id", record.ID, "revoked_by", actor, "reason", reason)
	s.notify(ctx, models.AuditEvent{
		Kind:       models.AuditRevoked,
		TokenID:    record.ID,
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		Actor:      actor,
		Detail:     reason,
		OccurredAt: now,
	})

	return true, nil
}

// Status never counts an attempt and never writes
// Anything that cannot be resolved to a record is unknown.
func (s *Service) Status(ctx context.Context, token string) (models.TokenState, error) {
	record, err := s.lookup(ctx, token)
	switch {
	case err == nil:
		return record.Effective(s.now()), nil
	case errors.Is(err, apperrors.ErrTokenMalformed),
		errors.Is(err, apperrors.ErrTokenTampered),
		errors.Is(err, apperrors.ErrTokenNotFound):
		return models.TokenUnknown, nil
	default:
		return models.TokenUnknown, err
	}
}

// Resolve a token to its record without touching attempt counters
func (s *Service) lookup(ctx context.Context, token string) (models.TokenRecord, error) {
	_, signatureValid, err := tokencodec.Decode(s.key, token)
	switch {
	case err != nil:
		return models.TokenRecord{}, err
	case !signatureValid:
		s.logger.Warn("Tampered token presented", "token_hash", hashPrefix(token))
		return models.TokenRecord{}, apperrors.ErrTokenTampered
	}

	record, err := s.ledger.GetByHash(ctx, tokencodec.HashToken(token))
	switch {
	case errors.Is(err, apperrors.ErrTokenNotFound):
		return record, err
	case err != nil:
		s.logger.Error("Ledger lookup failed", "error", err)
		return record, fmt.Errorf("error while looking up token. Err: %w", err)
	}

	return record, nil
}
