package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/service/verification/tokencodec"
)

func (s *Service) Issue(ctx context.Context, entityType models.EntityType, entityID string, actor string, ttl time.Duration) (models.IssuedToken, error) {
	var issued models.IssuedToken

	switch {
	case !entityType.Known():
		return issued, fmt.Errorf("%w: %q", apperrors.ErrUnknownEntityType, entityType)
	case entityID == "":
		return issued, fmt.Errorf("%w: entity id is empty", apperrors.ErrInvalidArgument)
	case actor == "":
		return issued, fmt.Errorf("%w: issuer is empty", apperrors.ErrInvalidArgument)
	case ttl <= 0 || ttl > s.maxTTL:
		return issued, fmt.Errorf("%w: %s not in (0, %s]", apperrors.ErrInvalidTTL, ttl, s.maxTTL)
	}

	now := s.now()
	record := models.TokenRecord{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		IssuedBy:   actor,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		State:      models.TokenActive,
	}

	var token string
	for attempt := 1; ; attempt++ {
		nonce, err := tokencodec.NewNonce()
		if err != nil {
			return issued, err
		}

		token, err = tokencodec.Encode(s.key, tokencodec.Payload{
			Version:    tokencodec.PayloadVersion,
			EntityType: entityType,
			EntityID:   entityID,
			IssuedAt:   record.IssuedAt.UnixMilli(),
			ExpiresAt:  record.ExpiresAt.UnixMilli(),
			Nonce:      nonce,
		})
		if err != nil {
			return issued, fmt.Errorf("error while encoding token. Err: %w", err)
		}

		record.TokenHash = tokencodec.HashToken(token)
		err = s.ledger.Insert(ctx, record)
		if err == nil {
			break
		}

		// Caller must never get a token the ledger does not know
		if !errors.Is(err, apperrors.ErrTokenHashTaken) || attempt == issueAttempts {
			s.logger.Error("Failed to record issued token", "error", err, "attempt", attempt)
			return issued, fmt.Errorf("error while recording token. Err: %w", err)
		}
		s.logger.Warn("Token hash collision, retrying with fresh nonce", "attempt", attempt)
	}

	s.logger.Info("Token issued", "token_id", record.ID, "entity_type", entityType, "issued_by", actor, "expires_at", record.ExpiresAt)
	s.notify(ctx, models.AuditEvent{
		Kind:       models.AuditIssued,
		TokenID:    record.ID,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		OccurredAt: now,
	})

	return models.IssuedToken{
		ID:        record.ID,
		Value:     token,
		ExpiresAt: record.ExpiresAt,
	}, nil
}
