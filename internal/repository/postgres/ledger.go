package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/repository"
)

type LedgerRepo struct {
	DB DBTX
}

const tokenColumns = `id, token_hash, entity_type, entity_id, issued_by, issued_at, expires_at, state,
	used_at, used_by, used_from_ip, used_from_device,
	revoked_at, revoked_by, revocation_reason,
	validation_attempts, last_validation_attempt_at`

func rowToRecord(row pgx.CollectableRow) (models.TokenRecord, error) {
	var r models.TokenRecord
	err := row.Scan(
		&r.ID, &r.TokenHash, &r.EntityType, &r.EntityID, &r.IssuedBy, &r.IssuedAt, &r.ExpiresAt, &r.State,
		&r.UsedAt, &r.UsedBy, &r.UsedFromIP, &r.UsedFromDevice,
		&r.RevokedAt, &r.RevokedBy, &r.RevocationReason,
		&r.ValidationAttempts, &r.LastValidationAttemptAt,
	)
	return r, err
}

func collectRecord(rows pgx.Rows, err error) (models.TokenRecord, error) {
	if err != nil {
		return models.TokenRecord{}, fmt.Errorf("db error: %w", err)
	}
	record, err := pgx.CollectOneRow(rows, rowToRecord)

	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, pgx.ErrNoRows):
		return record, fmt.Errorf("repo error: %w", apperrors.ErrTokenNotFound)
	default:
		return record, fmt.Errorf("db error: %w", err)
	}
}

const insertToken = `-- name: Insert token record
INSERT INTO verification_tokens (id, token_hash, entity_type, entity_id, issued_by, issued_at, expires_at, state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func (r *LedgerRepo) Insert(ctx context.Context, record models.TokenRecord) error {
	_, err := r.DB.Exec(ctx, insertToken,
		record.ID, record.TokenHash, record.EntityType, record.EntityID, record.IssuedBy,
		record.IssuedAt, record.ExpiresAt, models.TokenActive,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "verification_tokens_token_hash_key" {
		return fmt.Errorf("repo error: %w", apperrors.ErrTokenHashTaken)
	}
	return fmt.Errorf("db error: %w", err)
}

const getTokenByHash = `-- name: Get token record by hash
SELECT ` + tokenColumns + `
FROM verification_tokens
WHERE token_hash = $1
`

func (r *LedgerRepo) GetByHash(ctx context.Context, tokenHash string) (models.TokenRecord, error) {
	return collectRecord(r.DB.Query(ctx, getTokenByHash, tokenHash))
}

const touchTokenByHash = `-- name: Count validation attempt
UPDATE verification_tokens
SET validation_attempts = validation_attempts + 1,
    last_validation_attempt_at = $2
WHERE token_hash = $1
RETURNING ` + tokenColumns

func (r *LedgerRepo) TouchByHash(ctx context.Context, tokenHash string, at time.Time) (models.TokenRecord, error) {
	return collectRecord(r.DB.Query(ctx, touchTokenByHash, tokenHash, at))
}

const consumeToken = `-- name: Move token to used if it still active
UPDATE verification_tokens
SET state = $3, used_at = $4, used_by = $5, used_from_ip = $6, used_from_device = $7
WHERE id = $1 AND state = $2 AND expires_at >= $4
`

const revokeToken = `-- name: Move token to revoked if it still active
UPDATE verification_tokens
SET state = $3, revoked_at = $4, revoked_by = $5, revocation_reason = $6
WHERE id = $1 AND state = $2 AND expires_at >= $4
`

// Conditional update: the row is changed only if nobody changed it before
// Concurrent callers are serialized by the row lock, the losers see zero affected rows
func (r *LedgerRepo) TryTransition(ctx context.Context, id uuid.UUID, from models.TokenState, to models.TokenState, t models.Transition) (bool, error) {
	if err := repository.CheckTransition(from, to); err != nil {
		return false, err
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	switch to {
	case models.TokenUsed:
		tag, err = r.DB.Exec(ctx, consumeToken, id, from, to, t.At, t.Actor, t.Client.IP, t.Client.Device)
	case models.TokenRevoked:
		tag, err = r.DB.Exec(ctx, revokeToken, id, from, to, t.At, t.Actor, t.Reason)
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

const purgeTokens = `-- name: Delete tokens expired before the cutoff
DELETE FROM verification_tokens
WHERE expires_at < $1
`

func (r *LedgerRepo) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, purgeTokens, olderThan)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}
