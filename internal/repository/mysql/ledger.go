// Package mysql stores the token ledger and audit events in MySQL through database/sql.
// Connections must be opened with parseTime=true (see db.ConnectMySQL).
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/repository"
)

const (
	errDuplicateEntry = 1062

	// MySQL names the violated key in the duplicate entry message
	tokenHashKey = "verification_tokens_token_hash_key"
)

type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Ledger() repository.TokenLedger {
	return &LedgerRepo{DB: s.db}
}

func (s *Storage) Audit() repository.AuditRepo {
	return &AuditRepo{DB: s.db}
}

type LedgerRepo struct {
	DB *sql.DB
}

const tokenColumns = `id, token_hash, entity_type, entity_id, issued_by, issued_at, expires_at, state,
	used_at, used_by, used_from_ip, used_from_device,
	revoked_at, revoked_by, revocation_reason,
	validation_attempts, last_validation_attempt_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.TokenRecord, error) {
	var r models.TokenRecord
	err := row.Scan(
		&r.ID, &r.TokenHash, &r.EntityType, &r.EntityID, &r.IssuedBy, &r.IssuedAt, &r.ExpiresAt, &r.State,
		&r.UsedAt, &r.UsedBy, &r.UsedFromIP, &r.UsedFromDevice,
		&r.RevokedAt, &r.RevokedBy, &r.RevocationReason,
		&r.ValidationAttempts, &r.LastValidationAttemptAt,
	)

	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, sql.ErrNoRows):
		return r, fmt.Errorf("repo error: %w", apperrors.ErrTokenNotFound)
	default:
		return r, fmt.Errorf("db error: %w", err)
	}
}

const insertToken = `INSERT INTO verification_tokens (id, token_hash, entity_type, entity_id, issued_by, issued_at, expires_at, state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (r *LedgerRepo) Insert(ctx context.Context, record models.TokenRecord) error {
	_, err := r.DB.ExecContext(ctx, insertToken,
		record.ID, record.TokenHash, record.EntityType, record.EntityID, record.IssuedBy,
		record.IssuedAt.UTC(), record.ExpiresAt.UTC(), models.TokenActive,
	)
	if err == nil {
		return nil
	}

	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry && strings.Contains(mysqlErr.Message, tokenHashKey) {
		return fmt.Errorf("repo error: %w", apperrors.ErrTokenHashTaken)
	}
	return fmt.Errorf("db error: %w", err)
}

const getTokenByHash = `SELECT ` + tokenColumns + ` FROM verification_tokens WHERE token_hash = ?`

func (r *LedgerRepo) GetByHash(ctx context.Context, tokenHash string) (models.TokenRecord, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, getTokenByHash, tokenHash))
}

const touchTokenByHash = `UPDATE verification_tokens
SET validation_attempts = validation_attempts + 1, last_validation_attempt_at = ?
WHERE token_hash = ?`

// MySQL has no UPDATE ... RETURNING, so update and read back in one transaction
func (r *LedgerRepo) TouchByHash(ctx context.Context, tokenHash string, at time.Time) (record models.TokenRecord, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return record, fmt.Errorf("db tx error: %w", err)
	}

	defer func() {
		switch err {
		case nil:
			if err = tx.Commit(); err != nil {
				err = fmt.Errorf("db tx error: %w", err)
			}
		default:
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, touchTokenByHash, at.UTC(), tokenHash)
	if err != nil {
		return record, fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return record, fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return record, fmt.Errorf("repo error: %w", apperrors.ErrTokenNotFound)
	}

	return scanRecord(tx.QueryRowContext(ctx, getTokenByHash, tokenHash))
}

const consumeToken = `UPDATE verification_tokens
SET state = ?, used_at = ?, used_by = ?, used_from_ip = ?, used_from_device = ?
WHERE id = ? AND state = ? AND expires_at >= ?`

const revokeToken = `UPDATE verification_tokens
SET state = ?, revoked_at = ?, revoked_by = ?, revocation_reason = ?
WHERE id = ? AND state = ? AND expires_at >= ?`

func (r *LedgerRepo) TryTransition(ctx context.Context, id uuid.UUID, from models.TokenState, to models.TokenState, t models.Transition) (bool, error) {
	if err := repository.CheckTransition(from, to); err != nil {
		return false, err
	}

	at := t.At.UTC()
	var (
		res sql.Result
		err error
	)
	switch to {
	case models.TokenUsed:
		res, err = r.DB.ExecContext(ctx, consumeToken, to, at, t.Actor, t.Client.IP, t.Client.Device, id, from, at)
	case models.TokenRevoked:
		res, err = r.DB.ExecContext(ctx, revokeToken, to, at, t.Actor, t.Reason, id, from, at)
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return affected == 1, nil
}

const purgeTokens = `DELETE FROM verification_tokens WHERE expires_at < ?`

func (r *LedgerRepo) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, purgeTokens, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return count, nil
}
