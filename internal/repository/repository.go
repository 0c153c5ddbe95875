package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
)

// TokenLedger stores one record per issued token, keyed by the token hash
//
// Every implementation must enforce state transitions at the storage layer:
// TryTransition is a single conditional write, never a read followed by a write.
// Storage failures are returned as wrapped errors and must never be mapped to a "not found".
type TokenLedger interface {
	// Insert a new active record
	// If a record with the same hash exists must return apperrors.ErrTokenHashTaken
	Insert(ctx context.Context, record models.TokenRecord) error

	// Return the record by token hash without touching it
	// If not found must return apperrors.ErrTokenNotFound
	GetByHash(ctx context.Context, tokenHash string) (models.TokenRecord, error)

	// Increment validation attempts, set the last attempt time and return the updated record
	// If not found must return apperrors.ErrTokenNotFound
	TouchByHash(ctx context.Context, tokenHash string, at time.Time) (models.TokenRecord, error)

	// Atomically move the record from one state to another
	// The write succeeds only when the current state equals 'from' and the record is not expired at t.At.
	// Returns false (and no error) when the condition does not hold: another caller won the race.
	TryTransition(ctx context.Context, id uuid.UUID, from models.TokenState, to models.TokenState, t models.Transition) (bool, error)

	// Delete records that expired before olderThan, whatever their state
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// AuditRepo persists audit events
type AuditRepo interface {
	Record(ctx context.Context, event models.AuditEvent) error
}

// CheckTransition rejects anything but active -> used and active -> revoked
func CheckTransition(from models.TokenState, to models.TokenState) error {
	if from == models.TokenActive && (to == models.TokenUsed || to == models.TokenRevoked) {
		return nil
	}
	return fmt.Errorf("%w: transition %s -> %s", apperrors.ErrInvalidArgument, from, to)
}
