// Package ledgertest holds the behaviour every repository.TokenLedger must share.
// Storage packages call Run and RunConcurrent from their own tests.
package ledgertest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/repository"
)

// Runs fn with a ledger whose changes are discarded when fn returns
type WithLedger func(t *testing.T, fn func(l repository.TokenLedger))

var (
	issuedAt  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expiresAt = issuedAt.Add(5 * time.Minute)
)

// NewRecord returns an active record with a random id and hash
func NewRecord(t *testing.T) models.TokenRecord {
	t.Helper()

	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)

	return models.TokenRecord{
		ID:         uuid.New(),
		TokenHash:  hex.EncodeToString(b),
		EntityType: models.EntityPrescription,
		EntityID:   "rx-42",
		IssuedBy:   "doctor-7",
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
		State:      models.TokenActive,
	}
}

func Run(t *testing.T, withLedger WithLedger) {
	used := models.Transition{
		At:     issuedAt.Add(4 * time.Minute),
		Actor:  "pharmacist-3",
		Client: models.ClientContext{IP: "10.0.0.3", Device: "terminal-3"},
	}
	revoked := models.Transition{
		At:     issuedAt.Add(time.Minute),
		Actor:  "doctor-7",
		Reason: "lost device",
	}

	t.Run("insert and get", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)

			err := l.Insert(t.Context(), record)
			require.NoError(t, err)

			got, err := l.GetByHash(t.Context(), record.TokenHash)
			require.NoError(t, err)
			assert.Equal(t, record.ID, got.ID)
			assert.Equal(t, record.TokenHash, got.TokenHash)
			assert.Equal(t, record.EntityType, got.EntityType)
			assert.Equal(t, record.EntityID, got.EntityID)
			assert.Equal(t, record.IssuedBy, got.IssuedBy)
			assert.WithinDuration(t, record.IssuedAt, got.IssuedAt, 0)
			assert.WithinDuration(t, record.ExpiresAt, got.ExpiresAt, 0)
			assert.Equal(t, models.TokenActive, got.State)
			assert.Nil(t, got.UsedAt)
			assert.Nil(t, got.RevokedAt)
			assert.Nil(t, got.LastValidationAttemptAt)
			assert.Zero(t, got.ValidationAttempts)
		})
	})

	t.Run("insert duplicate hash", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))

			dup := NewRecord(t)
			dup.TokenHash = record.TokenHash
			err := l.Insert(t.Context(), dup)

			require.ErrorIs(t, err, apperrors.ErrTokenHashTaken)
		})
	})

	t.Run("get not existed", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			_, err := l.GetByHash(t.Context(), "no-such-hash")

			require.ErrorIs(t, err, apperrors.ErrTokenNotFound)
		})
	})

	t.Run("touch counts attempts", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))

			first := issuedAt.Add(time.Minute)
			got, err := l.TouchByHash(t.Context(), record.TokenHash, first)
			require.NoError(t, err)
			require.EqualValues(t, 1, got.ValidationAttempts)
			require.NotNil(t, got.LastValidationAttemptAt)
			require.WithinDuration(t, first, *got.LastValidationAttemptAt, 0)

			second := issuedAt.Add(2 * time.Minute)
			got, err = l.TouchByHash(t.Context(), record.TokenHash, second)
			require.NoError(t, err)
			require.EqualValues(t, 2, got.ValidationAttempts)
			require.WithinDuration(t, second, *got.LastValidationAttemptAt, 0)

			stored, err := l.GetByHash(t.Context(), record.TokenHash)
			require.NoError(t, err)
			require.EqualValues(t, 2, stored.ValidationAttempts, "get must not count as an attempt")
		})
	})

	t.Run("touch not existed", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			_, err := l.TouchByHash(t.Context(), "no-such-hash", issuedAt)

			require.ErrorIs(t, err, apperrors.ErrTokenNotFound)
		})
	})

	t.Run("transition to used", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))

			ok, err := l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenUsed, used)
			require.NoError(t, err)
			require.True(t, ok, "active token must be consumable")

			got, err := l.GetByHash(t.Context(), record.TokenHash)
			require.NoError(t, err)
			require.Equal(t, models.TokenUsed, got.State)
			require.NotNil(t, got.UsedAt)
			require.WithinDuration(t, used.At, *got.UsedAt, 0)
			require.Equal(t, "pharmacist-3", got.UsedBy)
			require.Equal(t, "10.0.0.3", got.UsedFromIP)
			require.Equal(t, "terminal-3", got.UsedFromDevice)
			require.Nil(t, got.RevokedAt)
		})
	})

	t.Run("transition is single shot", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))

			ok, err := l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenUsed, used)
			require.NoError(t, err)
			require.True(t, ok)

			later := used
			later.At = used.At.Add(10 * time.Second)
			later.Actor = "pharmacist-9"
			ok, err = l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenUsed, later)
			require.NoError(t, err)
			require.False(t, ok, "used token must not be consumed twice")

			ok, err = l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenRevoked, revoked)
			require.NoError(t, err)
			require.False(t, ok, "used token must not be revoked")

			got, err := l.GetByHash(t.Context(), record.TokenHash)
			require.NoError(t, err)
			require.Equal(t, "pharmacist-3", got.UsedBy, "first consumer metadata must stay")
			require.WithinDuration(t, used.At, *got.UsedAt, 0)
		})
	})

	t.Run("transition to revoked", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))

			ok, err := l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenRevoked, revoked)
			require.NoError(t, err)
			require.True(t, ok)

			again := revoked
			again.Reason = "overwritten"
			ok, err = l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenRevoked, again)
			require.NoError(t, err)
			require.False(t, ok, "revoked token must not be revoked again")

			got, err := l.GetByHash(t.Context(), record.TokenHash)
			require.NoError(t, err)
			require.Equal(t, models.TokenRevoked, got.State)
			require.NotNil(t, got.RevokedAt)
			require.WithinDuration(t, revoked.At, *got.RevokedAt, 0)
			require.Equal(t, "doctor-7", got.RevokedBy)
			require.Equal(t, "lost device", got.RevocationReason)
			require.Nil(t, got.UsedAt)
		})
	})

	t.Run("transition after deadline", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))

			late := used
			late.At = expiresAt.Add(time.Millisecond)
			ok, err := l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenUsed, late)

			require.NoError(t, err)
			require.False(t, ok, "expired token must never be consumed")
		})
	})

	t.Run("transition at deadline", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))

			edge := used
			edge.At = expiresAt
			ok, err := l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenUsed, edge)

			require.NoError(t, err)
			require.True(t, ok, "token is valid up to and including expires_at")
		})
	})

	t.Run("transition not existed", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			ok, err := l.TryTransition(t.Context(), uuid.New(), models.TokenActive, models.TokenUsed, used)

			require.NoError(t, err)
			require.False(t, ok)
		})
	})

	t.Run("transition not allowed", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))

			_, err := l.TryTransition(t.Context(), record.ID, models.TokenUsed, models.TokenActive, used)

			require.ErrorIs(t, err, apperrors.ErrInvalidArgument)
		})
	})

	t.Run("touch after transition keeps metadata", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			record := NewRecord(t)
			require.NoError(t, l.Insert(t.Context(), record))
			ok, err := l.TryTransition(t.Context(), record.ID, models.TokenActive, models.TokenRevoked, revoked)
			require.NoError(t, err)
			require.True(t, ok)

			var got models.TokenRecord
			for i := range 5 {
				got, err = l.TouchByHash(t.Context(), record.TokenHash, issuedAt.Add(time.Duration(2+i)*time.Minute))
				require.NoError(t, err)
			}

			require.EqualValues(t, 5, got.ValidationAttempts)
			require.Equal(t, models.TokenRevoked, got.State)
			require.WithinDuration(t, revoked.At, *got.RevokedAt, 0)
			require.Equal(t, "lost device", got.RevocationReason)
		})
	})

	t.Run("purge", func(t *testing.T) {
		withLedger(t, func(l repository.TokenLedger) {
			old := NewRecord(t)
			old.ExpiresAt = issuedAt.Add(-48 * time.Hour)
			oldUsed := NewRecord(t)
			oldUsed.ExpiresAt = issuedAt.Add(-47 * time.Hour)
			fresh := NewRecord(t)

			for _, r := range []models.TokenRecord{old, oldUsed, fresh} {
				require.NoError(t, l.Insert(t.Context(), r))
			}
			// state does not matter for retention
			ok, err := l.TryTransition(t.Context(), oldUsed.ID, models.TokenActive, models.TokenUsed, models.Transition{At: oldUsed.ExpiresAt.Add(-time.Minute)})
			require.NoError(t, err)
			require.True(t, ok)

			count, err := l.Purge(t.Context(), issuedAt.Add(-24*time.Hour))
			require.NoError(t, err)
			require.EqualValues(t, 2, count)

			_, err = l.GetByHash(t.Context(), old.TokenHash)
			require.ErrorIs(t, err, apperrors.ErrTokenNotFound)
			_, err = l.GetByHash(t.Context(), oldUsed.TokenHash)
			require.ErrorIs(t, err, apperrors.ErrTokenNotFound)
			_, err = l.GetByHash(t.Context(), fresh.TokenHash)
			require.NoError(t, err, "not expired record must survive purge")
		})
	})
}

// RunConcurrent races n consumers on one record against a ledger that is safe for concurrent use
// Exactly one of them must win.
func RunConcurrent(t *testing.T, l repository.TokenLedger, n int) {
	record := NewRecord(t)
	require.NoError(t, l.Insert(t.Context(), record))

	var (
		wg     sync.WaitGroup
		wins   atomic.Int64
		losses atomic.Int64
		start  = make(chan struct{})
	)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			ok, err := l.TryTransition(context.Background(), record.ID, models.TokenActive, models.TokenUsed, models.Transition{
				At:    issuedAt.Add(time.Minute),
				Actor: "pharmacist-" + string(rune('a'+i%26)),
			})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			} else {
				losses.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	require.EqualValues(t, 1, wins.Load(), "exactly one consumer must win")
	require.EqualValues(t, n-1, losses.Load())

	got, err := l.GetByHash(t.Context(), record.TokenHash)
	require.NoError(t, err)
	require.Equal(t, models.TokenUsed, got.State)
}
