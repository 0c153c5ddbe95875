package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/repository"
	"github.com/nkiryanov/carepass/internal/repository/ledgertest"
	"github.com/nkiryanov/carepass/internal/testutil"
)

func Test_LedgerRepo(t *testing.T) {
	t.Parallel() // It's ok to run in parallel with other tests, but not with subtests

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	ledgertest.Run(t, func(t *testing.T, fn func(l repository.TokenLedger)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			fn(NewStorage(tx).Ledger())
		})
	})

	// Concurrent consumers need their own connections, so run on the pool and not in a tx
	t.Run("concurrent consume", func(t *testing.T) {
		testutil.CleanLedger(t, pg.Pool)
		ledgertest.RunConcurrent(t, NewStorage(pg.Pool).Ledger(), 16)
	})

	t.Run("timestamps keep microseconds", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := LedgerRepo{DB: tx}
			record := ledgertest.NewRecord(t)
			record.IssuedAt = time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)

			err := repo.Insert(t.Context(), record)
			require.NoError(t, err)

			got, err := repo.GetByHash(t.Context(), record.TokenHash)
			require.NoError(t, err)
			require.True(t, record.IssuedAt.Equal(got.IssuedAt), "want %s, got %s", record.IssuedAt, got.IssuedAt)
		})
	})
}

func Test_AuditRepo(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	event := models.AuditEvent{
		ID:         uuid.New(),
		Kind:       models.AuditConsumed,
		TokenID:    uuid.New(),
		EntityType: models.EntityPrescription,
		EntityID:   "rx-42",
		Actor:      "pharmacist-3",
		Verdict:    models.VerdictValid,
		IP:         "10.0.0.3",
		Device:     "terminal-3",
		OccurredAt: time.Date(2025, 3, 1, 12, 4, 0, 0, time.UTC),
	}

	t.Run("record ok", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := AuditRepo{DB: tx}

			err := repo.Record(t.Context(), event)
			require.NoError(t, err)

			var (
				kind    string
				tokenID *uuid.UUID
				verdict string
			)
			err = tx.QueryRow(t.Context(), `SELECT kind, token_id, verdict FROM token_audit_events WHERE id = $1`, event.ID).Scan(&kind, &tokenID, &verdict)
			require.NoError(t, err)
			require.Equal(t, "consumed", kind)
			require.NotNil(t, tokenID)
			require.Equal(t, event.TokenID, *tokenID)
			require.Equal(t, "valid", verdict)
		})
	})

	t.Run("record without token", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := AuditRepo{DB: tx}
			e := event
			e.ID = uuid.New()
			e.Kind = models.AuditValidationFailed
			e.TokenID = uuid.Nil
			e.Verdict = models.VerdictTampered

			err := repo.Record(t.Context(), e)
			require.NoError(t, err)

			var tokenID *uuid.UUID
			err = tx.QueryRow(t.Context(), `SELECT token_id FROM token_audit_events WHERE id = $1`, e.ID).Scan(&tokenID)
			require.NoError(t, err)
			require.Nil(t, tokenID, "unresolved token must be stored as NULL")
		})
	})

	t.Run("duplicate id fails", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := AuditRepo{DB: tx}
			require.NoError(t, repo.Record(t.Context(), event))

			err := repo.Record(t.Context(), event)

			require.Error(t, err)
		})
	})
}
