package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/models"
)

type AuditRepo struct {
	DB *sql.DB
}

const insertAuditEvent = `INSERT INTO token_audit_events (id, kind, token_id, entity_type, entity_id, actor, verdict, detail, ip, device, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *AuditRepo) Record(ctx context.Context, e models.AuditEvent) error {
	var tokenID sql.NullString
	if e.TokenID != uuid.Nil {
		tokenID = sql.NullString{String: e.TokenID.String(), Valid: true}
	}

	_, err := r.DB.ExecContext(ctx, insertAuditEvent,
		e.ID, e.Kind, tokenID, e.EntityType, e.EntityID, e.Actor, e.Verdict, e.Detail, e.IP, e.Device, e.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
