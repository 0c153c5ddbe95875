package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/models"
)

type AuditRepo struct {
	DB DBTX
}

const insertAuditEvent = `-- name: Insert audit event
INSERT INTO token_audit_events (id, kind, token_id, entity_type, entity_id, actor, verdict, detail, ip, device, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

func (r *AuditRepo) Record(ctx context.Context, e models.AuditEvent) error {
	var tokenID *uuid.UUID
	if e.TokenID != uuid.Nil {
		tokenID = &e.TokenID
	}

	_, err := r.DB.Exec(ctx, insertAuditEvent,
		e.ID, e.Kind, tokenID, e.EntityType, e.EntityID, e.Actor, e.Verdict, e.Detail, e.IP, e.Device, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
