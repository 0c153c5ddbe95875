package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditKind string

const (
	AuditIssued           AuditKind = "issued"
	AuditValidated        AuditKind = "validated"
	AuditConsumed         AuditKind = "consumed"
	AuditRevoked          AuditKind = "revoked"
	AuditValidationFailed AuditKind = "validation_failed"
)

// AuditEvent is a best-effort notification about a token lifecycle step
type AuditEvent struct {
	ID         uuid.UUID
	Kind       AuditKind
	TokenID    uuid.UUID // uuid.Nil when the token could not be resolved
	EntityType EntityType
	EntityID   string
	Actor      string
	Verdict    VerdictKind
	Detail     string
	IP         string
	Device     string
	OccurredAt time.Time
}
