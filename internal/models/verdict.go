package models

import (
	"time"

	"github.com/google/uuid"
)

type VerdictKind string

const (
	VerdictValid       VerdictKind = "valid"
	VerdictTampered    VerdictKind = "tampered"
	VerdictMalformed   VerdictKind = "malformed"
	VerdictNotFound    VerdictKind = "not_found"
	VerdictExpired     VerdictKind = "expired"
	VerdictAlreadyUsed VerdictKind = "already_used"
	VerdictRevoked     VerdictKind = "revoked"
)

// Verdict is the outcome of a token validation
//
// Kind discriminates the variant. Which of the other fields are set depends on it:
//   - valid: TokenID, EntityType, EntityID, ExpiresAt (and Consumed when consumption was requested)
//   - expired: TokenID, ExpiresAt
//   - already_used: TokenID, UsedAt
//   - revoked: TokenID, RevokedAt, RevocationReason
//   - tampered, malformed, not_found: nothing, entity details are never revealed
type Verdict struct {
	Kind VerdictKind

	TokenID    uuid.UUID
	EntityType EntityType
	EntityID   string
	ExpiresAt  time.Time
	Consumed   bool

	UsedAt *time.Time

	RevokedAt        *time.Time
	RevocationReason string
}

func (v Verdict) Valid() bool {
	return v.Kind == VerdictValid
}

// Authorizes reports whether the verdict is valid for the entity type the caller expects
// Workflows must use it instead of Valid: a Prescription token must not authorize a MedicalNote action
func (v Verdict) Authorizes(expected EntityType) bool {
	return v.Valid() && v.EntityType == expected
}
