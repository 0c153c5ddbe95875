package models

import (
	"time"

	"github.com/google/uuid"
)

// Kind of a domain object a token may authorize action on
// The set is closed: tokens are typed at issuance, never inferred
type EntityType string

const (
	EntityPrescription EntityType = "Prescription"
	EntityAppointment  EntityType = "Appointment"
	EntityMedicalNote  EntityType = "MedicalNote"
	EntityInventory    EntityType = "InventoryItem"
)

var knownEntityTypes = map[EntityType]struct{}{
	EntityPrescription: {},
	EntityAppointment:  {},
	EntityMedicalNote:  {},
	EntityInventory:    {},
}

func (t EntityType) Known() bool {
	_, ok := knownEntityTypes[t]
	return ok
}

// TokenState is the lifecycle state of a ledger record
// Only active, used and revoked are ever stored. Expired and unknown are read-time projections.
type TokenState string

const (
	TokenActive  TokenState = "active"
	TokenUsed    TokenState = "used"
	TokenRevoked TokenState = "revoked"
	TokenExpired TokenState = "expired"
	TokenUnknown TokenState = "unknown"
)

// TokenRecord is the ledger row of an issued token
// The raw token is never stored, only its hash
type TokenRecord struct {
	ID         uuid.UUID
	TokenHash  string
	EntityType EntityType
	EntityID   string
	IssuedBy   string
	IssuedAt   time.Time
	ExpiresAt  time.Time // authoritative expiry
	State      TokenState

	UsedAt         *time.Time // nil if token not used
	UsedBy         string
	UsedFromIP     string
	UsedFromDevice string

	RevokedAt        *time.Time // nil if token not revoked
	RevokedBy        string
	RevocationReason string

	ValidationAttempts      int64
	LastValidationAttemptAt *time.Time
}

// Expired reports whether the record is past its stored deadline at the moment now
func (r TokenRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Effective state as seen at the moment now: expiry dominates the stored state
func (r TokenRecord) Effective(now time.Time) TokenState {
	if r.Expired(now) {
		return TokenExpired
	}
	return r.State
}

// Where the redeeming party scanned the token
type ClientContext struct {
	IP     string
	Device string
}

// Metadata written once on a state transition
type Transition struct {
	At     time.Time
	Actor  string
	Client ClientContext // used transition only
	Reason string        // revoked transition only
}

// Token handed to the issuing caller
type IssuedToken struct {
	ID        uuid.UUID
	Value     string
	ExpiresAt time.Time
}

// Staff member acting on tokens
type Actor struct {
	ID string
}
