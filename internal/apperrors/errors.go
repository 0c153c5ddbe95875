package apperrors

import (
	"errors"
)

var (
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenHashTaken = errors.New("token hash already exists")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenTampered  = errors.New("token signature mismatch")

	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrInvalidTTL        = errors.New("token ttl is out of range")
	ErrInvalidArgument   = errors.New("invalid argument")

	ErrSigningKeyMissing  = errors.New("signing key is missing")
	ErrSigningKeyTooShort = errors.New("signing key is too short")

	ErrAuditQueueFull = errors.New("audit queue is full")

	ErrActorUnauthorized = errors.New("actor is not authorized")
)
