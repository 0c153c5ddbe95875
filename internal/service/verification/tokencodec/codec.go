// Package tokencodec signs and verifies point-of-care verification tokens.
//
// # Wire format
//
// A token is base64url (no padding) of raw bytes: the CBOR-encoded payload followed by a
// 32-byte HMAC-SHA256 over the payload bytes.
//
//	[CBOR payload bytes] [32-byte HMAC-SHA256]
//
// The split point is always len(raw) - 32. The signature is checked before the payload is
// parsed, so any altered byte in a well-sized token is reported as a signature mismatch.
// The format is not a public interchange format: outside this package a token is an opaque string.
package tokencodec

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
)

const (
	// PayloadVersion is the schema version written into every payload
	PayloadVersion = 1

	signatureSize = sha256.Size
	nonceSize     = 16
)

// Strict rejects non-zero trailing bits, so every token has exactly one spelling
var encoding = base64.RawURLEncoding.Strict()

// Payload is the signed part of a token
// Integer keys keep the schema explicit: renaming a Go field never changes the signed bytes.
// Expiry here is advisory; authorization uses the ledger's expires_at.
type Payload struct {
	Version    uint8             `cbor:"1,keyasint"`
	EntityType models.EntityType `cbor:"2,keyasint"`
	EntityID   string            `cbor:"3,keyasint"`
	IssuedAt   int64             `cbor:"4,keyasint"` // unix milliseconds
	ExpiresAt  int64             `cbor:"5,keyasint"` // unix milliseconds
	Nonce      []byte            `cbor:"6,keyasint"`
}

func (p Payload) IssuedAtTime() time.Time  { return time.UnixMilli(p.IssuedAt).UTC() }
func (p Payload) ExpiresAtTime() time.Time { return time.UnixMilli(p.ExpiresAt).UTC() }

// Core Deterministic Encoding: the same payload always produces identical bytes
var encMode cbor.EncMode

// Unknown fields are rejected: a payload is either our schema or malformed
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tokencodec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("tokencodec: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewNonce returns fresh random bytes for a payload
func NewNonce() ([]byte, error) {
	b := make([]byte, nonceSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("error while generating nonce. Err: %w", err)
	}
	return b, nil
}

// Encode signs the payload and returns the opaque token string
func Encode(key SigningKey, p Payload) (string, error) {
	if key.IsZero() {
		return "", apperrors.ErrSigningKeyMissing
	}
	if len(p.Nonce) == 0 {
		return "", fmt.Errorf("%w: payload nonce is empty", apperrors.ErrInvalidArgument)
	}

	payload, err := encMode.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("error while encoding token payload. Err: %w", err)
	}

	raw := make([]byte, 0, len(payload)+signatureSize)
	raw = append(raw, payload...)
	raw = append(raw, sign(key, payload)...)

	return encoding.EncodeToString(raw), nil
}

// Decode verifies the token signature and parses the payload
//
// Returns:
//   - apperrors.ErrTokenMalformed if the string is not a well-formed token
//   - signatureValid=false (and a zero payload) if the signature does not match
//   - the payload and signatureValid=true otherwise
func Decode(key SigningKey, token string) (p Payload, signatureValid bool, err error) {
	if key.IsZero() {
		return p, false, apperrors.ErrSigningKeyMissing
	}

	raw, err := encoding.DecodeString(token)
	if err != nil {
		return p, false, fmt.Errorf("%w: %v", apperrors.ErrTokenMalformed, err)
	}
	if len(raw) <= signatureSize {
		return p, false, fmt.Errorf("%w: too short for signature", apperrors.ErrTokenMalformed)
	}

	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]

	if !hmac.Equal(signature, sign(key, payload)) {
		return p, false, nil
	}

	if err := decMode.Unmarshal(payload, &p); err != nil {
		return Payload{}, true, fmt.Errorf("%w: %v", apperrors.ErrTokenMalformed, err)
	}

	switch {
	case p.Version != PayloadVersion:
		return Payload{}, true, fmt.Errorf("%w: unsupported payload version %d", apperrors.ErrTokenMalformed, p.Version)
	case p.EntityID == "" || len(p.Nonce) == 0:
		return Payload{}, true, fmt.Errorf("%w: missing payload fields", apperrors.ErrTokenMalformed)
	}

	return p, true, nil
}

// HashToken returns the ledger lookup key for the full token string
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func sign(key SigningKey, payload []byte) []byte {
	mac := hmac.New(sha256.New, key.token)
	mac.Write(payload)
	return mac.Sum(nil)
}
