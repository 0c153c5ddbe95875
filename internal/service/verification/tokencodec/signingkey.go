package tokencodec

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/nkiryanov/carepass/internal/apperrors"
)

// MinSecretLen is the minimum length of the process secret in bytes
const MinSecretLen = 32

const (
	tokenSigningInfo = "carepass-token-signing-v1"
	staffAccessInfo  = "carepass-staff-access-v1"
	subkeyLen        = 32
)

// SigningKey holds keys derived from the process secret
// Built once at startup and never mutated, so it is safe to share between goroutines
type SigningKey struct {
	token []byte
	staff []byte
}

// NewSigningKey validates the secret and derives the subkeys
// Returns apperrors.ErrSigningKeyMissing or apperrors.ErrSigningKeyTooShort for unusable secrets;
// callers must treat both as fatal.
func NewSigningKey(secret string) (SigningKey, error) {
	switch {
	case secret == "":
		return SigningKey{}, apperrors.ErrSigningKeyMissing
	case len(secret) < MinSecretLen:
		return SigningKey{}, fmt.Errorf("%w: got %d bytes, need at least %d", apperrors.ErrSigningKeyTooShort, len(secret), MinSecretLen)
	}

	token, err := derive([]byte(secret), tokenSigningInfo)
	if err != nil {
		return SigningKey{}, err
	}
	staff, err := derive([]byte(secret), staffAccessInfo)
	if err != nil {
		return SigningKey{}, err
	}

	return SigningKey{token: token, staff: staff}, nil
}

// Staff returns the subkey for staff access tokens
// The slice is a copy, so callers can not alter the key store
func (k SigningKey) Staff() []byte {
	return append([]byte(nil), k.staff...)
}

// IsZero reports whether the key was never initialized with NewSigningKey
func (k SigningKey) IsZero() bool {
	return len(k.token) == 0
}

// HKDF-SHA256 keeps token signing and staff authentication keys independent
func derive(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))

	key := make([]byte, subkeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("error while deriving %s key. Err: %w", info, err)
	}
	return key, nil
}
