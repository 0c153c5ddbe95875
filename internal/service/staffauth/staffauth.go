// Package staffauth mints and parses access tokens that identify staff members calling the API.
package staffauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/clock"
	"github.com/nkiryanov/carepass/internal/models"
)

const (
	defaultAccessTTL     = 12 * time.Hour
	defaultSigningMethod = "HS256"
	issuer               = "carepass"
)

type AccessClaims struct {
	jwt.RegisteredClaims
}

type Config struct {
	// Key to sign access tokens, derived with tokencodec.SigningKey.Staff
	// Required to be set
	Key []byte

	// Access token lifetime when Mint gets zero ttl
	// If not set than default is used
	AccessTTL time.Duration

	// Time source, real clock if not set
	Clock clock.Clock
}

type Manager struct {
	key       []byte
	alg       jwt.SigningMethod
	accessTTL time.Duration
	clock     clock.Clock
}

func New(cfg Config) (*Manager, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("staff key must not be empty")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Manager{
		key:       cfg.Key,
		alg:       jwt.GetSigningMethod(defaultSigningMethod),
		accessTTL: cfg.AccessTTL,
		clock:     cfg.Clock,
	}, nil
}

// Mint signs an access token whose subject is the actor id
func (m *Manager) Mint(actorID string, ttl time.Duration) (string, time.Time, error) {
	if actorID == "" {
		return "", time.Time{}, fmt.Errorf("%w: actor id is empty", apperrors.ErrInvalidArgument)
	}
	if ttl == 0 {
		ttl = m.accessTTL
	}
	if ttl < 0 {
		return "", time.Time{}, fmt.Errorf("%w: negative ttl", apperrors.ErrInvalidArgument)
	}

	now := m.clock.Now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(m.alg, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	return signed, expiresAt, nil
}

// Parse validates the access token and returns the actor it was minted for
func (m *Manager) Parse(access string) (models.Actor, error) {
	claims := &AccessClaims{}

	_, err := jwt.ParseWithClaims(
		access,
		claims,
		func(t *jwt.Token) (any, error) {
			return m.key, nil
		},
		jwt.WithValidMethods([]string{m.alg.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", apperrors.ErrActorUnauthorized, err)
	}
	if claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("%w: token has no subject", apperrors.ErrActorUnauthorized)
	}

	return models.Actor{ID: claims.Subject}, nil
}
