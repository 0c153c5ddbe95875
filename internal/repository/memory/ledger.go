// Package memory is the reference TokenLedger kept in process memory.
//
// It is correct for a single process only: a second instance would have its own map.
// Use it for tests and local development, never behind a load balancer.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/repository"
)

type Ledger struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*models.TokenRecord
	byHash map[string]uuid.UUID
}

func NewLedger() *Ledger {
	return &Ledger{
		byID:   make(map[uuid.UUID]*models.TokenRecord),
		byHash: make(map[string]uuid.UUID),
	}
}

func (l *Ledger) Insert(_ context.Context, record models.TokenRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byHash[record.TokenHash]; ok {
		return apperrors.ErrTokenHashTaken
	}
	if _, ok := l.byID[record.ID]; ok {
		return fmt.Errorf("repo error: duplicate token id %s", record.ID)
	}

	r := clone(record)
	l.byID[r.ID] = &r
	l.byHash[r.TokenHash] = r.ID
	return nil
}

func (l *Ledger) GetByHash(_ context.Context, tokenHash string) (models.TokenRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.lookup(tokenHash)
	if !ok {
		return models.TokenRecord{}, apperrors.ErrTokenNotFound
	}
	return clone(*r), nil
}

func (l *Ledger) TouchByHash(_ context.Context, tokenHash string, at time.Time) (models.TokenRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.lookup(tokenHash)
	if !ok {
		return models.TokenRecord{}, apperrors.ErrTokenNotFound
	}

	r.ValidationAttempts++
	r.LastValidationAttemptAt = &at
	return clone(*r), nil
}

func (l *Ledger) TryTransition(_ context.Context, id uuid.UUID, from models.TokenState, to models.TokenState, t models.Transition) (bool, error) {
	if err := repository.CheckTransition(from, to); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.byID[id]
	if !ok || r.State != from || r.Expired(t.At) {
		return false, nil
	}

	at := t.At
	r.State = to
	switch to {
	case models.TokenUsed:
		r.UsedAt = &at
		r.UsedBy = t.Actor
		r.UsedFromIP = t.Client.IP
		r.UsedFromDevice = t.Client.Device
	case models.TokenRevoked:
		r.RevokedAt = &at
		r.RevokedBy = t.Actor
		r.RevocationReason = t.Reason
	}
	return true, nil
}

func (l *Ledger) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var count int64
	for id, r := range l.byID {
		if r.ExpiresAt.Before(olderThan) {
			delete(l.byHash, r.TokenHash)
			delete(l.byID, id)
			count++
		}
	}
	return count, nil
}

func (l *Ledger) lookup(tokenHash string) (*models.TokenRecord, bool) {
	id, ok := l.byHash[tokenHash]
	if !ok {
		return nil, false
	}
	r, ok := l.byID[id]
	return r, ok
}

// Copy pointer fields so callers never share memory with the ledger
func clone(r models.TokenRecord) models.TokenRecord {
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	r.UsedAt = copyTime(r.UsedAt)
	r.RevokedAt = copyTime(r.RevokedAt)
	r.LastValidationAttemptAt = copyTime(r.LastValidationAttemptAt)
	return r
}
