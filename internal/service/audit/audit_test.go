package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/logger"
	"github.com/nkiryanov/carepass/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.AuditEvent
	err    error
	block  chan struct{}
}

func (s *recordingSink) Record(_ context.Context, e models.AuditEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newEvent(kind models.AuditKind) models.AuditEvent {
	return models.AuditEvent{
		ID:         uuid.New(),
		Kind:       kind,
		TokenID:    uuid.New(),
		EntityType: models.EntityPrescription,
		EntityID:   "rx-42",
		OccurredAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func Test_Dispatcher(t *testing.T) {
	t.Run("delivers to every sink", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		first, second := &recordingSink{}, &recordingSink{}
		d := NewDispatcher(16, 2, logger.NewNoOpLogger(), first, second)
		ctx, cancel := context.WithCancel(t.Context())
		stopped := d.Consume(ctx)

		for _, kind := range []models.AuditKind{models.AuditIssued, models.AuditConsumed, models.AuditRevoked} {
			require.NoError(t, d.Record(ctx, newEvent(kind)))
		}

		require.Eventually(t, func() bool {
			return first.len() == 3 && second.len() == 3
		}, time.Second, 5*time.Millisecond)

		cancel()
		<-stopped
	})

	t.Run("full queue drops without blocking", func(t *testing.T) {
		d := NewDispatcher(2, 1, logger.NewNoOpLogger())

		require.NoError(t, d.Record(t.Context(), newEvent(models.AuditIssued)))
		require.NoError(t, d.Record(t.Context(), newEvent(models.AuditIssued)))
		err := d.Record(t.Context(), newEvent(models.AuditIssued))

		require.ErrorIs(t, err, apperrors.ErrAuditQueueFull)
	})

	t.Run("failing sink does not stop delivery", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		var buf bytes.Buffer
		log, err := logger.NewTextLoggerTo(&buf, logger.LevelWarn)
		require.NoError(t, err)
		failing := &recordingSink{err: errors.New("db is down")}
		ok := &recordingSink{}
		d := NewDispatcher(16, 1, log, failing, ok)
		ctx, cancel := context.WithCancel(t.Context())
		stopped := d.Consume(ctx)

		require.NoError(t, d.Record(ctx, newEvent(models.AuditConsumed)))
		require.NoError(t, d.Record(ctx, newEvent(models.AuditRevoked)))

		require.Eventually(t, func() bool { return ok.len() == 2 }, time.Second, 5*time.Millisecond)
		cancel()
		<-stopped

		require.Equal(t, 2, failing.len())
		require.Contains(t, buf.String(), "db is down")
	})

	t.Run("drains queue on stop", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		sink := &recordingSink{}
		d := NewDispatcher(16, 1, logger.NewNoOpLogger(), sink)
		for range 5 {
			require.NoError(t, d.Record(t.Context(), newEvent(models.AuditValidated)))
		}

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		<-d.Consume(ctx)

		require.Equal(t, 5, sink.len(), "queued events must be delivered before workers exit")
	})

	t.Run("record never waits for slow sink", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		slow := &recordingSink{block: make(chan struct{})}
		d := NewDispatcher(1, 1, logger.NewNoOpLogger(), slow)
		ctx, cancel := context.WithCancel(t.Context())
		stopped := d.Consume(ctx)

		// first event is held by the worker, second fills the queue
		require.NoError(t, d.Record(ctx, newEvent(models.AuditIssued)))
		require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
		require.NoError(t, d.Record(ctx, newEvent(models.AuditIssued)))

		done := make(chan error)
		go func() { done <- d.Record(ctx, newEvent(models.AuditIssued)) }()

		select {
		case err := <-done:
			require.ErrorIs(t, err, apperrors.ErrAuditQueueFull)
		case <-time.After(time.Second):
			t.Fatal("Record blocked on a slow sink")
		}

		cancel()
		close(slow.block)
		<-stopped
	})
}

func Test_LogSink(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewTextLoggerTo(&buf, logger.LevelInfo)
	require.NoError(t, err)

	err = NewLogSink(log).Record(t.Context(), newEvent(models.AuditConsumed))

	require.NoError(t, err)
	require.Contains(t, buf.String(), "audit.kind=consumed")
	require.Contains(t, buf.String(), "audit.entity_id=rx-42")
}
