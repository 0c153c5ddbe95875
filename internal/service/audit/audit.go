// Package audit delivers token lifecycle events to sinks without blocking the caller.
//
// Delivery is best effort: a full queue drops the event and a failing sink is only logged.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/logger"
	"github.com/nkiryanov/carepass/internal/models"
)

const (
	DefaultQueueSize    = 1024
	DefaultCountWorkers = 2

	// How long workers keep draining queued events after the context is done
	drainTimeout = 5 * time.Second
)

// Sink stores or forwards audit events
// repository.AuditRepo satisfies it.
type Sink interface {
	Record(ctx context.Context, event models.AuditEvent) error
}

type Dispatcher struct {
	countWorkers int
	queue        chan models.AuditEvent
	sinks        []Sink
	logger       logger.Logger
}

func NewDispatcher(queueSize int, countWorkers int, logger logger.Logger, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if countWorkers <= 0 {
		countWorkers = DefaultCountWorkers
	}

	return &Dispatcher{
		countWorkers: countWorkers,
		queue:        make(chan models.AuditEvent, queueSize),
		sinks:        sinks,
		logger:       logger,
	}
}

// Record enqueues the event and returns immediately
// Returns apperrors.ErrAuditQueueFull when the queue has no room.
func (d *Dispatcher) Record(_ context.Context, event models.AuditEvent) error {
	select {
	case d.queue <- event:
		return nil
	default:
		return apperrors.ErrAuditQueueFull
	}
}

// Consume starts workers that deliver queued events to every sink
// The returned channel is closed when all workers stopped.
func (d *Dispatcher) Consume(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for range d.countWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		d.logger.Debug("Audit dispatcher stopped")
	}()

	return idleStopped
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ctx)
			return
		case event := <-d.queue:
			d.deliver(ctx, event)
		}
	}
}

// Deliver whatever is already queued, bounded by drainTimeout
func (d *Dispatcher) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	for {
		select {
		case <-drainCtx.Done():
			d.logger.Warn("Audit drain timed out", "left_in_queue", len(d.queue))
			return
		case event := <-d.queue:
			d.deliver(drainCtx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event models.AuditEvent) {
	for _, sink := range d.sinks {
		if err := sink.Record(ctx, event); err != nil {
			d.logger.Warn("Audit sink failed", "error", err, "kind", event.Kind, "event_id", event.ID)
		}
	}
}

// LogSink writes every event to the logger
type LogSink struct {
	logger logger.Logger
}

func NewLogSink(l logger.Logger) *LogSink {
	return &LogSink{logger: l.WithGroup("audit")}
}

func (s *LogSink) Record(_ context.Context, e models.AuditEvent) error {
	s.logger.Info("Token event",
		"kind", e.Kind,
		"event_id", e.ID,
		"token_id", e.TokenID,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"actor", e.Actor,
		"verdict", e.Verdict,
		"detail", e.Detail,
		"ip", e.IP,
		"device", e.Device,
		"occurred_at", e.OccurredAt,
	)
	return nil
}
