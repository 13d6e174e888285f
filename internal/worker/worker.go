// Package worker consumes domain events from the ingest queue and turns them into
// notifications through the emitter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/event"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/sqs"
)

// dedupScope is the idempotency key space for queue message ids.
const dedupScope = "ingest"

// Queue is the part of sqs.Queue the worker needs.
type Queue interface {
	Receive(ctx context.Context) ([]sqs.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, delay time.Duration) error
}

// Dedup guards against handling a redelivered message twice. Nil disables it.
type Dedup interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// Config tunes retries and polling.
type Config struct {
	// MaxReceives drops a message that keeps failing after this many deliveries.
	MaxReceives int
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Worker turns queued domain events into notifications.
type Worker struct {
	queue   Queue
	emitter *notify.Service
	dedup   Dedup
	config  Config
	logger  *zap.Logger
}

// New builds a worker. dedup may be nil, which disables message-id dedup.
func New(queue Queue, emitter *notify.Service, dedup Dedup, cfg Config, logger *zap.Logger) *Worker {
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 5
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Worker{
		queue:   queue,
		emitter: emitter,
		dedup:   dedup,
		config:  cfg,
		logger:  logger,
	}
}

// Start polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("ingest worker started", zap.Int("max_receives", w.config.MaxReceives))
	for {
		if ctx.Err() != nil {
			w.logger.Info("ingest worker stopping")
			return
		}

		msgs, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("failed to receive domain events", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.config.ErrorBackoff):
			}
			continue
		}

		for _, m := range msgs {
			w.process(ctx, m)
		}
	}
}

func (w *Worker) process(ctx context.Context, m sqs.Message) {
	log := w.logger.With(zap.String("message_id", m.ID), zap.Int("receive_count", m.ReceiveCount))

	ev, err := m.Decode()
	if err != nil {
		log.Warn("dropping undecodable domain event", zap.Error(err))
		metrics.RecordIngest("malformed")
		w.ack(ctx, m, log)
		return
	}

	dedup := w.dedup != nil
	if dedup {
		cached, err := w.dedup.CheckOrReserve(ctx, dedupScope, m.ID)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			// another worker holds it; its visibility timeout covers us
			log.Debug("domain event already in progress")
			return
		case err != nil:
			log.Warn("dedup check failed, proceeding", zap.Error(err))
			dedup = false
		case cached != nil:
			metrics.RecordIngest("duplicate")
			w.ack(ctx, m, log)
			return
		}
	}

	created, err := w.dispatch(ctx, ev)
	if err != nil {
		if dedup {
			if rerr := w.dedup.Release(ctx, dedupScope, m.ID); rerr != nil {
				log.Warn("failed to release dedup key", zap.Error(rerr))
			}
		}
		w.retry(ctx, m, ev, err, log)
		return
	}

	if dedup {
		ids := make([]string, 0, len(created))
		for _, n := range created {
			ids = append(ids, n.ID)
		}
		if err := w.dedup.Store(ctx, dedupScope, m.ID, &redis.IdempotencyResult{NotificationIDs: ids, StatusCode: 201}, redis.IngestTTL); err != nil {
			log.Warn("failed to store dedup result", zap.Error(err))
		}
	}

	metrics.RecordIngest("ok")
	log.Info("domain event ingested",
		zap.String("kind", ev.Kind),
		zap.String("service_id", ev.ServiceID),
		zap.Int("notifications", len(created)),
	)
	w.ack(ctx, m, log)
}

func (w *Worker) retry(ctx context.Context, m sqs.Message, ev sqs.DomainEvent, cause error, log *zap.Logger) {
	if m.ReceiveCount >= w.config.MaxReceives {
		log.Error("dropping domain event after max receives",
			zap.Error(cause),
			zap.String("kind", ev.Kind),
		)
		metrics.RecordIngest("dropped")
		w.ack(ctx, m, log)
		return
	}

	delay := retryDelay(m.ReceiveCount)
	log.Warn("domain event failed, will retry",
		zap.Error(cause),
		zap.String("kind", ev.Kind),
		zap.Duration("delay", delay),
	)
	metrics.RecordIngest("retry")
	if err := w.queue.ChangeVisibility(ctx, m.ReceiptHandle, delay); err != nil {
		log.Warn("failed to delay redelivery", zap.Error(err))
	}
}

func (w *Worker) ack(ctx context.Context, m sqs.Message, log *zap.Logger) {
	if err := w.queue.Delete(ctx, m.ReceiptHandle); err != nil {
		log.Error("failed to delete domain event", zap.Error(err))
	}
}

// retryDelay grows with the receive count
func retryDelay(receiveCount int) time.Duration {
	delays := []time.Duration{
		10 * time.Second,
		30 * time.Second,
		2 * time.Minute,
		5 * time.Minute,
	}

	idx := receiveCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// dispatch maps a domain event onto the emitter calls for its recipients.
func (w *Worker) dispatch(ctx context.Context, ev sqs.DomainEvent) ([]*event.Notification, error) {
	ref := notify.ServiceRef{ID: ev.ServiceID, Name: ev.ServiceName}
	var out []*event.Notification
	var errs []error

	one := func(n *event.Notification, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		out = append(out, n)
	}
	many := func(ns []*event.Notification, err error) {
		out = append(out, ns...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch ev.Kind {
	case sqs.KindServiceRequested:
		many(w.emitter.ServiceRequested(ctx, ev.AdminIDs, ref, ev.ClientName))
	case sqs.KindServiceAssigned:
		if ev.EmployeeID != "" {
			one(w.emitter.ServiceAssigned(ctx, ev.EmployeeID, ref))
		}
		if ev.ClientID != "" {
			one(w.emitter.ServiceAssignedToClient(ctx, ev.ClientID, ref, ev.EmployeeName))
		}
	case sqs.KindServiceStarted:
		if ev.ClientID != "" {
			one(w.emitter.ServiceStarted(ctx, ev.ClientID, ref))
		}
	case sqs.KindServiceCompleted:
		if ev.ClientID != "" {
			one(w.emitter.ServiceCompleted(ctx, ev.ClientID, ref))
		}
		many(w.emitter.ServiceCompletedAdmin(ctx, ev.AdminIDs, ref, ev.EmployeeName))
	case sqs.KindDocumentCreated:
		for _, userID := range recipients(ev) {
			one(w.emitter.DocumentCreated(ctx, userID, ref, ev.DocumentName))
		}
	case sqs.KindInspectionCreated:
		for _, userID := range recipients(ev) {
			one(w.emitter.InspectionCreated(ctx, userID, ref))
		}
	default:
		return nil, fmt.Errorf("%w: %q", sqs.ErrUnknownKind, ev.Kind)
	}

	return out, errors.Join(errs...)
}

// recipients defaults to the client when the producer names nobody explicitly.
func recipients(ev sqs.DomainEvent) []string {
	if len(ev.RecipientIDs) > 0 {
		return ev.RecipientIDs
	}
	if ev.ClientID != "" {
		return []string{ev.ClientID}
	}
	return nil
}
