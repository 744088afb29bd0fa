package integrations

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cornjacket/messagewatch/internal/shared/breaker"
)

// DispatcherConfig holds the dispatch loop settings.
type DispatcherConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// Dispatcher drains queued integration events to the external bus, in
// insertion order, deleting each batch only after the publisher accepted it.
// A write to the queue wakes the loop via NOTIFY; a watchdog timer covers
// missed notifications. Subscribers must tolerate duplicates.
type Dispatcher struct {
	repo       RequestRepository
	publisher  Publisher
	breaker    *breaker.CircuitBreaker
	listenConn *pgx.Conn
	config     DispatcherConfig
	logger     *slog.Logger
}

// NewDispatcher creates the integration event dispatcher. listenConn must be
// a dedicated connection; it is tied up in LISTEN for the life of the loop.
func NewDispatcher(
	repo RequestRepository,
	publisher Publisher,
	brk *breaker.CircuitBreaker,
	listenConn *pgx.Conn,
	config DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		breaker:    brk,
		listenConn: listenConn,
		config:     config,
		logger:     logger.With("component", "integration-dispatcher"),
	}
}

// Run blocks until the context is cancelled. A panic in the loop is logged
// and the loop restarts rather than taking the process down.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("starting integration dispatcher",
		"batch_size", d.config.BatchSize,
		"poll_interval", d.config.PollInterval,
	)

	if _, err := d.listenConn.Exec(ctx, "LISTEN integration_events"); err != nil {
		return err
	}

	// The listener is started exactly once: the LISTEN connection is not
	// safe for concurrent use, so the panic restarts below must never spawn
	// a second reader on it.
	notifyCh := make(chan *pgconn.Notification, 1)
	go d.notificationListener(ctx, notifyCh)

	d.supervise(ctx, notifyCh)

	d.logger.Info("integration dispatcher stopped")
	return nil
}

// supervise keeps the dispatch loop alive across panics until the context is
// cancelled.
func (d *Dispatcher) supervise(ctx context.Context, notifyCh <-chan *pgconn.Notification) {
	for ctx.Err() == nil {
		d.runProtected(ctx, notifyCh)
	}
}

func (d *Dispatcher) runProtected(ctx context.Context, notifyCh <-chan *pgconn.Notification) {
	defer func() {
		if r := recover(); r != nil && ctx.Err() == nil {
			d.logger.Error("integration dispatcher panicked, restarting", "panic", r)
		}
	}()
	d.loop(ctx, notifyCh)
}

func (d *Dispatcher) loop(ctx context.Context, notifyCh <-chan *pgconn.Notification) {
	timer := time.NewTimer(d.config.PollInterval)
	defer timer.Stop()

	// Anything queued before startup is dispatched first.
	d.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case notification := <-notifyCh:
			if notification != nil {
				d.logger.Debug("received NOTIFY", "payload", notification.Payload)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.config.PollInterval)
				d.drain(ctx)
			}

		case <-timer.C:
			d.drain(ctx)
			timer.Reset(d.config.PollInterval)
		}
	}
}

// notificationListener continuously listens for PostgreSQL notifications.
func (d *Dispatcher) notificationListener(ctx context.Context, notifyCh chan<- *pgconn.Notification) {
	for {
		notification, err := d.listenConn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Error("error waiting for notification", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case notifyCh <- notification:
		case <-ctx.Done():
			return
		}
	}
}

// drain publishes queued events batch by batch until a read comes back
// empty. A failed publish pauses for the breaker's delay and retries the
// same batch: nothing was deleted, so nothing is lost and order holds.
func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		events, stale, err := d.repo.FetchPending(ctx, d.config.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("failed to fetch pending integration events", "error", err)
			}
			return
		}
		if len(events) == 0 {
			if stale {
				// The read may lag a concurrent write; the watchdog or the
				// write's own NOTIFY picks it up.
				d.logger.Debug("empty stale read, deferring to next wake")
			}
			return
		}

		if !d.dispatchBatch(ctx, events) {
			return
		}
	}
}

// dispatchBatch publishes one batch and deletes it. Returns false when the
// caller should stop draining for now.
func (d *Dispatcher) dispatchBatch(ctx context.Context, events []Request) bool {
	for _, event := range events {
		if err := d.publisher.Publish(ctx, event); err != nil {
			if ctx.Err() != nil {
				return false
			}
			delay := d.breaker.Failure(err)
			d.logger.Error("failed to publish integration event",
				"event_id", event.ID,
				"event_type", event.EventType,
				"retry_in", delay,
				"error", err,
			)
			d.sleep(ctx, delay)
			return false
		}
	}
	d.breaker.Success()

	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}
	if err := d.repo.Delete(ctx, ids); err != nil {
		// Events will be re-published; subscribers handle duplicates.
		if ctx.Err() == nil {
			d.logger.Error("failed to delete dispatched events", "error", err)
		}
		return false
	}

	d.logger.Debug("integration events dispatched", "count", len(events))
	return true
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
