package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WorkerConfig holds the staging worker settings.
type WorkerConfig struct {
	// PollInterval is the watchdog interval between staging passes.
	PollInterval time.Duration

	// MaxStagingAttempts bounds how often a batch may fail staging before it
	// is parked for operator attention.
	MaxStagingAttempts int
}

// Worker drives queued batches through staging and forwarding, one batch at
// a time. Running a single worker per process is what keeps the staging
// step single-flight for the session.
type Worker struct {
	manager    *Manager
	dispatcher *Dispatcher
	batches    BatchStore
	retries    RetryStore
	store      MessageStore
	bodies     BodyStore
	cfg        WorkerConfig
	logger     *slog.Logger
}

// NewWorker creates the staging worker.
func NewWorker(
	manager *Manager,
	dispatcher *Dispatcher,
	batches BatchStore,
	retries RetryStore,
	store MessageStore,
	bodies BodyStore,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		manager:    manager,
		dispatcher: dispatcher,
		batches:    batches,
		retries:    retries,
		store:      store,
		bodies:     bodies,
		cfg:        cfg,
		logger:     logger.With("component", "retry-worker"),
	}
}

// Run adopts orphaned batches, then stages and forwards queued batches until
// the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting retry worker",
		"session_id", w.manager.SessionID(),
		"poll_interval", w.cfg.PollInterval,
		"max_staging_attempts", w.cfg.MaxStagingAttempts,
	)

	if err := w.manager.AdoptOrphans(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("orphan recovery failed: %w", err)
	}

	// A batch caught mid-forward by a crash is finished first.
	w.resumeForwarding(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retry worker stopped")
			return nil
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain gives every runnable batch one staging-and-forwarding pass. Batches
// left in Forwarding by a transient transport failure come back through here
// too, so a send outage delays a batch rather than stranding it, and one
// failing batch never blocks the ones behind it.
func (w *Worker) drain(ctx context.Context) {
	batches, err := w.batches.Runnable(ctx, w.manager.SessionID(), w.cfg.MaxStagingAttempts)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to list runnable batches", "error", err)
		}
		return
	}

	for i := range batches {
		if ctx.Err() != nil {
			return
		}
		w.processBatch(ctx, &batches[i])
	}
}

// processBatch runs one batch through staging and forwarding. Returns false
// when the pass failed and the batch should wait for the next tick. A batch
// already in Forwarding is restaged and resent from the top; the status flip
// and pointer writes below are idempotent for it.
func (w *Worker) processBatch(ctx context.Context, batch *Batch) bool {
	staged, err := w.stage(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.handleStagingFailure(ctx, batch, err)
		return false
	}

	if err := w.batches.MarkForwarding(ctx, batch.ID); err != nil {
		w.logger.Error("failed to mark batch forwarding", "batch_id", batch.ID, "error", err)
		return false
	}
	if err := w.batches.SetForwarding(ctx, batch.ID); err != nil {
		w.logger.Error("failed to set forwarding pointer", "batch_id", batch.ID, "error", err)
		return false
	}

	if err := w.dispatcher.Forward(ctx, batch.ID, staged); err != nil {
		if ctx.Err() == nil {
			w.logger.Error("batch forwarding failed, will retry", "batch_id", batch.ID, "error", err)
		}
		return false
	}
	return true
}

// stage loads the whole batch: every retry link, each message's forwarding
// headers and destination, and each body blob. Messages archived or resolved
// since the batch was created drop out here; their links are released.
func (w *Worker) stage(ctx context.Context, batch *Batch) ([]StagedMessage, error) {
	links, err := w.retries.ForBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load retry links: %w", err)
	}

	staged := make([]StagedMessage, 0, len(links))
	for _, link := range links {
		headers, messageID, destination, ok, err := w.store.StagingData(ctx, link.MessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to load message %s: %w", link.MessageID, err)
		}
		if !ok {
			// No longer retryable; release the link and move on.
			if err := w.retries.Delete(ctx, link.MessageID); err != nil {
				return nil, fmt.Errorf("failed to release retry link %s: %w", link.MessageID, err)
			}
			w.logger.Info("message dropped from batch",
				"batch_id", batch.ID,
				"unique_id", link.MessageID,
			)
			continue
		}

		body, err := w.bodies.Load(ctx, link.MessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to load body for %s: %w", link.MessageID, err)
		}

		staged = append(staged, StagedMessage{
			UniqueID:    link.MessageID,
			MessageID:   messageID,
			Headers:     headers,
			Body:        body,
			Destination: destination,
		})
	}

	return staged, nil
}

// handleStagingFailure counts the failed pass against the batch's budget.
// Under budget the batch stays queued and is retried on a later tick; at
// budget it is parked (Runnable skips it) until an operator steps in.
// The failed message records themselves are untouched either way.
func (w *Worker) handleStagingFailure(ctx context.Context, batch *Batch, cause error) {
	if err := w.retries.BumpStageAttempts(ctx, batch.ID); err != nil {
		w.logger.Error("failed to bump stage attempts", "batch_id", batch.ID, "error", err)
		return
	}

	w.logger.Warn("staging attempt failed",
		"batch_id", batch.ID,
		"error", cause,
	)

	links, err := w.retries.ForBatch(ctx, batch.ID)
	if err != nil {
		return
	}
	for _, link := range links {
		if link.StageAttempts >= w.cfg.MaxStagingAttempts {
			w.logger.Warn("retry batch parked after exhausting staging attempts, operator attention required",
				"batch_id", batch.ID,
				"attempts", link.StageAttempts,
			)
			return
		}
	}
}

// resumeForwarding finishes a batch that crashed mid-forward. Re-forwarding
// the whole batch is safe: delivery is at-least-once by design.
func (w *Worker) resumeForwarding(ctx context.Context) {
	batchID, ok, err := w.batches.Forwarding(ctx)
	if err != nil {
		w.logger.Error("failed to read forwarding pointer", "error", err)
		return
	}
	if !ok {
		return
	}

	w.logger.Warn("resuming interrupted batch forward", "batch_id", batchID)

	staged, err := w.stage(ctx, &Batch{ID: batchID})
	if err != nil {
		w.logger.Error("failed to restage interrupted batch", "batch_id", batchID, "error", err)
		return
	}
	if err := w.dispatcher.Forward(ctx, batchID, staged); err != nil && ctx.Err() == nil {
		w.logger.Error("failed to finish interrupted batch", "batch_id", batchID, "error", err)
	}
}
