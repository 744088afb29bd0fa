package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Dispatcher forwards staged messages to their original destinations.
type Dispatcher struct {
	sender  Sender
	batches BatchStore
	retries RetryStore
	store   MessageStore
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(sender Sender, batches BatchStore, retries RetryStore, store MessageStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		batches: batches,
		retries: retries,
		store:   store,
		logger:  logger.With("component", "retry-dispatcher"),
	}
}

// Forward sends every staged message to its destination. Each message gets
// an independent disposition: sent, or permanently failed when its
// destination is decommissioned — a dead destination never aborts the rest
// of the batch. Any other transport error leaves the batch in Forwarding so
// the whole pass is retried.
//
// Once every message has a disposition the batch, its remaining retry links,
// and the forwarding pointer are deleted.
func (d *Dispatcher) Forward(ctx context.Context, batchID string, staged []StagedMessage) error {
	var sent, dead int

	for _, msg := range staged {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := d.sender.Send(ctx, msg, msg.Destination)
		switch {
		case errors.Is(err, ErrDestinationNotFound):
			if err := d.failPermanently(ctx, msg); err != nil {
				return err
			}
			dead++
		case err != nil:
			return fmt.Errorf("failed to forward %s to %s: %w", msg.UniqueID, msg.Destination, err)
		default:
			sent++
		}
	}

	if err := d.batches.Delete(ctx, batchID); err != nil {
		return fmt.Errorf("failed to delete completed batch: %w", err)
	}
	if err := d.batches.ClearForwarding(ctx); err != nil {
		return fmt.Errorf("failed to clear forwarding pointer: %w", err)
	}

	d.logger.Info("retry batch forwarded",
		"batch_id", batchID,
		"sent", sent,
		"decommissioned", dead,
	)
	return nil
}

// failPermanently records a dead-destination disposition: the message goes
// back to unresolved and its retry link is removed, rather than silently
// dropping it.
func (d *Dispatcher) failPermanently(ctx context.Context, msg StagedMessage) error {
	d.logger.Warn("destination decommissioned, retry failed permanently",
		"unique_id", msg.UniqueID,
		"destination", msg.Destination,
	)

	if err := d.store.MarkUnresolved(ctx, msg.UniqueID); err != nil {
		return fmt.Errorf("failed to reopen %s: %w", msg.UniqueID, err)
	}
	if err := d.retries.Delete(ctx, msg.UniqueID); err != nil {
		return fmt.Errorf("failed to remove retry link %s: %w", msg.UniqueID, err)
	}
	return nil
}
