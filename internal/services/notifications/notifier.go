// Package notifications pushes failed-message count changes to a single
// in-process subscriber.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cornjacket/messagewatch/internal/services/failures"
)

// ErrSubscriberExists is returned by Subscribe when a subscriber is already
// registered. The component supports exactly one.
var ErrSubscriberExists = errors.New("a subscriber is already registered")

// CountsSource reads the current failed-message counts.
type CountsSource interface {
	Counts(ctx context.Context) (failures.Counts, error)
}

// Subscriber receives a snapshot of the counts after they changed.
type Subscriber func(ctx context.Context, counts failures.Counts) error

// Notifier polls the counts and invokes the subscriber on every change.
// A failed delivery is retried on the next tick with the then-current
// counts; intermediate snapshots may be skipped, the latest never is.
type Notifier struct {
	source CountsSource
	logger *slog.Logger

	mu         sync.Mutex
	subscriber Subscriber
	last       *failures.Counts
}

// NewNotifier creates a notifier with no subscriber.
func NewNotifier(source CountsSource, logger *slog.Logger) *Notifier {
	return &Notifier{
		source: source,
		logger: logger.With("component", "notifications"),
	}
}

// Subscribe registers the subscriber. Only one may exist at a time.
func (n *Notifier) Subscribe(fn Subscriber) error {
	if fn == nil {
		return fmt.Errorf("subscriber must not be nil")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subscriber != nil {
		return ErrSubscriberExists
	}
	n.subscriber = fn
	return nil
}

// Unsubscribe removes the subscriber, freeing the slot.
func (n *Notifier) Unsubscribe() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscriber = nil
	n.last = nil
}

// Run polls until the context is cancelled.
func (n *Notifier) Run(ctx context.Context, interval time.Duration) error {
	n.logger.Info("starting notifications poller", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifications poller stopped")
			return nil
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

// tick reads the counts and delivers them when they differ from the last
// delivered snapshot.
func (n *Notifier) tick(ctx context.Context) {
	n.mu.Lock()
	subscriber := n.subscriber
	n.mu.Unlock()
	if subscriber == nil {
		return
	}

	counts, err := n.source.Counts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			n.logger.Error("failed to read failure counts", "error", err)
		}
		return
	}

	n.mu.Lock()
	unchanged := n.last != nil && *n.last == counts
	n.mu.Unlock()
	if unchanged {
		return
	}

	if err := subscriber(ctx, counts); err != nil {
		if ctx.Err() == nil {
			n.logger.Error("subscriber rejected counts update", "error", err)
		}
		return
	}

	n.mu.Lock()
	n.last = &counts
	n.mu.Unlock()
}
