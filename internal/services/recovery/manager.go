package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/messagewatch/internal/shared/domain/clock"
)

// Manager orchestrates crash-recoverable bulk retries. It owns the batch
// lifecycle from selection through staging; the Dispatcher takes over once a
// batch is forwarding.
type Manager struct {
	batches BatchStore
	retries RetryStore
	store   MessageStore

	// sessionID tags every batch this process creates. Batches carrying a
	// different tag after restart were orphaned by a crash.
	sessionID string
	logger    *slog.Logger
}

// NewManager creates a batch manager with a fresh session id.
func NewManager(batches BatchStore, retries RetryStore, store MessageStore, logger *slog.Logger) *Manager {
	return &Manager{
		batches:   batches,
		retries:   retries,
		store:     store,
		sessionID: uuid.Must(uuid.NewV4()).String(),
		logger:    logger.With("component", "retry-manager"),
	}
}

// SessionID returns the process session id.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// CreateBatch resolves the selection, creates a retry batch in
// MarkingDocuments, claims a retry link per message, marks the claimed
// messages retry-issued, and queues the batch for staging. Messages whose
// retry link is already owned by another batch are skipped silently.
func (m *Manager) CreateBatch(ctx context.Context, sel Selection, originator string) (*Batch, error) {
	ids, err := m.store.SelectIDs(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve selection: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoneSelected
	}

	batch := &Batch{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Status:       BatchMarkingDocuments,
		Originator:   originator,
		Classifier:   string(sel.Kind),
		SessionID:    m.sessionID,
		InitialCount: len(ids),
		StartedAt:    clock.Now(),
		Cutoff:       sel.To,
	}
	if err := m.batches.Insert(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create retry batch: %w", err)
	}

	if err := m.markDocuments(ctx, batch, ids); err != nil {
		return nil, err
	}

	m.logger.Info("retry batch created",
		"batch_id", batch.ID,
		"classifier", batch.Classifier,
		"selected", len(ids),
	)
	return batch, nil
}

// markDocuments claims retry links and advances the batch past
// MarkingDocuments. It is re-runnable: claims are idempotent for links this
// batch already owns, and the staging flip tolerates having happened before.
func (m *Manager) markDocuments(ctx context.Context, batch *Batch, ids []string) error {
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := m.retries.Claim(ctx, id, batch.ID)
		if err != nil {
			return fmt.Errorf("failed to claim retry for %s: %w", id, err)
		}
		if ok {
			claimed = append(claimed, id)
		}
	}

	if len(claimed) > 0 {
		if _, err := m.store.MarkRetryIssued(ctx, claimed, clock.Now()); err != nil {
			return fmt.Errorf("failed to mark retries issued: %w", err)
		}
	}

	if _, err := m.batches.MoveToStaging(ctx, batch.ID); err != nil {
		return fmt.Errorf("failed to move batch to staging: %w", err)
	}
	batch.Status = BatchStaging
	return nil
}

// AdoptOrphans finds batches left behind by a crashed process instance and
// resumes them under this session: re-marking is re-run for batches caught
// in MarkingDocuments, and the rest — Staging or mid-Forwarding — rejoin
// the worker queue.
func (m *Manager) AdoptOrphans(ctx context.Context) error {
	orphans, err := m.batches.Orphaned(ctx, m.sessionID)
	if err != nil {
		return fmt.Errorf("failed to list orphaned batches: %w", err)
	}

	for _, orphan := range orphans {
		m.logger.Warn("adopting orphaned retry batch",
			"batch_id", orphan.ID,
			"status", int(orphan.Status),
			"previous_session", orphan.SessionID,
		)

		if err := m.batches.Adopt(ctx, orphan.ID, m.sessionID); err != nil {
			return fmt.Errorf("failed to adopt batch %s: %w", orphan.ID, err)
		}

		if orphan.Status == BatchMarkingDocuments {
			links, err := m.retries.ForBatch(ctx, orphan.ID)
			if err != nil {
				return fmt.Errorf("failed to load retries for batch %s: %w", orphan.ID, err)
			}
			ids := make([]string, 0, len(links))
			for _, link := range links {
				ids = append(ids, link.MessageID)
			}
			orphan := orphan
			if err := m.markDocuments(ctx, &orphan, ids); err != nil {
				return err
			}
		}
	}

	return nil
}
