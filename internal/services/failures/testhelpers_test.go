package failures

import (
	"context"
	"sync"
	"time"

	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	LoadFn                func(ctx context.Context, id string) (*messages.FailedMessage, error)
	StoreFn               func(ctx context.Context, msg *messages.FailedMessage) error
	ExistsFn              func(ctx context.Context, id string) (bool, error)
	MarkResolvedFn        func(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	MarkResolvedBetweenFn func(ctx context.Context, from, to, expiresAt time.Time) (int64, error)
	MarkArchivedFn        func(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	UnArchiveFn           func(ctx context.Context, ids []string) (int64, error)
	UnArchiveBetweenFn    func(ctx context.Context, from, to time.Time) (int64, error)
	ResolveDueRetriesFn   func(ctx context.Context, cutoff, expiresAt time.Time) ([]string, error)
	ListFn                func(ctx context.Context, f Filter) (*Page, error)
	CountsFn              func(ctx context.Context) (Counts, error)
}

func (m *mockRepository) Load(ctx context.Context, id string) (*messages.FailedMessage, error) {
	return m.LoadFn(ctx, id)
}

func (m *mockRepository) Store(ctx context.Context, msg *messages.FailedMessage) error {
	return m.StoreFn(ctx, msg)
}

func (m *mockRepository) Exists(ctx context.Context, id string) (bool, error) {
	return m.ExistsFn(ctx, id)
}

func (m *mockRepository) MarkResolved(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	return m.MarkResolvedFn(ctx, id, expiresAt)
}

func (m *mockRepository) MarkResolvedBetween(ctx context.Context, from, to, expiresAt time.Time) (int64, error) {
	return m.MarkResolvedBetweenFn(ctx, from, to, expiresAt)
}

func (m *mockRepository) MarkArchived(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	return m.MarkArchivedFn(ctx, id, expiresAt)
}

func (m *mockRepository) UnArchive(ctx context.Context, ids []string) (int64, error) {
	return m.UnArchiveFn(ctx, ids)
}

func (m *mockRepository) UnArchiveBetween(ctx context.Context, from, to time.Time) (int64, error) {
	return m.UnArchiveBetweenFn(ctx, from, to)
}

func (m *mockRepository) ResolveDueRetries(ctx context.Context, cutoff, expiresAt time.Time) ([]string, error) {
	return m.ResolveDueRetriesFn(ctx, cutoff, expiresAt)
}

func (m *mockRepository) List(ctx context.Context, f Filter) (*Page, error) {
	return m.ListFn(ctx, f)
}

func (m *mockRepository) Counts(ctx context.Context) (Counts, error) {
	return m.CountsFn(ctx)
}

// memoryRepository is an in-memory Repository with real optimistic
// concurrency, for exercising the CAS retry loop.
type memoryRepository struct {
	mockRepository // panics if an unstubbed method is hit

	mu   sync.Mutex
	docs map[string]*messages.FailedMessage
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{docs: map[string]*messages.FailedMessage{}}
}

func (m *memoryRepository) Load(ctx context.Context, id string) (*messages.FailedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *doc
	copied.Attempts = append([]messages.ProcessingAttempt(nil), doc.Attempts...)
	return &copied, nil
}

func (m *memoryRepository) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[id]
	return ok, nil
}

func (m *memoryRepository) Store(ctx context.Context, msg *messages.FailedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.docs[msg.ID]
	if msg.Version == 0 {
		if ok {
			return ErrVersionConflict
		}
	} else if !ok || existing.Version != msg.Version {
		return ErrVersionConflict
	}

	msg.Version++
	copied := *msg
	copied.Attempts = append([]messages.ProcessingAttempt(nil), msg.Attempts...)
	m.docs[msg.ID] = &copied
	return nil
}

// mockEventLog implements EventLogWriter for testing.
type mockEventLog struct {
	mu    sync.Mutex
	items []messages.EventLogItem
}

func (m *mockEventLog) Insert(ctx context.Context, item messages.EventLogItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

// mockPublisher implements IntegrationPublisher for testing.
type mockPublisher struct {
	mu     sync.Mutex
	events []string
}

func (m *mockPublisher) Publish(ctx context.Context, eventType string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
	return nil
}

func (m *mockPublisher) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func testConfig() ServiceConfig {
	return ServiceConfig{
		ErrorRetention:    14 * 24 * time.Hour,
		EventLogRetention: 7 * 24 * time.Hour,
		TrackingWindow:    15 * time.Minute,
	}
}
