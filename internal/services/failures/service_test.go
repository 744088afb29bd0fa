package failures

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/messagewatch/internal/shared/domain/clock"
	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

func testAttempt(n int) messages.ProcessingAttempt {
	return messages.ProcessingAttempt{
		MessageID: "msg-001",
		Endpoint:  "sales.orders",
		Failure: messages.FailureDetails{
			ExceptionType: "InvalidOperationException",
			Message:       fmt.Sprintf("Simulated exception %d", n),
			FailedAt:      time.Date(2026, 3, 1, 12, 0, n, 0, time.UTC),
		},
	}
}

func newTestService(repo Repository) (*Service, *mockEventLog, *mockPublisher) {
	eventLog := &mockEventLog{}
	pub := &mockPublisher{}
	svc := NewService(repo, eventLog, pub, testConfig(), slog.Default())
	return svc, eventLog, pub
}

func TestRecordFailure_CreatesThenAppends(t *testing.T) {
	repo := newMemoryRepository()
	svc, _, pub := newTestService(repo)

	id := messages.UniqueID("msg-001", "sales.orders")

	msg, err := svc.RecordFailure(context.Background(), id, testAttempt(0))
	require.NoError(t, err)
	assert.Equal(t, messages.StatusUnresolved, msg.Status)
	assert.Len(t, msg.Attempts, 1)

	msg, err = svc.RecordFailure(context.Background(), id, testAttempt(1))
	require.NoError(t, err)
	assert.Len(t, msg.Attempts, 2)

	assert.Equal(t, []string{EventMessageFailed, EventMessageFailed}, pub.published())
}

func TestRecordFailure_ConcurrentImportsLoseNothing(t *testing.T) {
	repo := newMemoryRepository()
	svc, _, _ := newTestService(repo)

	id := messages.UniqueID("msg-001", "sales.orders")
	const k = 20

	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RecordFailure(context.Background(), id, testAttempt(i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "import %d", i)
	}

	msg, err := repo.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, msg.Attempts, k, "every concurrent attempt must be kept")
	assert.Equal(t, messages.StatusUnresolved, msg.Status)
}

func TestRecordFailure_ReopensResolvedMessage(t *testing.T) {
	repo := newMemoryRepository()
	svc, _, _ := newTestService(repo)

	id := messages.UniqueID("msg-001", "sales.orders")
	_, err := svc.RecordFailure(context.Background(), id, testAttempt(0))
	require.NoError(t, err)

	msg, err := repo.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, msg.MarkResolved(time.Now().Add(time.Hour)))
	require.NoError(t, repo.Store(context.Background(), msg))

	stored, err := svc.RecordFailure(context.Background(), id, testAttempt(1))
	require.NoError(t, err)
	assert.Equal(t, messages.StatusUnresolved, stored.Status)
	assert.Nil(t, stored.ExpiresAt)
	assert.Len(t, stored.Attempts, 2)
}

func TestResolve_SetsRetentionAndPublishes(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(clock.FixedClock{Time: fixed})
	t.Cleanup(clock.Reset)

	var gotExpiry time.Time
	repo := &mockRepository{
		MarkResolvedFn: func(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
			gotExpiry = expiresAt
			return true, nil
		},
	}
	svc, eventLog, pub := newTestService(repo)

	changed, err := svc.Resolve(context.Background(), "id-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, fixed.Add(testConfig().ErrorRetention), gotExpiry)
	assert.Equal(t, []string{EventMessageResolvedByUser}, pub.published())
	assert.Len(t, eventLog.items, 1)
}

func TestResolve_NoopPublishesNothing(t *testing.T) {
	repo := &mockRepository{
		MarkResolvedFn: func(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
			return false, nil
		},
		ExistsFn: func(ctx context.Context, id string) (bool, error) {
			return true, nil
		},
	}
	svc, eventLog, pub := newTestService(repo)

	changed, err := svc.Resolve(context.Background(), "id-1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, pub.published())
	assert.Empty(t, eventLog.items)
}

func TestResolve_UnknownIDIsNotFound(t *testing.T) {
	repo := &mockRepository{
		MarkResolvedFn: func(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
			return false, nil
		},
		ExistsFn: func(ctx context.Context, id string) (bool, error) {
			return false, nil
		},
	}
	svc, _, _ := newTestService(repo)

	_, err := svc.Resolve(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnArchive_CancelsExpirationViaRepo(t *testing.T) {
	var gotIDs []string
	repo := &mockRepository{
		UnArchiveFn: func(ctx context.Context, ids []string) (int64, error) {
			gotIDs = ids
			return int64(len(ids)), nil
		},
	}
	svc, _, pub := newTestService(repo)

	n, err := svc.UnArchive(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"a", "b"}, gotIDs)
	assert.Equal(t, []string{EventMessagesUnArchived}, pub.published())
}

func TestResolveDueRetries_UsesTrackingWindowCutoff(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(clock.FixedClock{Time: fixed})
	t.Cleanup(clock.Reset)

	var gotCutoff time.Time
	repo := &mockRepository{
		ResolveDueRetriesFn: func(ctx context.Context, cutoff, expiresAt time.Time) ([]string, error) {
			gotCutoff = cutoff
			return []string{"id-1", "id-2"}, nil
		},
	}
	svc, _, pub := newTestService(repo)

	n, err := svc.ResolveDueRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, fixed.Add(-testConfig().TrackingWindow), gotCutoff)
	assert.Equal(t, []string{EventMessageResolvedByRetry}, pub.published())
}

func TestList_ClampsPagination(t *testing.T) {
	var gotFilter Filter
	repo := &mockRepository{
		ListFn: func(ctx context.Context, f Filter) (*Page, error) {
			gotFilter = f
			return &Page{Limit: f.Limit, Offset: f.Offset}, nil
		},
	}
	svc, _, _ := newTestService(repo)

	_, err := svc.List(context.Background(), Filter{Limit: 10000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, 50, gotFilter.Limit)
	assert.Equal(t, 0, gotFilter.Offset)
}
