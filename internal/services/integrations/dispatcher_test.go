package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornjacket/messagewatch/internal/shared/breaker"
)

type mockRequestRepository struct {
	FetchPendingFn func(ctx context.Context, limit int) ([]Request, bool, error)
	DeleteFn       func(ctx context.Context, ids []string) error
}

func (m *mockRequestRepository) FetchPending(ctx context.Context, limit int) ([]Request, bool, error) {
	return m.FetchPendingFn(ctx, limit)
}

func (m *mockRequestRepository) Delete(ctx context.Context, ids []string) error {
	return m.DeleteFn(ctx, ids)
}

type mockPublisher struct {
	PublishFn func(ctx context.Context, event Request) error
}

func (m *mockPublisher) Publish(ctx context.Context, event Request) error {
	return m.PublishFn(ctx, event)
}

func testEvents(n int) []Request {
	out := make([]Request, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Request{
			ID:         fmt.Sprintf("evt-%03d", i),
			EventType:  "MessageFailed",
			Payload:    json.RawMessage(`{"id":"uid-1"}`),
			RecordedAt: time.Now().UTC(),
		})
	}
	return out
}

func testBreaker() *breaker.CircuitBreaker {
	return breaker.New("integration-events", time.Minute, time.Millisecond, func(err error) {}, slog.Default())
}

func newTestDispatcher(repo RequestRepository, pub Publisher, brk *breaker.CircuitBreaker) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		publisher: pub,
		breaker:   brk,
		config:    DispatcherConfig{BatchSize: 10, PollInterval: time.Second},
		logger:    slog.Default(),
	}
}

func TestDrain_PublishesInOrderThenDeletes(t *testing.T) {
	events := testEvents(3)
	var published, deleted []string
	fetches := 0

	repo := &mockRequestRepository{
		FetchPendingFn: func(ctx context.Context, limit int) ([]Request, bool, error) {
			fetches++
			if fetches == 1 {
				return events, false, nil
			}
			return nil, false, nil
		},
		DeleteFn: func(ctx context.Context, ids []string) error {
			deleted = append(deleted, ids...)
			return nil
		},
	}
	pub := &mockPublisher{
		PublishFn: func(ctx context.Context, event Request) error {
			published = append(published, event.ID)
			return nil
		},
	}

	d := newTestDispatcher(repo, pub, testBreaker())
	d.drain(context.Background())

	assert.Equal(t, []string{"evt-000", "evt-001", "evt-002"}, published)
	assert.Equal(t, []string{"evt-000", "evt-001", "evt-002"}, deleted)
	assert.Equal(t, 2, fetches, "drains until an empty read")
}

func TestDrain_FailedPublishDeletesNothing(t *testing.T) {
	events := testEvents(2)

	repo := &mockRequestRepository{
		FetchPendingFn: func(ctx context.Context, limit int) ([]Request, bool, error) {
			return events, false, nil
		},
		DeleteFn: func(ctx context.Context, ids []string) error {
			t.Fatal("Delete should not be called when publish fails")
			return nil
		},
	}
	pub := &mockPublisher{
		PublishFn: func(ctx context.Context, event Request) error {
			if event.ID == "evt-001" {
				return errors.New("bus unavailable")
			}
			return nil
		},
	}

	d := newTestDispatcher(repo, pub, testBreaker())
	d.drain(context.Background())
	// The batch stays queued; the next wake retries it from the top.
}

func TestDrain_FailureFeedsBreaker(t *testing.T) {
	var breakerErr error
	brk := breaker.New("integration-events", 10*time.Millisecond, time.Millisecond, func(err error) {
		breakerErr = err
	}, slog.Default())

	repo := &mockRequestRepository{
		FetchPendingFn: func(ctx context.Context, limit int) ([]Request, bool, error) {
			return testEvents(1), false, nil
		},
		DeleteFn: func(ctx context.Context, ids []string) error { return nil },
	}
	pub := &mockPublisher{
		PublishFn: func(ctx context.Context, event Request) error {
			return errors.New("bus unavailable")
		},
	}

	d := newTestDispatcher(repo, pub, brk)
	d.drain(context.Background())

	require.Eventually(t, func() bool {
		return breakerErr != nil
	}, time.Second, 5*time.Millisecond, "sustained failure should trip the breaker")
	assert.EqualError(t, breakerErr, "bus unavailable")
}

func TestDrain_SuccessResetsBreaker(t *testing.T) {
	triggered := false
	brk := breaker.New("integration-events", 20*time.Millisecond, time.Millisecond, func(err error) {
		triggered = true
	}, slog.Default())

	pubFail := true
	batchesLeft := 1
	repo := &mockRequestRepository{
		FetchPendingFn: func(ctx context.Context, limit int) ([]Request, bool, error) {
			if batchesLeft == 0 {
				return nil, false, nil
			}
			batchesLeft--
			return testEvents(1), false, nil
		},
		DeleteFn: func(ctx context.Context, ids []string) error { return nil },
	}
	pub := &mockPublisher{
		PublishFn: func(ctx context.Context, event Request) error {
			if pubFail {
				return errors.New("bus unavailable")
			}
			return nil
		},
	}

	d := newTestDispatcher(repo, pub, brk)
	d.drain(context.Background())

	// Recovery before the window elapses keeps the trigger quiet.
	pubFail = false
	batchesLeft = 1
	d.drain(context.Background())

	time.Sleep(40 * time.Millisecond)
	assert.False(t, triggered)
}

func TestDrain_EmptyStaleReadStops(t *testing.T) {
	fetches := 0
	repo := &mockRequestRepository{
		FetchPendingFn: func(ctx context.Context, limit int) ([]Request, bool, error) {
			fetches++
			return nil, true, nil
		},
		DeleteFn: func(ctx context.Context, ids []string) error { return nil },
	}
	pub := &mockPublisher{
		PublishFn: func(ctx context.Context, event Request) error { return nil },
	}

	d := newTestDispatcher(repo, pub, testBreaker())
	d.drain(context.Background())

	assert.Equal(t, 1, fetches, "an empty read ends the drain even when stale")
}

func TestSupervise_RestartsLoopAfterPanicOnSharedChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var published []string
	fetches := 0
	repo := &mockRequestRepository{
		FetchPendingFn: func(ctx context.Context, limit int) ([]Request, bool, error) {
			fetches++
			if fetches == 1 {
				panic("storage hiccup")
			}
			if fetches == 2 {
				return testEvents(1), false, nil
			}
			return nil, false, nil
		},
		DeleteFn: func(ctx context.Context, ids []string) error { return nil },
	}
	pub := &mockPublisher{
		PublishFn: func(ctx context.Context, event Request) error {
			published = append(published, event.ID)
			if len(published) == 1 {
				cancel()
			}
			return nil
		},
	}

	d := newTestDispatcher(repo, pub, testBreaker())
	d.config.PollInterval = 5 * time.Millisecond

	// The notification channel outlives loop restarts; only one listener
	// ever writes to it, so a restarted loop keeps receiving wake-ups.
	notifyCh := make(chan *pgconn.Notification, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.supervise(ctx, notifyCh)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not recover from the panic")
	}

	assert.Equal(t, []string{"evt-000"}, published,
		"the restarted loop must keep dispatching after a panic")
}

func TestDispatchBatch_DeleteFailureStopsDrainOnly(t *testing.T) {
	published := 0
	repo := &mockRequestRepository{
		FetchPendingFn: func(ctx context.Context, limit int) ([]Request, bool, error) {
			return testEvents(1), false, nil
		},
		DeleteFn: func(ctx context.Context, ids []string) error {
			return errors.New("delete failed")
		},
	}
	pub := &mockPublisher{
		PublishFn: func(ctx context.Context, event Request) error {
			published++
			return nil
		},
	}

	d := newTestDispatcher(repo, pub, testBreaker())
	d.drain(context.Background())

	// Published once; the undeleted event will be re-published later, which
	// at-least-once delivery permits.
	assert.Equal(t, 1, published)
}
