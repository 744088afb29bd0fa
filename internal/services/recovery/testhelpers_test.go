package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// memStores is an in-memory implementation of the recovery persistence
// contracts, close enough to the real repositories to run whole batch
// lifecycles in tests.
type memStores struct {
	mu sync.Mutex

	batches    map[string]*Batch
	links      map[string]*Retry             // message id → link
	msgs       map[string]*messages.FailedMessage
	bodies     map[string][]byte
	forwarding string

	// bodyErr, when set, fails every body load to simulate staging failures.
	bodyErr error
}

func newMemStores() *memStores {
	return &memStores{
		batches: map[string]*Batch{},
		links:   map[string]*Retry{},
		msgs:    map[string]*messages.FailedMessage{},
		bodies:  map[string][]byte{},
	}
}

// addMessage seeds an unresolved failed message with a body.
func (s *memStores) addMessage(uniqueID, messageID, endpoint string) {
	msg := messages.New(uniqueID)
	msg.RecordAttempt(messages.ProcessingAttempt{
		MessageID: messageID,
		Endpoint:  endpoint,
		Headers:   map[string]string{"NServiceBus.MessageId": messageID},
		Failure: messages.FailureDetails{
			ExceptionType: "InvalidOperationException",
			Message:       "Simulated exception",
			FailedAt:      time.Now().UTC(),
		},
	})
	s.msgs[uniqueID] = msg
	s.bodies[uniqueID] = []byte("body-" + messageID)
}

// BatchStore

func (s *memStores) Insert(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *b
	s.batches[b.ID] = &copied
	return nil
}

func (s *memStores) MoveToStaging(ctx context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok || b.Status != BatchMarkingDocuments {
		return false, nil
	}
	b.Status = BatchStaging
	return true, nil
}

func (s *memStores) MarkForwarding(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok {
		b.Status = BatchForwarding
	}
	return nil
}

func (s *memStores) Runnable(ctx context.Context, sessionID string, maxAttempts int) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Batch
	for _, b := range s.batches {
		if b.Status != BatchStaging && b.Status != BatchForwarding {
			continue
		}
		if b.SessionID != sessionID {
			continue
		}
		if s.maxLinkAttemptsLocked(b.ID) >= maxAttempts {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *memStores) maxLinkAttemptsLocked(batchID string) int {
	max := 0
	for _, link := range s.links {
		if link.BatchID == batchID && link.StageAttempts > max {
			max = link.StageAttempts
		}
	}
	return max
}

func (s *memStores) Orphaned(ctx context.Context, sessionID string) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Batch
	for _, b := range s.batches {
		if b.SessionID != sessionID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memStores) Adopt(ctx context.Context, batchID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok {
		b.SessionID = sessionID
	}
	return nil
}

func (s *memStores) Delete(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batches, batchID)
	for id, link := range s.links {
		if link.BatchID == batchID {
			delete(s.links, id)
		}
	}
	return nil
}

func (s *memStores) SetForwarding(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarding = batchID
	return nil
}

func (s *memStores) ClearForwarding(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarding = ""
	return nil
}

func (s *memStores) Forwarding(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarding, s.forwarding != "", nil
}

// RetryStore

func (s *memStores) Claim(ctx context.Context, messageID, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[messageID]
	if !ok {
		s.links[messageID] = &Retry{MessageID: messageID, BatchID: batchID}
		return true, nil
	}
	if link.BatchID == "" || link.BatchID == batchID {
		link.BatchID = batchID
		return true, nil
	}
	return false, nil
}

func (s *memStores) ForBatch(ctx context.Context, batchID string) ([]Retry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Retry
	for _, link := range s.links {
		if link.BatchID == batchID {
			out = append(out, *link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

func (s *memStores) DeleteRetry(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, messageID)
	return nil
}

func (s *memStores) BumpStageAttempts(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, link := range s.links {
		if link.BatchID == batchID {
			link.StageAttempts++
		}
	}
	return nil
}

// MessageStore

func (s *memStores) SelectIDs(ctx context.Context, sel Selection) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, msg := range s.msgs {
		if msg.Status != messages.StatusUnresolved {
			continue
		}
		switch sel.Kind {
		case SelectByIDs:
			for _, want := range sel.IDs {
				if want == id {
					out = append(out, id)
				}
			}
		case SelectByQueue:
			if msg.Endpoint() == sel.Queue {
				out = append(out, id)
			}
		case SelectByGroup:
			// group membership is endpoint-based in the fake
			if msg.Endpoint() == sel.GroupID {
				out = append(out, id)
			}
		case SelectAll:
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStores) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.msgs[id]
	return ok, nil
}

func (s *memStores) MarkRetryIssued(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked []string
	for _, id := range ids {
		if msg, ok := s.msgs[id]; ok && msg.MarkRetryIssued(at) {
			marked = append(marked, id)
		}
	}
	return marked, nil
}

func (s *memStores) MarkUnresolved(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.msgs[id]; ok {
		msg.Status = messages.StatusUnresolved
		msg.RetriedAt = nil
	}
	return nil
}

func (s *memStores) StagingData(ctx context.Context, id string) (map[string]string, string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok || msg.Status != messages.StatusRetryIssued {
		return nil, "", "", false, nil
	}
	last, _ := msg.LastAttempt()
	return last.Headers, last.MessageID, last.Endpoint, true, nil
}

// BodyStore

func (s *memStores) Load(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bodyErr != nil {
		return nil, s.bodyErr
	}
	body, ok := s.bodies[id]
	if !ok {
		return nil, ErrBodyNotFound
	}
	return body, nil
}

// retryStoreView adapts memStores to RetryStore (Delete name collides with
// BatchStore.Delete on the shared struct).
type retryStoreView struct{ *memStores }

func (v retryStoreView) Delete(ctx context.Context, messageID string) error {
	return v.DeleteRetry(ctx, messageID)
}

// stubSender implements Sender with per-destination failures.
type stubSender struct {
	mu   sync.Mutex
	sent []StagedMessage

	// failWith maps destination → error returned for it.
	failWith map[string]error
}

func (s *stubSender) Send(ctx context.Context, msg StagedMessage, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failWith[destination]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.UniqueID)
	}
	sort.Strings(out)
	return out
}
