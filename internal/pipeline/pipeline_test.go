package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

// fakeTransport fails the first failures sends, then succeeds.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	attempts int
	batches  []*event.Batch
}

func (t *fakeTransport) Send(_ context.Context, b *event.Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.attempts <= t.failures {
		return errors.New("transmission failed")
	}
	t.batches = append(t.batches, b)
	return nil
}

func (t *fakeTransport) delivered() []*event.Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*event.Batch, len(t.batches))
	copy(out, t.batches)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLog_BatchSizeTriggersSingleFlush(t *testing.T) {
	tr := &fakeTransport{}
	p := New(Config{SessionID: "s1", BatchSize: 3}, tr, nil, nil, zap.NewNop())

	var ids []string
	ids = append(ids, p.Log(event.TypeSuspiciousActivity, event.SeverityLow, "test", map[string]string{"n": "1"}))
	ids = append(ids, p.Log(event.TypeSuspiciousActivity, event.SeverityLow, "test", map[string]string{"n": "2"}))
	ids = append(ids, p.Log(event.TypeSuspiciousActivity, event.SeverityLow, "test", map[string]string{"n": "3"}))

	batches := tr.delivered()
	if len(batches) != 1 {
		t.Fatalf("expected exactly 1 batch, got %d", len(batches))
	}
	if len(batches[0].Events) != 3 {
		t.Fatalf("expected 3 events in batch, got %d", len(batches[0].Events))
	}
	for i, e := range batches[0].Events {
		if e.ID != ids[i] {
			t.Errorf("event %d out of order: got %s want %s", i, e.ID, ids[i])
		}
	}
	if p.Queued() != 0 {
		t.Errorf("expected empty queue after flush, got %d", p.Queued())
	}
}

func TestLog_CriticalFlushesImmediately(t *testing.T) {
	tr := &fakeTransport{}
	p := New(Config{SessionID: "s1", BatchSize: 100}, tr, nil, nil, zap.NewNop())

	p.Log(event.TypeIntegrityViolation, event.SeverityCritical, "test", nil)

	batches := tr.delivered()
	if len(batches) != 1 {
		t.Fatalf("expected immediate flush for critical event, got %d batches", len(batches))
	}
	if batches[0].Events[0].Severity != event.SeverityCritical {
		t.Error("expected the critical event in the flushed batch")
	}
}

func TestFlush_RetryEventuallyDelivers(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	p := New(Config{
		SessionID:    "s1",
		BatchSize:    2,
		MaxRetries:   3,
		RetryBackoff: 10 * time.Millisecond,
	}, tr, nil, nil, zap.NewNop())

	id1 := p.Log(event.TypeSuspiciousActivity, event.SeverityLow, "test", nil)
	id2 := p.Log(event.TypeSuspiciousActivity, event.SeverityLow, "test", nil)

	waitFor(t, 2*time.Second, func() bool { return len(tr.delivered()) == 1 })

	b := tr.delivered()[0]
	if len(b.Events) != 2 || b.Events[0].ID != id1 || b.Events[1].ID != id2 {
		t.Error("retried batch lost its original event order")
	}
	if p.RetryDepth() != 0 {
		t.Errorf("expected empty retry queue, got %d", p.RetryDepth())
	}
}

func TestFlush_ExhaustedRetriesPersistAndResume(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "events.spool")
	store := NewFileStore(spool, 100)

	failing := &fakeTransport{failures: 1 << 30}
	p := New(Config{
		SessionID:    "s1",
		BatchSize:    2,
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
	}, failing, store, nil, zap.NewNop())

	id1 := p.Log(event.TypeSuspiciousActivity, event.SeverityMedium, "test", nil)
	id2 := p.Log(event.TypeSuspiciousActivity, event.SeverityMedium, "test", nil)

	waitFor(t, 2*time.Second, func() bool {
		batches, _ := store.LoadAll()
		return len(batches) == 1
	})

	// Simulated restart: a new pipeline over the same store resumes the
	// persisted batch before anything else.
	working := &fakeTransport{}
	p2 := New(Config{SessionID: "s2", BatchSize: 100}, working, store, nil, zap.NewNop())
	p2.Start()
	defer p2.Close()

	waitFor(t, 2*time.Second, func() bool { return len(working.delivered()) == 1 })

	b := working.delivered()[0]
	if len(b.Events) != 2 || b.Events[0].ID != id1 || b.Events[1].ID != id2 {
		t.Error("resumed batch lost its original event order")
	}

	batches, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("expected store cleared after resume, got %d batches", len(batches))
	}
}

func TestFlush_NoTransportPersistsLocally(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "events.spool")
	store := NewFileStore(spool, 100)
	p := New(Config{SessionID: "s1", BatchSize: 2}, nil, store, nil, zap.NewNop())

	p.Log(event.TypeDevToolsDetected, event.SeverityHigh, "test", nil)
	p.Log(event.TypeDevToolsDetected, event.SeverityHigh, "test", nil)

	batches, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 persisted batch, got %d", len(batches))
	}
	if len(batches[0].Events) != 2 {
		t.Errorf("expected 2 events, got %d", len(batches[0].Events))
	}
}

func TestClose_FinalFlushAndRetryPersistence(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "events.spool")
	store := NewFileStore(spool, 100)
	tr := &fakeTransport{}
	p := New(Config{SessionID: "s1", BatchSize: 100}, tr, store, nil, zap.NewNop())

	p.Log(event.TypeSuspiciousActivity, event.SeverityLow, "test", nil)
	p.Close()

	if len(tr.delivered()) != 1 {
		t.Errorf("expected best-effort final flush, got %d batches", len(tr.delivered()))
	}
}

func TestObserverSeesEveryEvent(t *testing.T) {
	var mu sync.Mutex
	var seen []event.Event
	p := New(Config{SessionID: "s1", BatchSize: 100}, &fakeTransport{}, nil, func(e event.Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	}, zap.NewNop())

	p.Log(event.TypeRateLimitExceeded, event.SeverityMedium, "test", nil)
	p.Log(event.TypeDevToolsDetected, event.SeverityHigh, "test", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("expected observer to see 2 events, got %d", len(seen))
	}
}
