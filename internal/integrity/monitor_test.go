package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

type fakeProvider struct {
	mu      sync.Mutex
	content []byte
	err     error
}

func (p *fakeProvider) Content(_ context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.content, nil
}

func (p *fakeProvider) set(content []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = content
	p.err = err
}

type fakeSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *fakeSink) Log(t event.Type, sev event.Severity, source string, details map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := event.New(t, sev, source, details, "test-session", time.Now())
	s.events = append(s.events, e)
	return e.ID
}

func (s *fakeSink) bySeverity(sev event.Severity) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Severity == sev {
			out = append(out, e)
		}
	}
	return out
}

func saltedHash(content []byte, salt string) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

func TestCheckAll_AllVerified(t *testing.T) {
	sink := &fakeSink{}
	baseline := map[string]string{
		"header": saltedHash([]byte("header-content"), "s1"),
		"player": saltedHash([]byte("player-content"), "s2"),
	}
	m := NewMonitor(Config{FailureThreshold: 3}, baseline, nil, sink, zap.NewNop())
	m.Register("header", "s1", &fakeProvider{content: []byte("header-content")})
	m.Register("player", "s2", &fakeProvider{content: []byte("player-content")})

	if !m.CheckAll(context.Background()) {
		t.Fatal("expected all elements verified")
	}
	if st, _ := m.ElementState("header"); st != StateVerified {
		t.Errorf("header state: got %s want verified", st)
	}
}

func TestCheckAll_SeededMismatchDetectedImmediately(t *testing.T) {
	sink := &fakeSink{}
	baseline := map[string]string{"header": saltedHash([]byte("original"), "s1")}
	m := NewMonitor(Config{FailureThreshold: 3}, baseline, nil, sink, zap.NewNop())
	m.Register("header", "s1", &fakeProvider{content: []byte("tampered")})

	if m.CheckAll(context.Background()) {
		t.Fatal("expected overall failure")
	}
	st, failures := m.ElementState("header")
	if st != StateMismatched {
		t.Errorf("state: got %s want mismatched", st)
	}
	if failures != 1 {
		t.Errorf("failures: got %d want 1", failures)
	}
}

func TestDegrade_ExactlyOneCriticalAtThreshold(t *testing.T) {
	sink := &fakeSink{}
	var tampered []string
	baseline := map[string]string{"header": saltedHash([]byte("original"), "s1")}
	m := NewMonitor(Config{FailureThreshold: 3}, baseline, func(id string) {
		tampered = append(tampered, id)
	}, sink, zap.NewNop())
	m.Register("header", "s1", &fakeProvider{content: []byte("tampered")})

	for i := 0; i < 5; i++ {
		m.CheckAll(context.Background())
	}

	critical := sink.bySeverity(event.SeverityCritical)
	if len(critical) != 1 {
		t.Fatalf("expected exactly 1 critical event, got %d", len(critical))
	}
	if critical[0].Details["element"] != "header" {
		t.Errorf("unexpected element in event: %s", critical[0].Details["element"])
	}
	// Passes beyond the threshold record low-severity bookkeeping only.
	if low := sink.bySeverity(event.SeverityLow); len(low) != 2 {
		t.Errorf("expected 2 low-severity events for passes 4 and 5, got %d", len(low))
	}
	if len(tampered) != 1 || tampered[0] != "header" {
		t.Errorf("expected onTamper once for header, got %v", tampered)
	}
}

func TestCheckElement_TrustOnFirstUse(t *testing.T) {
	sink := &fakeSink{}
	m := NewMonitor(Config{}, nil, nil, sink, zap.NewNop())
	p := &fakeProvider{content: []byte("whatever")}
	m.Register("widget", "salt", p)

	if !m.CheckAll(context.Background()) {
		t.Fatal("unseeded element must be adopted, not flagged")
	}
	if st, _ := m.ElementState("widget"); st != StateVerified {
		t.Errorf("state: got %s want verified", st)
	}

	// Once adopted, a change is a mismatch.
	p.set([]byte("mutated"), nil)
	if m.CheckAll(context.Background()) {
		t.Error("expected mismatch after content change")
	}
}

func TestCheckAll_ProviderErrorDegradesOnlyThatElement(t *testing.T) {
	sink := &fakeSink{}
	baseline := map[string]string{
		"broken": saltedHash([]byte("x"), ""),
		"fine":   saltedHash([]byte("fine-content"), ""),
	}
	m := NewMonitor(Config{FailureThreshold: 3}, baseline, nil, sink, zap.NewNop())
	m.Register("broken", "", &fakeProvider{err: errors.New("read failed")})
	m.Register("fine", "", &fakeProvider{content: []byte("fine-content")})

	if m.CheckAll(context.Background()) {
		t.Fatal("expected overall failure")
	}
	if st, _ := m.ElementState("broken"); st != StateMismatched {
		t.Errorf("broken state: got %s want mismatched", st)
	}
	if st, _ := m.ElementState("fine"); st != StateVerified {
		t.Errorf("fine state: got %s want verified", st)
	}
}

func TestCheckAll_RecoveryResetsFailures(t *testing.T) {
	sink := &fakeSink{}
	baseline := map[string]string{"header": saltedHash([]byte("original"), "s1")}
	m := NewMonitor(Config{FailureThreshold: 3}, baseline, nil, sink, zap.NewNop())
	p := &fakeProvider{content: []byte("tampered")}
	m.Register("header", "s1", p)

	m.CheckAll(context.Background())
	m.CheckAll(context.Background())

	p.set([]byte("original"), nil)
	if !m.CheckAll(context.Background()) {
		t.Fatal("expected recovery")
	}
	st, failures := m.ElementState("header")
	if st != StateVerified || failures != 0 {
		t.Errorf("got state %s failures %d, want verified 0", st, failures)
	}
	// No critical fired: the streak never reached the threshold.
	if critical := sink.bySeverity(event.SeverityCritical); len(critical) != 0 {
		t.Errorf("expected no critical events, got %d", len(critical))
	}
}

func TestBLAKE2bAlgorithm(t *testing.T) {
	m := NewMonitor(Config{Algorithm: AlgBLAKE2b}, nil, nil, nil, zap.NewNop())
	p := &fakeProvider{content: []byte("content")}
	m.Register("el", "salt", p)

	if !m.CheckAll(context.Background()) {
		t.Fatal("adoption pass failed")
	}
	p.set([]byte("other"), nil)
	if m.CheckAll(context.Background()) {
		t.Error("expected blake2b mismatch after content change")
	}
}

func TestCheckAll_Performance(t *testing.T) {
	m := NewMonitor(Config{}, nil, nil, nil, zap.NewNop())
	content := make([]byte, 32*1024)
	for i := 0; i < 20; i++ {
		m.Register(string(rune('a'+i)), "salt", &fakeProvider{content: content})
	}

	start := time.Now()
	m.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("full check took %v, want under 100ms", elapsed)
	}
}
