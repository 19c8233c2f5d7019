package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

type fakeProbe struct {
	name string
	res  *Result
	err  error
}

func (p *fakeProbe) Name() string { return p.name }

func (p *fakeProbe) Run(_ context.Context) (*Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.res == nil {
		return nil, nil
	}
	r := *p.res
	return &r, nil
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

type call struct {
	method     string
	confidence float64
}

func TestTick_CorrelatedDetectionsFuseToOne(t *testing.T) {
	var calls []call
	sink := &fakeSink{}
	h := New([]Probe{
		&fakeProbe{name: "timing", res: &Result{Method: "timing", Detected: true, Confidence: 0.85}},
		&fakeProbe{name: "geometry", res: &Result{Method: "geometry", Detected: true, Confidence: 0.92}},
	}, Config{ConfidenceThreshold: 0.8}, func(method string, confidence float64) {
		calls = append(calls, call{method, confidence})
	}, sink, zap.NewNop())

	best := h.Tick(context.Background())
	if best == nil {
		t.Fatal("expected a winning result")
	}
	if best.Method != "geometry" || best.Confidence != 0.92 {
		t.Errorf("expected geometry@0.92 to win, got %s@%.2f", best.Method, best.Confidence)
	}
	if len(calls) != 1 {
		t.Fatalf("expected handler invoked exactly once, got %d", len(calls))
	}
	if calls[0].method != "geometry" {
		t.Errorf("handler got %s, want geometry", calls[0].method)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 detection event, got %d", len(sink.events))
	}
	if sink.events[0].Severity != event.SeverityHigh {
		t.Errorf("confidence above 0.8 should map to high severity, got %s", sink.events[0].Severity)
	}
}

func TestTick_BelowThresholdIgnored(t *testing.T) {
	var calls int
	h := New([]Probe{
		&fakeProbe{name: "console", res: &Result{Method: "console", Detected: true, Confidence: 0.7}},
	}, Config{ConfidenceThreshold: 0.8}, func(string, float64) { calls++ }, nil, zap.NewNop())

	if best := h.Tick(context.Background()); best != nil {
		t.Errorf("expected no winner, got %s", best.Method)
	}
	if calls != 0 {
		t.Errorf("expected handler untouched, got %d calls", calls)
	}
}

func TestTick_NoDetections(t *testing.T) {
	h := New([]Probe{
		&fakeProbe{name: "timing", res: &Result{Method: "timing", Detected: false, Confidence: 0}},
	}, Config{}, nil, nil, zap.NewNop())

	if best := h.Tick(context.Background()); best != nil {
		t.Errorf("expected nil, got %v", best)
	}
}

func TestTick_ProbeErrorTolerated(t *testing.T) {
	h := New([]Probe{
		&fakeProbe{name: "broken", err: errors.New("probe failed")},
		&fakeProbe{name: "timing", res: &Result{Method: "timing", Detected: true, Confidence: 0.9}},
	}, Config{}, nil, nil, zap.NewNop())

	best := h.Tick(context.Background())
	if best == nil || best.Method != "timing" {
		t.Fatalf("expected timing detection despite broken probe, got %v", best)
	}
}

func TestHistory_RetainsRawResultsOldestFirst(t *testing.T) {
	probes := []Probe{
		&fakeProbe{name: "timing", res: &Result{Method: "timing", Detected: false, Confidence: 0.1}},
		&fakeProbe{name: "geometry", res: &Result{Method: "geometry", Detected: true, Confidence: 0.9}},
	}
	h := New(probes, Config{HistorySize: 3}, nil, nil, zap.NewNop())

	h.Tick(context.Background())
	h.Tick(context.Background())

	hist := h.History()
	if len(hist) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(hist))
	}
	// Two ticks of two probes each: the oldest of four results rolled off.
	if hist[0].Method != "geometry" {
		t.Errorf("oldest retained: got %s want geometry", hist[0].Method)
	}

	stats := h.HistoryStats()
	if stats.Total != 3 {
		t.Errorf("stats total: got %d want 3", stats.Total)
	}
	if stats.ByMethod["geometry"] != 2 {
		t.Errorf("geometry detections: got %d want 2", stats.ByMethod["geometry"])
	}
}

func TestTick_MediumSeverityAtThresholdBoundary(t *testing.T) {
	sink := &fakeSink{}
	h := New([]Probe{
		&fakeProbe{name: "console", res: &Result{Method: "console", Detected: true, Confidence: 0.8}},
	}, Config{ConfidenceThreshold: 0.8}, nil, sink, zap.NewNop())

	if best := h.Tick(context.Background()); best == nil {
		t.Fatal("confidence equal to the threshold must qualify")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].Severity != event.SeverityMedium {
		t.Errorf("confidence of exactly 0.8 should map to medium, got %s", sink.events[0].Severity)
	}
}
