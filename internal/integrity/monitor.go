package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// State tracks where an element is in its verification lifecycle.
type State int

const (
	StateUnverified State = iota
	StateVerified
	StateMismatched
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateVerified:
		return "verified"
	case StateMismatched:
		return "mismatched"
	default:
		return "unverified"
	}
}

// Algorithm selects the content hash.
type Algorithm string

const (
	AlgSHA256  Algorithm = "sha256"
	AlgBLAKE2b Algorithm = "blake2b"
)

// ContentProvider yields the current content of a monitored element.
type ContentProvider interface {
	Content(ctx context.Context) ([]byte, error)
}

// EventSink receives integrity events. The pipeline satisfies this.
type EventSink interface {
	Log(t event.Type, sev event.Severity, source string, details map[string]string) string
}

// Config holds the monitor knobs.
type Config struct {
	Interval         time.Duration // check cadence (default 30s)
	FailureThreshold int           // consecutive mismatched cycles before the critical event (default 3)
	Algorithm        Algorithm     // default sha256
}

type element struct {
	id       string
	salt     string
	provider ContentProvider
	state    State
	failures int
}

// Monitor recomputes content hashes of monitored elements and compares
// them against a baseline. Unseeded elements are adopted on first sight
// (trust-on-first-use) rather than flagged.
type Monitor struct {
	mu       sync.Mutex
	elements map[string]*element
	baseline map[string]string

	cfg      Config
	onTamper func(elementID string)
	sink     EventSink
	logger   *zap.Logger
	now      func() time.Time

	inFlight    atomic.Bool
	lastOverall atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMonitor creates a monitor seeded with baseline (element ID → expected
// hex hash; may be empty). onTamper may be nil; the default response is
// logging only.
func NewMonitor(cfg Config, baseline map[string]string, onTamper func(string), sink EventSink, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgSHA256
	}
	seeded := make(map[string]string, len(baseline))
	for id, h := range baseline {
		seeded[id] = h
	}
	m := &Monitor{
		elements: make(map[string]*element),
		baseline: seeded,
		cfg:      cfg,
		onTamper: onTamper,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	m.lastOverall.Store(true)
	return m
}

// Register adds an element to the monitored set. The salt is mixed into
// the element's hash so identical content in two elements hashes apart.
func (m *Monitor) Register(id, salt string, provider ContentProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elements[id] = &element{id: id, salt: salt, provider: provider}
}

// Start runs one immediate check and then checks on the configured
// interval. A tick that lands while a check is in progress is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.CheckAll(ctx)
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic checks.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// CheckAll verifies every monitored element and returns whether all of
// them are currently verified. A hash or read failure for one element
// degrades that element to mismatched; it never aborts the pass.
// Overlapping calls are coalesced: if a check is already in progress the
// call returns the last known overall result.
func (m *Monitor) CheckAll(ctx context.Context) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		return m.lastOverall.Load()
	}
	defer m.inFlight.Store(false)

	m.mu.Lock()
	ids := make([]string, 0, len(m.elements))
	for id := range m.elements {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	overall := true
	for _, id := range ids {
		if !m.checkElement(ctx, id) {
			overall = false
		}
	}
	m.lastOverall.Store(overall)
	return overall
}

// CheckElement re-verifies a single element immediately, outside the
// periodic cycle (used by the file watcher).
func (m *Monitor) CheckElement(ctx context.Context, id string) bool {
	ok := m.checkElement(ctx, id)
	if !ok {
		m.lastOverall.Store(false)
	}
	return ok
}

func (m *Monitor) checkElement(ctx context.Context, id string) bool {
	m.mu.Lock()
	el, ok := m.elements[id]
	m.mu.Unlock()
	if !ok {
		return true
	}

	current, err := m.hashElement(ctx, el)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.logger.Warn("integrity computation failed",
			zap.String("element", id),
			zap.Error(err),
		)
		m.degrade(el, "verification_error: "+err.Error())
		return false
	}

	expected, seeded := m.baseline[id]
	if !seeded {
		// Trust-on-first-use: adopt, don't flag.
		m.baseline[id] = current
		el.state = StateVerified
		el.failures = 0
		m.logger.Info("integrity baseline adopted", zap.String("element", id))
		return true
	}

	if current == expected {
		if el.state == StateMismatched {
			m.logger.Info("integrity restored", zap.String("element", id))
		}
		el.state = StateVerified
		el.failures = 0
		return true
	}

	m.degrade(el, "hash_mismatch")
	return false
}

// degrade moves an element to mismatched and advances its failure count.
// Exactly one critical event fires when the count crosses the threshold;
// while the element stays mismatched afterwards, each pass records a
// single low-severity bookkeeping event instead.
func (m *Monitor) degrade(el *element, reason string) {
	el.state = StateMismatched
	el.failures++

	switch {
	case el.failures == m.cfg.FailureThreshold:
		m.logger.Error("integrity violation threshold reached",
			zap.String("element", el.id),
			zap.Int("failures", el.failures),
		)
		if m.sink != nil {
			m.sink.Log(event.TypeIntegrityViolation, event.SeverityCritical, "integrity_monitor", map[string]string{
				"element":  el.id,
				"reason":   reason,
				"failures": fmt.Sprintf("%d", el.failures),
			})
		}
		if m.onTamper != nil {
			m.onTamper(el.id)
		}
	case el.failures > m.cfg.FailureThreshold:
		if m.sink != nil {
			m.sink.Log(event.TypeIntegrityViolation, event.SeverityLow, "integrity_monitor", map[string]string{
				"element":  el.id,
				"reason":   reason,
				"failures": fmt.Sprintf("%d", el.failures),
			})
		}
	}
}

func (m *Monitor) hashElement(ctx context.Context, el *element) (string, error) {
	content, err := el.provider.Content(ctx)
	if err != nil {
		return "", err
	}
	switch m.cfg.Algorithm {
	case AlgBLAKE2b:
		h, err := blake2b.New256(nil)
		if err != nil {
			return "", err
		}
		h.Write(content)
		h.Write([]byte(el.salt))
		return hex.EncodeToString(h.Sum(nil)), nil
	default:
		h := sha256.New()
		h.Write(content)
		h.Write([]byte(el.salt))
		return hex.EncodeToString(h.Sum(nil)), nil
	}
}

// ElementState returns the current state and failure count of an element.
func (m *Monitor) ElementState(id string) (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.elements[id]; ok {
		return el.state, el.failures
	}
	return StateUnverified, 0
}
