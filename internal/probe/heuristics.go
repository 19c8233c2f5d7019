package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

// EventSink receives detection events. The pipeline satisfies this.
type EventSink interface {
	Log(t event.Type, sev event.Severity, source string, details map[string]string) string
}

// Config holds the fusion knobs.
type Config struct {
	Interval            time.Duration // detection tick cadence (default 10s)
	ConfidenceThreshold float64       // qualifying threshold (default 0.8)
	HistorySize         int           // rolling raw-result history (default 50)
}

// Stats summarizes the rolling result history.
type Stats struct {
	Total     int
	Detected  int
	ByMethod  map[string]int
}

// Heuristics runs all enabled probes each tick and fuses their results
// into at most one detection per tick: of the results with detected=true
// and confidence at or above the threshold, the maximum-confidence one
// wins and is handed to the handler exactly once. Correlated probes
// firing together therefore produce a single alert.
type Heuristics struct {
	probes  []Probe
	cfg     Config
	handler Handler
	sink    EventSink
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	history []Result // ring, newest at historyPos-1
	histPos int
	histLen int

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a fusion engine over the given probes. handler and sink may
// be nil.
func New(probes []Probe, cfg Config, handler Handler, sink EventSink, logger *zap.Logger) *Heuristics {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.8
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	return &Heuristics{
		probes:  probes,
		cfg:     cfg,
		handler: handler,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
		history: make([]Result, cfg.HistorySize),
		stop:    make(chan struct{}),
	}
}

// Start begins periodic detection ticks.
func (h *Heuristics) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Tick(ctx)
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the detection ticks.
func (h *Heuristics) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Tick runs every probe once and fuses the results. It returns the
// winning result, or nil if no probe qualified this tick.
func (h *Heuristics) Tick(ctx context.Context) *Result {
	var best *Result

	for _, p := range h.probes {
		res, err := p.Run(ctx)
		if err != nil {
			h.logger.Warn("probe error",
				zap.String("probe", p.Name()),
				zap.Error(err),
			)
			continue
		}
		if res == nil {
			continue
		}
		if res.Timestamp.IsZero() {
			res.Timestamp = h.now()
		}
		h.record(*res)

		if !res.Detected || res.Confidence < h.cfg.ConfidenceThreshold {
			continue
		}
		if best == nil || res.Confidence > best.Confidence {
			best = res
		}
	}

	if best == nil {
		return nil
	}

	sev := event.SeverityMedium
	if best.Confidence > 0.8 {
		sev = event.SeverityHigh
	}
	if h.sink != nil {
		h.sink.Log(event.TypeDevToolsDetected, sev, "devtools_heuristics", map[string]string{
			"method":     best.Method,
			"confidence": fmt.Sprintf("%.2f", best.Confidence),
		})
	}
	if h.handler != nil {
		h.handler(best.Method, best.Confidence)
	}
	return best
}

func (h *Heuristics) record(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history[h.histPos] = r
	h.histPos = (h.histPos + 1) % len(h.history)
	if h.histLen < len(h.history) {
		h.histLen++
	}
}

// History returns the retained raw results, oldest first.
func (h *Heuristics) History() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Result, 0, h.histLen)
	start := h.histPos - h.histLen
	if start < 0 {
		start += len(h.history)
	}
	for i := 0; i < h.histLen; i++ {
		out = append(out, h.history[(start+i)%len(h.history)])
	}
	return out
}

// HistoryStats summarizes the rolling history.
func (h *Heuristics) HistoryStats() Stats {
	s := Stats{ByMethod: make(map[string]int)}
	for _, r := range h.History() {
		s.Total++
		if r.Detected {
			s.Detected++
			s.ByMethod[r.Method]++
		}
	}
	return s
}
