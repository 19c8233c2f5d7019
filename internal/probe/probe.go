package probe

import (
	"context"
	"time"
)

// Result is the outcome of a single probe invocation. Results are
// ephemeral: the fusion engine aggregates them and discards them after
// feeding the event pipeline.
type Result struct {
	Method     string
	Detected   bool
	Confidence float64 // 0.0 – 1.0
	Timestamp  time.Time
}

// Probe is one independent weak signal for inspection-tool presence.
// Implementations must be synchronous and bounded-time, and should return
// early if ctx is cancelled.
type Probe interface {
	// Name returns the probe's unique identifier (e.g. "timing").
	Name() string

	// Run executes the probe once.
	Run(ctx context.Context) (*Result, error)
}

// Handler is invoked at most once per qualifying detection tick with the
// winning probe's method and confidence.
type Handler func(method string, confidence float64)
