package ratelimit

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

// ErrRateLimitExceeded means the key has exhausted its window budget.
// The key stays blocked until its window resets naturally.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// EventSink receives rate-limit events. The pipeline satisfies this.
type EventSink interface {
	Log(t event.Type, sev event.Severity, source string, details map[string]string) string
}

// Config holds the limiter knobs.
type Config struct {
	Limit          int           // max requests per key per window (default 100)
	Window         time.Duration // sliding window size (default 1m)
	StaleAfter     time.Duration // untouched entries purged after this (default 1h)
	MaxKeys        int           // LRU bound on the key table (default 4096)
	SweepInterval  time.Duration // housekeeping cadence (default 1m)
}

type bucket struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
	blocked     bool
}

// Limiter bounds request volume per key inside a sliding time window.
// The key table is LRU-bounded so hostile clients cannot grow it without
// limit; evicting an active key only resets its counter early, which is
// an acceptable failure direction.
type Limiter struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *bucket]
	cfg     Config
	sink    EventSink
	logger  *zap.Logger
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a limiter. sink may be nil.
func New(cfg Config, sink EventSink, logger *zap.Logger) (*Limiter, error) {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 4096
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	entries, err := lru.New[string, *bucket](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		entries: entries,
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
	}, nil
}

// Allow records one request for key and reports whether it passes.
// Returns ErrRateLimitExceeded once the window budget is exhausted; the
// key remains blocked until the window rolls over.
func (l *Limiter) Allow(key string) error {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.entries.Get(key)
	if !ok || now.Sub(b.windowStart) > l.cfg.Window {
		l.entries.Add(key, &bucket{count: 1, windowStart: now, lastSeen: now})
		return nil
	}

	b.lastSeen = now
	b.count++
	if b.count > l.cfg.Limit {
		first := !b.blocked
		b.blocked = true
		if first {
			l.logger.Warn("rate limit exceeded", zap.String("key", key), zap.Int("limit", l.cfg.Limit))
			if l.sink != nil {
				l.sink.Log(event.TypeRateLimitExceeded, event.SeverityMedium, "rate_limiter", map[string]string{
					"key": key,
				})
			}
		}
		return ErrRateLimitExceeded
	}
	return nil
}

// Start launches the stale-entry housekeeping tick.
func (l *Limiter) Start() {
	go func() {
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop halts housekeeping.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Sweep purges entries untouched for longer than the stale threshold,
// blocked or not.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range l.entries.Keys() {
		if b, ok := l.entries.Peek(key); ok && now.Sub(b.lastSeen) > l.cfg.StaleAfter {
			l.entries.Remove(key)
		}
	}
}

// Tracked returns the number of live keys.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}
