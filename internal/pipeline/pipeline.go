package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

// Transport delivers one batch to the remote sink. A nil error means the
// sink accepted the batch; anything else routes the batch to retry.
type Transport interface {
	Send(ctx context.Context, b *event.Batch) error
}

// FallbackStore durably persists batches that could not be transmitted,
// for resumption on a later session.
type FallbackStore interface {
	Save(b *event.Batch) error
	LoadAll() ([]*event.Batch, error)
	Clear() error
}

// Config holds the pipeline knobs.
type Config struct {
	SessionID      string
	BatchSize      int           // flush when the queue reaches this (default 10)
	FlushInterval  time.Duration // periodic flush (default 30s)
	SendTimeout    time.Duration // per transmission attempt (default 10s)
	MaxRetries     int           // attempts per batch before persisting (default 3)
	RetryBackoff   time.Duration // fixed delay between attempts (default 5s)
	MaxRetryQueue  int           // in-memory retry queue bound (default 100)
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.MaxRetryQueue <= 0 {
		c.MaxRetryQueue = 100
	}
}

type retryBatch struct {
	batch    *event.Batch
	attempts int
}

// Pipeline is the single sink for all security events. Log never fails
// from the caller's point of view; transmission failures are absorbed by
// the retry queue and, past the retry budget, by the fallback store.
//
// Ordering: events within one batch keep enqueue order. Batches are not
// ordered across retries — a retried batch may arrive after a newer one.
type Pipeline struct {
	mu    sync.Mutex
	queue []event.Event
	retry []*retryBatch

	cfg       Config
	transport Transport // nil: batches go straight to the fallback store
	store     FallbackStore
	observer  func(event.Event)
	logger    *zap.Logger
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a pipeline. transport may be nil (local-only mode); store
// may be nil (no durable fallback). observer, if set, sees every event
// synchronously at enqueue time.
func New(cfg Config, transport Transport, store FallbackStore, observer func(event.Event), logger *zap.Logger) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:       cfg,
		transport: transport,
		store:     store,
		observer:  observer,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Log enqueues an event and returns its ID. Enqueue never fails. A
// critical event forces an immediate flush; otherwise the queue flushes
// when it reaches the batch size or on the periodic timer.
func (p *Pipeline) Log(t event.Type, sev event.Severity, source string, details map[string]string) string {
	e := event.New(t, sev, source, details, p.cfg.SessionID, p.now())

	p.mu.Lock()
	p.queue = append(p.queue, e)
	full := len(p.queue) >= p.cfg.BatchSize
	p.mu.Unlock()

	if p.observer != nil {
		p.observer(e)
	}

	if sev == event.SeverityCritical || full {
		p.Flush()
	}
	return e.ID
}

// Start reloads any batches persisted by a previous session and retries
// them before new events flush, then begins the periodic flush timer.
func (p *Pipeline) Start() {
	p.resumePersisted()
	go func() {
		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Flush()
			case <-p.stop:
				return
			}
		}
	}()
}

// Close stops the timer and performs a best-effort final flush. It does
// not wait on in-flight retries; events still in the retry queue are
// persisted so a later session can resume them.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.Flush()

	p.mu.Lock()
	pending := p.retry
	p.retry = nil
	p.mu.Unlock()
	for _, rb := range pending {
		p.persist(rb.batch)
	}
}

// Flush snapshots the queue into one batch and attempts transmission.
// Safe to call at any time; a concurrent flush sees an empty queue.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	events := p.queue
	p.queue = nil
	p.mu.Unlock()

	batch := event.NewBatch(events, p.cfg.SessionID, p.now())
	p.dispatch(batch, 0)
}

// dispatch attempts transmission and routes failures to retry/persist.
// attempts counts transmissions already tried for this batch.
func (p *Pipeline) dispatch(batch *event.Batch, attempts int) {
	if p.transport == nil {
		p.persist(batch)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
	err := p.transport.Send(ctx, batch)
	cancel()
	if err == nil {
		p.logger.Debug("batch delivered",
			zap.String("batch_id", batch.BatchID),
			zap.Int("events", len(batch.Events)),
		)
		return
	}

	attempts++
	p.logger.Warn("batch transmission failed",
		zap.String("batch_id", batch.BatchID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)

	if attempts > p.cfg.MaxRetries {
		p.persist(batch)
		return
	}
	p.scheduleRetry(batch, attempts)
}

func (p *Pipeline) scheduleRetry(batch *event.Batch, attempts int) {
	rb := &retryBatch{batch: batch, attempts: attempts}

	p.mu.Lock()
	if len(p.retry) >= p.cfg.MaxRetryQueue {
		dropped := p.retry[0]
		p.retry = p.retry[1:]
		p.logger.Warn("retry queue full, dropping oldest batch",
			zap.String("batch_id", dropped.batch.BatchID),
		)
	}
	p.retry = append(p.retry, rb)
	p.mu.Unlock()

	time.AfterFunc(p.cfg.RetryBackoff, func() {
		select {
		case <-p.stop:
			return // Close persists whatever is left
		default:
		}
		p.mu.Lock()
		found := false
		for i, cand := range p.retry {
			if cand == rb {
				p.retry = append(p.retry[:i], p.retry[i+1:]...)
				found = true
				break
			}
		}
		p.mu.Unlock()
		if found {
			p.dispatch(rb.batch, rb.attempts)
		}
	})
}

func (p *Pipeline) persist(batch *event.Batch) {
	if p.store == nil {
		p.logger.Error("no fallback store, dropping batch",
			zap.String("batch_id", batch.BatchID),
			zap.Int("events", len(batch.Events)),
		)
		return
	}
	if err := p.store.Save(batch); err != nil {
		p.logger.Error("fallback persist failed",
			zap.String("batch_id", batch.BatchID),
			zap.Error(err),
		)
		return
	}
	p.logger.Info("batch persisted to fallback store",
		zap.String("batch_id", batch.BatchID),
		zap.Int("events", len(batch.Events)),
	)
}

// resumePersisted reloads persisted batches and retries them from a clean
// attempt count. Batches that fail again simply re-enter the normal
// retry/persist path.
func (p *Pipeline) resumePersisted() {
	if p.store == nil || p.transport == nil {
		return
	}
	batches, err := p.store.LoadAll()
	if err != nil {
		p.logger.Error("loading persisted batches failed", zap.Error(err))
		return
	}
	if len(batches) == 0 {
		return
	}
	if err := p.store.Clear(); err != nil {
		p.logger.Error("clearing fallback store failed", zap.Error(err))
		return
	}
	p.logger.Info("resuming persisted batches", zap.Int("batches", len(batches)))
	for _, b := range batches {
		p.dispatch(b, 0)
	}
}

// Queued returns the number of events awaiting the next flush.
func (p *Pipeline) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// RetryDepth returns the number of batches waiting for a retry attempt.
func (p *Pipeline) RetryDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retry)
}
