package collector

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

const (
	bufferSize    = 1000
	flushInterval = 200 * time.Millisecond
	flushBatches  = 100
	drainTimeout  = 2 * time.Second
)

// EventWriter persists received batches. Write must never block the
// HTTP handler.
type EventWriter interface {
	Write(clientID string, b *event.Batch)
	Close()
}

// ClickHouseWriter inserts events into ClickHouse asynchronously. Write
// is non-blocking; batches are buffered and inserted by a background
// flush loop.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *inbound
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

type inbound struct {
	clientID string
	batch    *event.Batch
}

// NewClickHouseWriter connects to ClickHouse and starts the flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// ParseDSN enables TLS when ?secure=true is present; enforce it as a
	// safety net for cloud deployments on TLS ports.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *inbound, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w, nil
}

// Write queues a batch for async insertion. Drops the batch if the
// buffer is full.
func (w *ClickHouseWriter) Write(clientID string, b *event.Batch) {
	select {
	case w.buffer <- &inbound{clientID: clientID, batch: b}:
	default:
		w.logger.Warn("clickhouse buffer full, dropping batch",
			zap.String("batch_id", b.BatchID),
		)
	}
}

// Close drains remaining batches (up to drainTimeout) and returns.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]*inbound, 0, flushBatches)

	for {
		select {
		case in := <-w.buffer:
			pending = append(pending, in)
			if len(pending) >= flushBatches {
				w.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				w.flush(pending)
				pending = pending[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case in := <-w.buffer:
					pending = append(pending, in)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(pending) > 0 {
				w.flush(pending)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(pending []*inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	insert, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO security_events (
			event_id, batch_id, client_id, session_id,
			type, severity, timestamp, source, details, fingerprint
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, in := range pending {
		for _, e := range in.batch.Events {
			if err := insert.Append(
				e.ID,
				in.batch.BatchID,
				in.clientID,
				e.SessionID,
				string(e.Type),
				string(e.Severity),
				e.Timestamp,
				e.Source,
				e.Details,
				e.Fingerprint,
			); err != nil {
				w.logger.Error("clickhouse append event failed",
					zap.String("event_id", e.ID),
					zap.Error(err),
				)
			}
		}
	}

	if err := insert.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batches", len(pending)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local development. It logs
// received events as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter on the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(clientID string, b *event.Batch) {
	for _, e := range b.Events {
		w.logger.Info("security_event",
			zap.String("client_id", clientID),
			zap.String("batch_id", b.BatchID),
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("severity", string(e.Severity)),
			zap.String("source", e.Source),
			zap.String("session_id", e.SessionID),
			zap.Any("details", e.Details),
		)
	}
}

func (w *LogWriter) Close() {}
