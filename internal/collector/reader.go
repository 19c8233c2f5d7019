package collector

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// StoredEvent is the read-side shape of a persisted event.
type StoredEvent struct {
	EventID   string            `json:"event_id"`
	BatchID   string            `json:"batch_id"`
	ClientID  string            `json:"client_id"`
	SessionID string            `json:"session_id"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Details   map[string]string `json:"details,omitempty"`
}

// Reader serves the dashboard read path from ClickHouse.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader connects a read-only ClickHouse session.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
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
	return &Reader{conn: conn, logger: logger}, nil
}

// RecentEvents returns the newest events, newest first.
func (r *Reader) RecentEvents(ctx context.Context, limit int) ([]StoredEvent, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT event_id, batch_id, client_id, session_id,
		       type, severity, timestamp, source, details
		FROM security_events
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]StoredEvent, 0, limit)
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(
			&e.EventID, &e.BatchID, &e.ClientID, &e.SessionID,
			&e.Type, &e.Severity, &e.Timestamp, &e.Source, &e.Details,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close tears down the connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}
