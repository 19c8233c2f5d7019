package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/triage-ai/bastion/internal/event"
)

// HTTPTransport POSTs JSON-serialized batches to a collector endpoint.
type HTTPTransport struct {
	client      *http.Client
	endpoint    string
	bearerToken string
}

// NewHTTPTransport creates a transport for the given endpoint. token is
// optional; when set it is sent as a bearer credential.
func NewHTTPTransport(endpoint, token string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		client:      &http.Client{Timeout: timeout},
		endpoint:    endpoint,
		bearerToken: token,
	}
}

// Send implements Transport. Any non-2xx response counts as failure.
func (t *HTTPTransport) Send(ctx context.Context, b *event.Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearerToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

// NATSTransport publishes JSON-serialized batches to a subject.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
}

// NewNATSTransport connects to the NATS server at url.
func NewNATSTransport(url, subject string) (*NATSTransport, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSTransport{conn: nc, subject: subject}, nil
}

// Send implements Transport.
func (t *NATSTransport) Send(_ context.Context, b *event.Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if err := t.conn.Publish(t.subject, body); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return t.conn.Flush()
}

// Close drains the NATS connection.
func (t *NATSTransport) Close() {
	t.conn.Close()
}
