package event

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a security event.
type Type string

const (
	TypeDevToolsDetected   Type = "devtools_detected"
	TypeIntegrityViolation Type = "integrity_violation"
	TypeAssetAccessGranted Type = "asset_access_granted"
	TypeAssetAccessDenied  Type = "asset_access_denied"
	TypeSuspiciousActivity Type = "suspicious_activity"
	TypeRateLimitExceeded  Type = "rate_limit_exceeded"
)

// Severity ranks how serious an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric ordering of the severity (low=0 .. critical=3).
// Unknown severities rank below low.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Event is a single immutable security event. Once enqueued into the
// pipeline it is never mutated.
type Event struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Severity    Severity          `json:"severity"`
	Timestamp   time.Time         `json:"timestamp"`
	Source      string            `json:"source"`
	Details     map[string]string `json:"details,omitempty"`
	SessionID   string            `json:"session_id"`
	Fingerprint string            `json:"fingerprint,omitempty"`
}

// New builds an event with a fresh ID and the given timestamp.
func New(t Type, sev Severity, source string, details map[string]string, sessionID string, ts time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Severity:  sev,
		Timestamp: ts,
		Source:    source,
		Details:   details,
		SessionID: sessionID,
	}
}

// Batch is an ordered group of events flushed together. Order is enqueue
// order and is preserved through retries; a failed batch is retried whole,
// never split.
type Batch struct {
	BatchID   string    `json:"batchId"`
	Events    []Event   `json:"events"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}

// NewBatch wraps the given events with a fresh batch ID.
func NewBatch(events []Event, sessionID string, ts time.Time) *Batch {
	return &Batch{
		BatchID:   uuid.New().String(),
		Events:    events,
		Timestamp: ts,
		SessionID: sessionID,
	}
}
