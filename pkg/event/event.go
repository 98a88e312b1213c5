package event

import (
	"time"

	"github.com/google/uuid"
)

// RawEvent is one telemetry event as stored. Once the processor commits it,
// the record is immutable and owned by the store.
type RawEvent struct {
	// ID is the server-assigned row id.
	ID string `json:"id"`

	// EventID is the optional client-supplied idempotency id. When present,
	// store writes are upserts keyed on (tenant, event id).
	EventID string `json:"event_id,omitempty"`

	TenantID string `json:"tenant_id"`
	SourceID string `json:"source_id,omitempty"`

	Name       string         `json:"event_name"`
	Properties map[string]any `json:"properties,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	RemoteAddr string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`

	// Timestamp is the client-supplied event time, or the receipt time when
	// the client sent none.
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`

	// ProcessedAt is set by the processor when the event is committed.
	ProcessedAt time.Time `json:"processed_at"`
}

// NewID returns a fresh event row id.
func NewID() string {
	return uuid.NewString()
}
