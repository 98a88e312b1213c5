package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tkarski/eventgate/pkg/config"
)

// IngestRequest is the wire payload of the ingestion endpoint.
type IngestRequest struct {
	EventID     string         `json:"event_id,omitempty"`
	EventName   string         `json:"event_name"`
	EventSource string         `json:"event_source"`
	UserID      string         `json:"user_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
}

// FieldError reports a single invalid field.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// Validate checks the payload against the ingestion limits. It returns every
// violation found, not just the first, so clients can fix them in one pass.
func (r *IngestRequest) Validate(now time.Time) []FieldError {
	var errs []FieldError

	r.EventName = strings.TrimSpace(r.EventName)
	r.EventSource = strings.TrimSpace(r.EventSource)

	if r.EventName == "" {
		errs = append(errs, FieldError{"event_name", "required"})
	} else if len(r.EventName) > config.MaxEventNameLength {
		errs = append(errs, FieldError{"event_name", fmt.Sprintf("max length %d", config.MaxEventNameLength)})
	}

	if r.EventSource == "" {
		errs = append(errs, FieldError{"event_source", "required"})
	} else if len(r.EventSource) > config.MaxSourceNameLength {
		errs = append(errs, FieldError{"event_source", fmt.Sprintf("max length %d", config.MaxSourceNameLength)})
	}

	if len(r.UserID) > config.MaxUserIDLength {
		errs = append(errs, FieldError{"user_id", fmt.Sprintf("max length %d", config.MaxUserIDLength)})
	}
	if len(r.EventID) > config.MaxEventIDLength {
		errs = append(errs, FieldError{"event_id", fmt.Sprintf("max length %d", config.MaxEventIDLength)})
	}

	if r.Properties != nil {
		serialized, err := json.Marshal(r.Properties)
		if err != nil {
			errs = append(errs, FieldError{"properties", "not serializable"})
		} else if len(serialized) > config.MaxPropertiesBytes {
			errs = append(errs, FieldError{"properties", fmt.Sprintf("max %d bytes serialized", config.MaxPropertiesBytes)})
		}
	}

	if r.Timestamp != nil && r.Timestamp.After(now.Add(config.MaxTimestampSkew)) {
		errs = append(errs, FieldError{"timestamp", "too far in the future"})
	}

	return errs
}
