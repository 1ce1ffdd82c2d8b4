// Package tracker batches client interaction events and delivers them to the
// metrics API.
package tracker

import (
	"encoding/json"
	"time"
)

// Event is one interaction as sent to the batch ingest endpoint.
type Event struct {
	EventType string          `json:"event_type"`
	Page      *string         `json:"page,omitempty"`
	ElementID *string         `json:"element_id,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}
