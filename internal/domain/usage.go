package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// AnonymousCaller is stored as the identity of events from callers without a user.
const AnonymousCaller = "anonymous"

const (
	MaxEventTypeLength = 64
	MaxElementIDLength = 100
	MaxPageLength      = 255
	MaxMetadataBytes   = 4096
)

var eventTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.:-]{0,63}$`)

// UsageEvent is one discrete user interaction.
type UsageEvent struct {
	ID         string
	OccurredAt time.Time
	ReceivedAt time.Time
	EventType  string
	UserID     string
	Page       *string
	ElementID  *string
	Success    *bool
	Metadata   json.RawMessage
}

// ValidateEventType checks the short event type label, e.g. page_view or click.
func ValidateEventType(eventType string) error {
	if !eventTypePattern.MatchString(eventType) {
		return fmt.Errorf("%w: event_type %q", ErrInvalid, eventType)
	}
	return nil
}

// Validate checks the event invariants.
func (e UsageEvent) Validate() error {
	if err := ValidateEventType(e.EventType); err != nil {
		return err
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: user_id required", ErrInvalid)
	}
	if e.ElementID != nil && utf8.RuneCountInString(*e.ElementID) > MaxElementIDLength {
		return fmt.Errorf("%w: element_id longer than %d characters", ErrInvalid, MaxElementIDLength)
	}
	if e.Page != nil && utf8.RuneCountInString(*e.Page) > MaxPageLength {
		return fmt.Errorf("%w: page longer than %d characters", ErrInvalid, MaxPageLength)
	}
	if len(e.Metadata) > MaxMetadataBytes {
		return fmt.Errorf("%w: metadata larger than %d bytes", ErrInvalid, MaxMetadataBytes)
	}
	if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
		return fmt.Errorf("%w: metadata is not valid JSON", ErrInvalid)
	}
	return nil
}

// UsageSample is the subset of a raw event the aggregation job needs.
type UsageSample struct {
	UserID  string
	Success *bool
}
