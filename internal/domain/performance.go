package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid marks values rejected by domain validation.
var ErrInvalid = errors.New("domain: invalid value")

// PerformanceMetric is one measured request as written by the ingestion middleware.
type PerformanceMetric struct {
	ID             string
	RecordedAt     time.Time
	Endpoint       string
	Method         string
	StatusCode     int
	ResponseTimeMS float64
	UserID         *string
	ErrorType      *string
}

// Error type labels attached to performance records.
const (
	ErrorTypeClient = "client_error"
	ErrorTypeServer = "server_error"
	ErrorTypePanic  = "panic"
)

// IsErrorStatus reports whether a status code counts as an error for aggregation.
func IsErrorStatus(code int) bool {
	return code >= 400
}

// ErrorTypeForStatus derives the error label for a status code, empty for successes.
func ErrorTypeForStatus(code int) string {
	switch {
	case code >= 500:
		return ErrorTypeServer
	case code >= 400:
		return ErrorTypeClient
	default:
		return ""
	}
}

// IsError reports whether the record is an error response.
func (m PerformanceMetric) IsError() bool {
	return IsErrorStatus(m.StatusCode)
}

// Validate checks the record invariants.
func (m PerformanceMetric) Validate() error {
	if strings.TrimSpace(m.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint required", ErrInvalid)
	}
	if m.StatusCode < 100 || m.StatusCode > 599 {
		return fmt.Errorf("%w: status code %d", ErrInvalid, m.StatusCode)
	}
	if m.ResponseTimeMS < 0 {
		return fmt.Errorf("%w: negative response time", ErrInvalid)
	}
	if m.RecordedAt.IsZero() {
		return fmt.Errorf("%w: recorded_at required", ErrInvalid)
	}
	return nil
}

// PerformanceSample is the subset of a raw record the aggregation job needs.
type PerformanceSample struct {
	ResponseTimeMS float64
	StatusCode     int
}
