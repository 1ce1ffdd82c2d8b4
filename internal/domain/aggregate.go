package domain

import (
	"fmt"
	"time"
)

// MetricType selects the aggregated stream.
type MetricType string

const (
	MetricTypePerformance MetricType = "performance"
	MetricTypeUsage       MetricType = "usage"
)

// Valid reports whether t is a known metric type.
func (t MetricType) Valid() bool {
	return t == MetricTypePerformance || t == MetricTypeUsage
}

// HourBucket truncates t to its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// BucketKey identifies one aggregation group: an hour, a stream and the endpoint
// path (performance) or event type (usage).
type BucketKey struct {
	Type   MetricType
	Bucket time.Time
	Key    string
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Type, k.Bucket.UTC().Format(time.RFC3339), k.Key)
}

// AggregateValues is the value bag persisted as JSON. Percentiles and error_count
// apply to performance rows; unique_callers, success_count and failure_count to usage.
type AggregateValues struct {
	Count         int64   `json:"count"`
	Sum           float64 `json:"sum"`
	Avg           float64 `json:"avg"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	P50           float64 `json:"p50,omitempty"`
	P95           float64 `json:"p95,omitempty"`
	P99           float64 `json:"p99,omitempty"`
	ErrorCount    int64   `json:"error_count,omitempty"`
	UniqueCallers int64   `json:"unique_callers,omitempty"`
	SuccessCount  int64   `json:"success_count,omitempty"`
	FailureCount  int64   `json:"failure_count,omitempty"`
}

// AggregatedMetric is an hourly summary that replaces raw rows past retention.
type AggregatedMetric struct {
	ID           string
	TimeBucket   time.Time
	Type         MetricType
	EndpointPath *string
	EventType    *string
	Values       AggregateValues
	SampleCount  int64
	CreatedAt    time.Time
}

// Key returns the idempotency key of the row.
func (m AggregatedMetric) Key() BucketKey {
	key := BucketKey{Type: m.Type, Bucket: m.TimeBucket.UTC()}
	switch m.Type {
	case MetricTypePerformance:
		if m.EndpointPath != nil {
			key.Key = *m.EndpointPath
		}
	case MetricTypeUsage:
		if m.EventType != nil {
			key.Key = *m.EventType
		}
	}
	return key
}
