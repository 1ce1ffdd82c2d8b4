package domain

import "time"

// Data sources reported with query results.
const (
	SourceRaw        = "raw"
	SourceAggregated = "aggregated"
	SourceMixed      = "mixed"
)

// MetricFilter narrows raw and aggregated reads to a half-open window [Start, End).
type MetricFilter struct {
	Start     time.Time
	End       time.Time
	Endpoint  string
	EventType string
}

// PerformanceGroup holds request statistics for one (hour, endpoint) group.
type PerformanceGroup struct {
	Bucket     time.Time
	Endpoint   string
	Count      int64
	ErrorCount int64
	Sum        float64
	Min        float64
	Max        float64
	P50        float64
	P95        float64
	P99        float64
}

// UsageGroup holds interaction counts for one (hour, event type) group.
type UsageGroup struct {
	Bucket        time.Time
	EventType     string
	Count         int64
	SuccessCount  int64
	FailureCount  int64
	UniqueCallers int64
}

// PerformanceStats is a point-in-time performance aggregate.
type PerformanceStats struct {
	Count      int64
	ErrorCount int64
	Sum        float64
	Avg        float64
	Min        float64
	Max        float64
	P50        float64
	P95        float64
	P99        float64
	ErrorRate  float64
}

// EndpointStats is the per-endpoint breakdown entry.
type EndpointStats struct {
	Endpoint string
	PerformanceStats
}

// UsageStats is a point-in-time usage aggregate.
type UsageStats struct {
	Count        int64
	SuccessCount int64
	FailureCount int64
	SuccessRate  float64
}

// EventTypeStats is the per-event-type breakdown entry.
type EventTypeStats struct {
	EventType string
	UsageStats
}

// PerformanceReport answers a performance aggregate query.
type PerformanceReport struct {
	Start     time.Time
	End       time.Time
	Source    string
	Stats     PerformanceStats
	Endpoints []EndpointStats
}

// UsageReport answers a usage aggregate query.
type UsageReport struct {
	Start      time.Time
	End        time.Time
	Source     string
	Stats      UsageStats
	EventTypes []EventTypeStats
}

// SeriesPoint is one hourly row of a time series. Either stats pointer is nil
// when the series does not include that stream.
type SeriesPoint struct {
	Bucket      time.Time
	Source      string
	Performance *PerformanceStats
	Usage       *UsageStats
}

// TimeSeries answers an hourly time series query.
type TimeSeries struct {
	Start  time.Time
	End    time.Time
	Type   string
	Points []SeriesPoint
}
