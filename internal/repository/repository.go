package repository

import (
	"context"
	"time"

	"github.com/splax/peepmetrics/internal/domain"
)

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PerformanceRepository persists raw request measurements.
type PerformanceRepository interface {
	Pinger
	InsertPerformanceMetric(ctx context.Context, metric *domain.PerformanceMetric) error
}

// UsageRepository persists client interaction events.
type UsageRepository interface {
	InsertUsageEvents(ctx context.Context, events []domain.UsageEvent) (int64, error)
	CountUserEvents(ctx context.Context, userID string, start, end time.Time) (int64, error)
}

// MetricQueryRepository reads raw and aggregated metrics.
type MetricQueryRepository interface {
	PerformanceGroups(ctx context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, error)
	PerformanceHourly(ctx context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, error)
	PerformanceSummary(ctx context.Context, filter domain.MetricFilter) (domain.PerformanceStats, []domain.EndpointStats, error)
	UsageGroups(ctx context.Context, filter domain.MetricFilter) ([]domain.UsageGroup, error)
	UsageSummary(ctx context.Context, filter domain.MetricFilter) (domain.UsageStats, []domain.EventTypeStats, error)
	ListAggregates(ctx context.Context, metricType domain.MetricType, filter domain.MetricFilter) ([]domain.AggregatedMetric, error)
}

// AggregationRepository backs the aggregation and retention job.
type AggregationRepository interface {
	Pinger
	ListPendingBuckets(ctx context.Context, cutoff time.Time) ([]domain.BucketKey, error)
	RunSerializable(ctx context.Context, fn func(tx AggregationTx) error) error
	DeleteAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AggregationTx is the unit of work for a single bucket. Every call runs in the
// same serializable transaction.
type AggregationTx interface {
	AggregateExists(ctx context.Context, key domain.BucketKey) (bool, error)
	CountRaw(ctx context.Context, key domain.BucketKey) (int64, error)
	PerformanceSamples(ctx context.Context, key domain.BucketKey) ([]domain.PerformanceSample, error)
	UsageSamples(ctx context.Context, key domain.BucketKey) ([]domain.UsageSample, error)
	InsertAggregate(ctx context.Context, metric *domain.AggregatedMetric) error
	DeleteRaw(ctx context.Context, key domain.BucketKey) (int64, error)
}
