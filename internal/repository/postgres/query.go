package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/splax/peepmetrics/internal/domain"
)

// PerformanceGroups returns hourly per-endpoint statistics over raw rows with exact percentiles.
func (r *Repository) PerformanceGroups(ctx context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, error) {
	const query = `SELECT
		date_trunc('hour', recorded_at AT TIME ZONE 'UTC') AS bucket,
		endpoint,
		COUNT(*),
		COUNT(*) FILTER (WHERE status_code >= 400),
		COALESCE(SUM(response_time_ms), 0),
		COALESCE(MIN(response_time_ms), 0),
		COALESCE(MAX(response_time_ms), 0),
		COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY response_time_ms), 0),
		COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY response_time_ms), 0),
		COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY response_time_ms), 0)
	FROM performance_metrics
	WHERE recorded_at >= $1 AND recorded_at < $2 AND ($3 = '' OR endpoint = $3)
	GROUP BY 1, 2
	ORDER BY 1, 2`
	rows, err := r.pool.Query(ctx, query, utc(filter.Start), utc(filter.End), strings.TrimSpace(filter.Endpoint))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	groups := make([]domain.PerformanceGroup, 0)
	for rows.Next() {
		var g domain.PerformanceGroup
		if err := rows.Scan(&g.Bucket, &g.Endpoint, &g.Count, &g.ErrorCount, &g.Sum, &g.Min, &g.Max, &g.P50, &g.P95, &g.P99); err != nil {
			return nil, classify(err)
		}
		g.Bucket = utc(g.Bucket)
		groups = append(groups, g)
	}
	return groups, classify(rows.Err())
}

// PerformanceHourly returns one group per hour over raw rows with percentiles
// exact across every endpoint the filter admits.
func (r *Repository) PerformanceHourly(ctx context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, error) {
	const query = `SELECT
		date_trunc('hour', recorded_at AT TIME ZONE 'UTC') AS bucket,
		COUNT(*),
		COUNT(*) FILTER (WHERE status_code >= 400),
		COALESCE(SUM(response_time_ms), 0),
		COALESCE(MIN(response_time_ms), 0),
		COALESCE(MAX(response_time_ms), 0),
		COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY response_time_ms), 0),
		COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY response_time_ms), 0),
		COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY response_time_ms), 0)
	FROM performance_metrics
	WHERE recorded_at >= $1 AND recorded_at < $2 AND ($3 = '' OR endpoint = $3)
	GROUP BY 1
	ORDER BY 1`
	endpoint := strings.TrimSpace(filter.Endpoint)
	rows, err := r.pool.Query(ctx, query, utc(filter.Start), utc(filter.End), endpoint)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	groups := make([]domain.PerformanceGroup, 0)
	for rows.Next() {
		g := domain.PerformanceGroup{Endpoint: endpoint}
		if err := rows.Scan(&g.Bucket, &g.Count, &g.ErrorCount, &g.Sum, &g.Min, &g.Max, &g.P50, &g.P95, &g.P99); err != nil {
			return nil, classify(err)
		}
		g.Bucket = utc(g.Bucket)
		groups = append(groups, g)
	}
	return groups, classify(rows.Err())
}

// PerformanceSummary computes exact statistics over raw rows, overall and per endpoint.
func (r *Repository) PerformanceSummary(ctx context.Context, filter domain.MetricFilter) (domain.PerformanceStats, []domain.EndpointStats, error) {
	const query = `SELECT
		endpoint,
		GROUPING(endpoint),
		COUNT(*),
		COUNT(*) FILTER (WHERE status_code >= 400),
		COALESCE(SUM(response_time_ms), 0),
		COALESCE(MIN(response_time_ms), 0),
		COALESCE(MAX(response_time_ms), 0),
		COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY response_time_ms), 0),
		COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY response_time_ms), 0),
		COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY response_time_ms), 0)
	FROM performance_metrics
	WHERE recorded_at >= $1 AND recorded_at < $2 AND ($3 = '' OR endpoint = $3)
	GROUP BY GROUPING SETS ((endpoint), ())
	ORDER BY 2 DESC, 3 DESC, 1`
	var total domain.PerformanceStats
	rows, err := r.pool.Query(ctx, query, utc(filter.Start), utc(filter.End), strings.TrimSpace(filter.Endpoint))
	if err != nil {
		return total, nil, classify(err)
	}
	defer rows.Close()
	endpoints := make([]domain.EndpointStats, 0)
	for rows.Next() {
		var (
			endpoint sql.NullString
			grouping int
			s        domain.PerformanceStats
		)
		if err := rows.Scan(&endpoint, &grouping, &s.Count, &s.ErrorCount, &s.Sum, &s.Min, &s.Max, &s.P50, &s.P95, &s.P99); err != nil {
			return total, nil, classify(err)
		}
		if grouping == 1 {
			total = s
			continue
		}
		endpoints = append(endpoints, domain.EndpointStats{Endpoint: endpoint.String, PerformanceStats: s})
	}
	return total, endpoints, classify(rows.Err())
}

// UsageGroups returns hourly per-event-type counts over raw rows.
func (r *Repository) UsageGroups(ctx context.Context, filter domain.MetricFilter) ([]domain.UsageGroup, error) {
	const query = `SELECT
		date_trunc('hour', occurred_at AT TIME ZONE 'UTC') AS bucket,
		event_type,
		COUNT(*),
		COUNT(*) FILTER (WHERE success IS TRUE),
		COUNT(*) FILTER (WHERE success IS FALSE),
		COUNT(DISTINCT user_id)
	FROM usage_events
	WHERE occurred_at >= $1 AND occurred_at < $2 AND ($3 = '' OR event_type = $3)
	GROUP BY 1, 2
	ORDER BY 1, 2`
	rows, err := r.pool.Query(ctx, query, utc(filter.Start), utc(filter.End), strings.TrimSpace(filter.EventType))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	groups := make([]domain.UsageGroup, 0)
	for rows.Next() {
		var g domain.UsageGroup
		if err := rows.Scan(&g.Bucket, &g.EventType, &g.Count, &g.SuccessCount, &g.FailureCount, &g.UniqueCallers); err != nil {
			return nil, classify(err)
		}
		g.Bucket = utc(g.Bucket)
		groups = append(groups, g)
	}
	return groups, classify(rows.Err())
}

// UsageSummary counts raw events overall and per event type.
func (r *Repository) UsageSummary(ctx context.Context, filter domain.MetricFilter) (domain.UsageStats, []domain.EventTypeStats, error) {
	const query = `SELECT
		event_type,
		GROUPING(event_type),
		COUNT(*),
		COUNT(*) FILTER (WHERE success IS TRUE),
		COUNT(*) FILTER (WHERE success IS FALSE)
	FROM usage_events
	WHERE occurred_at >= $1 AND occurred_at < $2 AND ($3 = '' OR event_type = $3)
	GROUP BY GROUPING SETS ((event_type), ())
	ORDER BY 2 DESC, 3 DESC, 1`
	var total domain.UsageStats
	rows, err := r.pool.Query(ctx, query, utc(filter.Start), utc(filter.End), strings.TrimSpace(filter.EventType))
	if err != nil {
		return total, nil, classify(err)
	}
	defer rows.Close()
	types := make([]domain.EventTypeStats, 0)
	for rows.Next() {
		var (
			eventType sql.NullString
			grouping  int
			s         domain.UsageStats
		)
		if err := rows.Scan(&eventType, &grouping, &s.Count, &s.SuccessCount, &s.FailureCount); err != nil {
			return total, nil, classify(err)
		}
		if grouping == 1 {
			total = s
			continue
		}
		types = append(types, domain.EventTypeStats{EventType: eventType.String, UsageStats: s})
	}
	return total, types, classify(rows.Err())
}

// ListAggregates returns hourly summaries of one stream inside the filter window.
func (r *Repository) ListAggregates(ctx context.Context, metricType domain.MetricType, filter domain.MetricFilter) ([]domain.AggregatedMetric, error) {
	if !metricType.Valid() {
		return nil, fmt.Errorf("unknown metric type %q", metricType)
	}
	key := filter.Endpoint
	if metricType == domain.MetricTypeUsage {
		key = filter.EventType
	}
	const query = `SELECT
		id,
		time_bucket,
		metric_type,
		endpoint_path,
		event_type,
		metric_values,
		sample_count,
		created_at
	FROM aggregated_metrics
	WHERE metric_type = $1
		AND time_bucket >= $2
		AND time_bucket < $3
		AND ($4 = '' OR COALESCE(endpoint_path, event_type, '') = $4)
	ORDER BY time_bucket, COALESCE(endpoint_path, event_type, '')`
	rows, err := r.pool.Query(ctx, query, string(metricType), utc(filter.Start), utc(filter.End), strings.TrimSpace(key))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	metrics := make([]domain.AggregatedMetric, 0)
	for rows.Next() {
		var (
			m            domain.AggregatedMetric
			kind         string
			endpointPath sql.NullString
			eventType    sql.NullString
			values       []byte
		)
		if err := rows.Scan(&m.ID, &m.TimeBucket, &kind, &endpointPath, &eventType, &values, &m.SampleCount, &m.CreatedAt); err != nil {
			return nil, classify(err)
		}
		m.Type = domain.MetricType(kind)
		m.TimeBucket = utc(m.TimeBucket)
		if endpointPath.Valid {
			value := endpointPath.String
			m.EndpointPath = &value
		}
		if eventType.Valid {
			value := eventType.String
			m.EventType = &value
		}
		if len(values) > 0 {
			if err := json.Unmarshal(values, &m.Values); err != nil {
				return nil, fmt.Errorf("decode metric values for %s: %w", m.ID, err)
			}
		}
		metrics = append(metrics, m)
	}
	return metrics, classify(rows.Err())
}
