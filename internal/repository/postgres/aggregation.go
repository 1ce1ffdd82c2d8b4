package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/repository"
)

// ListPendingBuckets enumerates (hour, type, key) groups holding raw rows older than cutoff.
func (r *Repository) ListPendingBuckets(ctx context.Context, cutoff time.Time) ([]domain.BucketKey, error) {
	const query = `SELECT kind, bucket, key FROM (
		SELECT 'performance' AS kind, date_trunc('hour', recorded_at AT TIME ZONE 'UTC') AS bucket, endpoint AS key
		FROM performance_metrics
		WHERE recorded_at < $1
		GROUP BY 2, 3
		UNION ALL
		SELECT 'usage' AS kind, date_trunc('hour', occurred_at AT TIME ZONE 'UTC') AS bucket, event_type AS key
		FROM usage_events
		WHERE occurred_at < $1
		GROUP BY 2, 3
	) pending
	ORDER BY bucket, kind, key`
	rows, err := r.pool.Query(ctx, query, utc(cutoff))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	keys := make([]domain.BucketKey, 0)
	for rows.Next() {
		var (
			kind string
			key  domain.BucketKey
		)
		if err := rows.Scan(&kind, &key.Bucket, &key.Key); err != nil {
			return nil, classify(err)
		}
		key.Type = domain.MetricType(kind)
		key.Bucket = utc(key.Bucket)
		keys = append(keys, key)
	}
	return keys, classify(rows.Err())
}

// RunSerializable executes fn inside one SERIALIZABLE transaction and commits when fn succeeds.
func (r *Repository) RunSerializable(ctx context.Context, fn func(tx repository.AggregationTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&aggregationTx{tx: tx}); err != nil {
		return err
	}
	return classify(tx.Commit(ctx))
}

// DeleteAggregatesBefore removes summaries whose bucket is older than cutoff.
func (r *Repository) DeleteAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM aggregated_metrics WHERE time_bucket < $1`, utc(cutoff))
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

type aggregationTx struct {
	tx pgx.Tx
}

var _ repository.AggregationTx = (*aggregationTx)(nil)

func bucketWindow(key domain.BucketKey) (time.Time, time.Time) {
	start := domain.HourBucket(key.Bucket)
	return start, start.Add(time.Hour)
}

func (a *aggregationTx) AggregateExists(ctx context.Context, key domain.BucketKey) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM aggregated_metrics
		WHERE time_bucket = $1 AND metric_type = $2 AND COALESCE(endpoint_path, event_type, '') = $3
	)`
	var exists bool
	if err := a.tx.QueryRow(ctx, query, domain.HourBucket(key.Bucket), string(key.Type), key.Key).Scan(&exists); err != nil {
		return false, classify(err)
	}
	return exists, nil
}

func (a *aggregationTx) CountRaw(ctx context.Context, key domain.BucketKey) (int64, error) {
	start, end := bucketWindow(key)
	var query string
	switch key.Type {
	case domain.MetricTypePerformance:
		query = `SELECT COUNT(*) FROM performance_metrics WHERE endpoint = $1 AND recorded_at >= $2 AND recorded_at < $3`
	case domain.MetricTypeUsage:
		query = `SELECT COUNT(*) FROM usage_events WHERE event_type = $1 AND occurred_at >= $2 AND occurred_at < $3`
	default:
		return 0, fmt.Errorf("unknown metric type %q", key.Type)
	}
	var count int64
	if err := a.tx.QueryRow(ctx, query, key.Key, start, end).Scan(&count); err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (a *aggregationTx) PerformanceSamples(ctx context.Context, key domain.BucketKey) ([]domain.PerformanceSample, error) {
	start, end := bucketWindow(key)
	const query = `SELECT response_time_ms, status_code FROM performance_metrics
		WHERE endpoint = $1 AND recorded_at >= $2 AND recorded_at < $3`
	rows, err := a.tx.Query(ctx, query, key.Key, start, end)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	samples := make([]domain.PerformanceSample, 0)
	for rows.Next() {
		var s domain.PerformanceSample
		if err := rows.Scan(&s.ResponseTimeMS, &s.StatusCode); err != nil {
			return nil, classify(err)
		}
		samples = append(samples, s)
	}
	return samples, classify(rows.Err())
}

func (a *aggregationTx) UsageSamples(ctx context.Context, key domain.BucketKey) ([]domain.UsageSample, error) {
	start, end := bucketWindow(key)
	const query = `SELECT user_id, success FROM usage_events
		WHERE event_type = $1 AND occurred_at >= $2 AND occurred_at < $3`
	rows, err := a.tx.Query(ctx, query, key.Key, start, end)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	samples := make([]domain.UsageSample, 0)
	for rows.Next() {
		var s domain.UsageSample
		if err := rows.Scan(&s.UserID, &s.Success); err != nil {
			return nil, classify(err)
		}
		samples = append(samples, s)
	}
	return samples, classify(rows.Err())
}

func (a *aggregationTx) InsertAggregate(ctx context.Context, metric *domain.AggregatedMetric) error {
	if metric == nil {
		return fmt.Errorf("aggregated metric required")
	}
	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	values, err := json.Marshal(metric.Values)
	if err != nil {
		return fmt.Errorf("encode metric values: %w", err)
	}
	const query = `INSERT INTO aggregated_metrics (
		id,
		time_bucket,
		metric_type,
		endpoint_path,
		event_type,
		metric_values,
		sample_count,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
	RETURNING created_at`
	err = a.tx.QueryRow(ctx, query,
		metric.ID,
		domain.HourBucket(metric.TimeBucket),
		string(metric.Type),
		stringPtrToNil(metric.EndpointPath),
		stringPtrToNil(metric.EventType),
		values,
		metric.SampleCount,
	).Scan(&metric.CreatedAt)
	return classify(err)
}

func (a *aggregationTx) DeleteRaw(ctx context.Context, key domain.BucketKey) (int64, error) {
	start, end := bucketWindow(key)
	var query string
	switch key.Type {
	case domain.MetricTypePerformance:
		query = `DELETE FROM performance_metrics WHERE endpoint = $1 AND recorded_at >= $2 AND recorded_at < $3`
	case domain.MetricTypeUsage:
		query = `DELETE FROM usage_events WHERE event_type = $1 AND occurred_at >= $2 AND occurred_at < $3`
	default:
		return 0, fmt.Errorf("unknown metric type %q", key.Type)
	}
	tag, err := a.tx.Exec(ctx, query, key.Key, start, end)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}
