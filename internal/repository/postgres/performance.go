package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/splax/peepmetrics/internal/domain"
)

// InsertPerformanceMetric persists one raw request measurement.
func (r *Repository) InsertPerformanceMetric(ctx context.Context, metric *domain.PerformanceMetric) error {
	if metric == nil {
		return fmt.Errorf("performance metric required")
	}
	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now().UTC()
	}
	const query = `INSERT INTO performance_metrics (
		id,
		recorded_at,
		endpoint,
		method,
		status_code,
		response_time_ms,
		user_id,
		error_type
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.pool.Exec(ctx, query,
		metric.ID,
		utc(metric.RecordedAt),
		metric.Endpoint,
		metric.Method,
		metric.StatusCode,
		metric.ResponseTimeMS,
		stringPtrToNil(metric.UserID),
		stringPtrToNil(metric.ErrorType),
	)
	return classify(err)
}
