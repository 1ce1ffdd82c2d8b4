package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/splax/peepmetrics/internal/domain"
)

var usageColumns = []string{
	"id",
	"occurred_at",
	"received_at",
	"event_type",
	"user_id",
	"page",
	"element_id",
	"success",
	"metadata",
}

// InsertUsageEvents bulk loads a batch of interaction events with COPY.
func (r *Repository) InsertUsageEvents(ctx context.Context, events []domain.UsageEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(events))
	for i := range events {
		e := &events[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = time.Now().UTC()
		}
		rows = append(rows, []any{
			e.ID,
			utc(e.OccurredAt),
			utc(e.ReceivedAt),
			e.EventType,
			e.UserID,
			stringPtrToNil(e.Page),
			stringPtrToNil(e.ElementID),
			boolPtrToNil(e.Success),
			bytesToNil(e.Metadata),
		})
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"usage_events"}, usageColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// CountUserEvents counts persisted events for one caller inside [start, end).
func (r *Repository) CountUserEvents(ctx context.Context, userID string, start, end time.Time) (int64, error) {
	const query = `SELECT COUNT(*) FROM usage_events
		WHERE user_id = $1 AND occurred_at >= $2 AND occurred_at < $3`
	var count int64
	if err := r.pool.QueryRow(ctx, query, userID, utc(start), utc(end)).Scan(&count); err != nil {
		return 0, classify(err)
	}
	return count, nil
}
