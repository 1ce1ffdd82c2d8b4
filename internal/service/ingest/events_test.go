package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/repository"
)

func TestPrepareNormalizesBatch(t *testing.T) {
	t.Parallel()

	received := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	svc := NewEventService(&stubUsageRepo{}, EventOptions{}, discardLogger())
	events := []domain.UsageEvent{
		{EventType: "page_view", UserID: "spoofed", OccurredAt: received.Add(-time.Minute)},
		{EventType: "click"},
		{EventType: "click", OccurredAt: received.Add(-2 * time.Minute)},
		{EventType: "click", OccurredAt: received.Add(10 * time.Minute)},
		{EventType: "submit", OccurredAt: received.Add(4 * time.Minute)},
	}

	require.NoError(t, svc.Prepare(events, "user-42", received))

	want := []time.Time{
		received.Add(-time.Minute),
		received,
		received,
		received,
		received.Add(4 * time.Minute),
	}
	for i, e := range events {
		assert.Equal(t, "user-42", e.UserID, "event %d identity", i)
		assert.Equal(t, want[i], e.OccurredAt, "event %d occurred_at", i)
		assert.Equal(t, received, e.ReceivedAt)
		assert.NotEmpty(t, e.ID)
	}
}

func TestPrepareClampsBackdatedTimestamps(t *testing.T) {
	t.Parallel()

	received := time.Date(2026, time.March, 20, 3, 17, 0, 0, time.UTC)
	svc := NewEventService(&stubUsageRepo{}, EventOptions{RawRetention: 7 * 24 * time.Hour}, discardLogger())
	horizon := received.Add(-7 * 24 * time.Hour)
	events := []domain.UsageEvent{
		{EventType: "click", OccurredAt: time.Date(2026, time.March, 12, 14, 5, 0, 0, time.UTC)},
		{EventType: "click", OccurredAt: horizon.Add(time.Minute)},
		{EventType: "click", OccurredAt: time.Unix(0, 0)},
	}

	require.NoError(t, svc.Prepare(events, "user-1", received))
	require.Equal(t, horizon, events[0].OccurredAt)
	require.Equal(t, horizon.Add(time.Minute), events[1].OccurredAt)
	require.Equal(t, horizon.Add(time.Minute), events[2].OccurredAt, "order stays non-decreasing")
	for _, e := range events {
		require.False(t, domain.HourBucket(e.OccurredAt).Before(domain.HourBucket(horizon)))
	}
}

func TestPrepareUsesAnonymousSentinel(t *testing.T) {
	t.Parallel()

	svc := NewEventService(&stubUsageRepo{}, EventOptions{}, discardLogger())
	events := []domain.UsageEvent{{EventType: "page_view"}}
	require.NoError(t, svc.Prepare(events, " ", time.Now()))
	require.Equal(t, domain.AnonymousCaller, events[0].UserID)
}

func TestPrepareReportsOffendingIndex(t *testing.T) {
	t.Parallel()

	svc := NewEventService(&stubUsageRepo{}, EventOptions{}, discardLogger())
	events := []domain.UsageEvent{{EventType: "page_view"}, {EventType: "Bad Type"}}

	err := svc.Prepare(events, "user-1", time.Now())
	var invalid *InvalidEventError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 1, invalid.Index)
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	t.Parallel()

	metrics := newStubMetrics()
	svc := NewEventService(&stubUsageRepo{}, EventOptions{QueueSize: 1, Metrics: metrics}, discardLogger())
	batch := []domain.UsageEvent{{EventType: "click", UserID: "u"}}

	require.NoError(t, svc.Submit(batch))
	require.ErrorIs(t, svc.Submit(batch), ErrQueueFull)
	_, dropped := metrics.eventCounts()
	require.Equal(t, 1, dropped)

	require.NoError(t, svc.Close(context.Background()))
	require.ErrorIs(t, svc.Submit(batch), ErrClosed)
}

func TestSubmitRetriesWhileStoreUnavailable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("retry")
	defer trap.Close()

	repo := &stubUsageRepo{errs: []error{repository.ErrUnavailable, nil}}
	metrics := newStubMetrics()
	svc := NewEventService(repo, EventOptions{Workers: 1, Clock: clock, Metrics: metrics}, discardLogger())
	svc.Start()

	require.NoError(t, svc.Submit([]domain.UsageEvent{{EventType: "click", UserID: "u"}, {EventType: "click", UserID: "u"}}))

	call := trap.MustWait(ctx)
	require.Equal(t, time.Second, call.Duration)
	call.MustRelease(ctx)
	clock.Advance(time.Second).MustWait(ctx)

	require.NoError(t, svc.Close(ctx))
	attempts, batches := repo.snapshot()
	require.Equal(t, 2, attempts)
	require.Len(t, batches, 1)
	persisted, dropped := metrics.eventCounts()
	require.Equal(t, 2, persisted)
	require.Zero(t, dropped)
}

func TestSubmitDropsOnPermanentStoreError(t *testing.T) {
	t.Parallel()

	repo := &stubUsageRepo{errs: []error{errors.New("syntax error")}}
	metrics := newStubMetrics()
	svc := NewEventService(repo, EventOptions{Workers: 1}, discardLogger())
	svc.metrics = metrics
	svc.Start()

	require.NoError(t, svc.Submit([]domain.UsageEvent{{EventType: "click", UserID: "u"}}))
	require.NoError(t, svc.Close(context.Background()))

	attempts, batches := repo.snapshot()
	require.Equal(t, 1, attempts)
	require.Empty(t, batches)
	_, dropped := metrics.eventCounts()
	require.Equal(t, 1, dropped)
}
