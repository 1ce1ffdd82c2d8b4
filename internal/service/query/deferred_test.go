package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/peepmetrics/internal/repository"
)

func newDeferredService(t *testing.T) (*Service, *quartz.Mock, *stubQueryMetrics) {
	t.Helper()
	clock := quartz.NewMock(t)
	metrics := &stubQueryMetrics{}
	svc := NewService(&stubQueryRepo{}, Options{
		Clock:       clock,
		SoftTimeout: 3 * time.Second,
		HardTimeout: 15 * time.Second,
		Metrics:     metrics,
	}, discardLogger())
	return svc, clock, metrics
}

func TestRunReturnsFastResultsInline(t *testing.T) {
	t.Parallel()

	svc, _, metrics := newDeferredService(t)
	outcome, err := svc.Run(context.Background(), "performance", func(context.Context) (any, error) {
		return "report", nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusDone, outcome.Status)
	require.Equal(t, "report", outcome.Result)
	require.Empty(t, outcome.QueryID)
	require.Equal(t, []string{"performance:ok"}, metrics.snapshot())
}

func TestRunMapsStoreUnavailable(t *testing.T) {
	t.Parallel()

	svc, _, _ := newDeferredService(t)
	_, err := svc.Run(context.Background(), "usage", func(context.Context) (any, error) {
		return nil, fmt.Errorf("usage summary: %w", repository.ErrUnavailable)
	})
	require.ErrorIs(t, err, ErrTemporarilyUnavailable)
}

func TestRunPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	svc, _, _ := newDeferredService(t)
	boom := errors.New("boom")
	_, err := svc.Run(context.Background(), "usage", func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrTemporarilyUnavailable)
}

func TestRunDefersPastSoftTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc, clock, metrics := newDeferredService(t)
	soft := clock.Trap().NewTimer("query", "soft")
	defer soft.Close()

	release := make(chan struct{})
	outcomes := make(chan Outcome, 1)
	go func() {
		outcome, err := svc.Run(ctx, "timeseries", func(context.Context) (any, error) {
			<-release
			return "series", nil
		})
		assert.NoError(t, err)
		outcomes <- outcome
	}()

	soft.MustWait(ctx).MustRelease(ctx)
	clock.Advance(3 * time.Second).MustWait(ctx)
	outcome := <-outcomes
	require.Equal(t, StatusComputing, outcome.Status)
	require.NotEmpty(t, outcome.QueryID)

	polled, err := svc.Poll(outcome.QueryID)
	require.NoError(t, err)
	require.Equal(t, StatusComputing, polled.Status)

	close(release)
	require.Eventually(t, func() bool {
		polled, err := svc.Poll(outcome.QueryID)
		return err == nil && polled.Status == StatusDone && polled.Result == "series"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		got := metrics.snapshot()
		return len(got) == 2 && got[0] == "timeseries:deferred" && got[1] == "timeseries:ok"
	}, time.Second, 5*time.Millisecond)
}

func TestRunHardDeadlineFailsDeferredQuery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc, clock, _ := newDeferredService(t)
	soft := clock.Trap().NewTimer("query", "soft")
	defer soft.Close()

	outcomes := make(chan Outcome, 1)
	go func() {
		outcome, _ := svc.Run(ctx, "performance", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		outcomes <- outcome
	}()

	soft.MustWait(ctx).MustRelease(ctx)
	clock.Advance(3 * time.Second).MustWait(ctx)
	outcome := <-outcomes
	require.Equal(t, StatusComputing, outcome.Status)

	clock.Advance(12 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool {
		polled, err := svc.Poll(outcome.QueryID)
		return errors.Is(err, ErrTemporarilyUnavailable) && polled.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestPollUnknownQuery(t *testing.T) {
	t.Parallel()

	svc, _, _ := newDeferredService(t)
	_, err := svc.Poll("missing")
	require.ErrorIs(t, err, ErrQueryNotFound)
}
