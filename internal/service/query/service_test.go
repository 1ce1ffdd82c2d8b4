package query

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/peepmetrics/internal/domain"
)

var testNow = time.Date(2026, time.March, 10, 12, 34, 0, 0, time.UTC)

func newTestService(t *testing.T, repo *stubQueryRepo) (*Service, *quartz.Mock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := quartz.NewMock(t)
	clock.Set(testNow).MustWait(ctx)
	return NewService(repo, Options{Clock: clock}, discardLogger()), clock
}

func strPtr(v string) *string { return &v }

func perfAggregate(bucket time.Time, endpoint string, v domain.AggregateValues) domain.AggregatedMetric {
	return domain.AggregatedMetric{
		ID:           endpoint + bucket.Format(time.RFC3339),
		TimeBucket:   bucket,
		Type:         domain.MetricTypePerformance,
		EndpointPath: strPtr(endpoint),
		Values:       v,
		SampleCount:  v.Count,
	}
}

func spanningFixture() (*stubQueryRepo, time.Time) {
	boundary := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	repo := &stubQueryRepo{
		aggregates: map[domain.MetricType][]domain.AggregatedMetric{
			domain.MetricTypePerformance: {
				perfAggregate(boundary.Add(-2*time.Hour), "/a", domain.AggregateValues{Count: 10, Sum: 1000, Min: 50, Max: 200, P50: 100, P95: 180, P99: 195, ErrorCount: 1}),
				perfAggregate(boundary.Add(-time.Hour), "/a", domain.AggregateValues{Count: 30, Sum: 6000, Min: 20, Max: 400, P50: 200, P95: 350, P99: 390, ErrorCount: 3}),
			},
		},
		perfGroups: []domain.PerformanceGroup{
			// leftover raw rows of an already aggregated hour
			{Bucket: boundary.Add(-time.Hour), Endpoint: "/a", Count: 5, Sum: 50, Min: 1, Max: 20, P50: 10, P95: 18, P99: 19},
			{Bucket: boundary.Add(-time.Hour), Endpoint: "/b", Count: 10, Sum: 500, Min: 10, Max: 90, P50: 50, P95: 80, P99: 88},
			{Bucket: boundary, Endpoint: "/a", Count: 20, Sum: 2000, Min: 40, Max: 300, P50: 100, P95: 250, P99: 290, ErrorCount: 2},
			{Bucket: boundary.Add(time.Hour), Endpoint: "/b", Count: 20, Sum: 400, Min: 5, Max: 60, P50: 20, P95: 50, P99: 58},
		},
	}
	return repo, boundary
}

func TestBoundaryTruncatesToHour(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &stubQueryRepo{})
	require.Equal(t, time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC), svc.Boundary())
}

func TestPerformanceRecentWindowUsesExactRawSummary(t *testing.T) {
	t.Parallel()

	repo := &stubQueryRepo{
		perfSummary: domain.PerformanceStats{Count: 4, ErrorCount: 1, Sum: 40, Min: 5, Max: 20, P50: 9, P95: 19, P99: 20},
		endpoints: []domain.EndpointStats{
			{Endpoint: "/b", PerformanceStats: domain.PerformanceStats{Count: 1, Sum: 5}},
			{Endpoint: "/a", PerformanceStats: domain.PerformanceStats{Count: 3, ErrorCount: 1, Sum: 35}},
		},
	}
	svc, _ := newTestService(t, repo)

	report, err := svc.Performance(context.Background(), domain.MetricFilter{Start: testNow.Add(-time.Hour), End: testNow})
	require.NoError(t, err)

	require.Equal(t, domain.SourceRaw, report.Source)
	require.Equal(t, map[string]bool{"PerformanceSummary": true}, repo.callSet())
	require.InDelta(t, 10.0, report.Stats.Avg, 1e-9)
	require.InDelta(t, 0.25, report.Stats.ErrorRate, 1e-9)
	require.Len(t, report.Endpoints, 2)
	require.Equal(t, "/a", report.Endpoints[0].Endpoint)
	require.InDelta(t, 1.0/3.0, report.Endpoints[0].ErrorRate, 1e-9)
}

func TestPerformanceSpanningWindowMergesSources(t *testing.T) {
	t.Parallel()

	repo, boundary := spanningFixture()
	svc, _ := newTestService(t, repo)
	filter := domain.MetricFilter{Start: boundary.Add(-3 * time.Hour), End: boundary.Add(2 * time.Hour)}

	report, err := svc.Performance(context.Background(), filter)
	require.NoError(t, err)

	require.Equal(t, domain.SourceMixed, report.Source)
	require.False(t, repo.callSet()["PerformanceSummary"])
	stats := report.Stats
	require.Equal(t, int64(90), stats.Count)
	require.Equal(t, int64(6), stats.ErrorCount)
	require.InDelta(t, 9900.0, stats.Sum, 1e-9)
	require.InDelta(t, 110.0, stats.Avg, 1e-9)
	require.InDelta(t, 5.0, stats.Min, 1e-9)
	require.InDelta(t, 400.0, stats.Max, 1e-9)
	require.InDelta(t, 110.0, stats.P50, 1e-9)
	require.InDelta(t, 6.0/90.0, stats.ErrorRate, 1e-9)

	require.Len(t, report.Endpoints, 2)
	a := report.Endpoints[0]
	require.Equal(t, "/a", a.Endpoint)
	require.Equal(t, int64(60), a.Count)
	require.InDelta(t, 17300.0/60.0, a.P95, 1e-9)
	require.Equal(t, int64(30), report.Endpoints[1].Count)
}

func TestTimeSeriesAcrossBoundaryIsContinuous(t *testing.T) {
	t.Parallel()

	repo, boundary := spanningFixture()
	svc, _ := newTestService(t, repo)
	start := boundary.Add(-3 * time.Hour)
	filter := domain.MetricFilter{Start: start, End: boundary.Add(2 * time.Hour)}

	series, err := svc.TimeSeries(context.Background(), filter, SeriesPerformance)
	require.NoError(t, err)
	require.Len(t, series.Points, 5)

	wantCounts := []int64{0, 10, 40, 20, 20}
	wantSources := []string{"", domain.SourceAggregated, domain.SourceMixed, domain.SourceRaw, domain.SourceRaw}
	for i, point := range series.Points {
		assert.Equal(t, start.Add(time.Duration(i)*time.Hour), point.Bucket, "point %d bucket", i)
		require.NotNil(t, point.Performance)
		assert.Nil(t, point.Usage)
		assert.Equal(t, wantCounts[i], point.Performance.Count, "point %d count", i)
		assert.Equal(t, wantSources[i], point.Source, "point %d source", i)
	}
}

func TestTimeSeriesRawHoursUseExactHourlyPercentiles(t *testing.T) {
	t.Parallel()

	hour := domain.HourBucket(testNow.Add(-time.Hour))
	repo := &stubQueryRepo{
		perfGroups: []domain.PerformanceGroup{
			{Bucket: hour, Endpoint: "/a", Count: 9, Sum: 90, Min: 5, Max: 20, P50: 10, P95: 18, P99: 19},
			{Bucket: hour, Endpoint: "/b", Count: 1, Sum: 900, Min: 900, Max: 900, P50: 900, P95: 900, P99: 900},
		},
		perfHourly: []domain.PerformanceGroup{
			{Bucket: hour, Count: 10, Sum: 990, Min: 5, Max: 900, P50: 11, P95: 500, P99: 820},
		},
	}
	svc, _ := newTestService(t, repo)

	series, err := svc.TimeSeries(context.Background(), domain.MetricFilter{Start: testNow.Add(-2 * time.Hour), End: testNow}, SeriesPerformance)
	require.NoError(t, err)
	require.Len(t, series.Points, 3)
	point := series.Points[1]
	require.Equal(t, hour, point.Bucket)
	require.Equal(t, int64(10), point.Performance.Count)
	require.InDelta(t, 11.0, point.Performance.P50, 1e-9)
	require.InDelta(t, 500.0, point.Performance.P95, 1e-9)
	require.InDelta(t, 820.0, point.Performance.P99, 1e-9)
	require.Equal(t, domain.SourceRaw, point.Source)

	calls := repo.callSet()
	require.True(t, calls["PerformanceHourly"])
	require.False(t, calls["PerformanceGroups"])
}

func TestTimeSeriesSplitsSpanningWindowAtBoundary(t *testing.T) {
	t.Parallel()

	repo, boundary := spanningFixture()
	svc, _ := newTestService(t, repo)
	filter := domain.MetricFilter{Start: boundary.Add(-3 * time.Hour), End: boundary.Add(2 * time.Hour), Endpoint: "/a"}

	_, err := svc.TimeSeries(context.Background(), filter, SeriesPerformance)
	require.NoError(t, err)
	require.Equal(t, boundary, repo.filterFor("PerformanceGroups").End)
	require.Equal(t, boundary, repo.filterFor("PerformanceHourly").Start)
	require.Equal(t, filter.End, repo.filterFor("PerformanceHourly").End)
	require.Equal(t, "/a", repo.filterFor("PerformanceHourly").Endpoint)
}

func TestTimeSeriesBothFillsUsageZeros(t *testing.T) {
	t.Parallel()

	now := testNow
	hour := domain.HourBucket(now.Add(-time.Hour))
	repo := &stubQueryRepo{
		usageGroups: []domain.UsageGroup{{Bucket: hour, EventType: "click", Count: 3, SuccessCount: 2, FailureCount: 1}},
	}
	svc, _ := newTestService(t, repo)

	series, err := svc.TimeSeries(context.Background(), domain.MetricFilter{Start: now.Add(-2 * time.Hour), End: now}, "")
	require.NoError(t, err)
	require.Equal(t, SeriesBoth, series.Type)
	require.Len(t, series.Points, 3)
	for _, point := range series.Points {
		require.NotNil(t, point.Performance)
		require.NotNil(t, point.Usage)
	}
	require.Equal(t, int64(3), series.Points[1].Usage.Count)
	require.InDelta(t, 2.0/3.0, series.Points[1].Usage.SuccessRate, 1e-9)
	require.Zero(t, series.Points[0].Usage.Count)
	require.False(t, repo.callSet()["ListAggregates:usage"])
}

func TestTimeSeriesRejectsUnknownType(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &stubQueryRepo{})
	_, err := svc.TimeSeries(context.Background(), domain.MetricFilter{Start: testNow.Add(-time.Hour), End: testNow}, "latency")
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestUsageSpanningWindowPrefersAggregates(t *testing.T) {
	t.Parallel()

	boundary := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	repo := &stubQueryRepo{
		aggregates: map[domain.MetricType][]domain.AggregatedMetric{
			domain.MetricTypeUsage: {{
				TimeBucket: boundary.Add(-time.Hour),
				Type:       domain.MetricTypeUsage,
				EventType:  strPtr("click"),
				Values:     domain.AggregateValues{Count: 8, Sum: 8, SuccessCount: 6, FailureCount: 2, UniqueCallers: 4},
			}},
		},
		usageGroups: []domain.UsageGroup{
			{Bucket: boundary.Add(-time.Hour), EventType: "click", Count: 99},
			{Bucket: boundary, EventType: "page_view", Count: 2},
		},
	}
	svc, _ := newTestService(t, repo)

	report, err := svc.Usage(context.Background(), domain.MetricFilter{Start: boundary.Add(-90 * time.Minute), End: boundary.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, domain.SourceMixed, report.Source)
	require.Equal(t, int64(10), report.Stats.Count)
	require.InDelta(t, 0.75, report.Stats.SuccessRate, 1e-9)
	require.Len(t, report.EventTypes, 2)
	require.Equal(t, "click", report.EventTypes[0].EventType)
	require.Equal(t, boundary.Add(-2*time.Hour), repo.filterFor("ListAggregates:usage").Start, "aggregate window starts on the hour")
}

func TestUsageRecentWindowUsesRawSummary(t *testing.T) {
	t.Parallel()

	repo := &stubQueryRepo{
		usageSummary: domain.UsageStats{Count: 5, SuccessCount: 1, FailureCount: 1},
		eventTypes:   []domain.EventTypeStats{{EventType: "click", UsageStats: domain.UsageStats{Count: 5, SuccessCount: 1, FailureCount: 1}}},
	}
	svc, _ := newTestService(t, repo)

	report, err := svc.Usage(context.Background(), domain.MetricFilter{Start: testNow.Add(-6 * time.Hour), End: testNow})
	require.NoError(t, err)
	require.Equal(t, domain.SourceRaw, report.Source)
	require.InDelta(t, 0.5, report.Stats.SuccessRate, 1e-9)
	require.InDelta(t, 0.5, report.EventTypes[0].SuccessRate, 1e-9)
}
