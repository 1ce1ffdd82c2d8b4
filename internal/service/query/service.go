// Package query answers metric queries over raw rows for the recent window and
// hourly aggregates for older data, presenting one continuous series.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/repository"
)

// ErrTemporarilyUnavailable is returned when a query cannot complete before its hard deadline.
var ErrTemporarilyUnavailable = errors.New("query: temporarily unavailable")

// Series types accepted by TimeSeries.
const (
	SeriesPerformance = "performance"
	SeriesUsage       = "usage"
	SeriesBoth        = "both"
)

// Metrics receives query outcomes.
type Metrics interface {
	ObserveQuery(kind, outcome string)
}

// Options tunes routing and deadlines. Zero values select defaults.
type Options struct {
	RawRetention       time.Duration
	AggregateRetention time.Duration
	SoftTimeout        time.Duration
	HardTimeout        time.Duration
	ResultTTL          time.Duration
	Clock              quartz.Clock
	Metrics            Metrics
}

// Service routes queries between raw and aggregated storage.
type Service struct {
	repo    repository.MetricQueryRepository
	opts    Options
	clock   quartz.Clock
	pending *cache.Cache
	logger  *slog.Logger
}

// NewService constructs a query Service.
func NewService(repo repository.MetricQueryRepository, opts Options, logger *slog.Logger) *Service {
	if opts.RawRetention <= 0 {
		opts.RawRetention = 7 * 24 * time.Hour
	}
	if opts.AggregateRetention <= 0 {
		opts.AggregateRetention = 90 * 24 * time.Hour
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = 3 * time.Second
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = 15 * time.Second
	}
	if opts.SoftTimeout > opts.HardTimeout {
		opts.SoftTimeout = opts.HardTimeout
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		opts:    opts,
		clock:   opts.Clock,
		pending: cache.New(opts.ResultTTL, 2*opts.ResultTTL),
		logger:  logger.With("component", "query_router"),
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Boundary is the oldest hour still served purely from raw rows.
func (s *Service) Boundary() time.Time {
	return domain.HourBucket(s.now().Add(-s.opts.RawRetention))
}

// Performance computes point-in-time request statistics for the filter window.
func (s *Service) Performance(ctx context.Context, filter domain.MetricFilter) (domain.PerformanceReport, error) {
	report := domain.PerformanceReport{Start: filter.Start, End: filter.End}
	if !filter.Start.Before(s.Boundary()) {
		stats, endpoints, err := s.repo.PerformanceSummary(ctx, filter)
		if err != nil {
			return report, fmt.Errorf("performance summary: %w", err)
		}
		report.Source = domain.SourceRaw
		report.Stats = finalizePerformance(stats)
		report.Endpoints = make([]domain.EndpointStats, 0, len(endpoints))
		for _, e := range endpoints {
			report.Endpoints = append(report.Endpoints, domain.EndpointStats{Endpoint: e.Endpoint, PerformanceStats: finalizePerformance(e.PerformanceStats)})
		}
		sortEndpoints(report.Endpoints)
		return report, nil
	}
	groups, src, err := s.performanceGroups(ctx, filter)
	if err != nil {
		return report, err
	}
	report.Source = src.overall()
	report.Stats, report.Endpoints = summarizePerformance(groups)
	return report, nil
}

// Usage computes point-in-time interaction counts for the filter window.
func (s *Service) Usage(ctx context.Context, filter domain.MetricFilter) (domain.UsageReport, error) {
	report := domain.UsageReport{Start: filter.Start, End: filter.End}
	if !filter.Start.Before(s.Boundary()) {
		stats, types, err := s.repo.UsageSummary(ctx, filter)
		if err != nil {
			return report, fmt.Errorf("usage summary: %w", err)
		}
		report.Source = domain.SourceRaw
		report.Stats = finalizeUsage(stats)
		report.EventTypes = make([]domain.EventTypeStats, 0, len(types))
		for _, t := range types {
			report.EventTypes = append(report.EventTypes, domain.EventTypeStats{EventType: t.EventType, UsageStats: finalizeUsage(t.UsageStats)})
		}
		sortEventTypes(report.EventTypes)
		return report, nil
	}
	groups, src, err := s.usageGroups(ctx, filter)
	if err != nil {
		return report, err
	}
	report.Source = src.overall()
	report.Stats, report.EventTypes = summarizeUsage(groups)
	return report, nil
}

// TimeSeries returns one row per hour of the window, zero rows included.
func (s *Service) TimeSeries(ctx context.Context, filter domain.MetricFilter, seriesType string) (domain.TimeSeries, error) {
	if seriesType == "" {
		seriesType = SeriesBoth
	}
	series := domain.TimeSeries{Start: filter.Start, End: filter.End, Type: seriesType}
	withPerformance := seriesType == SeriesPerformance || seriesType == SeriesBoth
	withUsage := seriesType == SeriesUsage || seriesType == SeriesBoth
	if !withPerformance && !withUsage {
		return series, fmt.Errorf("%w: unknown series type %q", ErrInvalidRange, seriesType)
	}

	var (
		perfGroups  []domain.PerformanceGroup
		usageGroups []domain.UsageGroup
		perfSrc     sources
		usageSrc    sources
	)
	g, gctx := errgroup.WithContext(ctx)
	if withPerformance {
		g.Go(func() error {
			var err error
			perfGroups, perfSrc, err = s.performanceSeriesGroups(gctx, filter)
			return err
		})
	}
	if withUsage {
		g.Go(func() error {
			var err error
			usageGroups, usageSrc, err = s.usageGroups(gctx, filter)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return series, err
	}

	src := newSources()
	perHourPerf := make(map[time.Time]*perfAccumulator)
	for _, grp := range perfGroups {
		acc := perHourPerf[grp.Bucket]
		if acc == nil {
			acc = &perfAccumulator{}
			perHourPerf[grp.Bucket] = acc
		}
		acc.add(grp)
	}
	perHourUsage := make(map[time.Time]*usageAccumulator)
	for _, grp := range usageGroups {
		acc := perHourUsage[grp.Bucket]
		if acc == nil {
			acc = &usageAccumulator{}
			perHourUsage[grp.Bucket] = acc
		}
		acc.add(grp)
	}
	if withPerformance {
		src.absorb(perfSrc)
	}
	if withUsage {
		src.absorb(usageSrc)
	}

	for hour := domain.HourBucket(filter.Start); hour.Before(filter.End); hour = hour.Add(time.Hour) {
		point := domain.SeriesPoint{Bucket: hour, Source: src.at(hour)}
		if withPerformance {
			stats := domain.PerformanceStats{}
			if acc := perHourPerf[hour]; acc != nil {
				stats = acc.stats()
			}
			point.Performance = &stats
		}
		if withUsage {
			stats := domain.UsageStats{}
			if acc := perHourUsage[hour]; acc != nil {
				stats = acc.stats()
			}
			point.Usage = &stats
		}
		series.Points = append(series.Points, point)
	}
	return series, nil
}

// performanceSeriesGroups feeds the time series. Hours at or after the raw boundary
// are never aggregated, so they are read grouped by hour alone and carry exact
// percentiles across endpoints. Older hours keep the per-endpoint merge.
func (s *Service) performanceSeriesGroups(ctx context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, sources, error) {
	boundary := s.Boundary()
	if !filter.Start.Before(boundary) {
		return s.hourlyPerformance(ctx, filter)
	}
	if !filter.End.After(boundary) {
		return s.performanceGroups(ctx, filter)
	}
	older, recent := filter, filter
	older.End = boundary
	recent.Start = boundary
	var (
		olderGroups, recentGroups []domain.PerformanceGroup
		olderSrc, recentSrc       sources
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		olderGroups, olderSrc, err = s.performanceGroups(gctx, older)
		return err
	})
	g.Go(func() error {
		var err error
		recentGroups, recentSrc, err = s.hourlyPerformance(gctx, recent)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, sources{}, err
	}
	src := newSources()
	src.absorb(olderSrc)
	src.absorb(recentSrc)
	return append(olderGroups, recentGroups...), src, nil
}

func (s *Service) hourlyPerformance(ctx context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, sources, error) {
	raw, err := s.repo.PerformanceHourly(ctx, filter)
	if err != nil {
		return nil, sources{}, fmt.Errorf("raw performance hours: %w", err)
	}
	groups, src := mergePerformanceGroups(nil, raw)
	return groups, src, nil
}

func (s *Service) performanceGroups(ctx context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, sources, error) {
	if !filter.Start.Before(s.Boundary()) {
		raw, err := s.repo.PerformanceGroups(ctx, filter)
		if err != nil {
			return nil, sources{}, fmt.Errorf("raw performance groups: %w", err)
		}
		groups, src := mergePerformanceGroups(nil, raw)
		return groups, src, nil
	}
	var (
		aggregates []domain.AggregatedMetric
		raw        []domain.PerformanceGroup
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if aggregates, err = s.repo.ListAggregates(gctx, domain.MetricTypePerformance, aggregateFilter(filter)); err != nil {
			return fmt.Errorf("aggregated performance: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if raw, err = s.repo.PerformanceGroups(gctx, filter); err != nil {
			return fmt.Errorf("raw performance groups: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, sources{}, err
	}
	groups, src := mergePerformanceGroups(aggregates, raw)
	return groups, src, nil
}

func (s *Service) usageGroups(ctx context.Context, filter domain.MetricFilter) ([]domain.UsageGroup, sources, error) {
	if !filter.Start.Before(s.Boundary()) {
		raw, err := s.repo.UsageGroups(ctx, filter)
		if err != nil {
			return nil, sources{}, fmt.Errorf("raw usage groups: %w", err)
		}
		groups, src := mergeUsageGroups(nil, raw)
		return groups, src, nil
	}
	var (
		aggregates []domain.AggregatedMetric
		raw        []domain.UsageGroup
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if aggregates, err = s.repo.ListAggregates(gctx, domain.MetricTypeUsage, aggregateFilter(filter)); err != nil {
			return fmt.Errorf("aggregated usage: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if raw, err = s.repo.UsageGroups(gctx, filter); err != nil {
			return fmt.Errorf("raw usage groups: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, sources{}, err
	}
	groups, src := mergeUsageGroups(aggregates, raw)
	return groups, src, nil
}

// aggregateFilter widens the window start to its hour so a partially covered
// first hour is served from its aggregate row.
func aggregateFilter(filter domain.MetricFilter) domain.MetricFilter {
	filter.Start = domain.HourBucket(filter.Start)
	return filter
}
