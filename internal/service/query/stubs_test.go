package query

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/pkg/logger"
)

func discardLogger() *slog.Logger {
	return logger.NewWithWriter(io.Discard, "query-test", slog.LevelDebug)
}

type stubQueryRepo struct {
	mu           sync.Mutex
	perfGroups   []domain.PerformanceGroup
	perfHourly   []domain.PerformanceGroup
	usageGroups  []domain.UsageGroup
	aggregates   map[domain.MetricType][]domain.AggregatedMetric
	perfSummary  domain.PerformanceStats
	endpoints    []domain.EndpointStats
	usageSummary domain.UsageStats
	eventTypes   []domain.EventTypeStats
	err          error
	calls        []string
	filters      map[string]domain.MetricFilter
}

func (s *stubQueryRepo) record(call string, filter domain.MetricFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.filters == nil {
		s.filters = make(map[string]domain.MetricFilter)
	}
	s.filters[call] = filter
	return s.err
}

func (s *stubQueryRepo) callSet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool, len(s.calls))
	for _, c := range s.calls {
		set[c] = true
	}
	return set
}

func (s *stubQueryRepo) filterFor(call string) domain.MetricFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters[call]
}

func inWindow(bucket time.Time, filter domain.MetricFilter) bool {
	return bucket.Add(time.Hour).After(filter.Start) && bucket.Before(filter.End)
}

func (s *stubQueryRepo) PerformanceGroups(_ context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, error) {
	if err := s.record("PerformanceGroups", filter); err != nil {
		return nil, err
	}
	out := make([]domain.PerformanceGroup, 0)
	for _, g := range s.perfGroups {
		if inWindow(g.Bucket, filter) {
			out = append(out, g)
		}
	}
	return out, nil
}

// PerformanceHourly serves perfHourly when set and otherwise folds perfGroups
// by hour, leaving percentiles zero.
func (s *stubQueryRepo) PerformanceHourly(_ context.Context, filter domain.MetricFilter) ([]domain.PerformanceGroup, error) {
	if err := s.record("PerformanceHourly", filter); err != nil {
		return nil, err
	}
	out := make([]domain.PerformanceGroup, 0)
	if s.perfHourly != nil {
		for _, g := range s.perfHourly {
			if inWindow(g.Bucket, filter) {
				out = append(out, g)
			}
		}
		return out, nil
	}
	index := make(map[time.Time]int)
	for _, g := range s.perfGroups {
		if !inWindow(g.Bucket, filter) {
			continue
		}
		i, ok := index[g.Bucket]
		if !ok {
			index[g.Bucket] = len(out)
			out = append(out, domain.PerformanceGroup{Bucket: g.Bucket, Min: g.Min, Max: g.Max})
			i = len(out) - 1
		}
		h := &out[i]
		h.Count += g.Count
		h.ErrorCount += g.ErrorCount
		h.Sum += g.Sum
		h.Min = min(h.Min, g.Min)
		h.Max = max(h.Max, g.Max)
	}
	return out, nil
}

func (s *stubQueryRepo) PerformanceSummary(_ context.Context, filter domain.MetricFilter) (domain.PerformanceStats, []domain.EndpointStats, error) {
	if err := s.record("PerformanceSummary", filter); err != nil {
		return domain.PerformanceStats{}, nil, err
	}
	return s.perfSummary, s.endpoints, nil
}

func (s *stubQueryRepo) UsageGroups(_ context.Context, filter domain.MetricFilter) ([]domain.UsageGroup, error) {
	if err := s.record("UsageGroups", filter); err != nil {
		return nil, err
	}
	out := make([]domain.UsageGroup, 0)
	for _, g := range s.usageGroups {
		if inWindow(g.Bucket, filter) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *stubQueryRepo) UsageSummary(_ context.Context, filter domain.MetricFilter) (domain.UsageStats, []domain.EventTypeStats, error) {
	if err := s.record("UsageSummary", filter); err != nil {
		return domain.UsageStats{}, nil, err
	}
	return s.usageSummary, s.eventTypes, nil
}

func (s *stubQueryRepo) ListAggregates(_ context.Context, metricType domain.MetricType, filter domain.MetricFilter) ([]domain.AggregatedMetric, error) {
	if err := s.record("ListAggregates:"+string(metricType), filter); err != nil {
		return nil, err
	}
	out := make([]domain.AggregatedMetric, 0)
	for _, m := range s.aggregates[metricType] {
		if !m.TimeBucket.Before(filter.Start) && m.TimeBucket.Before(filter.End) {
			out = append(out, m)
		}
	}
	return out, nil
}

type stubQueryMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *stubQueryMetrics) ObserveQuery(kind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, kind+":"+outcome)
}

func (m *stubQueryMetrics) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}
