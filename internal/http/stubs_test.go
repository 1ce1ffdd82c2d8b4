package httpx

import (
	"context"
	"sync"
	"time"

	"github.com/splax/peepmetrics/internal/domain"
)

type stubPerformanceRepo struct {
	mu        sync.Mutex
	insertErr error
	attempts  int
	inserted  []domain.PerformanceMetric
}

func (s *stubPerformanceRepo) InsertPerformanceMetric(_ context.Context, metric *domain.PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, *metric)
	return nil
}

func (s *stubPerformanceRepo) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertErr
}

func (s *stubPerformanceRepo) setInsertErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *stubPerformanceRepo) snapshot() (attempts int, inserted []domain.PerformanceMetric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, append([]domain.PerformanceMetric(nil), s.inserted...)
}

type stubUsageRepo struct {
	mu        sync.Mutex
	batches   [][]domain.UsageEvent
	count     int64
	countErr  error
	countArgs []time.Time
}

func (s *stubUsageRepo) InsertUsageEvents(_ context.Context, events []domain.UsageEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]domain.UsageEvent(nil), events...))
	return int64(len(events)), nil
}

func (s *stubUsageRepo) CountUserEvents(_ context.Context, _ string, start, end time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countArgs = []time.Time{start, end}
	return s.count, s.countErr
}

func (s *stubUsageRepo) persisted() []domain.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UsageEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

type stubQueryRepo struct {
	mu           sync.Mutex
	perfSummary  domain.PerformanceStats
	endpoints    []domain.EndpointStats
	usageSummary domain.UsageStats
	eventTypes   []domain.EventTypeStats
	err          error
	block        chan struct{}
}

func (s *stubQueryRepo) wait(ctx context.Context) error {
	s.mu.Lock()
	block, err := s.block, s.err
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *stubQueryRepo) PerformanceGroups(ctx context.Context, _ domain.MetricFilter) ([]domain.PerformanceGroup, error) {
	return nil, s.wait(ctx)
}

func (s *stubQueryRepo) PerformanceHourly(ctx context.Context, _ domain.MetricFilter) ([]domain.PerformanceGroup, error) {
	return nil, s.wait(ctx)
}

func (s *stubQueryRepo) PerformanceSummary(ctx context.Context, _ domain.MetricFilter) (domain.PerformanceStats, []domain.EndpointStats, error) {
	if err := s.wait(ctx); err != nil {
		return domain.PerformanceStats{}, nil, err
	}
	return s.perfSummary, s.endpoints, nil
}

func (s *stubQueryRepo) UsageGroups(ctx context.Context, _ domain.MetricFilter) ([]domain.UsageGroup, error) {
	return nil, s.wait(ctx)
}

func (s *stubQueryRepo) UsageSummary(ctx context.Context, _ domain.MetricFilter) (domain.UsageStats, []domain.EventTypeStats, error) {
	if err := s.wait(ctx); err != nil {
		return domain.UsageStats{}, nil, err
	}
	return s.usageSummary, s.eventTypes, nil
}

func (s *stubQueryRepo) ListAggregates(ctx context.Context, _ domain.MetricType, _ domain.MetricFilter) ([]domain.AggregatedMetric, error) {
	return nil, s.wait(ctx)
}
