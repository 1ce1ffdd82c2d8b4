package ingest

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
	return logger.NewWithWriter(io.Discard, "ingest-test", slog.LevelDebug)
}

type stubPerformanceRepo struct {
	mu        sync.Mutex
	insertErr error
	pingErr   error
	inserted  []domain.PerformanceMetric
	attempts  int
	pings     int
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
	s.pings++
	return s.pingErr
}

func (s *stubPerformanceRepo) setInsertErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *stubPerformanceRepo) setPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *stubPerformanceRepo) counts() (attempts, inserted, pings int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, len(s.inserted), s.pings
}

type stubUsageRepo struct {
	mu       sync.Mutex
	errs     []error
	attempts int
	batches  [][]domain.UsageEvent
	count    int64
}

func (s *stubUsageRepo) InsertUsageEvents(_ context.Context, events []domain.UsageEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	s.batches = append(s.batches, append([]domain.UsageEvent(nil), events...))
	return int64(len(events)), nil
}

func (s *stubUsageRepo) CountUserEvents(context.Context, string, time.Time, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

func (s *stubUsageRepo) snapshot() (attempts int, batches [][]domain.UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, append([][]domain.UsageEvent(nil), s.batches...)
}

type stubMetrics struct {
	mu        sync.Mutex
	outcomes  map[string]int
	degraded  []bool
	persisted int
	dropped   int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{outcomes: make(map[string]int)}
}

func (m *stubMetrics) RecordOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *stubMetrics) SetDegraded(degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = append(m.degraded, degraded)
}

func (m *stubMetrics) EventsPersisted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted += n
}

func (m *stubMetrics) EventsDropped(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped += n
}

func (m *stubMetrics) outcome(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[name]
}

func (m *stubMetrics) transitions() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.degraded...)
}

func (m *stubMetrics) eventCounts() (persisted, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persisted, m.dropped
}
