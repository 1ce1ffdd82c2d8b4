package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/repository"
	"github.com/splax/peepmetrics/pkg/retry"
)

// ErrQueueFull is returned by Submit when the persistence queue has no room.
var ErrQueueFull = errors.New("ingest: event queue full")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ingest: event service closed")

// MaxClockSkew bounds how far in the future a client timestamp may be before it is clamped.
const MaxClockSkew = 5 * time.Minute

// DefaultRawRetention matches the age at which raw rows are rolled up.
const DefaultRawRetention = 7 * 24 * time.Hour

// DefaultStoreRetry retries bulk inserts while the store is unavailable.
var DefaultStoreRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}

// InvalidEventError reports the first event of a batch that failed validation.
type InvalidEventError struct {
	Index int
	Err   error
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("event %d: %v", e.Index, e.Err)
}

func (e *InvalidEventError) Unwrap() error {
	return e.Err
}

// EventMetrics receives usage ingestion outcomes.
type EventMetrics interface {
	EventsPersisted(n int)
	EventsDropped(n int)
}

// EventOptions tunes the usage write pipeline. Zero values select defaults.
type EventOptions struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
	// RawRetention bounds how far back a client timestamp may reach. Older
	// timestamps are clamped forward so no accepted event lands in an hour the
	// aggregation job may already have rolled up.
	RawRetention time.Duration
	StoreRetry   retry.Policy
	Clock        quartz.Clock
	Metrics      EventMetrics
}

// EventService normalizes client event batches and persists them asynchronously.
type EventService struct {
	repo    repository.UsageRepository
	queue   chan []domain.UsageEvent
	workers int
	timeout time.Duration
	horizon time.Duration
	retry   retry.Policy
	clock   quartz.Clock
	metrics EventMetrics
	logger  *slog.Logger

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEventService constructs an EventService. Call Start before submitting.
func NewEventService(repo repository.UsageRepository, opts EventOptions, logger *slog.Logger) *EventService {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.RawRetention <= 0 {
		opts.RawRetention = DefaultRawRetention
	}
	if opts.StoreRetry.MaxAttempts <= 0 {
		opts.StoreRetry = DefaultStoreRetry
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventService{
		repo:    repo,
		queue:   make(chan []domain.UsageEvent, opts.QueueSize),
		workers: opts.Workers,
		timeout: opts.WriteTimeout,
		horizon: opts.RawRetention,
		retry:   opts.StoreRetry,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  logger.With("component", "usage_events"),
	}
}

// Prepare validates a decoded batch and normalizes it in place: the caller
// identity replaces any client identity, missing or far-future timestamps take
// receivedAt, timestamps older than the raw retention horizon are moved up to
// it, and timestamps are made non-decreasing in batch order.
func (s *EventService) Prepare(events []domain.UsageEvent, userID string, receivedAt time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = domain.AnonymousCaller
	}
	receivedAt = receivedAt.UTC()
	latest := receivedAt.Add(MaxClockSkew)
	earliest := receivedAt.Add(-s.horizon)
	var previous time.Time
	for i := range events {
		e := &events[i]
		e.UserID = userID
		e.ReceivedAt = receivedAt
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		switch {
		case e.OccurredAt.IsZero():
			e.OccurredAt = receivedAt
		case e.OccurredAt.After(latest):
			e.OccurredAt = receivedAt
		case e.OccurredAt.Before(earliest):
			e.OccurredAt = earliest
		default:
			e.OccurredAt = e.OccurredAt.UTC()
		}
		if e.OccurredAt.Before(previous) {
			e.OccurredAt = previous
		}
		previous = e.OccurredAt
		if err := e.Validate(); err != nil {
			return &InvalidEventError{Index: i, Err: err}
		}
	}
	return nil
}

// Start launches the worker pool.
func (s *EventService) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.work()
		}
	})
}

// Submit queues a prepared batch without blocking.
func (s *EventService) Submit(events []domain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- events:
		return nil
	default:
		if s.metrics != nil {
			s.metrics.EventsDropped(len(events))
		}
		return ErrQueueFull
	}
}

// CountUserEvents counts persisted events for one caller inside [start, end).
func (s *EventService) CountUserEvents(ctx context.Context, userID string, start, end time.Time) (int64, error) {
	return s.repo.CountUserEvents(ctx, strings.TrimSpace(userID), start, end)
}

// Close stops accepting batches and waits for queued batches to drain or ctx to end.
func (s *EventService) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EventService) work() {
	defer s.wg.Done()
	for batch := range s.queue {
		s.persist(batch)
	}
}

func (s *EventService) persist(batch []domain.UsageEvent) {
	err := s.retry.Do(context.Background(), s.clock, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err := s.repo.InsertUsageEvents(attemptCtx, batch)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrUnavailable) {
			return retry.Permanent(err)
		}
		s.logger.Warn("usage store unavailable, retrying", "attempt", attempt, "batch_size", len(batch), "error", err)
		return err
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.EventsDropped(len(batch))
		}
		s.logger.Error("failed to persist usage events", "batch_size", len(batch), "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.EventsPersisted(len(batch))
	}
}
