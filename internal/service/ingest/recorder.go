package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/repository"
	"github.com/splax/peepmetrics/pkg/retry"
)

// Mode is the recorder health state.
type Mode string

const (
	ModeHealthy  Mode = "healthy"
	ModeDegraded Mode = "degraded"
)

// Recorder outcomes reported to RecorderMetrics.
const (
	OutcomeWritten          = "written"
	OutcomeFailed           = "failed"
	OutcomeSkippedDegraded  = "skipped_degraded"
	OutcomeDroppedQueueFull = "dropped_queue_full"
)

const (
	defaultQueueSize        = 1024
	defaultWorkers          = 4
	defaultWriteTimeout     = 30 * time.Second
	defaultFailureThreshold = 3
	dropLogEvery            = 100
)

// DefaultProbePolicy is the reconnect schedule used while degraded.
var DefaultProbePolicy = retry.Policy{BaseDelay: 30 * time.Second, Multiplier: 2, MaxDelay: 5 * time.Minute}

// RecorderMetrics receives recorder outcomes and mode changes.
type RecorderMetrics interface {
	RecordOutcome(outcome string)
	SetDegraded(degraded bool)
}

// RecorderOptions tunes the write pipeline. Zero values select defaults.
type RecorderOptions struct {
	QueueSize        int
	Workers          int
	WriteTimeout     time.Duration
	FailureThreshold int
	Probe            retry.Policy
	Clock            quartz.Clock
	Metrics          RecorderMetrics
}

// RecorderStats is a snapshot of recorder counters.
type RecorderStats struct {
	Mode             Mode
	Written          int64
	Failed           int64
	SkippedDegraded  int64
	DroppedQueueFull int64
}

type record struct {
	requestID string
	metric    domain.PerformanceMetric
}

// Recorder persists performance records from a bounded queue drained by a fixed
// worker pool. After FailureThreshold consecutive failed writes it stops writing
// and probes the store on an exponential schedule until a ping succeeds.
type Recorder struct {
	repo      repository.PerformanceRepository
	queue     chan record
	workers   int
	timeout   time.Duration
	threshold int
	probe     retry.Policy
	clock     quartz.Clock
	metrics   RecorderMetrics
	logger    *slog.Logger

	mu         sync.Mutex
	mode       Mode
	failures   int
	schedule   backoff.BackOff
	probeTimer *quartz.Timer
	closed     bool

	written          atomic.Int64
	failed           atomic.Int64
	skippedDegraded  atomic.Int64
	droppedQueueFull atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRecorder constructs a Recorder. Call Start before recording.
func NewRecorder(repo repository.PerformanceRepository, opts RecorderOptions, logger *slog.Logger) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.Probe.BaseDelay <= 0 {
		opts.Probe = DefaultProbePolicy
	}
	// probes never give up
	opts.Probe.MaxAttempts = 0
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:      repo,
		queue:     make(chan record, opts.QueueSize),
		workers:   opts.Workers,
		timeout:   opts.WriteTimeout,
		threshold: opts.FailureThreshold,
		probe:     opts.Probe,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "performance_recorder"),
		mode:      ModeHealthy,
	}
}

// Start launches the worker pool.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.work()
		}
		r.logger.Info("performance recorder started", "workers", r.workers, "queue_size", cap(r.queue))
	})
}

// Record enqueues a metric without blocking. It reports whether the metric was queued.
func (r *Recorder) Record(requestID string, metric domain.PerformanceMetric) bool {
	r.mu.Lock()
	mode, closed := r.mode, r.closed
	if closed {
		r.mu.Unlock()
		return false
	}
	if mode == ModeDegraded {
		r.mu.Unlock()
		r.skippedDegraded.Add(1)
		r.observe(OutcomeSkippedDegraded)
		return false
	}
	select {
	case r.queue <- record{requestID: requestID, metric: metric}:
		r.mu.Unlock()
		return true
	default:
		r.mu.Unlock()
	}
	dropped := r.droppedQueueFull.Add(1)
	r.observe(OutcomeDroppedQueueFull)
	if dropped == 1 || dropped%dropLogEvery == 0 {
		r.logger.Warn("performance queue full, dropping metric", "request_id", requestID, "endpoint", metric.Endpoint, "dropped_total", dropped)
	}
	return false
}

// Mode reports the current health state.
func (r *Recorder) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Mode:             r.Mode(),
		Written:          r.written.Load(),
		Failed:           r.failed.Load(),
		SkippedDegraded:  r.skippedDegraded.Load(),
		DroppedQueueFull: r.droppedQueueFull.Load(),
	}
}

// Close stops accepting records and waits for queued writes to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		if r.probeTimer != nil {
			r.probeTimer.Stop()
			r.probeTimer = nil
		}
		close(r.queue)
		r.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) work() {
	defer r.wg.Done()
	for item := range r.queue {
		r.write(item)
	}
}

func (r *Recorder) write(item record) {
	if r.Mode() == ModeDegraded {
		r.skippedDegraded.Add(1)
		r.observe(OutcomeSkippedDegraded)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	metric := item.metric
	err := r.repo.InsertPerformanceMetric(ctx, &metric)
	cancel()
	if err == nil {
		r.written.Add(1)
		r.observe(OutcomeWritten)
		r.mu.Lock()
		if r.mode == ModeHealthy {
			r.failures = 0
		}
		r.mu.Unlock()
		return
	}

	r.failed.Add(1)
	r.observe(OutcomeFailed)
	r.logger.Error("failed to persist performance metric",
		"request_id", item.requestID,
		"endpoint", metric.Endpoint,
		"status_code", metric.StatusCode,
		"error", err,
	)
	if errors.Is(err, repository.ErrInvalidArgument) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	if r.mode == ModeHealthy && r.failures >= r.threshold && !r.closed {
		r.mode = ModeDegraded
		r.schedule = r.probe.NewBackOff()
		delay := r.scheduleProbeLocked()
		if r.metrics != nil {
			r.metrics.SetDegraded(true)
		}
		r.logger.Warn("performance recorder degraded", "consecutive_failures", r.failures, "next_probe_in", delay)
	}
}

func (r *Recorder) scheduleProbeLocked() time.Duration {
	delay := r.schedule.NextBackOff()
	if delay == backoff.Stop {
		delay = r.probe.MaxDelay
	}
	r.probeTimer = r.clock.AfterFunc(delay, r.runProbe, "recorder", "probe")
	return delay
}

func (r *Recorder) runProbe() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	err := r.repo.Ping(ctx)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err != nil {
		delay := r.scheduleProbeLocked()
		r.logger.Warn("store probe failed", "error", err, "next_probe_in", delay)
		return
	}
	r.mode = ModeHealthy
	r.failures = 0
	r.probeTimer = nil
	r.schedule = nil
	if r.metrics != nil {
		r.metrics.SetDegraded(false)
	}
	r.logger.Info("performance recorder recovered")
}

func (r *Recorder) observe(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordOutcome(outcome)
	}
}
