// Package aggregate rolls raw metrics past raw retention into hourly summaries,
// deletes the rolled-up rows and purges summaries past aggregate retention.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/repository"
	"github.com/splax/peepmetrics/pkg/retry"
)

// ErrConservation aborts a bucket whose deleted row count differs from its sample count.
var ErrConservation = errors.New("aggregate: deleted rows do not match sample count")

// Exit codes of the job binary.
const (
	ExitOK           = 0
	ExitStoreFailure = 1
	ExitLogicFailure = 2
)

// DefaultSerializationRetry retries a bucket transaction that lost a serialization conflict.
var DefaultSerializationRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2}

// Options configures a Job. Zero values select defaults.
type Options struct {
	RawRetention       time.Duration
	AggregateRetention time.Duration
	Retry              retry.Policy
	DryRun             bool
	Clock              quartz.Clock
}

// Result summarizes one run.
type Result struct {
	RunID             string
	DryRun            bool
	Cutoff            time.Time
	AggregateCutoff   time.Time
	FirstBucket       time.Time
	LastBucket        time.Time
	Pending           int
	Aggregated        int
	Skipped           int
	Failed            int
	SamplesAggregated int64
	RawRowsDeleted    int64
	// LateRowsDiscarded counts raw rows found under an hour that already had
	// its aggregate. They are deleted without changing the aggregate.
	LateRowsDiscarded int64
	AggregatesPurged  int64
	StartedAt         time.Time
	Duration          time.Duration
}

// Job is the aggregation and retention batch process.
type Job struct {
	repo   repository.AggregationRepository
	opts   Options
	clock  quartz.Clock
	logger *slog.Logger
}

// NewJob constructs a Job.
func NewJob(repo repository.AggregationRepository, opts Options, logger *slog.Logger) *Job {
	if opts.RawRetention <= 0 {
		opts.RawRetention = 7 * 24 * time.Hour
	}
	if opts.AggregateRetention <= 0 {
		opts.AggregateRetention = 90 * 24 * time.Hour
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultSerializationRetry
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{repo: repo, opts: opts, clock: opts.Clock, logger: logger}
}

type groupOutcome struct {
	aggregated bool
	skipped    bool
	samples    int64
	deleted    int64
	late       int64
}

// Run performs one aggregation pass. Buckets are independent: a failed bucket is
// logged and the pass continues, except when the store becomes unreachable.
func (j *Job) Run(ctx context.Context) (result Result, runErr error) {
	started := j.clock.Now().UTC()
	result = Result{
		RunID:           uuid.NewString(),
		DryRun:          j.opts.DryRun,
		StartedAt:       started,
		Cutoff:          domain.HourBucket(started.Add(-j.opts.RawRetention)),
		AggregateCutoff: domain.HourBucket(started.Add(-j.opts.AggregateRetention)),
	}
	log := j.logger.With("run_id", result.RunID)
	defer func() {
		result.Duration = j.clock.Since(started)
	}()

	if err := j.repo.Ping(ctx); err != nil {
		return result, fmt.Errorf("ping store: %w", err)
	}

	keys, err := j.repo.ListPendingBuckets(ctx, result.Cutoff)
	if err != nil {
		return result, fmt.Errorf("list pending buckets: %w", err)
	}
	result.Pending = len(keys)
	if len(keys) > 0 {
		result.FirstBucket = keys[0].Bucket
		result.LastBucket = keys[len(keys)-1].Bucket
	}
	log.Info("aggregation run started",
		"cutoff", result.Cutoff,
		"aggregate_cutoff", result.AggregateCutoff,
		"pending_groups", result.Pending,
		"first_bucket", result.FirstBucket,
		"last_bucket", result.LastBucket,
		"dry_run", result.DryRun,
	)

	if j.opts.DryRun {
		for _, key := range keys {
			log.Info("pending group", "type", key.Type, "bucket", key.Bucket, "key", key.Key)
		}
		return result, nil
	}

	var firstErr error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := j.aggregateGroup(ctx, key)
		if err != nil {
			result.Failed++
			log.Error("bucket aggregation failed", "type", key.Type, "bucket", key.Bucket, "key", key.Key, "error", err)
			if errors.Is(err, repository.ErrUnavailable) {
				return result, fmt.Errorf("aggregate %s: %w", key, err)
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("aggregate %s: %w", key, err)
			}
			continue
		}
		switch {
		case outcome.skipped:
			result.Skipped++
			result.LateRowsDiscarded += outcome.late
			if outcome.late > 0 {
				log.Warn("bucket already aggregated, discarded late raw rows", "type", key.Type, "bucket", key.Bucket, "key", key.Key, "late_rows", outcome.late)
			}
		case outcome.aggregated:
			result.Aggregated++
			result.SamplesAggregated += outcome.samples
			result.RawRowsDeleted += outcome.deleted
			log.Debug("bucket aggregated", "type", key.Type, "bucket", key.Bucket, "key", key.Key, "samples", outcome.samples)
		}
	}

	purged, err := j.repo.DeleteAggregatesBefore(ctx, result.AggregateCutoff)
	if err != nil {
		return result, fmt.Errorf("purge aggregates: %w", err)
	}
	result.AggregatesPurged = purged

	log.Info("aggregation run finished",
		"aggregated", result.Aggregated,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"samples", result.SamplesAggregated,
		"raw_rows_deleted", result.RawRowsDeleted,
		"late_rows_discarded", result.LateRowsDiscarded,
		"aggregates_purged", result.AggregatesPurged,
	)
	if firstErr != nil {
		return result, fmt.Errorf("%d of %d groups failed: %w", result.Failed, result.Pending, firstErr)
	}
	return result, nil
}

func (j *Job) aggregateGroup(ctx context.Context, key domain.BucketKey) (groupOutcome, error) {
	var outcome groupOutcome
	err := j.opts.Retry.Do(ctx, j.clock, func(ctx context.Context, attempt int) error {
		outcome = groupOutcome{}
		err := j.repo.RunSerializable(ctx, func(tx repository.AggregationTx) error {
			return j.rollUp(ctx, tx, key, &outcome)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, repository.ErrSerialization):
			j.logger.Debug("serialization conflict, retrying bucket", "key", key.String(), "attempt", attempt)
			return err
		case errors.Is(err, repository.ErrConflict):
			// a concurrent run inserted the same bucket first
			outcome = groupOutcome{skipped: true}
			return nil
		default:
			return retry.Permanent(err)
		}
	})
	return outcome, err
}

func (j *Job) rollUp(ctx context.Context, tx repository.AggregationTx, key domain.BucketKey, outcome *groupOutcome) error {
	exists, err := tx.AggregateExists(ctx, key)
	if err != nil {
		return fmt.Errorf("check existing aggregate: %w", err)
	}
	if exists {
		late, err := tx.CountRaw(ctx, key)
		if err != nil {
			return fmt.Errorf("count late rows: %w", err)
		}
		deleted, err := tx.DeleteRaw(ctx, key)
		if err != nil {
			return fmt.Errorf("delete late rows: %w", err)
		}
		if deleted != late {
			return fmt.Errorf("%w: %s counted %d late rows deleted %d", ErrConservation, key, late, deleted)
		}
		outcome.skipped = true
		outcome.late = deleted
		return nil
	}

	metric := domain.AggregatedMetric{
		TimeBucket: domain.HourBucket(key.Bucket),
		Type:       key.Type,
	}
	switch key.Type {
	case domain.MetricTypePerformance:
		samples, err := tx.PerformanceSamples(ctx, key)
		if err != nil {
			return fmt.Errorf("load performance samples: %w", err)
		}
		metric.Values = performanceValues(samples)
		endpoint := key.Key
		metric.EndpointPath = &endpoint
	case domain.MetricTypeUsage:
		samples, err := tx.UsageSamples(ctx, key)
		if err != nil {
			return fmt.Errorf("load usage samples: %w", err)
		}
		metric.Values = usageValues(samples)
		eventType := key.Key
		metric.EventType = &eventType
	default:
		return fmt.Errorf("unknown metric type %q", key.Type)
	}
	metric.SampleCount = metric.Values.Count
	if metric.SampleCount == 0 {
		return nil
	}

	if err := tx.InsertAggregate(ctx, &metric); err != nil {
		return fmt.Errorf("insert aggregate: %w", err)
	}
	deleted, err := tx.DeleteRaw(ctx, key)
	if err != nil {
		return fmt.Errorf("delete raw rows: %w", err)
	}
	if deleted != metric.SampleCount {
		return fmt.Errorf("%w: %s sampled %d deleted %d", ErrConservation, key, metric.SampleCount, deleted)
	}
	outcome.aggregated = true
	outcome.samples = metric.SampleCount
	outcome.deleted = deleted
	return nil
}

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, repository.ErrUnavailable):
		return ExitStoreFailure
	default:
		return ExitLogicFailure
	}
}
