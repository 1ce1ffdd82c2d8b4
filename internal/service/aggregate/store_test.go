package aggregate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/repository"
)

// memStore is an in-memory AggregationRepository. RunSerializable holds the lock
// for the whole unit of work and restores the previous state when fn fails.
type memStore struct {
	mu                    sync.Mutex
	perf                  []domain.PerformanceMetric
	usage                 []domain.UsageEvent
	aggs                  []domain.AggregatedMetric
	pingErr               error
	serializationFailures int
	conflictOnInsert      bool
	deleteSkew            int64
	transactions          int
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

func (m *memStore) ListPendingBuckets(_ context.Context, cutoff time.Time) ([]domain.BucketKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[domain.BucketKey]bool)
	for _, p := range m.perf {
		if p.RecordedAt.Before(cutoff) {
			seen[domain.BucketKey{Type: domain.MetricTypePerformance, Bucket: domain.HourBucket(p.RecordedAt), Key: p.Endpoint}] = true
		}
	}
	for _, u := range m.usage {
		if u.OccurredAt.Before(cutoff) {
			seen[domain.BucketKey{Type: domain.MetricTypeUsage, Bucket: domain.HourBucket(u.OccurredAt), Key: u.EventType}] = true
		}
	}
	keys := make([]domain.BucketKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].Bucket.Equal(keys[j].Bucket) {
			return keys[i].Bucket.Before(keys[j].Bucket)
		}
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Key < keys[j].Key
	})
	return keys, nil
}

func (m *memStore) RunSerializable(_ context.Context, fn func(tx repository.AggregationTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions++
	if m.serializationFailures > 0 {
		m.serializationFailures--
		return repository.ErrSerialization
	}
	perf := append([]domain.PerformanceMetric(nil), m.perf...)
	usage := append([]domain.UsageEvent(nil), m.usage...)
	aggs := append([]domain.AggregatedMetric(nil), m.aggs...)
	if err := fn(memTx{m}); err != nil {
		m.perf, m.usage, m.aggs = perf, usage, aggs
		return err
	}
	return nil
}

func (m *memStore) DeleteAggregatesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.aggs[:0]
	var deleted int64
	for _, a := range m.aggs {
		if a.TimeBucket.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	m.aggs = kept
	return deleted, nil
}

func (m *memStore) snapshot() (perf, usage int, aggs []domain.AggregatedMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.perf), len(m.usage), append([]domain.AggregatedMetric(nil), m.aggs...)
}

type memTx struct {
	m *memStore
}

func inBucket(t time.Time, key domain.BucketKey) bool {
	return domain.HourBucket(t).Equal(key.Bucket)
}

func (tx memTx) AggregateExists(_ context.Context, key domain.BucketKey) (bool, error) {
	for _, a := range tx.m.aggs {
		if a.Key() == key {
			return true, nil
		}
	}
	return false, nil
}

func (tx memTx) CountRaw(_ context.Context, key domain.BucketKey) (int64, error) {
	var n int64
	switch key.Type {
	case domain.MetricTypePerformance:
		for _, p := range tx.m.perf {
			if p.Endpoint == key.Key && inBucket(p.RecordedAt, key) {
				n++
			}
		}
	case domain.MetricTypeUsage:
		for _, u := range tx.m.usage {
			if u.EventType == key.Key && inBucket(u.OccurredAt, key) {
				n++
			}
		}
	}
	return n, nil
}

func (tx memTx) PerformanceSamples(_ context.Context, key domain.BucketKey) ([]domain.PerformanceSample, error) {
	var samples []domain.PerformanceSample
	for _, p := range tx.m.perf {
		if p.Endpoint == key.Key && inBucket(p.RecordedAt, key) {
			samples = append(samples, domain.PerformanceSample{ResponseTimeMS: p.ResponseTimeMS, StatusCode: p.StatusCode})
		}
	}
	return samples, nil
}

func (tx memTx) UsageSamples(_ context.Context, key domain.BucketKey) ([]domain.UsageSample, error) {
	var samples []domain.UsageSample
	for _, u := range tx.m.usage {
		if u.EventType == key.Key && inBucket(u.OccurredAt, key) {
			samples = append(samples, domain.UsageSample{UserID: u.UserID, Success: u.Success})
		}
	}
	return samples, nil
}

func (tx memTx) InsertAggregate(_ context.Context, metric *domain.AggregatedMetric) error {
	if tx.m.conflictOnInsert {
		return repository.ErrConflict
	}
	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	tx.m.aggs = append(tx.m.aggs, *metric)
	return nil
}

func (tx memTx) DeleteRaw(_ context.Context, key domain.BucketKey) (int64, error) {
	var deleted int64
	switch key.Type {
	case domain.MetricTypePerformance:
		kept := make([]domain.PerformanceMetric, 0, len(tx.m.perf))
		for _, p := range tx.m.perf {
			if p.Endpoint == key.Key && inBucket(p.RecordedAt, key) {
				deleted++
				continue
			}
			kept = append(kept, p)
		}
		tx.m.perf = kept
	case domain.MetricTypeUsage:
		kept := make([]domain.UsageEvent, 0, len(tx.m.usage))
		for _, u := range tx.m.usage {
			if u.EventType == key.Key && inBucket(u.OccurredAt, key) {
				deleted++
				continue
			}
			kept = append(kept, u)
		}
		tx.m.usage = kept
	}
	return deleted + tx.m.deleteSkew, nil
}
