package query

import (
	"sort"
	"time"

	"github.com/splax/peepmetrics/internal/domain"
)

type groupKey struct {
	bucket time.Time
	key    string
}

// perfAccumulator merges hourly groups. Percentiles across groups are the
// count-weighted mean of the group percentiles, an approximation that is exact
// for a single group.
type perfAccumulator struct {
	count      int64
	errorCount int64
	sum        float64
	min        float64
	max        float64
	p50        float64
	p95        float64
	p99        float64
}

func (a *perfAccumulator) add(g domain.PerformanceGroup) {
	if g.Count <= 0 {
		return
	}
	if a.count == 0 || g.Min < a.min {
		a.min = g.Min
	}
	if a.count == 0 || g.Max > a.max {
		a.max = g.Max
	}
	weight := float64(g.Count)
	a.count += g.Count
	a.errorCount += g.ErrorCount
	a.sum += g.Sum
	a.p50 += g.P50 * weight
	a.p95 += g.P95 * weight
	a.p99 += g.P99 * weight
}

func (a *perfAccumulator) stats() domain.PerformanceStats {
	if a.count == 0 {
		return domain.PerformanceStats{}
	}
	total := float64(a.count)
	return finalizePerformance(domain.PerformanceStats{
		Count:      a.count,
		ErrorCount: a.errorCount,
		Sum:        a.sum,
		Min:        a.min,
		Max:        a.max,
		P50:        a.p50 / total,
		P95:        a.p95 / total,
		P99:        a.p99 / total,
	})
}

// finalizePerformance derives avg and error rate from the additive fields.
func finalizePerformance(s domain.PerformanceStats) domain.PerformanceStats {
	if s.Count == 0 {
		return domain.PerformanceStats{}
	}
	s.Avg = s.Sum / float64(s.Count)
	s.ErrorRate = float64(s.ErrorCount) / float64(s.Count)
	return s
}

type usageAccumulator struct {
	count        int64
	successCount int64
	failureCount int64
}

func (a *usageAccumulator) add(g domain.UsageGroup) {
	a.count += g.Count
	a.successCount += g.SuccessCount
	a.failureCount += g.FailureCount
}

func (a *usageAccumulator) stats() domain.UsageStats {
	return finalizeUsage(domain.UsageStats{
		Count:        a.count,
		SuccessCount: a.successCount,
		FailureCount: a.failureCount,
	})
}

// finalizeUsage derives the success rate over events that carried a success flag.
func finalizeUsage(s domain.UsageStats) domain.UsageStats {
	flagged := s.SuccessCount + s.FailureCount
	if flagged > 0 {
		s.SuccessRate = float64(s.SuccessCount) / float64(flagged)
	} else {
		s.SuccessRate = 0
	}
	return s
}

func performanceGroupFromAggregate(m domain.AggregatedMetric) domain.PerformanceGroup {
	g := domain.PerformanceGroup{
		Bucket:     m.TimeBucket.UTC(),
		Count:      m.Values.Count,
		ErrorCount: m.Values.ErrorCount,
		Sum:        m.Values.Sum,
		Min:        m.Values.Min,
		Max:        m.Values.Max,
		P50:        m.Values.P50,
		P95:        m.Values.P95,
		P99:        m.Values.P99,
	}
	if m.EndpointPath != nil {
		g.Endpoint = *m.EndpointPath
	}
	return g
}

func usageGroupFromAggregate(m domain.AggregatedMetric) domain.UsageGroup {
	g := domain.UsageGroup{
		Bucket:        m.TimeBucket.UTC(),
		Count:         m.Values.Count,
		SuccessCount:  m.Values.SuccessCount,
		FailureCount:  m.Values.FailureCount,
		UniqueCallers: m.Values.UniqueCallers,
	}
	if m.EventType != nil {
		g.EventType = *m.EventType
	}
	return g
}

// sources records which representation fed each hour bucket.
type sources struct {
	aggregated map[time.Time]bool
	raw        map[time.Time]bool
}

func newSources() sources {
	return sources{aggregated: make(map[time.Time]bool), raw: make(map[time.Time]bool)}
}

func (s sources) mark(bucket time.Time, aggregated bool) {
	if aggregated {
		s.aggregated[bucket.UTC()] = true
		return
	}
	s.raw[bucket.UTC()] = true
}

func (s sources) absorb(other sources) {
	for h := range other.aggregated {
		s.aggregated[h] = true
	}
	for h := range other.raw {
		s.raw[h] = true
	}
}

func (s sources) overall() string {
	return sourceOf(len(s.aggregated) > 0, len(s.raw) > 0)
}

// at returns the source of one hour, empty when the hour had no data.
func (s sources) at(bucket time.Time) string {
	agg, raw := s.aggregated[bucket], s.raw[bucket]
	if !agg && !raw {
		return ""
	}
	return sourceOf(agg, raw)
}

func sourceOf(usedAggregated, usedRaw bool) string {
	switch {
	case usedAggregated && usedRaw:
		return domain.SourceMixed
	case usedAggregated:
		return domain.SourceAggregated
	default:
		return domain.SourceRaw
	}
}

// mergePerformanceGroups combines aggregated rows with raw hourly groups. An
// aggregated row wins over raw rows of the same (hour, endpoint), so hours the job
// has not rolled up yet fall back to raw without double counting the rest.
func mergePerformanceGroups(aggregates []domain.AggregatedMetric, raw []domain.PerformanceGroup) ([]domain.PerformanceGroup, sources) {
	merged := make(map[groupKey]domain.PerformanceGroup, len(aggregates)+len(raw))
	src := newSources()
	for _, m := range aggregates {
		g := performanceGroupFromAggregate(m)
		merged[groupKey{bucket: g.Bucket, key: g.Endpoint}] = g
		src.mark(g.Bucket, true)
	}
	for _, g := range raw {
		g.Bucket = g.Bucket.UTC()
		key := groupKey{bucket: g.Bucket, key: g.Endpoint}
		if _, ok := merged[key]; ok {
			continue
		}
		merged[key] = g
		src.mark(g.Bucket, false)
	}
	groups := make([]domain.PerformanceGroup, 0, len(merged))
	for _, g := range merged {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].Bucket.Equal(groups[j].Bucket) {
			return groups[i].Bucket.Before(groups[j].Bucket)
		}
		return groups[i].Endpoint < groups[j].Endpoint
	})
	return groups, src
}

// mergeUsageGroups is mergePerformanceGroups for the usage stream.
func mergeUsageGroups(aggregates []domain.AggregatedMetric, raw []domain.UsageGroup) ([]domain.UsageGroup, sources) {
	merged := make(map[groupKey]domain.UsageGroup, len(aggregates)+len(raw))
	src := newSources()
	for _, m := range aggregates {
		g := usageGroupFromAggregate(m)
		merged[groupKey{bucket: g.Bucket, key: g.EventType}] = g
		src.mark(g.Bucket, true)
	}
	for _, g := range raw {
		g.Bucket = g.Bucket.UTC()
		key := groupKey{bucket: g.Bucket, key: g.EventType}
		if _, ok := merged[key]; ok {
			continue
		}
		merged[key] = g
		src.mark(g.Bucket, false)
	}
	groups := make([]domain.UsageGroup, 0, len(merged))
	for _, g := range merged {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].Bucket.Equal(groups[j].Bucket) {
			return groups[i].Bucket.Before(groups[j].Bucket)
		}
		return groups[i].EventType < groups[j].EventType
	})
	return groups, src
}

func summarizePerformance(groups []domain.PerformanceGroup) (domain.PerformanceStats, []domain.EndpointStats) {
	var total perfAccumulator
	byEndpoint := make(map[string]*perfAccumulator)
	for _, g := range groups {
		total.add(g)
		acc := byEndpoint[g.Endpoint]
		if acc == nil {
			acc = &perfAccumulator{}
			byEndpoint[g.Endpoint] = acc
		}
		acc.add(g)
	}
	endpoints := make([]domain.EndpointStats, 0, len(byEndpoint))
	for endpoint, acc := range byEndpoint {
		endpoints = append(endpoints, domain.EndpointStats{Endpoint: endpoint, PerformanceStats: acc.stats()})
	}
	sortEndpoints(endpoints)
	return total.stats(), endpoints
}

func summarizeUsage(groups []domain.UsageGroup) (domain.UsageStats, []domain.EventTypeStats) {
	var total usageAccumulator
	byType := make(map[string]*usageAccumulator)
	for _, g := range groups {
		total.add(g)
		acc := byType[g.EventType]
		if acc == nil {
			acc = &usageAccumulator{}
			byType[g.EventType] = acc
		}
		acc.add(g)
	}
	types := make([]domain.EventTypeStats, 0, len(byType))
	for eventType, acc := range byType {
		types = append(types, domain.EventTypeStats{EventType: eventType, UsageStats: acc.stats()})
	}
	sortEventTypes(types)
	return total.stats(), types
}

func sortEndpoints(endpoints []domain.EndpointStats) {
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].Count != endpoints[j].Count {
			return endpoints[i].Count > endpoints[j].Count
		}
		return endpoints[i].Endpoint < endpoints[j].Endpoint
	})
}

func sortEventTypes(types []domain.EventTypeStats) {
	sort.Slice(types, func(i, j int) bool {
		if types[i].Count != types[j].Count {
			return types[i].Count > types[j].Count
		}
		return types[i].EventType < types[j].EventType
	})
}
