package aggregate

import (
	"math"
	"sort"

	"github.com/splax/peepmetrics/internal/domain"
)

// performanceValues summarizes one (hour, endpoint) group with exact percentiles.
func performanceValues(samples []domain.PerformanceSample) domain.AggregateValues {
	if len(samples) == 0 {
		return domain.AggregateValues{}
	}
	latencies := make([]float64, 0, len(samples))
	var v domain.AggregateValues
	for _, s := range samples {
		latencies = append(latencies, s.ResponseTimeMS)
		v.Sum += s.ResponseTimeMS
		if domain.IsErrorStatus(s.StatusCode) {
			v.ErrorCount++
		}
	}
	sort.Float64s(latencies)
	v.Count = int64(len(latencies))
	v.Avg = v.Sum / float64(v.Count)
	v.Min = latencies[0]
	v.Max = latencies[len(latencies)-1]
	v.P50 = percentile(latencies, 0.50)
	v.P95 = percentile(latencies, 0.95)
	v.P99 = percentile(latencies, 0.99)
	return v
}

// usageValues summarizes one (hour, event type) group. avg, min and max are
// events per distinct caller.
func usageValues(samples []domain.UsageSample) domain.AggregateValues {
	if len(samples) == 0 {
		return domain.AggregateValues{}
	}
	perCaller := make(map[string]int64)
	var v domain.AggregateValues
	for _, s := range samples {
		perCaller[s.UserID]++
		if s.Success != nil {
			if *s.Success {
				v.SuccessCount++
			} else {
				v.FailureCount++
			}
		}
	}
	v.Count = int64(len(samples))
	v.Sum = float64(v.Count)
	v.UniqueCallers = int64(len(perCaller))
	first := true
	for _, n := range perCaller {
		value := float64(n)
		if first || value < v.Min {
			v.Min = value
		}
		if first || value > v.Max {
			v.Max = value
		}
		first = false
	}
	v.Avg = v.Sum / float64(v.UniqueCallers)
	return v
}

// percentile interpolates linearly between closest ranks of a sorted slice.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
