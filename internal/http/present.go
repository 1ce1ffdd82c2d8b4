package httpx

import (
	"time"

	"github.com/splax/peepmetrics/internal/domain"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func presentResult(result any) any {
	switch v := result.(type) {
	case domain.PerformanceReport:
		return marshalPerformanceReport(v)
	case domain.UsageReport:
		return marshalUsageReport(v)
	case domain.TimeSeries:
		return marshalTimeSeries(v)
	default:
		return v
	}
}

func marshalPerformanceStats(s domain.PerformanceStats) map[string]any {
	return map[string]any{
		"count":       s.Count,
		"error_count": s.ErrorCount,
		"error_rate":  s.ErrorRate,
		"avg":         s.Avg,
		"min":         s.Min,
		"max":         s.Max,
		"p50":         s.P50,
		"p95":         s.P95,
		"p99":         s.P99,
	}
}

func marshalUsageStats(s domain.UsageStats) map[string]any {
	return map[string]any{
		"count":         s.Count,
		"success_count": s.SuccessCount,
		"failure_count": s.FailureCount,
		"success_rate":  s.SuccessRate,
	}
}

func marshalPerformanceReport(report domain.PerformanceReport) map[string]any {
	payload := marshalPerformanceStats(report.Stats)
	payload["start"] = formatTime(report.Start)
	payload["end"] = formatTime(report.End)
	payload["source"] = report.Source
	endpoints := make([]map[string]any, 0, len(report.Endpoints))
	for _, e := range report.Endpoints {
		item := marshalPerformanceStats(e.PerformanceStats)
		item["endpoint"] = e.Endpoint
		endpoints = append(endpoints, item)
	}
	payload["endpoints"] = endpoints
	return payload
}

func marshalUsageReport(report domain.UsageReport) map[string]any {
	payload := marshalUsageStats(report.Stats)
	payload["start"] = formatTime(report.Start)
	payload["end"] = formatTime(report.End)
	payload["source"] = report.Source
	types := make([]map[string]any, 0, len(report.EventTypes))
	for _, e := range report.EventTypes {
		item := marshalUsageStats(e.UsageStats)
		item["event_type"] = e.EventType
		types = append(types, item)
	}
	payload["event_types"] = types
	return payload
}

func marshalTimeSeries(series domain.TimeSeries) map[string]any {
	points := make([]map[string]any, 0, len(series.Points))
	for _, p := range series.Points {
		item := map[string]any{
			"bucket": formatTime(p.Bucket),
			"source": p.Source,
		}
		if p.Performance != nil {
			item["performance"] = marshalPerformanceStats(*p.Performance)
		}
		if p.Usage != nil {
			item["usage"] = marshalUsageStats(*p.Usage)
		}
		points = append(points, item)
	}
	return map[string]any{
		"start":  formatTime(series.Start),
		"end":    formatTime(series.End),
		"type":   series.Type,
		"points": points,
	}
}
