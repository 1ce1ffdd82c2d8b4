package query

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange marks malformed or out-of-retention query windows.
var ErrInvalidRange = errors.New("query: invalid range")

// TimeRange is a half-open window [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

var rangeTokens = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// DefaultRangeToken applies when neither a token nor explicit bounds are given.
const DefaultRangeToken = "24h"

// ResolveRange turns a range token or RFC 3339 start/end pair into a window ending
// no later than now. Windows longer than the aggregate retention, or starting
// before it, are rejected.
func (s *Service) ResolveRange(token, start, end string) (TimeRange, error) {
	now := s.now()
	token = strings.TrimSpace(token)
	start = strings.TrimSpace(start)
	end = strings.TrimSpace(end)

	var r TimeRange
	switch {
	case start != "" || end != "":
		if token != "" {
			return TimeRange{}, fmt.Errorf("%w: use either range or start/end", ErrInvalidRange)
		}
		if start == "" {
			return TimeRange{}, fmt.Errorf("%w: start required with end", ErrInvalidRange)
		}
		parsed, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return TimeRange{}, fmt.Errorf("%w: start: %v", ErrInvalidRange, err)
		}
		r.Start = parsed.UTC()
		r.End = now
		if end != "" {
			parsed, err := time.Parse(time.RFC3339, end)
			if err != nil {
				return TimeRange{}, fmt.Errorf("%w: end: %v", ErrInvalidRange, err)
			}
			r.End = parsed.UTC()
		}
	default:
		if token == "" {
			token = DefaultRangeToken
		}
		d, ok := rangeTokens[token]
		if !ok {
			return TimeRange{}, fmt.Errorf("%w: unknown range %q", ErrInvalidRange, token)
		}
		r = TimeRange{Start: now.Add(-d), End: now}
	}

	if r.End.After(now) {
		r.End = now
	}
	if !r.Start.Before(r.End) {
		return TimeRange{}, fmt.Errorf("%w: start must be before end", ErrInvalidRange)
	}
	if r.End.Sub(r.Start) > s.opts.AggregateRetention {
		return TimeRange{}, fmt.Errorf("%w: window longer than %s", ErrInvalidRange, s.opts.AggregateRetention)
	}
	if r.Start.Before(now.Add(-s.opts.AggregateRetention)) {
		return TimeRange{}, fmt.Errorf("%w: start outside retention", ErrInvalidRange)
	}
	return r, nil
}

// ClampToRaw moves the start of r forward to the raw retention edge.
func (s *Service) ClampToRaw(r TimeRange) TimeRange {
	edge := s.now().Add(-s.opts.RawRetention)
	if r.Start.Before(edge) {
		r.Start = edge
	}
	return r
}
