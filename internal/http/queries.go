package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/peepmetrics/internal/domain"
	"github.com/splax/peepmetrics/internal/service/query"
)

const queriesPrefix = "/api/metrics/queries/"

func (r *Router) handlePerformance(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	filter, ok := r.parseFilter(w, req)
	if !ok {
		return
	}
	outcome, err := r.query.Run(req.Context(), "performance", func(ctx context.Context) (any, error) {
		return r.query.Performance(ctx, filter)
	})
	r.writeOutcome(w, req, outcome, err)
}

func (r *Router) handleUsage(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	filter, ok := r.parseFilter(w, req)
	if !ok {
		return
	}
	outcome, err := r.query.Run(req.Context(), "usage", func(ctx context.Context) (any, error) {
		return r.query.Usage(ctx, filter)
	})
	r.writeOutcome(w, req, outcome, err)
}

func (r *Router) handleTimeSeries(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	seriesType := strings.TrimSpace(req.URL.Query().Get("type"))
	if seriesType == "" {
		seriesType = query.SeriesBoth
	}
	switch seriesType {
	case query.SeriesPerformance, query.SeriesUsage, query.SeriesBoth:
	default:
		writeError(w, http.StatusBadRequest, codeInvalidParameter, "type must be performance, usage or both")
		return
	}
	filter, ok := r.parseFilter(w, req)
	if !ok {
		return
	}
	outcome, err := r.query.Run(req.Context(), "timeseries", func(ctx context.Context) (any, error) {
		return r.query.TimeSeries(ctx, filter, seriesType)
	})
	r.writeOutcome(w, req, outcome, err)
}

func (r *Router) handleQueryPoll(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, queriesPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	outcome, err := r.query.Poll(id)
	if errors.Is(err, query.ErrQueryNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "query not found or expired")
		return
	}
	r.writeOutcome(w, req, outcome, err)
}

func (r *Router) parseFilter(w http.ResponseWriter, req *http.Request) (domain.MetricFilter, bool) {
	q := req.URL.Query()
	window, err := r.query.ResolveRange(q.Get("range"), q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRange, err.Error())
		return domain.MetricFilter{}, false
	}
	filter := domain.MetricFilter{
		Start:     window.Start,
		End:       window.End,
		Endpoint:  strings.TrimSpace(q.Get("endpoint")),
		EventType: strings.TrimSpace(q.Get("event_type")),
	}
	if filter.EventType != "" {
		if err := domain.ValidateEventType(filter.EventType); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidParameter, err.Error())
			return domain.MetricFilter{}, false
		}
	}
	return filter, true
}

func (r *Router) writeOutcome(w http.ResponseWriter, req *http.Request, outcome query.Outcome, err error) {
	if err != nil {
		switch {
		case errors.Is(err, query.ErrTemporarilyUnavailable):
			r.logger.Warn("query unavailable", "error", err, "path", req.URL.Path, "request_id", requestIDFromContext(req.Context()))
			r.writeUnavailable(w, codeTemporarilyUnavailable, "temporarily unavailable")
		case errors.Is(err, context.Canceled):
			r.logger.Info("query abandoned by client", "path", req.URL.Path)
			writeError(w, http.StatusServiceUnavailable, codeTemporarilyUnavailable, "request cancelled")
		default:
			r.logger.Error("query failed", "error", err, "path", req.URL.Path, "request_id", requestIDFromContext(req.Context()))
			writeError(w, http.StatusInternalServerError, codeInternal, "query failed")
		}
		return
	}
	if outcome.Status == query.StatusComputing {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":   query.StatusComputing,
			"query_id": outcome.QueryID,
		})
		return
	}
	writeJSON(w, http.StatusOK, presentResult(outcome.Result))
}
