// Package httpx exposes the metrics API: request measurement, usage event
// ingestion, admin-gated metric queries, health and Prometheus endpoints.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/splax/peepmetrics/internal/service/admin"
	"github.com/splax/peepmetrics/internal/service/auth"
	"github.com/splax/peepmetrics/internal/service/ingest"
	"github.com/splax/peepmetrics/internal/service/query"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	handler  http.Handler
	logger   *slog.Logger
	auth     auth.Service
	admin    *admin.Gate
	recorder *ingest.Recorder
	events   *ingest.EventService
	query    *query.Service
	limiter  RateLimiter
	metrics  *Metrics
	clock    quartz.Clock
	dbHealth func(context.Context) error

	maxBatchSize    int
	maxBodyBytes    int64
	eventsRateLimit int
}

// Dependencies are the services behind the routes.
type Dependencies struct {
	Auth     auth.Service
	Admin    *admin.Gate
	Recorder *ingest.Recorder
	Events   *ingest.EventService
	Query    *query.Service
	Limiter  RateLimiter
	Metrics  *Metrics
	Clock    quartz.Clock
	DBHealth func(context.Context) error
}

// Limits bound request sizes and rates. Zero values select defaults.
type Limits struct {
	MaxBatchSize int
	// MaxBodyBytes is enforced while the body is read, before events are
	// counted. The default fits MaxBatchSize events of the largest valid size.
	MaxBodyBytes    int64
	EventsRateLimit int
}

const (
	rateWindowDefault   = time.Minute
	rateLimitUserRead   = 120
	defaultMaxBatchSize = 1000
	defaultMaxBodyBytes = 8 << 20
	healthCheckTimeout  = 2 * time.Second
	retryAfterSeconds   = 5
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies, limits Limits) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxBatchSize <= 0 {
		limits.MaxBatchSize = defaultMaxBatchSize
	}
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = defaultMaxBodyBytes
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	r := &Router{
		mux:             http.NewServeMux(),
		logger:          logger.With("component", "http"),
		auth:            deps.Auth,
		admin:           deps.Admin,
		recorder:        deps.Recorder,
		events:          deps.Events,
		query:           deps.Query,
		limiter:         deps.Limiter,
		metrics:         deps.Metrics,
		clock:           deps.Clock,
		dbHealth:        deps.DBHealth,
		maxBatchSize:    limits.MaxBatchSize,
		maxBodyBytes:    limits.MaxBodyBytes,
		eventsRateLimit: limits.EventsRateLimit,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter(r.clock)
	}
	r.register()
	r.handler = withRequestID(r.measure(r.mux))
	return r
}

// ServeHTTP runs the request through request-id assignment and measurement
// before routing.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", r.metrics.Handler())
	r.mux.HandleFunc("/api/metrics/events", r.audit("/api/metrics/events", r.handlerAuthRate("/api/metrics/events", r.eventsRateLimit, rateWindowDefault, r.handleEvents)))
	r.mux.HandleFunc("/api/metrics/events/count", r.audit("/api/metrics/events/count", r.handlerAuthRate("/api/metrics/events/count", rateLimitUserRead, rateWindowDefault, r.handleEventCount)))
	r.mux.HandleFunc("/api/metrics/performance", r.audit("/api/metrics/performance", r.requireAdmin(r.handlePerformance)))
	r.mux.HandleFunc("/api/metrics/usage", r.audit("/api/metrics/usage", r.requireAdmin(r.handleUsage)))
	r.mux.HandleFunc("/api/metrics/timeseries", r.audit("/api/metrics/timeseries", r.requireAdmin(r.handleTimeSeries)))
	r.mux.HandleFunc("/api/metrics/queries/", r.audit("/api/metrics/queries/", r.requireAdmin(r.handleQueryPoll)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.recorder != nil {
		stats := r.recorder.Stats()
		if stats.Mode != ingest.ModeHealthy {
			status = "degraded"
		}
		components["recorder"] = map[string]any{
			"status":             string(stats.Mode),
			"written":            stats.Written,
			"failed":             stats.Failed,
			"skipped_degraded":   stats.SkippedDegraded,
			"dropped_queue_full": stats.DroppedQueueFull,
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := r.clock.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := r.clock.Since(start)
		r.metrics.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := requestIDFromContext(req.Context()); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// SetContext stores the enriched request context and hands it to any outer recorder.
func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
	if setter, ok := sr.ResponseWriter.(contextSetter); ok {
		setter.SetContext(ctx)
	}
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) writeUnavailable(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeError(w, http.StatusServiceUnavailable, code, msg)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, codeNotFound, "not found")
}
