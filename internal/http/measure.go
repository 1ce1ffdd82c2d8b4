package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/splax/peepmetrics/internal/domain"
)

const headerRequestID = "X-Request-ID"

const maxEndpointLength = 255

// measureExcluded lists path prefixes that are never recorded.
var measureExcluded = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/internal/",
	"/admin/system/",
	"/jobs/callback",
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func isMeasureExcluded(path string) bool {
	for _, prefix := range measureExcluded {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// withRequestID attaches the caller's X-Request-ID, or a new one, to the request
// context and echoes it on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimSpace(req.Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
			req.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(req.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// measure records one PerformanceMetric per request after the response is
// complete. Recording never blocks or fails the request. Panics are recorded as
// 500 with error type panic and re-raised.
func (r *Router) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.recorder == nil || isMeasureExcluded(req.URL.Path) {
			next.ServeHTTP(w, req)
			return
		}
		recorder := &statusRecorder{ResponseWriter: w}
		start := r.clock.Now()
		completed := false
		defer func() {
			if completed {
				return
			}
			recovered := recover()
			r.recordPerformance(req, recorder, start, http.StatusInternalServerError, domain.ErrorTypePanic)
			panic(recovered)
		}()
		next.ServeHTTP(recorder, req)
		completed = true

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.recordPerformance(req, recorder, start, status, domain.ErrorTypeForStatus(status))
	})
}

func (r *Router) recordPerformance(req *http.Request, recorder *statusRecorder, start time.Time, status int, errorType string) {
	elapsed := r.clock.Since(start)
	metric := domain.PerformanceMetric{
		ID:             uuid.NewString(),
		RecordedAt:     start.UTC(),
		Endpoint:       r.endpointLabel(req),
		Method:         req.Method,
		StatusCode:     status,
		ResponseTimeMS: float64(elapsed) / float64(time.Millisecond),
	}
	if errorType != "" {
		metric.ErrorType = &errorType
	}
	if info, ok := r.callerFor(req, recorder); ok {
		userID := info.UserID
		metric.UserID = &userID
	}
	r.recorder.Record(requestIDFromContext(req.Context()), metric)
}

func (r *Router) callerFor(req *http.Request, recorder *statusRecorder) (authInfo, bool) {
	if recorder.ctx != nil {
		if info, ok := authInfoFromContext(recorder.ctx); ok {
			return info, true
		}
	}
	return r.resolveIdentity(req)
}

// endpointLabel prefers the matched route pattern so path parameters do not
// create one endpoint per id.
func (r *Router) endpointLabel(req *http.Request) string {
	endpoint := req.URL.Path
	if _, pattern := r.mux.Handler(req); pattern != "" {
		if idx := strings.IndexByte(pattern, '/'); idx >= 0 {
			endpoint = pattern[idx:]
		}
	}
	if endpoint == "" {
		endpoint = "/"
	}
	if utf8.RuneCountInString(endpoint) > maxEndpointLength {
		endpoint = string([]rune(endpoint)[:maxEndpointLength])
	}
	return endpoint
}
