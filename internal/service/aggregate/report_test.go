package aggregate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushSummarySendsRunMetrics(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := Result{
		StartedAt:      time.Date(2026, time.March, 20, 3, 0, 0, 0, time.UTC),
		Duration:       2 * time.Second,
		Pending:        4,
		Aggregated:     3,
		Failed:         1,
		RawRowsDeleted: 120,
	}
	err := PushSummary(context.Background(), server.URL, result, errors.New("boom"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, http.MethodPut, method)
	require.Equal(t, "/metrics/job/"+PushJobName, path)
	require.Contains(t, body, "peep_aggregate_raw_rows_deleted")
	require.Contains(t, body, "peep_aggregate_groups")
	require.Contains(t, body, "peep_aggregate_last_run_exit_code")
}

func TestPushSummaryReportsGatewayErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := PushSummary(context.Background(), server.URL, Result{}, nil)
	require.ErrorContains(t, err, "push run summary")
}
