package aggregate

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJobName is the Pushgateway job label of the run summary.
const PushJobName = "peep_aggregate"

// PushSummary publishes the outcome of one run to a Prometheus Pushgateway.
func PushSummary(ctx context.Context, url string, result Result, runErr error) error {
	reg := prometheus.NewRegistry()
	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peep",
			Subsystem: "aggregate",
			Name:      name,
			Help:      help,
		})
		g.Set(value)
		reg.MustRegister(g)
	}
	gauge("last_run_timestamp_seconds", "Start time of the last aggregation run.", float64(result.StartedAt.Unix()))
	gauge("last_run_duration_seconds", "Duration of the last aggregation run.", result.Duration.Seconds())
	gauge("last_run_exit_code", "Exit code of the last aggregation run.", float64(ExitCode(runErr)))
	gauge("raw_rows_deleted", "Raw rows deleted after aggregation in the last run.", float64(result.RawRowsDeleted))
	gauge("late_rows_discarded", "Raw rows deleted from already aggregated buckets in the last run.", float64(result.LateRowsDiscarded))
	gauge("aggregates_purged", "Aggregated rows deleted past retention in the last run.", float64(result.AggregatesPurged))

	groups := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "peep",
		Subsystem: "aggregate",
		Name:      "groups",
		Help:      "Bucket groups handled by the last aggregation run by outcome.",
	}, []string{"outcome"})
	groups.WithLabelValues("pending").Set(float64(result.Pending))
	groups.WithLabelValues("aggregated").Set(float64(result.Aggregated))
	groups.WithLabelValues("skipped").Set(float64(result.Skipped))
	groups.WithLabelValues("failed").Set(float64(result.Failed))
	reg.MustRegister(groups)

	if err := push.New(url, PushJobName).Gatherer(reg).PushContext(ctx); err != nil {
		return fmt.Errorf("push run summary: %w", err)
	}
	return nil
}
