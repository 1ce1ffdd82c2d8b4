package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler registers run on a standard cron spec (descriptors such as @daily
// included). Overlapping runs are skipped and panics are recovered. The caller
// starts and stops the returned scheduler.
func NewScheduler(ctx context.Context, spec string, run func(context.Context), logger *slog.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{log: logger.With("component", "scheduler")}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, func() { run(ctx) }); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return c, nil
}
