package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/splax/peepmetrics/internal/repository"
)

// ErrQueryNotFound is returned by Poll for unknown or expired query ids.
var ErrQueryNotFound = errors.New("query: not found")

// Deferred query states.
const (
	StatusComputing = "computing"
	StatusDone      = "done"
	StatusFailed    = "failed"
)

// Outcome is either a finished result or a handle to poll.
type Outcome struct {
	QueryID string
	Status  string
	Result  any
}

type pendingQuery struct {
	mu     sync.Mutex
	status string
	result any
	err    error
}

func (p *pendingQuery) finish(result any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.status = StatusFailed
		p.err = err
		return
	}
	p.status = StatusDone
	p.result = result
}

func (p *pendingQuery) snapshot() (string, any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.result, p.err
}

type queryResult struct {
	value any
	err   error
}

// Run executes fn under the hard deadline. If fn is still running when the soft
// threshold passes, Run returns a query id instead and the result is kept for
// polling until the result TTL expires.
func (s *Service) Run(ctx context.Context, kind string, fn func(ctx context.Context) (any, error)) (Outcome, error) {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	hard := s.clock.AfterFunc(s.opts.HardTimeout, func() { cancel(ErrTemporarilyUnavailable) }, "query", "hard")

	done := make(chan queryResult, 1)
	go func() {
		value, err := fn(runCtx)
		hard.Stop()
		err = s.classify(runCtx, err)
		cancel(nil)
		if err != nil {
			value = nil
		}
		done <- queryResult{value: value, err: err}
	}()

	soft := s.clock.NewTimer(s.opts.SoftTimeout, "query", "soft")
	defer soft.Stop()
	select {
	case res := <-done:
		s.observe(kind, res.err)
		return Outcome{Status: StatusDone, Result: res.value}, res.err
	case <-ctx.Done():
		cancel(ctx.Err())
		return Outcome{}, ctx.Err()
	case <-soft.C:
	}

	id := uuid.NewString()
	entry := &pendingQuery{status: StatusComputing}
	s.pending.Set(id, entry, cache.DefaultExpiration)
	s.observeOutcome(kind, "deferred")
	s.logger.Info("query deferred", "query_id", id, "kind", kind, "soft_timeout", s.opts.SoftTimeout)
	go func() {
		res := <-done
		entry.finish(res.value, res.err)
		// keep the finished result for a full TTL
		s.pending.Set(id, entry, cache.DefaultExpiration)
		s.observe(kind, res.err)
		if res.err != nil {
			s.logger.Warn("deferred query failed", "query_id", id, "kind", kind, "error", res.err)
		}
	}()
	return Outcome{QueryID: id, Status: StatusComputing}, nil
}

// Poll reports the state of a deferred query.
func (s *Service) Poll(id string) (Outcome, error) {
	value, ok := s.pending.Get(id)
	if !ok {
		return Outcome{}, ErrQueryNotFound
	}
	entry, ok := value.(*pendingQuery)
	if !ok {
		return Outcome{}, ErrQueryNotFound
	}
	status, result, err := entry.snapshot()
	return Outcome{QueryID: id, Status: status, Result: result}, err
}

func (s *Service) classify(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrTemporarilyUnavailable) {
		return fmt.Errorf("%w: exceeded %s", ErrTemporarilyUnavailable, s.opts.HardTimeout)
	}
	if err != nil && errors.Is(err, repository.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrTemporarilyUnavailable, err)
	}
	return err
}

func (s *Service) observe(kind string, err error) {
	switch {
	case err == nil:
		s.observeOutcome(kind, "ok")
	case errors.Is(err, ErrTemporarilyUnavailable):
		s.observeOutcome(kind, "unavailable")
	default:
		s.observeOutcome(kind, "error")
	}
}

func (s *Service) observeOutcome(kind, outcome string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveQuery(kind, outcome)
	}
}
