package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/splax/peepmetrics/pkg/retry"
)

const (
	DefaultMaxBatch      = 20
	DefaultMaxPerRequest = 1000
	DefaultFlushInterval = 10 * time.Second
)

// DefaultRetry gives three attempts spaced one and two seconds apart.
var DefaultRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}

// Transport delivers batches. Send waits for the answer; Beacon must not.
type Transport interface {
	Send(ctx context.Context, events []Event) error
	Beacon(events []Event)
}

// Options tunes a Batcher. Zero values select defaults.
type Options struct {
	MaxBatch      int
	MaxPerRequest int
	FlushInterval time.Duration
	Retry         retry.Policy
	Clock         quartz.Clock
	Logger        *slog.Logger
}

// Stats is a snapshot of Batcher counters.
type Stats struct {
	Tracked  int64
	Sent     int64
	Dropped  int64
	Beaconed int64
	Attempts int64
	Pending  int
}

// Batcher queues events and flushes them when MaxBatch events are waiting,
// when FlushInterval has passed since the last flush, or on Close. At most one
// flush is in flight; requests made meanwhile are no-ops.
type Batcher struct {
	transport Transport
	opts      Options
	clock     quartz.Clock
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []Event
	inFlight bool
	closed   bool
	timer    *quartz.Timer
	timerGen uint64
	stats    Stats
}

// New constructs a Batcher and starts its interval timer.
func New(transport Transport, opts Options) *Batcher {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.MaxPerRequest <= 0 {
		opts.MaxPerRequest = DefaultMaxPerRequest
	}
	if opts.MaxBatch > opts.MaxPerRequest {
		opts.MaxBatch = opts.MaxPerRequest
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetry
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		transport: transport,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "tracker"),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.mu.Lock()
	b.resetTimerLocked()
	b.mu.Unlock()
	return b
}

// Track queues an event and returns immediately. A zero timestamp is set to now.
func (b *Batcher) Track(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.stats.Dropped++
		return
	}
	b.stats.Tracked++
	b.queue = append(b.queue, event)
	if len(b.queue) >= b.opts.MaxBatch {
		b.flushLocked()
	}
}

// Flush starts a flush unless one is already in flight.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.flushLocked()
}

// Close hands every queued event to the transport's beacon path and cancels
// pending retry waits. Batches whose retries are cut short are beaconed too.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopTimerLocked()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	b.beacon(pending)
	b.cancel()
	b.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.queue)
	return s
}

func (b *Batcher) flushLocked() {
	if b.inFlight || len(b.queue) == 0 {
		return
	}
	n := len(b.queue)
	if n > b.opts.MaxPerRequest {
		n = b.opts.MaxPerRequest
	}
	batch := append([]Event(nil), b.queue[:n]...)
	b.queue = append(b.queue[:0:0], b.queue[n:]...)
	b.inFlight = true
	b.stopTimerLocked()
	b.wg.Add(1)
	go b.deliver(batch)
}

func (b *Batcher) resetTimerLocked() {
	b.stopTimerLocked()
	gen := b.timerGen
	b.timer = b.clock.AfterFunc(b.opts.FlushInterval, func() { b.onInterval(gen) }, "tracker", "interval")
}

// stopTimerLocked stops the interval timer and invalidates any callback that
// already fired and is waiting for the lock.
func (b *Batcher) stopTimerLocked() {
	b.timerGen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher) onInterval(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || gen != b.timerGen || b.inFlight {
		return
	}
	b.timer = nil
	if len(b.queue) == 0 {
		b.resetTimerLocked()
		return
	}
	b.flushLocked()
}

func (b *Batcher) deliver(batch []Event) {
	defer b.wg.Done()
	err := b.opts.Retry.Do(b.ctx, b.clock, func(ctx context.Context, attempt int) error {
		b.mu.Lock()
		b.stats.Attempts++
		b.mu.Unlock()
		err := b.transport.Send(ctx, batch)
		if err != nil && IsPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		b.mu.Lock()
		b.stats.Sent += int64(len(batch))
		b.mu.Unlock()
	case b.ctx.Err() != nil:
		b.beacon(batch)
	default:
		b.logger.Warn("dropping event batch after failed delivery", "batch_size", len(batch), "error", err)
		b.mu.Lock()
		b.stats.Dropped += int64(len(batch))
		b.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = false
	if b.closed {
		return
	}
	if len(b.queue) >= b.opts.MaxBatch {
		b.flushLocked()
		return
	}
	b.resetTimerLocked()
}

func (b *Batcher) beacon(events []Event) {
	for len(events) > 0 {
		n := len(events)
		if n > b.opts.MaxPerRequest {
			n = b.opts.MaxPerRequest
		}
		b.transport.Beacon(events[:n])
		b.mu.Lock()
		b.stats.Beaconed += int64(n)
		b.mu.Unlock()
		events = events[n:]
	}
}
