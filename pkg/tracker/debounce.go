package tracker

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DefaultDebounce is the quiet period used when none is given.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer collapses bursts of calls into one, run after the calls stop for
// the wait period.
type Debouncer struct {
	clock quartz.Clock
	wait  time.Duration

	mu      sync.Mutex
	timer   *quartz.Timer
	pending func()
	gen     uint64
}

// NewDebouncer constructs a Debouncer. A nil clock uses real time.
func NewDebouncer(wait time.Duration, clock quartz.Clock) *Debouncer {
	if wait <= 0 {
		wait = DefaultDebounce
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Debouncer{clock: clock, wait: wait}
}

// Trigger schedules fn, replacing any call still waiting.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = fn
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.wait, func() { d.fire(gen) }, "tracker", "debounce")
}

// Stop discards a waiting call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
	d.gen++
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}
