package identify

import (
	"sync"
	"time"
)

// DefaultDebounce is how long the coordinator waits after the last input
// mutation before firing a resolution.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer coordinates rapid input mutations for one logical input slot.
// Every mutation cancels any pending schedule and reschedules; each
// scheduled resolution is tagged with a monotonic generation so a slow
// response from a superseded request can be recognized and discarded.
//
// The fire callback runs on the timer goroutine. Callers that own
// single-goroutine state should post a message from the callback instead
// of touching state directly.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	gen   uint64
}

func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay}
}

// Trigger schedules fire to run after the debounce delay, superseding any
// pending schedule. It returns the generation assigned to this trigger.
// Earlier generations become stale immediately, even if their timer
// already fired and their request is in flight.
func (d *Debouncer) Trigger(fire func(gen uint64)) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		fire(gen)
	})
	return gen
}

// Bump invalidates all outstanding generations without scheduling
// anything. Used when the input is retracted or a different input kind
// (e.g. a photo) takes over the slot.
func (d *Debouncer) Bump() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	return d.gen
}

// Current returns the latest issued generation.
func (d *Debouncer) Current() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

// IsCurrent reports whether a response tagged with gen may be applied.
// Stale responses must be discarded, not applied to state.
func (d *Debouncer) IsCurrent(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gen == d.gen
}
