// Package debounce coalesces rapid successive updates to a value into a
// single delayed call, keeping only the most recent value. It backs the
// editor autosave path: every keystroke schedules the full note content,
// and one write reaches storage after the typing quiets down.
package debounce

import (
	"sync"
	"time"
)

// Options configures a Debounced instance.
type Options[T any] struct {
	// Delay is how long the value must stay unchanged before OnFlush runs.
	Delay time.Duration

	// OnFlush persists the value. It runs outside the internal lock, so a
	// concurrent Schedule during a slow flush starts a fresh cycle.
	OnFlush func(T) error

	// OnError receives failures from timer-fired flushes. Explicit Flush
	// calls return their error directly and do not go through OnError.
	OnError func(error)

	// Equal, when set, suppresses scheduling a value equal to the last
	// flushed baseline (e.g. the user typed and then undid the edit).
	Equal func(a, b T) bool
}

// Debounced keeps the latest scheduled value and flushes it after Delay.
type Debounced[T any] struct {
	opts Options[T]

	mu          sync.Mutex
	timer       *time.Timer
	timerSeq    uint64
	pending     *T
	lastFlushed *T
}

func New[T any](opts Options[T]) *Debounced[T] {
	return &Debounced[T]{opts: opts}
}

// Schedule records next as the value to flush and re-arms the timer.
// Only the last scheduled value survives; intermediates are discarded.
// A value equal to the last flushed baseline cancels pending work instead.
func (d *Debounced[T]) Schedule(next T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.skipsBaselineLocked(next) {
		d.pending = nil
		d.stopTimerLocked()
		return
	}

	value := next
	d.pending = &value
	d.stopTimerLocked()

	d.timerSeq++
	seq := d.timerSeq
	d.timer = time.AfterFunc(d.opts.Delay, func() {
		d.timerFired(seq)
	})
}

// Flush runs the pending flush immediately. The timer is cleared first so
// it cannot fire a second save for the same value. With nothing pending
// this is a no-op.
func (d *Debounced[T]) Flush() error {
	return d.flushNow()
}

// Cancel discards any pending value without calling OnFlush.
func (d *Debounced[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimerLocked()
	d.pending = nil
}

// Reset cancels pending work and establishes base as the new equality
// baseline without flushing. Used when the edited note changes.
func (d *Debounced[T]) Reset(base T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimerLocked()
	d.pending = nil
	value := base
	d.lastFlushed = &value
}

// Pending reports the currently scheduled value, if any.
func (d *Debounced[T]) Pending() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		var zero T
		return zero, false
	}
	return *d.pending, true
}

func (d *Debounced[T]) timerFired(seq uint64) {
	d.mu.Lock()
	if seq != d.timerSeq || d.pending == nil {
		// A newer Schedule/Flush/Cancel superseded this timer.
		d.mu.Unlock()
		return
	}
	d.timer = nil
	next := *d.pending
	d.pending = nil
	if d.skipsBaselineLocked(next) {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := d.opts.OnFlush(next); err != nil {
		if d.opts.OnError != nil {
			d.opts.OnError(err)
		}
		return
	}

	d.mu.Lock()
	value := next
	d.lastFlushed = &value
	d.mu.Unlock()
}

func (d *Debounced[T]) flushNow() error {
	d.mu.Lock()
	d.stopTimerLocked()

	if d.pending == nil {
		d.mu.Unlock()
		return nil
	}

	next := *d.pending
	d.pending = nil

	if d.skipsBaselineLocked(next) {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.opts.OnFlush(next); err != nil {
		return err
	}

	d.mu.Lock()
	value := next
	d.lastFlushed = &value
	d.mu.Unlock()
	return nil
}

func (d *Debounced[T]) skipsBaselineLocked(next T) bool {
	if d.opts.Equal == nil || d.lastFlushed == nil {
		return false
	}
	return d.opts.Equal(*d.lastFlushed, next)
}

func (d *Debounced[T]) stopTimerLocked() {
	if d.timer == nil {
		return
	}
	d.timer.Stop()
	d.timer = nil
	d.timerSeq++
}
