// Package debounce coalesces bursts of keyed events into a single delayed call.
//
// Every Schedule for a key replaces the pending function and re-arms the wait timer. The max wait
// timer is armed once, by the first Schedule of a burst, so a key that keeps receiving events is
// still flushed no later than MaxWait after the burst started.
package debounce

import (
	"sync"
	"time"
)

type Timer interface {
	Stop() bool
}

type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type entry struct {
	fn         func()
	generation uint64
	wait       Timer
	cap        Timer
}

type Debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	clock   Clock

	// OnChange, when set, is called with the number of pending keys after every change.
	OnChange func(pending int)

	mu         sync.Mutex
	generation uint64
	entries    map[string]*entry
}

type Option func(*Debouncer)

func WithClock(c Clock) Option {
	return func(d *Debouncer) {
		d.clock = c
	}
}

// New creates a debouncer. A maxWait of zero (or one below wait) disables the hard cap.
func New(wait, maxWait time.Duration, opts ...Option) *Debouncer {
	d := &Debouncer{
		wait:    wait,
		maxWait: maxWait,
		clock:   realClock{},
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Schedule sets fn as the pending call for key, superseding any earlier one.
func (d *Debouncer) Schedule(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.generation++
	gen := d.generation

	e, ok := d.entries[key]
	if ok {
		e.wait.Stop()
	} else {
		e = &entry{}
		d.entries[key] = e
		if d.maxWait >= d.wait && d.maxWait > 0 {
			e.cap = d.clock.AfterFunc(d.maxWait, func() { d.fire(key, e, 0) })
		}
	}
	e.fn = fn
	e.generation = gen
	e.wait = d.clock.AfterFunc(d.wait, func() { d.fire(key, e, gen) })
	d.changed()
}

// fire runs the pending function for key. A timer only fires for the entry that armed it, and a
// wait timer only for its own generation; a timer that lost the race with a newer Schedule, Cancel
// or flush does nothing. Generation zero matches any generation.
func (d *Debouncer) fire(key string, armed *entry, gen uint64) {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok || e != armed || (gen != 0 && e.generation != gen) {
		d.mu.Unlock()
		return
	}
	d.remove(key, e)
	d.mu.Unlock()
	e.fn()
}

func (d *Debouncer) remove(key string, e *entry) {
	e.wait.Stop()
	if e.cap != nil {
		e.cap.Stop()
	}
	delete(d.entries, key)
	d.changed()
}

func (d *Debouncer) changed() {
	if d.OnChange != nil {
		d.OnChange(len(d.entries))
	}
}

// Cancel drops the pending call for key without running it.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if ok {
		d.remove(key, e)
	}
	return ok
}

// FlushIfPending runs the pending call for key immediately, on the calling goroutine.
func (d *Debouncer) FlushIfPending(key string) bool {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.remove(key, e)
	d.mu.Unlock()
	e.fn()
	return true
}

// FlushAll runs every pending call. Used on shutdown.
func (d *Debouncer) FlushAll() int {
	d.mu.Lock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	n := 0
	for _, k := range keys {
		if d.FlushIfPending(k) {
			n++
		}
	}
	return n
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[key]
	return ok
}

func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
