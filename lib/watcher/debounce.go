// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"sync"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
)

// DefaultDebounceWindow coalesces event bursts per path. Editors and
// build tools commonly touch a file several times within a save.
const DefaultDebounceWindow = 500 * time.Millisecond

// Debouncer coalesces rapid events on the same path into one delivery
// after a quiet window. Each new event for a path cancels and replaces
// the pending one, so the callback sees the final state of a burst. A
// deletion is never displaced by a later, softer event for the same
// path: the softer event is what recreating tooling produces, and the
// deletion is the change the policy must see.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*pendingEvent
	window  time.Duration
	clock   clock.Clock
	deliver func(Event)
	stopped bool
}

type pendingEvent struct {
	event Event
	timer *clock.Timer
}

// NewDebouncer creates a debouncer delivering coalesced events to
// deliver. A non-positive window selects the default.
func NewDebouncer(window time.Duration, clk clock.Clock, deliver func(Event)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Debouncer{
		pending: make(map[string]*pendingEvent),
		window:  window,
		clock:   clk,
		deliver: deliver,
	}
}

// Add feeds one raw event in. Delivery happens after the window
// elapses with no further events for the path.
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		if existing.event.Change == policy.ChangeDeleted && event.Change != policy.ChangeDeleted {
			// Keep the deletion; restart the window.
			existing.timer.Reset(d.window)
			return
		}
		existing.timer.Stop()
	}

	path := event.Path
	entry := &pendingEvent{event: event}
	entry.timer = d.clock.AfterFunc(d.window, func() {
		d.fire(path, entry)
	})
	d.pending[path] = entry
}

// fire delivers entry unless a later Add already replaced it for the
// same path (its own timer will handle delivery).
func (d *Debouncer) fire(path string, entry *pendingEvent) {
	d.mu.Lock()
	current, ok := d.pending[path]
	if ok && current == entry {
		delete(d.pending, path)
	} else {
		ok = false
	}
	d.mu.Unlock()

	if ok {
		d.deliver(entry.event)
	}
}

// Flush delivers everything pending immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	flushed := make([]Event, 0, len(d.pending))
	for path, entry := range d.pending {
		entry.timer.Stop()
		flushed = append(flushed, entry.event)
		delete(d.pending, path)
	}
	d.mu.Unlock()

	for _, event := range flushed {
		d.deliver(event)
	}
}

// Stop cancels all pending deliveries. Further Adds are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, path)
	}
}
