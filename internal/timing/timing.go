// Package timing records when interesting things happen during a run so the
// numbers can be dumped to a file for debugging (--dump-timing).
//
// A Timing is created by the caller and handed to every component that wants
// to record events; there is no process-global clock.
package timing

import (
	"sync"
	"time"
)

// Event is one timed span. A zero Stop means the span is still open or was
// an instant.
type Event struct {
	t *Timing

	Name    string
	Start   time.Time
	Stop    time.Time
	Details map[string]string
}

// Finish closes the span now.
func (e *Event) Finish() *Event { return e.FinishAt(e.t.now()) }

// FinishAt closes the span at when.
func (e *Event) FinishAt(when time.Time) *Event {
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	e.Stop = when
	return e
}

// Detail attaches a key/value pair to the event.
func (e *Event) Detail(key, value string) *Event {
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Timing collects events for one run.
type Timing struct {
	mu     sync.Mutex
	now    func() time.Time
	events []*Event
	run    *Event
}

// New returns an empty Timing using the wall clock.
func New() *Timing { return &Timing{now: time.Now} }

// NewWithClock returns a Timing that reads time from clock.
func NewWithClock(clock func() time.Time) *Timing { return &Timing{now: clock} }

// Start opens the top-level "run" span. Calling Start twice is a no-op.
func (t *Timing) Start() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run != nil {
		return
	}
	t.run = &Event{t: t, Name: "run", Start: t.now()}
	t.events = append(t.events, t.run)
}

// Stop records an "exit" instant and closes the "run" span.
func (t *Timing) Stop() {
	if t == nil {
		return
	}
	t.Add("exit")
	t.mu.Lock()
	run := t.run
	t.mu.Unlock()
	if run != nil {
		run.Finish()
	}
}

// Add records a new event starting now.
func (t *Timing) Add(name string) *Event {
	if t == nil {
		return t.AddAt(name, time.Now())
	}
	return t.AddAt(name, t.now())
}

// AddAt records a new event starting at when.
func (t *Timing) AddAt(name string, when time.Time) *Event {
	if t == nil {
		// Callers may run without timing; hand back a detached event.
		return &Event{t: New(), Name: name, Start: when}
	}
	e := &Event{t: t, Name: name, Start: when}
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
	return e
}

// Events returns a snapshot of the recorded events in insertion order.
func (t *Timing) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, 0, len(t.events))
	for _, e := range t.events {
		c := *e
		c.t = nil
		if e.Details != nil {
			c.Details = make(map[string]string, len(e.Details))
			for k, v := range e.Details {
				c.Details[k] = v
			}
		}
		out = append(out, c)
	}
	return out
}
