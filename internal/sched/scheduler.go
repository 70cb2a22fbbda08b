// Package sched schedules callbacks against a SimClock. Scan-duration timers,
// pointing refills and delay-model publications all run through it so that
// tests can drive them deterministically with FakeEventScheduler.
package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/telescope-mc/timectrl"
)

// EventScheduler schedules callbacks to run at specific clock times.
//
// A deployment pumps RunDue from a timectrl.TimeController listener; callbacks
// therefore run on that goroutine and must not block.
type EventScheduler interface {
	// Schedule registers f to run at time 'at' and returns an id usable with Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel is a no-op if the id is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current time of the underlying clock.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	RunDue()
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by 'when' (earliest first)
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates a scheduler backed by the given clock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}
	s.insertLocked(ev)
	s.index[id] = ev
	return id
}

// insertLocked keeps s.events ordered by time; events with equal times keep
// their scheduling order. Caller must hold s.mu.
func (s *eventScheduler) insertLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(ev.when)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; RunDue skips cancelled events.
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

// popDueLocked removes and returns the earliest due, non-cancelled event.
// Caller must hold s.mu.
func (s *eventScheduler) popDueLocked(now time.Time) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

func (s *eventScheduler) RunDue() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		ev := s.popDueLocked(now)
		s.mu.Unlock()
		if ev == nil {
			return
		}
		// Run outside the lock so callbacks may schedule or cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}
