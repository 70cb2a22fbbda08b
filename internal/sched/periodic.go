package sched

import (
	"sync"
	"time"
)

// Periodic re-arms itself every interval. Each firing receives the time it
// was scheduled for, so a scheduler that jumps several intervals at once still
// delivers one call per interval with distinct times.
type Periodic struct {
	sched    EventScheduler
	interval time.Duration
	fn       func(at time.Time)

	mu      sync.Mutex
	id      string
	next    time.Time
	stopped bool
}

// Every starts a Periodic whose first firing is at first.
func Every(s EventScheduler, first time.Time, interval time.Duration, fn func(at time.Time)) *Periodic {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Periodic{sched: s, interval: interval, fn: fn}
	p.mu.Lock()
	p.armLocked(first)
	p.mu.Unlock()
	return p
}

func (p *Periodic) armLocked(at time.Time) {
	p.next = at
	p.id = p.sched.Schedule(at, func() { p.fire(at) })
}

func (p *Periodic) fire(at time.Time) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.armLocked(at.Add(p.interval))
	p.mu.Unlock()

	p.fn(at)
}

// Stop cancels future firings. It is safe to call more than once.
func (p *Periodic) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.sched.Cancel(p.id)
}

// Running reports whether Stop has not been called.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped
}

// Next returns the time of the next firing.
func (p *Periodic) Next() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// TimerGroup tracks the timers owned by one node so they can be cancelled
// together, e.g. when a subarray aborts.
type TimerGroup struct {
	sched EventScheduler

	mu        sync.Mutex
	oneShots  map[string]struct{}
	periodics map[*Periodic]struct{}
}

// NewTimerGroup creates an empty group on s.
func NewTimerGroup(s EventScheduler) *TimerGroup {
	return &TimerGroup{
		sched:     s,
		oneShots:  make(map[string]struct{}),
		periodics: make(map[*Periodic]struct{}),
	}
}

// Scheduler returns the underlying scheduler.
func (g *TimerGroup) Scheduler() EventScheduler { return g.sched }

// After schedules f once, d after the scheduler's current time.
func (g *TimerGroup) After(d time.Duration, f func()) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id string
	id = g.sched.Schedule(g.sched.Now().Add(d), func() {
		g.mu.Lock()
		_, live := g.oneShots[id]
		delete(g.oneShots, id)
		g.mu.Unlock()
		if live {
			f()
		}
	})
	g.oneShots[id] = struct{}{}
	return id
}

// Every starts a periodic timer owned by the group.
func (g *TimerGroup) Every(first time.Time, interval time.Duration, fn func(at time.Time)) *Periodic {
	p := Every(g.sched, first, interval, fn)
	g.mu.Lock()
	g.periodics[p] = struct{}{}
	g.mu.Unlock()
	return p
}

// Cancel cancels one one-shot timer of the group.
func (g *TimerGroup) Cancel(id string) {
	g.mu.Lock()
	delete(g.oneShots, id)
	g.mu.Unlock()
	g.sched.Cancel(id)
}

// Release stops p and forgets it.
func (g *TimerGroup) Release(p *Periodic) {
	if p == nil {
		return
	}
	p.Stop()
	g.mu.Lock()
	delete(g.periodics, p)
	g.mu.Unlock()
}

// CancelAll cancels every outstanding timer of the group.
func (g *TimerGroup) CancelAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.oneShots))
	for id := range g.oneShots {
		ids = append(ids, id)
	}
	ps := make([]*Periodic, 0, len(g.periodics))
	for p := range g.periodics {
		ps = append(ps, p)
	}
	g.oneShots = make(map[string]struct{})
	g.periodics = make(map[*Periodic]struct{})
	g.mu.Unlock()

	for _, id := range ids {
		g.sched.Cancel(id)
	}
	for _, p := range ps {
		p.Stop()
	}
}

// Active returns the number of outstanding timers in the group.
func (g *TimerGroup) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.oneShots)
	for p := range g.periodics {
		if p.Running() {
			n++
		}
	}
	return n
}
