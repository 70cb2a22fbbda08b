package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is the clock abstraction every timer-driven component depends on,
// so tests can substitute a controllable clock.
type SimClock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock reads the wall clock in UTC.
type RealClock struct{}

// Now implements SimClock.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime follows the wall clock; ticks only pace listener calls.
	RealTime Mode = iota
	// Accelerated advances by Tick on every step, as fast as the ticker fires.
	Accelerated
)

// TimeController drives time and notifies registered listeners on every tick.
// In a deployment its listener pumps the event scheduler so that scan, pointing
// and delay-model timers fire.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the controller to t without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller in a separate goroutine until ctx is done or,
// when duration is positive, until that much controller time has elapsed.
// The returned channel is closed when the loop exits.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		if tc.Mode == RealTime {
			tc.currentTime = time.Now().UTC()
		} else {
			tc.currentTime = tc.StartTime
		}
		begin := tc.currentTime
		tc.mu.Unlock()

		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case wall := <-ticker.C:
				tc.mu.Lock()
				if tc.Mode == RealTime {
					tc.currentTime = wall.UTC()
				} else {
					tc.currentTime = tc.currentTime.Add(tc.Tick)
				}
				now := tc.currentTime
				listeners := append([]func(time.Time){}, tc.listeners...)
				tc.mu.Unlock()

				for _, fn := range listeners {
					fn(now)
				}
				if duration > 0 && now.Sub(begin) >= duration {
					return
				}
			}
		}
	}()
	return done
}
