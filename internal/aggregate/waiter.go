package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/telescope-mc/internal/sched"
	"github.com/signalsfoundry/telescope-mc/model"
)

// Key addresses one attribute of one child.
type Key struct {
	Child     string
	Attribute string
}

func (k Key) String() string { return k.Child + "/" + k.Attribute }

// Condition is one (child, attribute, expected) triple of a Waiter.
type Condition struct {
	Key
	Expected string
	// Settled accepts a current value already equal to Expected. Without it
	// the child must first be seen away from Expected, so that a stale value
	// from before the command does not satisfy the barrier.
	Settled bool
}

// FailFunc inspects a value that arrived while waiting and returns a non-nil
// error to fail the waiter, e.g. when a child reports FAULT.
type FailFunc func(k Key, value string) error

// Board holds the latest value of every (child, attribute) a node watches and
// resolves Waiters against it. Values are the attribute's text form.
type Board struct {
	sched sched.EventScheduler

	mu      sync.Mutex
	values  map[Key]string
	waiters map[*Waiter]struct{}
}

// NewBoard creates an empty board whose deadlines run on s.
func NewBoard(s sched.EventScheduler) *Board {
	return &Board{
		sched:   s,
		values:  make(map[Key]string),
		waiters: make(map[*Waiter]struct{}),
	}
}

// Set records a value and advances the waiters watching k.
func (b *Board) Set(k Key, value string) {
	type outcome struct {
		w   *Waiter
		err error
	}
	var done []outcome

	b.mu.Lock()
	b.values[k] = value
	for w := range b.waiters {
		if finished, err := w.observeLocked(k, value); finished {
			done = append(done, outcome{w, err})
		}
	}
	b.mu.Unlock()

	for _, o := range done {
		o.w.finish(o.err)
	}
}

// Get returns the latest value of k.
func (b *Board) Get(k Key) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[k]
	return v, ok
}

// Forget drops every value of child.
func (b *Board) Forget(child string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.values {
		if k.Child == child {
			delete(b.values, k)
		}
	}
}

// Wait arms a waiter over conds. It completes with nil when every condition
// is met, with an error wrapping model.ErrTimeout after timeout, or with the
// error returned by fail. A waiter with no conditions completes immediately.
func (b *Board) Wait(conds []Condition, timeout time.Duration, fail FailFunc) *Waiter {
	w := &Waiter{
		board: b,
		fail:  fail,
		conds: make([]condState, len(conds)),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	for i, c := range conds {
		st := condState{Condition: c}
		cur, ok := b.values[c.Key]
		switch {
		case !ok || cur != c.Expected:
			st.departed = true
		case c.Settled:
			st.met = true
		}
		w.conds[i] = st
	}
	complete := w.allMetLocked()
	if !complete {
		b.waiters[w] = struct{}{}
	}
	b.mu.Unlock()

	if complete {
		w.finish(nil)
		return w
	}
	if timeout > 0 && b.sched != nil {
		id := b.sched.Schedule(b.sched.Now().Add(timeout), func() {
			w.finish(fmt.Errorf("%w: %s did not reach the expected state within %s", model.ErrTimeout, strings.Join(w.Pending(), ", "), timeout))
		})
		w.mu.Lock()
		w.timerID = id
		finished := w.finished
		w.mu.Unlock()
		if finished {
			b.sched.Cancel(id)
		}
	}
	return w
}

// CancelAll finishes every pending waiter of the board with cause.
func (b *Board) CancelAll(cause error) {
	b.mu.Lock()
	ws := make([]*Waiter, 0, len(b.waiters))
	for w := range b.waiters {
		ws = append(ws, w)
	}
	b.mu.Unlock()
	for _, w := range ws {
		w.Cancel(cause)
	}
}

// Pending returns the number of waiters still armed.
func (b *Board) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

type condState struct {
	Condition
	departed bool
	met      bool
}

// Waiter is a one-shot convergence barrier created by Board.Wait.
type Waiter struct {
	board *Board
	fail  FailFunc
	conds []condState // guarded by board.mu

	mu       sync.Mutex
	finished bool
	err      error
	timerID  string
	hooks    []func(error)
	done     chan struct{}
}

func (w *Waiter) observeLocked(k Key, value string) (bool, error) {
	touched := false
	for i := range w.conds {
		c := &w.conds[i]
		if c.Key != k {
			continue
		}
		touched = true
		if value != c.Expected {
			c.departed = true
			c.met = false
		} else if c.departed {
			c.met = true
		}
	}
	if !touched {
		return false, nil
	}
	if w.fail != nil {
		if err := w.fail(k, value); err != nil {
			return true, err
		}
	}
	return w.allMetLocked(), nil
}

func (w *Waiter) allMetLocked() bool {
	for _, c := range w.conds {
		if !c.met {
			return false
		}
	}
	return true
}

func (w *Waiter) finish(err error) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	w.err = err
	timerID := w.timerID
	hooks := w.hooks
	w.hooks = nil
	close(w.done)
	w.mu.Unlock()

	w.board.mu.Lock()
	delete(w.board.waiters, w)
	w.board.mu.Unlock()

	if timerID != "" && w.board.sched != nil {
		w.board.sched.Cancel(timerID)
	}
	for _, h := range hooks {
		h(err)
	}
}

// Done is closed when the waiter completes.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Err returns the outcome; it is nil while pending or on success.
func (w *Waiter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Wait blocks until the waiter completes or ctx ends.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel completes the waiter with cause. It is a no-op once completed.
func (w *Waiter) Cancel(cause error) {
	if cause == nil {
		cause = model.ErrAborted
	}
	w.finish(cause)
}

// OnDone registers fn to run once with the outcome. If the waiter already
// completed fn runs immediately.
func (w *Waiter) OnDone(fn func(error)) {
	w.mu.Lock()
	if !w.finished {
		w.hooks = append(w.hooks, fn)
		w.mu.Unlock()
		return
	}
	err := w.err
	w.mu.Unlock()
	fn(err)
}

// Pending lists the conditions not yet met, as "child/attribute=expected".
func (w *Waiter) Pending() []string {
	w.board.mu.Lock()
	defer w.board.mu.Unlock()
	var out []string
	for _, c := range w.conds {
		if !c.met {
			out = append(out, c.Key.String()+"="+c.Expected)
		}
	}
	sort.Strings(out)
	return out
}

// WaiterSet tracks the outstanding waiters of one node so that an Abort can
// cancel all of them at once.
type WaiterSet struct {
	mu      sync.Mutex
	waiters map[*Waiter]struct{}
}

// NewWaiterSet creates an empty set.
func NewWaiterSet() *WaiterSet {
	return &WaiterSet{waiters: make(map[*Waiter]struct{})}
}

// Track adds w until it completes and returns it.
func (s *WaiterSet) Track(w *Waiter) *Waiter {
	s.mu.Lock()
	s.waiters[w] = struct{}{}
	s.mu.Unlock()
	w.OnDone(func(error) {
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
	})
	return w
}

// CancelAll cancels every tracked waiter with cause.
func (s *WaiterSet) CancelAll(cause error) int {
	s.mu.Lock()
	ws := make([]*Waiter, 0, len(s.waiters))
	for w := range s.waiters {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.Cancel(cause)
	}
	return len(ws)
}

// Len returns the number of tracked waiters.
func (s *WaiterSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
