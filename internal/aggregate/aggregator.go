// Package aggregate turns per-child attribute streams into parent values:
// Aggregator reduces the latest value of every child, Board and Waiter give a
// node a cancellable barrier on children reaching expected values.
package aggregate

import (
	"sort"
	"sync"

	"github.com/signalsfoundry/telescope-mc/model"
)

// Reducer folds child values into a parent value. It must not depend on the
// order of values. The bool result is false when no aggregate can be derived.
type Reducer[T any] func(values []T) (T, bool)

// Aggregator keeps the last value seen for each child and recomputes the
// aggregate on every update. Children that are expected but have not
// reported count as the missing value.
type Aggregator[T comparable] struct {
	notifyMu sync.Mutex
	mu       sync.Mutex

	reduce   Reducer[T]
	missing  T
	expected map[string]struct{}
	values   map[string]T
	current  T
	valid    bool
	onChange func(T)
}

// NewAggregator creates an aggregator. onChange is called, outside the
// aggregator lock and in update order, whenever the aggregate changes.
func NewAggregator[T comparable](reduce Reducer[T], missing T, onChange func(T)) *Aggregator[T] {
	return &Aggregator[T]{
		reduce:   reduce,
		missing:  missing,
		expected: make(map[string]struct{}),
		values:   make(map[string]T),
		onChange: onChange,
	}
}

// Expect registers children that are expected to report.
func (a *Aggregator[T]) Expect(children ...string) {
	a.apply(func() {
		for _, c := range children {
			a.expected[c] = struct{}{}
		}
	})
}

// Forget drops a child and its last value.
func (a *Aggregator[T]) Forget(child string) {
	a.apply(func() {
		delete(a.expected, child)
		delete(a.values, child)
	})
}

// Update records the latest value of child.
func (a *Aggregator[T]) Update(child string, v T) {
	a.apply(func() {
		a.expected[child] = struct{}{}
		a.values[child] = v
	})
}

// Invalidate marks child as expected-but-silent, e.g. after its transport
// reported an error.
func (a *Aggregator[T]) Invalidate(child string) {
	a.apply(func() {
		a.expected[child] = struct{}{}
		delete(a.values, child)
	})
}

func (a *Aggregator[T]) apply(mutate func()) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	mutate()
	vals := make([]T, 0, len(a.expected))
	for c := range a.expected {
		if v, ok := a.values[c]; ok {
			vals = append(vals, v)
		} else {
			vals = append(vals, a.missing)
		}
	}
	next, ok := a.reduce(vals)
	changed := ok && (!a.valid || next != a.current)
	if ok {
		a.current, a.valid = next, true
	}
	cb := a.onChange
	a.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
}

// Value returns the current aggregate.
func (a *Aggregator[T]) Value() (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.valid
}

// Snapshot returns every expected child with its value (or the missing value).
func (a *Aggregator[T]) Snapshot() map[string]T {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]T, len(a.expected))
	for c := range a.expected {
		if v, ok := a.values[c]; ok {
			out[c] = v
		} else {
			out[c] = a.missing
		}
	}
	return out
}

// Children lists the expected children in name order.
func (a *Aggregator[T]) Children() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.expected))
	for c := range a.expected {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// WorstHealth is the health reduction: the most severe child wins, with
// OK < DEGRADED < UNKNOWN < FAILED. No children aggregate to OK.
func WorstHealth(values []model.HealthState) (model.HealthState, bool) {
	worst := model.HealthOK
	for _, v := range values {
		if v.Severity() > worst.Severity() {
			worst = v
		}
	}
	return worst, true
}

// transientPriority orders transient obsStates so that concurrent
// transients reduce deterministically.
var transientPriority = map[model.ObsState]int{
	model.ObsStateAborting:    6,
	model.ObsStateRestarting:  5,
	model.ObsStateResetting:   4,
	model.ObsStateResourcing:  3,
	model.ObsStateConfiguring: 2,
	model.ObsStateScanning:    1,
}

// CommonObsState is the obsState reduction: all children equal yields that
// value; any transient child yields the highest-priority transient; any other
// mix has no aggregate.
func CommonObsState(values []model.ObsState) (model.ObsState, bool) {
	if len(values) == 0 {
		return model.ObsStateEmpty, false
	}
	var top model.ObsState
	topPrio := 0
	allEqual := true
	for _, v := range values {
		if v != values[0] {
			allEqual = false
		}
		if p := transientPriority[v]; p > topPrio {
			top, topPrio = v, p
		}
	}
	if allEqual {
		return values[0], true
	}
	if topPrio > 0 {
		return top, true
	}
	return model.ObsStateEmpty, false
}
