// Package kb is the telescope knowledge base: where every receptor is, what
// it may point at, and which subarray currently owns it.
package kb

import (
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/model"
)

// Receptor is the static description of one dish.
type Receptor struct {
	ID              model.ReceptorID
	Location        core.Geodetic
	MinElevationDeg float64
	MaxElevationDeg float64
}

// Layout is an in-memory, thread-safe store of receptor positions. It
// implements core.ReceptorLocator.
type Layout struct {
	mu        sync.RWMutex
	reference core.Geodetic
	receptors map[model.ReceptorID]Receptor
}

// NewLayout creates an empty layout whose array reference position is reference.
func NewLayout(reference core.Geodetic) *Layout {
	return &Layout{
		reference: reference,
		receptors: make(map[model.ReceptorID]Receptor),
	}
}

// AddReceptor adds a receptor. It returns an error if the ID already exists
// or the elevation limits are inverted.
func (l *Layout) AddReceptor(r Receptor) error {
	if r.MaxElevationDeg == 0 && r.MinElevationDeg == 0 {
		r.MaxElevationDeg = 90
	}
	if r.MinElevationDeg > r.MaxElevationDeg {
		return fmt.Errorf("receptor %s: min elevation %.2f above max %.2f", r.ID, r.MinElevationDeg, r.MaxElevationDeg)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.receptors[r.ID]; exists {
		return fmt.Errorf("receptor with ID %q already exists", r.ID)
	}
	l.receptors[r.ID] = r
	return nil
}

// Receptor returns the receptor with the given ID.
func (l *Layout) Receptor(id model.ReceptorID) (Receptor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.receptors[id]
	return r, ok
}

// Has reports whether id is part of the array.
func (l *Layout) Has(id model.ReceptorID) bool {
	_, ok := l.Receptor(id)
	return ok
}

// Location implements core.ReceptorLocator.
func (l *Layout) Location(id model.ReceptorID) (core.Geodetic, bool) {
	r, ok := l.Receptor(id)
	return r.Location, ok
}

// Reference returns the array reference position used for delay baselines.
func (l *Layout) Reference() core.Geodetic {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reference
}

// IDs returns all receptor ids in ascending order.
func (l *Layout) IDs() []model.ReceptorID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]model.ReceptorID, 0, len(l.receptors))
	for id := range l.receptors {
		ids = append(ids, id)
	}
	model.SortReceptors(ids)
	return ids
}

// EventType indicates what kind of ownership change happened.
type EventType int

const (
	EventClaimed EventType = iota
	EventReleased
)

// Event is emitted to subscribers when receptors change hands.
type Event struct {
	Type      EventType
	Subarray  int
	Receptors []model.ReceptorID
}

// Ownership records which subarray owns each receptor. A receptor is owned by
// at most one subarray at any time; Claim checks and records atomically.
type Ownership struct {
	mu         sync.RWMutex
	owner      map[model.ReceptorID]int
	bySubarray map[int]mapset.Set[model.ReceptorID]

	subs   map[int]func(Event)
	nextID int
}

// NewOwnership constructs an empty ownership table.
func NewOwnership() *Ownership {
	return &Ownership{
		owner:      make(map[model.ReceptorID]int),
		bySubarray: make(map[int]mapset.Set[model.ReceptorID]),
		subs:       make(map[int]func(Event)),
	}
}

// Claim assigns ids to subarray. Receptors owned by another subarray are
// returned in conflicts and left untouched; the rest, including receptors the
// subarray already owns, are returned in claimed.
func (o *Ownership) Claim(subarray int, ids []model.ReceptorID) (claimed, conflicts []model.ReceptorID) {
	o.mu.Lock()
	set := o.setLocked(subarray)
	var fresh []model.ReceptorID
	for _, id := range ids {
		if cur, owned := o.owner[id]; owned && cur != subarray {
			conflicts = append(conflicts, id)
			continue
		}
		if !set.Contains(id) {
			fresh = append(fresh, id)
		}
		o.owner[id] = subarray
		set.Add(id)
		claimed = append(claimed, id)
	}
	subs := o.subscribersLocked()
	o.mu.Unlock()

	if len(fresh) > 0 {
		notify(subs, Event{Type: EventClaimed, Subarray: subarray, Receptors: fresh})
	}
	return claimed, conflicts
}

// Release removes ids from subarray and returns the ones it actually owned.
func (o *Ownership) Release(subarray int, ids []model.ReceptorID) []model.ReceptorID {
	o.mu.Lock()
	released := o.releaseLocked(subarray, ids)
	subs := o.subscribersLocked()
	o.mu.Unlock()

	if len(released) > 0 {
		notify(subs, Event{Type: EventReleased, Subarray: subarray, Receptors: released})
	}
	return released
}

// ReleaseAll clears the assignment set of subarray.
func (o *Ownership) ReleaseAll(subarray int) []model.ReceptorID {
	return o.Release(subarray, o.Assigned(subarray))
}

// Retain releases every receptor of subarray that is not in keep. It is used
// to follow the receptor list a subarray reports about itself.
func (o *Ownership) Retain(subarray int, keep []model.ReceptorID) []model.ReceptorID {
	o.mu.Lock()
	set := o.setLocked(subarray)
	drop := set.Difference(mapset.NewThreadUnsafeSet(keep...)).ToSlice()
	released := o.releaseLocked(subarray, drop)
	subs := o.subscribersLocked()
	o.mu.Unlock()

	if len(released) > 0 {
		notify(subs, Event{Type: EventReleased, Subarray: subarray, Receptors: released})
	}
	return released
}

func (o *Ownership) releaseLocked(subarray int, ids []model.ReceptorID) []model.ReceptorID {
	set := o.setLocked(subarray)
	var released []model.ReceptorID
	for _, id := range ids {
		if !set.Contains(id) {
			continue
		}
		set.Remove(id)
		delete(o.owner, id)
		released = append(released, id)
	}
	model.SortReceptors(released)
	return released
}

func (o *Ownership) setLocked(subarray int) mapset.Set[model.ReceptorID] {
	set, ok := o.bySubarray[subarray]
	if !ok {
		set = mapset.NewThreadUnsafeSet[model.ReceptorID]()
		o.bySubarray[subarray] = set
	}
	return set
}

// Owner returns the subarray owning id.
func (o *Ownership) Owner(id model.ReceptorID) (int, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.owner[id]
	return s, ok
}

// Assigned returns the receptors of subarray in ascending order.
func (o *Ownership) Assigned(subarray int) []model.ReceptorID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	set, ok := o.bySubarray[subarray]
	if !ok {
		return nil
	}
	ids := set.ToSlice()
	model.SortReceptors(ids)
	return ids
}

// Snapshot returns a copy of the receptor → subarray table.
func (o *Ownership) Snapshot() map[model.ReceptorID]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[model.ReceptorID]int, len(o.owner))
	for id, s := range o.owner {
		out[id] = s
	}
	return out
}

// Subscribe registers a callback for ownership events. It returns an
// unsubscribe function. Callbacks run outside the table lock.
func (o *Ownership) Subscribe(fn func(Event)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *Ownership) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, o.subs[id])
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
