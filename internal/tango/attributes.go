package tango

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/model"
	"github.com/signalsfoundry/telescope-mc/timectrl"
)

type attrValue struct {
	value any
	at    time.Time
}

type subscription struct {
	id        SubscriptionID
	attribute string
	fn        func(Event)
	active    atomic.Bool
}

type delivery struct {
	sub *subscription
	ev  Event
}

// Attributes is the attribute table of one device. Change events are
// delivered in publication order on a dispatcher goroutine owned by the
// table, never on the goroutine that called Set.
type Attributes struct {
	device string
	clock  timectrl.SimClock
	log    logging.Logger

	mu      sync.Mutex
	values  map[string]attrValue
	subs    map[string]map[SubscriptionID]*subscription
	writers map[string]func(context.Context, any) error
	nextID  SubscriptionID

	queue    []delivery
	draining bool

	// OnPublish, when set, is called for every published change.
	OnPublish func(attribute string)
}

// NewAttributes creates an empty table for device.
func NewAttributes(device string, clock timectrl.SimClock, log logging.Logger) *Attributes {
	if clock == nil {
		clock = timectrl.RealClock{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Attributes{
		device:  device,
		clock:   clock,
		log:     log,
		values:  make(map[string]attrValue),
		subs:    make(map[string]map[SubscriptionID]*subscription),
		writers: make(map[string]func(context.Context, any) error),
	}
}

// Set stores value and publishes a change event if it differs from the
// current one.
func (a *Attributes) Set(name string, value any) {
	a.publish(name, value, false)
}

// Push stores value and always publishes a change event.
func (a *Attributes) Push(name string, value any) {
	a.publish(name, value, true)
}

func (a *Attributes) publish(name string, value any, force bool) {
	a.mu.Lock()
	old, had := a.values[name]
	if had && !force && reflect.DeepEqual(old.value, value) {
		a.mu.Unlock()
		return
	}
	now := a.clock.Now()
	a.values[name] = attrValue{value: value, at: now}
	ev := Event{Device: a.device, Attribute: name, Value: value, Timestamp: now}
	for _, s := range a.subs[name] {
		a.queue = append(a.queue, delivery{sub: s, ev: ev})
	}
	start := a.startDrainLocked()
	hook := a.OnPublish
	a.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	if start {
		go a.drain()
	}
}

// Get returns the current value of name.
func (a *Attributes) Get(name string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[name]
	return v.value, ok
}

// Read is Get with an error for unknown attributes.
func (a *Attributes) Read(name string) (any, error) {
	v, ok := a.Get(name)
	if !ok {
		return nil, model.InvalidArgument("%s has no attribute %q", a.device, name)
	}
	return v, nil
}

// Names returns the attribute names that currently hold a value.
func (a *Attributes) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.values))
	for n := range a.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OnWrite makes name writable by clients; fn validates and applies the value.
func (a *Attributes) OnWrite(name string, fn func(ctx context.Context, value any) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writers[name] = fn
}

// Write applies a client write through the registered handler.
func (a *Attributes) Write(ctx context.Context, name string, value any) error {
	a.mu.Lock()
	fn, ok := a.writers[name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: attribute %s/%s is not writable", model.ErrCommandNotAllowed, a.device, name)
	}
	return fn(ctx, value)
}

// Subscribe registers fn for changes of name. The current value, if any, is
// delivered as the first event.
func (a *Attributes) Subscribe(name string, fn func(Event)) SubscriptionID {
	a.mu.Lock()
	a.nextID++
	s := &subscription{id: a.nextID, attribute: name, fn: fn}
	s.active.Store(true)
	if a.subs[name] == nil {
		a.subs[name] = make(map[SubscriptionID]*subscription)
	}
	a.subs[name][s.id] = s

	start := false
	if v, ok := a.values[name]; ok {
		a.queue = append(a.queue, delivery{sub: s, ev: Event{Device: a.device, Attribute: name, Value: v.value, Timestamp: v.at}})
		start = a.startDrainLocked()
	}
	a.mu.Unlock()

	if start {
		go a.drain()
	}
	return s.id
}

// Unsubscribe stops deliveries to id. Events already being delivered may
// still complete.
func (a *Attributes) Unsubscribe(id SubscriptionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, subs := range a.subs {
		if s, ok := subs[id]; ok {
			s.active.Store(false)
			delete(subs, id)
			if len(subs) == 0 {
				delete(a.subs, name)
			}
			return
		}
	}
}

func (a *Attributes) startDrainLocked() bool {
	if a.draining || len(a.queue) == 0 {
		return false
	}
	a.draining = true
	return true
}

func (a *Attributes) drain() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.draining = false
			a.mu.Unlock()
			return
		}
		d := a.queue[0]
		a.queue[0] = delivery{}
		a.queue = a.queue[1:]
		a.mu.Unlock()

		if d.sub.active.Load() {
			a.deliver(d)
		}
	}
}

func (a *Attributes) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error(context.Background(), "attribute callback panicked",
				logging.Device(a.device),
				logging.String("attribute", d.ev.Attribute),
				logging.Any("panic", r),
			)
		}
	}()
	d.sub.fn(d.ev)
}
