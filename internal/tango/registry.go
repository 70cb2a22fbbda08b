package tango

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
)

// Device is the server side of the transport: something that executes
// commands and owns an attribute table.
type Device interface {
	Name() string
	Execute(ctx context.Context, command string, argin any) (any, error)
	Attributes() *Attributes
}

type registrySub struct {
	id        SubscriptionID
	device    string
	attribute string
	fn        func(Event)

	attrs   *Attributes
	localID SubscriptionID
}

// Registry maps fully-qualified device names to devices in this process and
// hands out Clients for them. Subscriptions to devices that are not
// registered yet are held and attached when the device appears.
type Registry struct {
	log     logging.Logger
	timeout time.Duration

	mu      sync.RWMutex
	devices map[string]Device
	subs    map[SubscriptionID]*registrySub
	nextID  SubscriptionID
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithTimeout sets the transport timeout applied to synchronous calls.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l logging.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:     logging.Noop(),
		timeout: DefaultTimeout,
		devices: make(map[string]Device),
		subs:    make(map[SubscriptionID]*registrySub),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds d. Held subscriptions for d are attached.
func (r *Registry) Register(d Device) error {
	r.mu.Lock()
	if _, exists := r.devices[d.Name()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("device %q already registered", d.Name())
	}
	r.devices[d.Name()] = d
	var pending []*registrySub
	for _, s := range r.subs {
		if s.device == d.Name() && s.attrs == nil {
			pending = append(pending, s)
		}
	}
	r.mu.Unlock()

	for _, s := range pending {
		r.attach(s, d)
	}
	return nil
}

// Unregister removes a device. Its subscriptions are held until it returns.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.devices, name)
	var detached []*registrySub
	for _, s := range r.subs {
		if s.device == name && s.attrs != nil {
			detached = append(detached, s)
		}
	}
	r.mu.Unlock()

	for _, s := range detached {
		r.mu.Lock()
		attrs, localID := s.attrs, s.localID
		s.attrs, s.localID = nil, 0
		r.mu.Unlock()
		attrs.Unsubscribe(localID)
		s.fn(Event{Device: name, Attribute: s.attribute, Err: Unreachable(name, "subscribe", "device unregistered")})
	}
}

// Lookup returns the device registered under name.
func (r *Registry) Lookup(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	return d, ok
}

// Names lists the registered devices.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Client returns an in-process client for name. The device does not need
// to be registered yet.
func (r *Registry) Client(name string) Client {
	return &LocalClient{registry: r, name: name}
}

func (r *Registry) subscribe(device, attribute string, fn func(Event)) SubscriptionID {
	r.mu.Lock()
	r.nextID++
	s := &registrySub{id: r.nextID, device: device, attribute: attribute, fn: fn}
	r.subs[s.id] = s
	d, ok := r.devices[device]
	r.mu.Unlock()

	if ok {
		r.attach(s, d)
	} else {
		r.log.Debug(context.Background(), "holding subscription until device registers",
			logging.Device(device), logging.String("attribute", attribute))
	}
	return s.id
}

func (r *Registry) attach(s *registrySub, d Device) {
	attrs := d.Attributes()
	localID := attrs.Subscribe(s.attribute, s.fn)

	r.mu.Lock()
	_, live := r.subs[s.id]
	if live {
		s.attrs, s.localID = attrs, localID
	}
	r.mu.Unlock()
	if !live {
		attrs.Unsubscribe(localID)
	}
}

func (r *Registry) unsubscribe(id SubscriptionID) {
	r.mu.Lock()
	s, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok && s.attrs != nil {
		s.attrs.Unsubscribe(s.localID)
	}
}
