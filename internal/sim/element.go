// Package sim provides simulated element devices (dishes, correlator, science
// data processor and station beamformer masters and subarrays). They answer
// commands immediately and move through their states after a configurable
// latency, so the control hierarchy above them sees the same asynchronous
// behaviour as real elements.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
	"github.com/signalsfoundry/telescope-mc/timectrl"
)

// DefaultLatency is how long a simulated element spends in a transient state.
const DefaultLatency = 100 * time.Millisecond

// Options configures a simulated element.
type Options struct {
	Latency time.Duration
	Clock   timectrl.SimClock
	Log     logging.Logger
}

func (o *Options) applyDefaults() {
	if o.Latency <= 0 {
		o.Latency = DefaultLatency
	}
	if o.Clock == nil {
		o.Clock = timectrl.RealClock{}
	}
	if o.Log == nil {
		o.Log = logging.Noop()
	}
}

type handlerFunc func(ctx context.Context, argin any) (model.CommandResult, error)

// element is the state shared by every simulator: attribute table, opState,
// health and fault injection.
type element struct {
	name  string
	attrs *tango.Attributes
	log   logging.Logger

	mu         sync.Mutex
	latency    time.Duration
	cmdLatency map[string]time.Duration
	replyDelay map[string]time.Duration
	failNext   map[string]string
	hang       map[string]bool
	calls      map[string]int
	argins     map[string]any
	gen        uint64
	opState    model.OpState
	health     model.HealthState
	handlers   map[string]handlerFunc
}

func newElement(name string, opts Options, initial model.OpState) *element {
	opts.applyDefaults()
	e := &element{
		name:       name,
		log:        opts.Log.With(logging.Device(name), logging.String("component", "sim")),
		attrs:      tango.NewAttributes(name, opts.Clock, opts.Log),
		latency:    opts.Latency,
		cmdLatency: make(map[string]time.Duration),
		replyDelay: make(map[string]time.Duration),
		failNext:   make(map[string]string),
		hang:       make(map[string]bool),
		calls:      make(map[string]int),
		argins:     make(map[string]any),
		handlers:   make(map[string]handlerFunc),
		opState:    initial,
		health:     model.HealthOK,
	}
	e.attrs.Set(model.AttrOpState, initial)
	e.attrs.Set(model.AttrHealthState, model.HealthOK)
	return e
}

func (e *element) Name() string                  { return e.name }
func (e *element) Attributes() *tango.Attributes { return e.attrs }

func (e *element) handle(cmd string, fn handlerFunc) { e.handlers[cmd] = fn }

// Execute implements tango.Device.
func (e *element) Execute(ctx context.Context, cmd string, argin any) (any, error) {
	fn, ok := e.handlers[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no command %q", model.ErrInvalidArgument, e.name, cmd)
	}

	e.mu.Lock()
	e.calls[cmd]++
	e.argins[cmd] = argin
	msg, fail := e.failNext[cmd]
	delete(e.failNext, cmd)
	delay := e.replyDelay[cmd]
	e.mu.Unlock()

	if fail {
		e.log.Info(ctx, "injected command failure", logging.String("command", cmd))
		return nil, fmt.Errorf("%w: %s", model.ErrCommandFailed, msg)
	}
	res, err := fn(ctx, argin)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res.CommandID == "" {
		res.CommandID = model.NewCommandID(cmd)
	}
	return res, nil
}

// DelayReply makes cmd take effect at once but hold its reply for d.
func (e *element) DelayReply(cmd string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replyDelay[cmd] = d
}

// SetLatency overrides the transient duration of one command.
func (e *element) SetLatency(cmd string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmdLatency[cmd] = d
}

// FailNext makes the next invocation of cmd fail with message.
func (e *element) FailNext(cmd, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[cmd] = message
}

// Hang makes cmd accept but never complete its transition.
func (e *element) Hang(cmd string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hang[cmd] = on
}

// Calls returns how many times cmd was invoked.
func (e *element) Calls(cmd string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[cmd]
}

// LastArgin returns the argin of the most recent cmd invocation.
func (e *element) LastArgin(cmd string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.argins[cmd]
	return v, ok
}

// SetHealth publishes a new health state.
func (e *element) SetHealth(h model.HealthState) {
	e.mu.Lock()
	e.health = h
	e.attrs.Set(model.AttrHealthState, h)
	e.mu.Unlock()
}

func (e *element) setOpStateLocked(s model.OpState) {
	e.opState = s
	e.attrs.Set(model.AttrOpState, s)
}

// OpState returns the current operational state.
func (e *element) OpState() model.OpState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opState
}

// later runs fn under the element lock after the latency of cmd, unless the
// generation moved on in between (abort, restart, injected fault).
func (e *element) laterLocked(cmd string, fn func()) {
	if e.hang[cmd] {
		return
	}
	d, ok := e.cmdLatency[cmd]
	if !ok {
		d = e.latency
	}
	gen := e.gen
	time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen != gen {
			return
		}
		fn()
	})
}

// opStateCommands installs On, Off and Standby.
func (e *element) opStateCommands() {
	set := func(cmd string, to model.OpState) handlerFunc {
		return func(ctx context.Context, _ any) (model.CommandResult, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.opState == to {
				return model.OK("", cmd+" is a no-op"), nil
			}
			e.laterLocked(cmd, func() { e.setOpStateLocked(to) })
			return model.Started("", ""), nil
		}
	}
	e.handle(model.CmdOn, set(model.CmdOn, model.OpStateOn))
	e.handle(model.CmdOff, set(model.CmdOff, model.OpStateOff))
	e.handle(model.CmdStandby, set(model.CmdStandby, model.OpStateStandby))
}
