// Package leaf implements the leaf nodes: adapters that sit between the
// subarray and central nodes and one element device each. A leaf gates
// commands on the element's mirrored state, translates them into the
// element's own commands and re-publishes the element's state upward.
package leaf

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
	"github.com/signalsfoundry/telescope-mc/timectrl"
)

// DefaultResponseTimeout bounds the element liveness check run before
// resource and configuration commands.
const DefaultResponseTimeout = 3 * time.Second

// Config is shared by every leaf constructor.
type Config struct {
	// Name is the leaf's own fully-qualified name.
	Name string
	// Element is the client of the device the leaf adapts.
	Element tango.Client

	Clock           timectrl.SimClock
	Log             logging.Logger
	Metrics         *observability.NodeCollector
	ResponseTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = timectrl.RealClock{}
	}
	if c.Log == nil {
		c.Log = logging.Noop()
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
}

type commandFunc func(ctx context.Context, id string, argin any) (model.CommandResult, error)

// base holds what every leaf shares: its attribute table, the element
// client, the command table and the mirrored opState and health.
type base struct {
	name    string
	log     logging.Logger
	attrs   *tango.Attributes
	metrics *observability.NodeCollector
	element tango.Client
	timeout time.Duration

	commands map[string]commandFunc

	mu      sync.Mutex
	opState model.OpState
	opKnown bool
	subs    []tango.SubscriptionID

	// epoch is bumped by interrupting commands (Abort, End, Restart,
	// ObsReset, StopTrack). Side effects of element replies only run while
	// the epoch taken at command entry is still current.
	epochMu sync.Mutex
	epoch   uint64
}

func newBase(cfg Config) *base {
	cfg.applyDefaults()
	b := &base{
		name:     cfg.Name,
		log:      cfg.Log.With(logging.String("node", cfg.Name)),
		attrs:    tango.NewAttributes(cfg.Name, cfg.Clock, cfg.Log),
		metrics:  cfg.Metrics,
		element:  cfg.Element,
		timeout:  cfg.ResponseTimeout,
		commands: make(map[string]commandFunc),
		opState:  model.OpStateUnknown,
	}
	b.attrs.Set(model.AttrOpState, model.OpStateUnknown)
	b.attrs.Set(model.AttrHealthState, model.HealthUnknown)
	b.attrs.Set(model.AttrActivityMessage, "")
	b.attrs.OnPublish = func(attr string) { b.metrics.IncEvent(b.name, attr) }
	return b
}

func (b *base) Name() string                  { return b.name }
func (b *base) Attributes() *tango.Attributes { return b.attrs }

// ElementName returns the FQDN of the adapted element.
func (b *base) ElementName() string { return b.element.Name() }

func (b *base) handle(cmd string, fn commandFunc) { b.commands[cmd] = fn }

// Commands lists the commands the leaf accepts.
func (b *base) Commands() []string {
	out := make([]string, 0, len(b.commands))
	for c := range b.commands {
		out = append(out, c)
	}
	return out
}

// Execute implements tango.Device. Synchronous failures (state gating,
// argument validation, an unresponsive element) are returned as errors; the
// outcome of the element command is published on longRunningCommandResult.
func (b *base) Execute(ctx context.Context, cmd string, argin any) (any, error) {
	fn, ok := b.commands[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no command %q", model.ErrInvalidArgument, b.name, cmd)
	}
	id := model.NewCommandID(cmd)
	ctx = logging.ContextWithRequestID(ctx, id)
	ctx = withEpoch(ctx, b.currentEpoch())
	ctx, span := observability.StartCommandSpan(ctx, b.name, cmd, id)
	defer span.End()

	begin := time.Now()
	res, err := fn(ctx, id, argin)
	if err != nil {
		span.RecordError(err)
		res = model.ResultFromError(err, id)
	}
	if res.CommandID == "" {
		res.CommandID = id
	}
	b.metrics.ObserveCommand(b.name, cmd, res.Code.String(), time.Since(begin))

	fields := append(logging.Command(cmd, id), logging.String("result", res.Code.String()))
	if err != nil {
		b.log.Warn(ctx, "command refused", append(fields, logging.Err(err))...)
		b.activity(fmt.Sprintf("%s refused: %v", cmd, err))
		return nil, err
	}
	b.log.Info(ctx, "command accepted", fields...)
	b.activity(fmt.Sprintf("%s %s", cmd, res.Code))
	return res, nil
}

func (b *base) activity(msg string) {
	b.attrs.Set(model.AttrActivityMessage, msg)
}

// finish publishes the completion of a long-running command.
func (b *base) finish(id string, code model.ResultCode, msg string) {
	b.attrs.Push(model.AttrLongRunningCommandResult, []string{id, code.String(), msg})
	if code != model.ResultOK {
		b.activity(fmt.Sprintf("%s: %s", id, msg))
	}
}

type epochKey struct{}

func withEpoch(ctx context.Context, epoch uint64) context.Context {
	return context.WithValue(ctx, epochKey{}, epoch)
}

func (b *base) epochOf(ctx context.Context) uint64 {
	if e, ok := ctx.Value(epochKey{}).(uint64); ok {
		return e
	}
	return b.currentEpoch()
}

func (b *base) currentEpoch() uint64 {
	b.epochMu.Lock()
	defer b.epochMu.Unlock()
	return b.epoch
}

// interrupt supersedes every command started before it and runs stop while
// no reply side effect can start. The returned context carries the new epoch.
func (b *base) interrupt(ctx context.Context, stop func()) context.Context {
	b.epochMu.Lock()
	defer b.epochMu.Unlock()
	b.epoch++
	if stop != nil {
		stop()
	}
	return withEpoch(ctx, b.epoch)
}

// ifCurrent runs fn and reports true unless an interrupt happened after the
// command carried by ctx started.
func (b *base) ifCurrent(ctx context.Context, fn func()) bool {
	epoch := b.epochOf(ctx)
	b.epochMu.Lock()
	defer b.epochMu.Unlock()
	if b.epoch != epoch {
		return false
	}
	fn()
	return true
}

func (b *base) superseded(ctx context.Context, id, elementCmd string) {
	b.log.Info(ctx, "reply arrived after an interrupt, side effects dropped",
		logging.String("command", elementCmd),
		logging.String("command_id", id),
	)
	b.finish(id, model.ResultAborted, elementCmd+" superseded by a later interrupt")
}

// forward sends elementCmd to the element in the background and reports the
// outcome under id. onSuccess runs once the element has accepted it, unless
// an interrupt arrived in between.
func (b *base) forward(ctx context.Context, id, elementCmd string, argin any, onSuccess func()) model.CommandResult {
	ctx = context.WithoutCancel(ctx)
	b.element.CommandAsync(ctx, elementCmd, argin, func(ev tango.CommandEvent) {
		if msg, failed := failure(ev); failed {
			b.log.Warn(ctx, "element command failed",
				logging.String("element", b.element.Name()),
				logging.String("command", elementCmd),
				logging.String("command_id", id),
				logging.String("error", msg),
			)
			b.finish(id, model.ResultFailed, fmt.Sprintf("%s %s: %s", b.element.Name(), elementCmd, msg))
			return
		}
		if onSuccess != nil && !b.ifCurrent(ctx, onSuccess) {
			b.superseded(ctx, id, elementCmd)
			return
		}
		b.finish(id, model.ResultOK, elementCmd+" accepted by "+b.element.Name())
	})
	return model.Started(id, "")
}

// sequence runs element commands one after another in the background and
// stops at the first failure. Each step is sent while holding the epoch, so
// an interrupt either waits for the step in flight or cancels the rest.
func (b *base) sequence(ctx context.Context, id string, steps []step, onSuccess func()) model.CommandResult {
	ctx = context.WithoutCancel(ctx)
	go func() {
		for _, s := range steps {
			var err error
			sent := b.ifCurrent(ctx, func() {
				sctx, cancel := context.WithTimeout(ctx, b.timeout)
				defer cancel()
				_, err = tango.CommandResultOf(sctx, b.element, s.command, s.argin)
			})
			if !sent {
				b.superseded(ctx, id, s.command)
				return
			}
			if err != nil {
				b.finish(id, model.ResultFailed, fmt.Sprintf("%s %s: %v", b.element.Name(), s.command, err))
				return
			}
		}
		if onSuccess != nil && !b.ifCurrent(ctx, onSuccess) {
			b.superseded(ctx, id, "sequence")
			return
		}
		b.finish(id, model.ResultOK, "")
	}()
	return model.Started(id, "")
}

type step struct {
	command string
	argin   any
}

func failure(ev tango.CommandEvent) (string, bool) {
	if ev.Err {
		return strings.Join(ev.Errors, "; "), true
	}
	if res, ok := ev.Result(); ok && !res.Succeeded() {
		return fmt.Sprintf("%s %s", res.Code, res.Message), true
	}
	return "", false
}

// checkAlive checks that the element answers within the response timeout.
func (b *base) checkAlive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if _, err := b.element.ReadAttribute(ctx, model.AttrOpState); err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrDeviceUnresponsive, b.element.Name(), err)
	}
	return nil
}

// watch subscribes to an element attribute for the lifetime of the leaf.
func (b *base) watch(ctx context.Context, attr string, fn func(tango.Event)) error {
	id, err := b.element.Subscribe(ctx, attr, func(ev tango.Event) {
		if ev.Err == nil {
			b.deviceInfo(ev)
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", b.element.Name(), attr, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, id)
	b.mu.Unlock()
	return nil
}

func (b *base) deviceInfo(ev tango.Event) {
	info, err := json.Marshal(map[string]any{
		"dev_name":  ev.Device,
		"attribute": ev.Attribute,
		"value":     fmt.Sprint(ev.Value),
	})
	if err == nil {
		b.attrs.Set(model.AttrLastDeviceInfoChanged, string(info))
	}
}

// watchCommon mirrors the element's opState and healthState.
func (b *base) watchCommon(ctx context.Context) error {
	if err := b.watch(ctx, model.AttrOpState, func(ev tango.Event) {
		if ev.Err != nil {
			b.setOpState(model.OpStateUnknown, false)
			return
		}
		if s, ok := model.AsOpState(ev.Value); ok {
			b.setOpState(s, true)
		}
	}); err != nil {
		return err
	}
	return b.watch(ctx, model.AttrHealthState, func(ev tango.Event) {
		h := model.HealthUnknown
		if ev.Err == nil {
			if v, ok := model.AsHealthState(ev.Value); ok {
				h = v
			}
		}
		b.attrs.Set(model.AttrHealthState, h)
	})
}

func (b *base) setOpState(s model.OpState, known bool) {
	b.mu.Lock()
	b.opState, b.opKnown = s, known
	b.mu.Unlock()
	b.attrs.Set(model.AttrOpState, s)
}

// currentOpState returns the mirrored opState, reading the element directly
// while no event has arrived yet.
func (b *base) currentOpState(ctx context.Context) (model.OpState, error) {
	b.mu.Lock()
	s, known := b.opState, b.opKnown
	b.mu.Unlock()
	if known {
		return s, nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	v, err := b.element.ReadAttribute(ctx, model.AttrOpState)
	if err != nil {
		return model.OpStateUnknown, fmt.Errorf("%w: %s: %v", model.ErrDeviceUnresponsive, b.element.Name(), err)
	}
	s, ok := model.AsOpState(v)
	if !ok {
		return model.OpStateUnknown, fmt.Errorf("%w: %s reported opState %v", model.ErrCommandFailed, b.element.Name(), v)
	}
	return s, nil
}

// opCommand builds On, Off and Standby: a no-op when already in target,
// refused outside allowed, otherwise forwarded as elementCmd.
func (b *base) opCommand(cmd, elementCmd string, target model.OpState, allowed ...model.OpState) commandFunc {
	return func(ctx context.Context, id string, _ any) (model.CommandResult, error) {
		s, err := b.currentOpState(ctx)
		if err != nil {
			return model.CommandResult{}, err
		}
		if s == target {
			return model.OK(id, fmt.Sprintf("%s already %s", b.name, target)), nil
		}
		if !containsOp(allowed, s) {
			return model.CommandResult{}, model.NotAllowed(cmd, s)
		}
		return b.forward(ctx, id, elementCmd, nil, func() { b.setOpState(target, true) }), nil
	}
}

// Close drops the element subscriptions.
func (b *base) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, id := range subs {
		b.element.Unsubscribe(id)
	}
}

func containsOp(list []model.OpState, s model.OpState) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsObs(list []model.ObsState, s model.ObsState) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
