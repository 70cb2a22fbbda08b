package leaf

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/internal/delaymodel"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/sched"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
)

// Kind selects the element family a subarray leaf adapts.
type Kind int

const (
	KindCSP Kind = iota
	KindSDP
	KindMCCS
)

func (k Kind) String() string {
	switch k {
	case KindCSP:
		return "csp"
	case KindSDP:
		return "sdp"
	case KindMCCS:
		return "mccs"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MirrorAttribute is the attribute the leaf re-publishes the element
// obsState under.
func (k Kind) MirrorAttribute() string {
	switch k {
	case KindCSP:
		return model.AttrCSPSubarrayObsState
	case KindSDP:
		return model.AttrSDPSubarrayObsState
	default:
		return model.AttrMCCSSubarrayObsState
	}
}

// obsAllowed lists the element obsStates each command is accepted in.
var obsAllowed = map[string][]model.ObsState{
	model.CmdAssignResources:     {model.ObsStateEmpty, model.ObsStateIdle},
	model.CmdReleaseAllResources: {model.ObsStateIdle},
	model.CmdConfigure:           {model.ObsStateIdle, model.ObsStateReady},
	model.CmdScan:                {model.ObsStateReady},
	model.CmdEndScan:             {model.ObsStateScanning},
	model.CmdEnd:                 {model.ObsStateReady},
	model.CmdAbort: {
		model.ObsStateIdle, model.ObsStateReady, model.ObsStateScanning,
		model.ObsStateConfiguring, model.ObsStateResetting,
	},
	model.CmdObsReset: {model.ObsStateAborted, model.ObsStateFault},
	model.CmdRestart:  {model.ObsStateAborted, model.ObsStateFault},
}

// SubarrayLeafConfig configures a subarray leaf. The delay-model fields are
// used by the correlator leaf only.
type SubarrayLeafConfig struct {
	Config
	Kind Kind

	DelayCalculator core.DelayCalculator
	Timers          *sched.TimerGroup
	DelayCadence    time.Duration
	TimingMetrics   *observability.TimingCollector
}

// SubarrayLeaf adapts one element subarray.
type SubarrayLeaf struct {
	*base
	kind Kind

	obs       model.ObsState
	obsKnown  bool
	receptors []model.ReceptorID
	publisher *delaymodel.Publisher
}

// NewSubarrayLeaf builds the leaf. Call Start to begin mirroring the element.
func NewSubarrayLeaf(cfg SubarrayLeafConfig) *SubarrayLeaf {
	l := &SubarrayLeaf{
		base: newBase(cfg.Config),
		kind: cfg.Kind,
		obs:  model.ObsStateEmpty,
	}
	l.attrs.Set(model.AttrObsState, model.ObsStateEmpty)
	l.attrs.Set(cfg.Kind.MirrorAttribute(), model.ObsStateEmpty)

	if cfg.Kind == KindCSP && cfg.DelayCalculator != nil && cfg.Timers != nil {
		l.publisher = delaymodel.NewPublisher(cfg.Name, cfg.DelayCadence, cfg.DelayCalculator, cfg.Timers,
			func(_ context.Context, doc string, _ model.DelayModel) error {
				l.attrs.Push(model.AttrDelayModel, doc)
				return nil
			}, l.log, cfg.TimingMetrics)
		l.attrs.Set(model.AttrDelayModel, "")
	}

	l.handle(model.CmdOn, l.opCommand(model.CmdOn, model.CmdOn, model.OpStateOn, model.OpStateOff, model.OpStateStandby))
	l.handle(model.CmdOff, l.opCommand(model.CmdOff, model.CmdOff, model.OpStateOff, model.OpStateOn))
	l.handle(model.CmdStandby, l.opCommand(model.CmdStandby, model.CmdStandby, model.OpStateStandby, model.OpStateOn, model.OpStateAlarm, model.OpStateOff))

	if cfg.Kind != KindMCCS {
		l.handle(model.CmdAssignResources, l.assign)
		l.handle(model.CmdReleaseAllResources, l.release)
	}
	l.handle(model.CmdConfigure, l.configure)
	l.handle(model.CmdScan, l.scan)
	l.handle(model.CmdEndScan, l.endScan)
	l.handle(model.CmdEnd, l.end)
	l.handle(model.CmdAbort, l.abort)
	l.handle(model.CmdObsReset, l.obsReset)
	l.handle(model.CmdRestart, l.restart)
	return l
}

// Kind returns the element family.
func (l *SubarrayLeaf) Kind() Kind { return l.kind }

// Start subscribes to the element's state.
func (l *SubarrayLeaf) Start(ctx context.Context) error {
	if err := l.watchCommon(ctx); err != nil {
		return err
	}
	return l.watch(ctx, model.AttrObsState, func(ev tango.Event) {
		if ev.Err != nil {
			l.log.Warn(context.Background(), "lost element obsState", logging.Err(ev.Err))
			l.mu.Lock()
			l.obsKnown = false
			l.mu.Unlock()
			return
		}
		o, ok := model.AsObsState(ev.Value)
		if !ok {
			return
		}
		l.mu.Lock()
		l.obs, l.obsKnown = o, true
		l.mu.Unlock()
		l.attrs.Set(l.kind.MirrorAttribute(), o)
		l.attrs.Set(model.AttrObsState, o)
	})
}

// Close stops the delay-model publisher and drops subscriptions.
func (l *SubarrayLeaf) Close() {
	l.stopPublisher()
	l.base.Close()
}

// ObsState returns the mirrored element obsState.
func (l *SubarrayLeaf) ObsState() model.ObsState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.obs
}

// Receptors returns the receptors assigned to the correlator subarray.
func (l *SubarrayLeaf) Receptors() []model.ReceptorID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ReceptorID(nil), l.receptors...)
}

// Publisher returns the delay-model publisher, or nil for non-correlator leaves.
func (l *SubarrayLeaf) Publisher() *delaymodel.Publisher { return l.publisher }

func (l *SubarrayLeaf) currentObsState(ctx context.Context) (model.ObsState, error) {
	l.mu.Lock()
	o, known := l.obs, l.obsKnown
	l.mu.Unlock()
	if known {
		return o, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	v, err := l.element.ReadAttribute(ctx, model.AttrObsState)
	if err != nil {
		return o, fmt.Errorf("%w: %s: %v", model.ErrDeviceUnresponsive, l.element.Name(), err)
	}
	if o, ok := model.AsObsState(v); ok {
		return o, nil
	}
	return o, fmt.Errorf("%w: %s reported obsState %v", model.ErrCommandFailed, l.element.Name(), v)
}

func (l *SubarrayLeaf) gate(ctx context.Context, cmd string) (model.ObsState, error) {
	o, err := l.currentObsState(ctx)
	if err != nil {
		return o, err
	}
	if !containsObs(obsAllowed[cmd], o) {
		return o, model.NotAllowed(cmd, o)
	}
	return o, nil
}

// simple forwards cmd unchanged after gating.
func (l *SubarrayLeaf) simple(cmd, elementCmd string, onSuccess func()) commandFunc {
	return func(ctx context.Context, id string, argin any) (model.CommandResult, error) {
		if _, err := l.gate(ctx, cmd); err != nil {
			return model.CommandResult{}, err
		}
		return l.forward(ctx, id, elementCmd, argin, onSuccess), nil
	}
}

func (l *SubarrayLeaf) assign(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	if _, err := l.gate(ctx, model.CmdAssignResources); err != nil {
		return model.CommandResult{}, err
	}
	if err := l.checkAlive(ctx); err != nil {
		return model.CommandResult{}, err
	}
	if l.kind == KindCSP {
		ids, err := cspReceptors(argin)
		if err != nil {
			return model.CommandResult{}, err
		}
		if len(ids) == 0 {
			return model.CommandResult{}, model.InvalidArgument("no receptors to assign")
		}
		return l.forward(ctx, id, model.CmdAddReceptors, model.ReceptorStrings(ids), func() {
			l.mu.Lock()
			l.receptors = mergeReceptors(l.receptors, ids)
			l.mu.Unlock()
		}), nil
	}
	doc, err := jsonObject(argin)
	if err != nil {
		return model.CommandResult{}, err
	}
	return l.forward(ctx, id, model.CmdAssignResources, doc, nil), nil
}

func (l *SubarrayLeaf) release(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	if _, err := l.gate(ctx, model.CmdReleaseAllResources); err != nil {
		return model.CommandResult{}, err
	}
	if l.kind == KindCSP {
		return l.forward(ctx, id, model.CmdRemoveAllReceptors, nil, l.clearReceptors), nil
	}
	return l.forward(ctx, id, model.CmdReleaseAllResources, nil, nil), nil
}

func (l *SubarrayLeaf) configure(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	if _, err := l.gate(ctx, model.CmdConfigure); err != nil {
		return model.CommandResult{}, err
	}
	if err := l.checkAlive(ctx); err != nil {
		return model.CommandResult{}, err
	}
	switch l.kind {
	case KindCSP:
		cfg, err := translateCSPConfigure(argin, l.name)
		if err != nil {
			return model.CommandResult{}, err
		}
		// The publisher starts from the reply callback; an Abort, End or
		// Restart that runs first supersedes it.
		return l.forward(ctx, id, model.CmdConfigure, cfg.forward, func() { l.startPublisher(context.WithoutCancel(ctx), cfg) }), nil
	case KindSDP:
		doc, err := translateSDPConfigure(argin)
		if err != nil {
			return model.CommandResult{}, err
		}
		return l.forward(ctx, id, model.CmdConfigure, doc, nil), nil
	default:
		doc, err := jsonObject(argin)
		if err != nil {
			return model.CommandResult{}, err
		}
		return l.forward(ctx, id, model.CmdConfigure, doc, nil), nil
	}
}

func (l *SubarrayLeaf) scan(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	if _, err := l.gate(ctx, model.CmdScan); err != nil {
		return model.CommandResult{}, err
	}
	doc, err := jsonObject(argin)
	if err != nil {
		return model.CommandResult{}, err
	}
	return l.forward(ctx, id, model.CmdScan, doc, nil), nil
}

func (l *SubarrayLeaf) endScan(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	o, err := l.currentObsState(ctx)
	if err != nil {
		return model.CommandResult{}, err
	}
	if o == model.ObsStateReady {
		return model.OK(id, "not scanning"), nil
	}
	return l.simple(model.CmdEndScan, model.CmdEndScan, nil)(ctx, id, argin)
}

func (l *SubarrayLeaf) end(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	if _, err := l.gate(ctx, model.CmdEnd); err != nil {
		return model.CommandResult{}, err
	}
	ctx = l.interrupt(ctx, l.stopPublisher)
	cmd := model.CmdEnd
	if l.kind == KindCSP {
		cmd = model.CmdGoToIdle
	}
	return l.forward(ctx, id, cmd, nil, nil), nil
}

func (l *SubarrayLeaf) abort(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	if _, err := l.gate(ctx, model.CmdAbort); err != nil {
		return model.CommandResult{}, err
	}
	ctx = l.interrupt(ctx, l.stopPublisher)
	return l.forward(ctx, id, model.CmdAbort, nil, nil), nil
}

func (l *SubarrayLeaf) restart(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	if _, err := l.gate(ctx, model.CmdRestart); err != nil {
		return model.CommandResult{}, err
	}
	ctx = l.interrupt(ctx, l.stopPublisher)
	return l.forward(ctx, id, model.CmdRestart, nil, l.clearReceptors), nil
}

func (l *SubarrayLeaf) obsReset(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	if _, err := l.gate(ctx, model.CmdObsReset); err != nil {
		return model.CommandResult{}, err
	}
	ctx = l.interrupt(ctx, l.stopPublisher)
	return l.forward(ctx, id, model.CmdObsReset, nil, nil), nil
}

func (l *SubarrayLeaf) clearReceptors() {
	l.mu.Lock()
	l.receptors = nil
	l.mu.Unlock()
}

func (l *SubarrayLeaf) startPublisher(ctx context.Context, cfg cspConfiguration) {
	if l.publisher == nil || cfg.target == nil || len(cfg.fsids) == 0 {
		return
	}
	receptors := l.Receptors()
	if len(receptors) == 0 {
		l.log.Warn(ctx, "no receptors known, delay model not started")
		return
	}
	if err := l.publisher.Start(ctx, receptors, cfg.fsids, *cfg.target); err != nil {
		l.log.Warn(ctx, "delay model not started", logging.Err(err))
		l.activity(fmt.Sprintf("delay model not started: %v", err))
	}
}

func (l *SubarrayLeaf) stopPublisher() {
	if l.publisher != nil {
		l.publisher.Stop()
	}
}

func mergeReceptors(have, add []model.ReceptorID) []model.ReceptorID {
	seen := make(map[model.ReceptorID]struct{}, len(have)+len(add))
	out := make([]model.ReceptorID, 0, len(have)+len(add))
	for _, list := range [][]model.ReceptorID{have, add} {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return model.SortReceptors(out)
}
