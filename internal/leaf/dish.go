package leaf

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/pointing"
	"github.com/signalsfoundry/telescope-mc/internal/sched"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/kb"
	"github.com/signalsfoundry/telescope-mc/model"
)

// DishLeafConfig configures a dish leaf.
type DishLeafConfig struct {
	Config
	Receptor kb.Receptor
	// Pointing carries the refill cadence and horizon; observer position and
	// elevation limits come from Receptor.
	Pointing      pointing.Config
	Converter     core.Converter
	Timers        *sched.TimerGroup
	TimingMetrics *observability.TimingCollector
}

// DishLeaf adapts one dish manager and owns its pointing coordinator.
type DishLeaf struct {
	*base
	receptor kb.Receptor
	coord    *pointing.Coordinator

	mode      model.DishMode
	modeKnown bool
	pointing  model.PointingState
}

// NewDishLeaf builds the leaf. Call Start to begin mirroring the dish.
func NewDishLeaf(cfg DishLeafConfig) *DishLeaf {
	l := &DishLeaf{
		base:     newBase(cfg.Config),
		receptor: cfg.Receptor,
		mode:     model.DishModeUnknown,
		pointing: model.PointingUnknown,
	}
	pc := cfg.Pointing
	pc.Observer = cfg.Receptor.Location
	pc.MinElevationDeg = cfg.Receptor.MinElevationDeg
	pc.MaxElevationDeg = cfg.Receptor.MaxElevationDeg
	l.coord = pointing.NewCoordinator(cfg.Name, pc, cfg.Converter, cfg.Timers,
		pointing.SinkFunc(l.publishPointing), l.log, cfg.TimingMetrics)
	l.coord.OnFault(l.trackFault)

	l.attrs.Set(model.AttrDishMode, model.DishModeUnknown)
	l.attrs.Set(model.AttrPointingState, model.PointingUnknown)
	l.attrs.OnWrite(model.AttrDesiredPointing, l.writeDesired)
	l.attrs.OnWrite(model.AttrProgramTrackTable, l.writeTable)

	l.handle(model.CmdOn, l.on)
	l.handle(model.CmdOff, l.standby)
	l.handle(model.CmdStandby, l.standby)
	l.handle(model.CmdSetStandbyLPMode, l.standby)
	l.handle(model.CmdSetStandbyFPMode, l.passthrough(model.CmdSetStandbyFPMode, true))
	l.handle(model.CmdSetOperateMode, l.passthrough(model.CmdSetOperateMode, false))
	l.handle(model.CmdSetStowMode, l.passthrough(model.CmdSetStowMode, true))
	l.handle(model.CmdTrack, l.track)
	l.handle(model.CmdConfigure, l.configure)
	l.handle(model.CmdStopTrack, l.stopTrack)
	l.handle(model.CmdAbort, l.stopTrack)
	l.handle(model.CmdRestart, l.stopTrack)
	return l
}

// Receptor returns the dish description.
func (l *DishLeaf) Receptor() kb.Receptor { return l.receptor }

// Coordinator exposes the pointing coordinator.
func (l *DishLeaf) Coordinator() *pointing.Coordinator { return l.coord }

// Start subscribes to the dish's state.
func (l *DishLeaf) Start(ctx context.Context) error {
	if err := l.watchCommon(ctx); err != nil {
		return err
	}
	if err := l.watch(ctx, model.AttrDishMode, func(ev tango.Event) {
		m := model.DishModeUnknown
		if ev.Err == nil {
			if v, ok := model.AsDishMode(ev.Value); ok {
				m = v
			}
		}
		l.mu.Lock()
		l.mode, l.modeKnown = m, ev.Err == nil
		l.mu.Unlock()
		l.attrs.Set(model.AttrDishMode, m)
	}); err != nil {
		return err
	}
	return l.watch(ctx, model.AttrPointingState, func(ev tango.Event) {
		p := model.PointingUnknown
		if ev.Err == nil {
			if v, ok := model.AsPointingState(ev.Value); ok {
				p = v
			}
		}
		l.mu.Lock()
		l.pointing = p
		l.mu.Unlock()
		l.attrs.Set(model.AttrPointingState, p)
	})
}

// Close stops tracking and drops subscriptions.
func (l *DishLeaf) Close() {
	l.coord.Stop()
	l.base.Close()
}

// DishMode returns the mirrored dish mode.
func (l *DishLeaf) DishMode() model.DishMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// PointingState returns the mirrored pointing state.
func (l *DishLeaf) PointingState() model.PointingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pointing
}

func (l *DishLeaf) currentMode(ctx context.Context) (model.DishMode, error) {
	l.mu.Lock()
	m, known := l.mode, l.modeKnown
	l.mu.Unlock()
	if known {
		return m, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	v, err := l.element.ReadAttribute(ctx, model.AttrDishMode)
	if err != nil {
		return m, fmt.Errorf("%w: %s: %v", model.ErrDeviceUnresponsive, l.element.Name(), err)
	}
	if m, ok := model.AsDishMode(v); ok {
		return m, nil
	}
	return m, fmt.Errorf("%w: %s reported dishMode %v", model.ErrCommandFailed, l.element.Name(), v)
}

func (l *DishLeaf) on(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	m, err := l.currentMode(ctx)
	if err != nil {
		return model.CommandResult{}, err
	}
	switch m {
	case model.DishModeOperate:
		return model.OK(id, "dish already OPERATE"), nil
	case model.DishModeStandbyLP, model.DishModeStandbyFP, model.DishModeStow:
		return l.forward(ctx, id, model.CmdSetOperateMode, nil, nil), nil
	}
	return model.CommandResult{}, model.NotAllowed(model.CmdOn, m)
}

// standby serves Off, Standby and SetStandbyLPMode.
func (l *DishLeaf) standby(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	m, err := l.currentMode(ctx)
	if err != nil {
		return model.CommandResult{}, err
	}
	if m == model.DishModeStandbyLP {
		return model.OK(id, "dish already STANDBY_LP"), nil
	}
	ctx = l.interrupt(ctx, l.coord.Stop)
	return l.forward(ctx, id, model.CmdSetStandbyLPMode, nil, nil), nil
}

// passthrough forwards a dish mode command; stop ends any active track first,
// so that stow overrides tracking.
func (l *DishLeaf) passthrough(cmd string, stop bool) commandFunc {
	return func(ctx context.Context, id string, argin any) (model.CommandResult, error) {
		if stop {
			ctx = l.interrupt(ctx, l.coord.Stop)
		}
		return l.forward(ctx, id, cmd, argin, nil), nil
	}
}

func (l *DishLeaf) requireOperate(ctx context.Context, cmd string) error {
	m, err := l.currentMode(ctx)
	if err != nil {
		return err
	}
	if m != model.DishModeOperate && m != model.DishModeConfig {
		return model.NotAllowed(cmd, m)
	}
	return nil
}

func (l *DishLeaf) track(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	req, err := decodeDishPointing(argin)
	if err != nil {
		return model.CommandResult{}, err
	}
	if req.target == nil {
		return model.CommandResult{}, model.InvalidArgument("Track needs a target")
	}
	if err := l.requireOperate(ctx, model.CmdTrack); err != nil {
		return model.CommandResult{}, err
	}
	if err := l.startTrack(ctx, *req.target); err != nil {
		return model.CommandResult{}, err
	}
	return l.forward(ctx, id, model.CmdTrack, req.raw, nil), nil
}

func (l *DishLeaf) configure(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	req, err := decodeDishPointing(argin)
	if err != nil {
		return model.CommandResult{}, err
	}
	if err := l.requireOperate(ctx, model.CmdConfigure); err != nil {
		return model.CommandResult{}, err
	}
	if err := l.checkAlive(ctx); err != nil {
		return model.CommandResult{}, err
	}
	var steps []step
	if req.band != "" {
		steps = append(steps, step{command: model.CmdConfigureBand, argin: req.band})
	}
	if req.target != nil {
		if err := l.startTrack(ctx, *req.target); err != nil {
			return model.CommandResult{}, err
		}
		steps = append(steps, step{command: model.CmdTrack, argin: req.raw})
	}
	if len(steps) == 0 {
		return model.CommandResult{}, model.InvalidArgument("Configure needs a target or a receiver band")
	}
	return l.sequence(ctx, id, steps, nil), nil
}

// startTrack arms the coordinator unless an interrupt arrived after the
// command started.
func (l *DishLeaf) startTrack(ctx context.Context, target core.Target) error {
	var err error
	if !l.ifCurrent(ctx, func() { err = l.coord.Track(ctx, target) }) {
		return fmt.Errorf("%w: superseded by a later interrupt", model.ErrAborted)
	}
	return err
}

// stopTrack serves StopTrack, Abort and Restart. A configure sequence still
// in flight is superseded, so TrackStop is the last pointing command sent.
func (l *DishLeaf) stopTrack(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	ctx = l.interrupt(ctx, l.coord.Stop)
	return l.forward(ctx, id, model.CmdTrackStop, nil, nil), nil
}

func (l *DishLeaf) trackFault(err error) {
	ctx := context.Background()
	l.log.Warn(ctx, "track stopped by pointing coordinator", logging.Err(err))
	l.activity(fmt.Sprintf("track stopped: %v", err))
	l.element.CommandAsync(ctx, model.CmdTrackStop, nil, nil)
}

// publishPointing exports the coordinator's outputs and writes them to the dish.
func (l *DishLeaf) publishPointing(ctx context.Context, desired pointing.Sample, table []pointing.Sample) error {
	triple := desired.Triple()
	flat := pointing.FlattenTable(table)
	l.attrs.Set(model.AttrDesiredPointing, triple)
	l.attrs.Set(model.AttrProgramTrackTable, flat)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if err := l.element.WriteAttribute(ctx, model.AttrProgramTrackTable, flat); err != nil {
		return err
	}
	return l.element.WriteAttribute(ctx, model.AttrDesiredPointing, triple)
}

func (l *DishLeaf) writeDesired(ctx context.Context, v any) error {
	vals, err := model.AsFloats(v)
	if err != nil {
		return err
	}
	if len(vals) != 3 {
		return model.InvalidArgument("desiredPointing needs [timestamp_ms, az, el]")
	}
	return l.offer(ctx, vals)
}

func (l *DishLeaf) writeTable(ctx context.Context, v any) error {
	vals, err := model.AsFloats(v)
	if err != nil {
		return err
	}
	return l.offer(ctx, vals)
}

// offer hands an externally written table to the coordinator. Stale tables
// are dropped without error.
func (l *DishLeaf) offer(ctx context.Context, vals []float64) error {
	samples, err := pointing.ParseTable(vals)
	if err != nil {
		return err
	}
	lo, hi := l.receptor.MinElevationDeg, l.receptor.MaxElevationDeg
	if hi == 0 && lo == 0 {
		hi = 90
	}
	for _, s := range samples {
		if s.ElDeg < lo || s.ElDeg > hi {
			return fmt.Errorf("%w: el %.2f outside [%.1f, %.1f]", model.ErrElevationLimit, s.ElDeg, lo, hi)
		}
	}
	l.coord.Offer(ctx, samples)
	return nil
}

type dishPointing struct {
	target *core.Target
	band   string
	raw    string
}

// decodeDishPointing accepts {"pointing":{"target":{...}}, "dish":{...}},
// {"target":{...}} or a bare target object.
func decodeDishPointing(argin any) (dishPointing, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return dishPointing{}, model.InvalidArgument("%v", err)
	}
	var in struct {
		Pointing *model.Pointing      `json:"pointing,omitempty"`
		Target   *model.Target        `json:"target,omitempty"`
		Dish     *model.DishConfigure `json:"dish,omitempty"`
	}
	if err := model.Decode(doc, &in); err != nil {
		return dishPointing{}, err
	}
	var t *model.Target
	switch {
	case in.Pointing != nil:
		t = &in.Pointing.Target
	case in.Target != nil:
		t = in.Target
	default:
		var bare model.Target
		if err := model.Decode(doc, &bare); err == nil && (bare.RA != "" || bare.Frame() == model.FrameHorizon) {
			t = &bare
		}
	}
	out := dishPointing{raw: doc}
	if in.Dish != nil {
		out.band = in.Dish.ReceiverBand
	}
	if t != nil {
		resolved, err := core.ResolveTarget(*t)
		if err != nil {
			return dishPointing{}, err
		}
		out.target = &resolved
		out.raw = model.MustEncode(map[string]any{"pointing": map[string]any{"target": t}})
	}
	return out, nil
}
