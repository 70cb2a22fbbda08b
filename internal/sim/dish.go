package sim

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/telescope-mc/model"
)

// Dish simulates a dish manager: operating modes, band configuration and
// pointing. Writes to desiredPointing are taken as achieved immediately.
type Dish struct {
	*element

	mode     model.DishMode
	pointing model.PointingState
	band     string
	table    []float64
}

// NewDish creates a dish in STANDBY_LP.
func NewDish(name string, opts Options) *Dish {
	d := &Dish{
		element:  newElement(name, opts, model.OpStateStandby),
		mode:     model.DishModeStandbyLP,
		pointing: model.PointingNone,
	}
	d.attrs.Set(model.AttrDishMode, d.mode)
	d.attrs.Set(model.AttrPointingState, d.pointing)

	d.handle(model.CmdSetStandbyLPMode, d.modeChange(model.CmdSetStandbyLPMode, model.DishModeStandbyLP, nil))
	d.handle(model.CmdSetStandbyFPMode, d.modeChange(model.CmdSetStandbyFPMode, model.DishModeStandbyFP,
		[]model.DishMode{model.DishModeStandbyLP, model.DishModeOperate, model.DishModeStow}))
	d.handle(model.CmdSetOperateMode, d.modeChange(model.CmdSetOperateMode, model.DishModeOperate,
		[]model.DishMode{model.DishModeStandbyLP, model.DishModeStandbyFP, model.DishModeStow}))
	d.handle(model.CmdSetStowMode, d.stow)
	d.handle(model.CmdConfigureBand, d.configureBand)
	d.handle(model.CmdTrack, d.track)
	d.handle(model.CmdTrackStop, d.trackStop)

	d.attrs.OnWrite(model.AttrDesiredPointing, d.writeDesired)
	d.attrs.OnWrite(model.AttrProgramTrackTable, d.writeTable)
	return d
}

// Mode returns the current dish mode.
func (d *Dish) Mode() model.DishMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// PointingState returns the current pointing state.
func (d *Dish) PointingState() model.PointingState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pointing
}

// Band returns the configured receiver band.
func (d *Dish) Band() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.band
}

// ProgramTrackTable returns the last table written by the dish leaf.
func (d *Dish) ProgramTrackTable() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.table...)
}

func (d *Dish) setModeLocked(m model.DishMode) {
	d.mode = m
	d.attrs.Set(model.AttrDishMode, m)
	switch m {
	case model.DishModeOperate, model.DishModeConfig:
		d.setOpStateLocked(model.OpStateOn)
	case model.DishModeStandbyLP, model.DishModeStandbyFP:
		d.setOpStateLocked(model.OpStateStandby)
	case model.DishModeStow:
		d.setOpStateLocked(model.OpStateDisable)
	}
}

func (d *Dish) setPointingLocked(p model.PointingState) {
	d.pointing = p
	d.attrs.Set(model.AttrPointingState, p)
}

func (d *Dish) modeChange(cmd string, to model.DishMode, from []model.DishMode) handlerFunc {
	return func(ctx context.Context, _ any) (model.CommandResult, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.mode == to {
			return model.OK("", cmd+" is a no-op"), nil
		}
		if from != nil && !containsMode(from, d.mode) {
			return model.CommandResult{}, model.NotAllowed(cmd, d.mode)
		}
		d.gen++
		d.laterLocked(cmd, func() {
			d.setModeLocked(to)
			if to == model.DishModeOperate {
				d.setPointingLocked(model.PointingReady)
			} else {
				d.setPointingLocked(model.PointingNone)
			}
		})
		return model.Started("", ""), nil
	}
}

func (d *Dish) stow(ctx context.Context, _ any) (model.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.setPointingLocked(model.PointingNone)
	d.laterLocked(model.CmdSetStowMode, func() { d.setModeLocked(model.DishModeStow) })
	return model.Started("", ""), nil
}

func (d *Dish) configureBand(ctx context.Context, argin any) (model.CommandResult, error) {
	band, err := model.ArginString(argin)
	if err != nil || band == "" {
		return model.CommandResult{}, model.InvalidArgument("ConfigureBand needs a band")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != model.DishModeOperate && d.mode != model.DishModeStandbyFP {
		return model.CommandResult{}, model.NotAllowed(model.CmdConfigureBand, d.mode)
	}
	prev := d.mode
	d.setModeLocked(model.DishModeConfig)
	d.laterLocked(model.CmdConfigureBand, func() {
		d.band = band
		d.setModeLocked(prev)
	})
	return model.Started("", ""), nil
}

func (d *Dish) track(ctx context.Context, _ any) (model.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != model.DishModeOperate && d.mode != model.DishModeConfig {
		return model.CommandResult{}, model.NotAllowed(model.CmdTrack, d.mode)
	}
	d.setPointingLocked(model.PointingSlew)
	d.laterLocked(model.CmdTrack, func() {
		if d.mode == model.DishModeOperate || d.mode == model.DishModeConfig {
			d.setPointingLocked(model.PointingTrack)
		}
	})
	return model.Started("", ""), nil
}

func (d *Dish) trackStop(ctx context.Context, _ any) (model.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pointing != model.PointingTrack && d.pointing != model.PointingSlew {
		return model.OK("", "not tracking"), nil
	}
	d.gen++
	d.setPointingLocked(model.PointingReady)
	return model.OK("", ""), nil
}

func (d *Dish) writeDesired(ctx context.Context, v any) error {
	p, err := model.AsFloats(v)
	if err != nil {
		return err
	}
	if len(p) != 3 {
		return fmt.Errorf("%w: desiredPointing needs [timestamp, az, el], got %d values", model.ErrInvalidArgument, len(p))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attrs.Set(model.AttrAchievedPointing, append([]float64(nil), p...))
	return nil
}

func (d *Dish) writeTable(ctx context.Context, v any) error {
	t, err := model.AsFloats(v)
	if err != nil {
		return err
	}
	if len(t) == 0 || len(t)%3 != 0 {
		return fmt.Errorf("%w: programTrackTable length %d", model.ErrInvalidArgument, len(t))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table = append([]float64(nil), t...)
	return nil
}

func containsMode(list []model.DishMode, m model.DishMode) bool {
	for _, x := range list {
		if x == m {
			return true
		}
	}
	return false
}
