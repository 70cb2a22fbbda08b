package leaf

import (
	"context"

	"github.com/signalsfoundry/telescope-mc/model"
)

// MasterLeaf adapts an element master (correlator, science data processor or
// station beamformer controller).
type MasterLeaf struct {
	*base
}

// NewMasterLeaf builds a master leaf handling On, Off and Standby.
func NewMasterLeaf(cfg Config) *MasterLeaf {
	l := &MasterLeaf{base: newBase(cfg)}
	l.handle(model.CmdOn, l.opCommand(model.CmdOn, model.CmdOn, model.OpStateOn, model.OpStateOff, model.OpStateStandby))
	l.handle(model.CmdOff, l.opCommand(model.CmdOff, model.CmdOff, model.OpStateOff, model.OpStateOn))
	l.handle(model.CmdStandby, l.opCommand(model.CmdStandby, model.CmdStandby, model.OpStateStandby, model.OpStateOn, model.OpStateAlarm, model.OpStateOff))
	return l
}

// NewMCCSMasterLeaf additionally forwards station and beam allocations for a
// subarray to the station beamformer controller.
func NewMCCSMasterLeaf(cfg Config) *MasterLeaf {
	l := NewMasterLeaf(cfg)
	l.handle(model.CmdAssignResources, l.allocation(model.CmdAssignResources))
	l.handle(model.CmdReleaseResources, l.allocation(model.CmdReleaseResources))
	return l
}

// Start subscribes to the element's opState and health.
func (l *MasterLeaf) Start(ctx context.Context) error {
	return l.watchCommon(ctx)
}

func (l *MasterLeaf) allocation(cmd string) commandFunc {
	return func(ctx context.Context, id string, argin any) (model.CommandResult, error) {
		doc, err := jsonObject(argin)
		if err != nil {
			return model.CommandResult{}, err
		}
		var a struct {
			SubarrayID int `json:"subarray_id" validate:"required,min=1,max=16"`
		}
		if err := model.Decode(doc, &a); err != nil {
			return model.CommandResult{}, err
		}
		if err := l.checkAlive(ctx); err != nil {
			return model.CommandResult{}, err
		}
		return l.forward(ctx, id, cmd, doc, nil), nil
	}
}
