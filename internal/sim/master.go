package sim

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
)

// Master simulates an element master device. It only tracks opState, except
// for the station beamformer master which also allocates resources to its
// subarrays.
type Master struct {
	*element
	subarray func(id int) tango.Client
}

// NewMaster creates a master in opState OFF.
func NewMaster(name string, opts Options) *Master {
	m := &Master{element: newElement(name, opts, model.OpStateOff)}
	m.opStateCommands()
	return m
}

// NewMCCSMaster creates a station beamformer master that forwards allocations
// to the subarray returned by subarray(id).
func NewMCCSMaster(name string, opts Options, subarray func(id int) tango.Client) *Master {
	m := NewMaster(name, opts)
	m.subarray = subarray
	m.handle(model.CmdAssignResources, m.allocate)
	m.handle(model.CmdReleaseResources, m.release)
	return m
}

type allocation struct {
	SubarrayID int `json:"subarray_id" validate:"required,min=1,max=16"`
}

func (m *Master) target(argin any) (tango.Client, string, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return nil, "", model.InvalidArgument("%v", err)
	}
	var a allocation
	if err := model.Decode(doc, &a); err != nil {
		return nil, "", err
	}
	if m.OpState() != model.OpStateOn {
		return nil, "", fmt.Errorf("%w: %s is %s", model.ErrCommandNotAllowed, m.name, m.OpState())
	}
	return m.subarray(a.SubarrayID), doc, nil
}

func (m *Master) allocate(ctx context.Context, argin any) (model.CommandResult, error) {
	sub, doc, err := m.target(argin)
	if err != nil {
		return model.CommandResult{}, err
	}
	return tango.CommandResultOf(ctx, sub, model.CmdAssignResources, doc)
}

func (m *Master) release(ctx context.Context, argin any) (model.CommandResult, error) {
	sub, _, err := m.target(argin)
	if err != nil {
		return model.CommandResult{}, err
	}
	return tango.CommandResultOf(ctx, sub, model.CmdReleaseAllResources, nil)
}
