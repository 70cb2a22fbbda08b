package subarray

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/signalsfoundry/telescope-mc/model"
)

// Machine events. Command events enter a state, commit events leave a
// transient once the children have converged.
const (
	evAssign     = "assign"
	evAssigned   = "assigned"
	evRelease    = "release"
	evReleased   = "released"
	evConfigure  = "configure"
	evConfigured = "configured"
	evScan       = "scan"
	evEndScan    = "end_scan"
	evEnd        = "end"
	evAbort      = "abort"
	evAborted    = "aborted"
	evObsReset   = "obs_reset"
	evReset      = "reset"
	evRestart    = "restart"
	evRestarted  = "restarted"
	evFault      = "fault"
)

func st(states ...model.ObsState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

// obsEvents is the subarray obsState graph.
var obsEvents = fsm.Events{
	{Name: evAssign, Src: st(model.ObsStateEmpty, model.ObsStateIdle), Dst: model.ObsStateResourcing.String()},
	{Name: evAssigned, Src: st(model.ObsStateResourcing), Dst: model.ObsStateIdle.String()},
	{Name: evRelease, Src: st(model.ObsStateIdle), Dst: model.ObsStateResourcing.String()},
	{Name: evReleased, Src: st(model.ObsStateResourcing), Dst: model.ObsStateEmpty.String()},
	{Name: evConfigure, Src: st(model.ObsStateIdle, model.ObsStateReady), Dst: model.ObsStateConfiguring.String()},
	{Name: evConfigured, Src: st(model.ObsStateConfiguring), Dst: model.ObsStateReady.String()},
	{Name: evScan, Src: st(model.ObsStateReady), Dst: model.ObsStateScanning.String()},
	{Name: evEndScan, Src: st(model.ObsStateScanning), Dst: model.ObsStateReady.String()},
	{Name: evEnd, Src: st(model.ObsStateReady), Dst: model.ObsStateIdle.String()},
	{Name: evAbort, Src: st(model.ObsStateIdle, model.ObsStateReady, model.ObsStateScanning,
		model.ObsStateConfiguring, model.ObsStateResetting), Dst: model.ObsStateAborting.String()},
	{Name: evAborted, Src: st(model.ObsStateAborting), Dst: model.ObsStateAborted.String()},
	{Name: evObsReset, Src: st(model.ObsStateAborted, model.ObsStateFault), Dst: model.ObsStateResetting.String()},
	{Name: evReset, Src: st(model.ObsStateResetting), Dst: model.ObsStateIdle.String()},
	{Name: evRestart, Src: st(model.ObsStateAborted, model.ObsStateFault), Dst: model.ObsStateRestarting.String()},
	{Name: evRestarted, Src: st(model.ObsStateRestarting), Dst: model.ObsStateEmpty.String()},
	{Name: evFault, Src: st(model.ObsStateResourcing, model.ObsStateIdle, model.ObsStateConfiguring,
		model.ObsStateReady, model.ObsStateScanning, model.ObsStateAborting, model.ObsStateResetting,
		model.ObsStateRestarting), Dst: model.ObsStateFault.String()},
}

// commandEvents maps an obsState command to the event it fires on entry.
var commandEvents = map[string]string{
	model.CmdAssignResources:     evAssign,
	model.CmdReleaseAllResources: evRelease,
	model.CmdConfigure:           evConfigure,
	model.CmdScan:                evScan,
	model.CmdAbort:               evAbort,
	model.CmdObsReset:            evObsReset,
	model.CmdRestart:             evRestart,
}

// commitEvents maps a command to the event that completes it, if any.
// EndScan and End have no transient: the subarray stays in SCANNING or
// READY until the children have converged.
var commitEvents = map[string]string{
	model.CmdAssignResources:     evAssigned,
	model.CmdEndScan:             evEndScan,
	model.CmdEnd:                 evEnd,
	model.CmdReleaseAllResources: evReleased,
	model.CmdConfigure:           evConfigured,
	model.CmdAbort:               evAborted,
	model.CmdObsReset:            evReset,
	model.CmdRestart:             evRestarted,
}

func newMachine(onEnter func(from, to string)) *fsm.FSM {
	return fsm.NewFSM(model.ObsStateEmpty.String(), obsEvents, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) { onEnter(e.Src, e.Dst) },
	})
}
