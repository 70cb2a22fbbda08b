package subarray

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/telescope-mc/internal/aggregate"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/model"
)

// gateLocked checks that cmd may start now: no other command is waiting for
// its children, the machine accepts the command's event and, for resource
// and observation commands, the node is ON.
func (n *Node) gateLocked(cmd string, needOn bool) error {
	state := n.obsLocked()
	if n.active != nil {
		return fmt.Errorf("%w: %s is not allowed while %s is in progress (%s)", model.ErrCommandNotAllowed, cmd, n.active.cmd, state)
	}
	ev, ok := commandEvents[cmd]
	if !ok {
		ev = commitEvents[cmd]
	}
	if !n.machine.Can(ev) {
		return model.NotAllowed(cmd, state)
	}
	if needOn && n.opState != model.OpStateOn {
		return fmt.Errorf("%w: %s needs opState ON, node is %s", model.ErrCommandNotAllowed, cmd, n.opState)
	}
	return nil
}

func (n *Node) fanoutSpan(ctx context.Context, cmd string, children int) func() {
	_, span := observability.StartChildSpan(ctx, "subarray/fanout")
	n.log.Debug(ctx, "fan out", logging.String("command", cmd), logging.Int("children", children))
	return func() { span.End() }
}

func (n *Node) assign(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return model.CommandResult{}, model.InvalidArgument("%v", err)
	}
	var req model.SubarrayAssignRequest
	if err := model.Decode(doc, &req); err != nil {
		return model.CommandResult{}, err
	}
	ids, err := model.ParseReceptorIDs(req.Dish.ReceptorIDs)
	if err != nil {
		return model.CommandResult{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.gateLocked(model.CmdAssignResources, true); err != nil {
		return model.CommandResult{}, err
	}

	result := model.AssignResult{Success: []string{}, Fail: []string{}}
	var added []model.ReceptorID
	newDishes := make(map[model.ReceptorID]*child)
	for _, r := range ids {
		if n.receptors.Contains(r) {
			result.Success = append(result.Success, string(r))
			continue
		}
		client, ok := n.resolve(r)
		if !ok {
			result.Fail = append(result.Fail, string(r))
			continue
		}
		added = append(added, r)
		newDishes[r] = &child{name: client.Name(), client: client}
		result.Success = append(result.Success, string(r))
	}
	if len(added) == 0 && !req.HasSDP() && !req.HasMCCS() {
		if len(result.Success) > 0 {
			return model.OK(id, model.MustEncode(result)), nil
		}
		result.Message = "no receptor could be assigned"
		return model.CommandResult{Code: model.ResultFailed, Message: model.MustEncode(result), CommandID: id}, nil
	}
	for r, d := range newDishes {
		if err := n.watchDish(ctx, d); err != nil {
			n.unwatch(d)
			return model.CommandResult{}, fmt.Errorf("%w: %v", model.ErrDeviceUnresponsive, err)
		}
		n.dishes[r] = d
	}

	gen := n.beginLocked()
	n.fireLocked(ctx, evAssign)
	p := &pending{id: id, cmd: model.CmdAssignResources, gen: gen}

	type send struct {
		c     *child
		argin any
	}
	var sends []send
	if len(added) > 0 {
		sends = append(sends, send{n.csp, model.MustEncode(map[string]any{
			"dish": map[string]any{"receptor_ids": model.ReceptorStrings(model.SortReceptors(added))},
		})})
	}
	if req.HasSDP() && n.sdp != nil {
		sends = append(sends, send{n.sdp, model.MustEncode(req.SDP)})
	}
	var conds []aggregate.Condition
	for _, s := range sends {
		conds = append(conds, obsCond(s.c, model.ObsStateIdle))
	}
	if req.HasMCCS() && n.mccs != nil {
		// The MCCS subarray is allocated through the MCCS master; only wait for it.
		conds = append(conds, obsCond(n.mccs, model.ObsStateIdle))
	}

	sdpBlock := req.SDP
	engage := make([]*child, 0, len(conds))
	for _, s := range sends {
		engage = append(engage, s.c)
	}
	if req.HasMCCS() && n.mccs != nil {
		engage = append(engage, n.mccs)
	}
	n.awaitLocked(ctx, p, conds, func() {
		for _, r := range added {
			n.receptors.Add(r)
		}
		for _, c := range engage {
			n.engaged[c] = true
		}
		if sdpBlock != nil {
			n.scanTypes = model.ScanTypeIDs(sdpBlock)
			n.attrs.Set(model.AttrSBID, executionBlock(sdpBlock))
		}
		n.publishResourcesLocked()
	})

	end := n.fanoutSpan(ctx, model.CmdAssignResources, len(sends))
	for _, s := range sends {
		n.issue(ctx, s.c, model.CmdAssignResources, s.argin, gen, true)
	}
	end()
	return model.Started(id, model.MustEncode(result)), nil
}

func executionBlock(sdp map[string]any) string {
	if eb, ok := sdp["eb_id"].(string); ok {
		return eb
	}
	if blk, ok := sdp["execution_block"].(map[string]any); ok {
		if eb, ok := blk["eb_id"].(string); ok {
			return eb
		}
	}
	return ""
}

func (n *Node) publishResourcesLocked() {
	ids := model.ReceptorStrings(model.SortReceptors(n.receptors.ToSlice()))
	n.attrs.Set(model.AttrReceptorIDList, ids)
	engaged := make([]string, 0, len(n.engaged))
	for _, c := range n.engagedLocked() {
		engaged = append(engaged, c.name)
	}
	n.attrs.Set(model.AttrAssigned, model.MustEncode(map[string]any{
		"receptor_ids": ids,
		"leaves":       engaged,
	}))
}

func (n *Node) release(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.gateLocked(model.CmdReleaseAllResources, true); err != nil {
		return model.CommandResult{}, err
	}
	gen := n.beginLocked()
	n.fireLocked(ctx, evRelease)
	p := &pending{id: id, cmd: model.CmdReleaseAllResources, gen: gen}

	var targets []*child
	for _, c := range n.engagedLocked() {
		if c != n.mccs {
			targets = append(targets, c)
		}
	}
	conds := make([]aggregate.Condition, 0, len(targets))
	for _, c := range targets {
		conds = append(conds, obsCond(c, model.ObsStateEmpty))
	}
	n.awaitLocked(ctx, p, conds, n.clearResourcesLocked)

	end := n.fanoutSpan(ctx, model.CmdReleaseAllResources, len(targets))
	for _, c := range targets {
		n.issue(ctx, c, model.CmdReleaseAllResources, nil, gen, true)
	}
	end()
	return model.Started(id, ""), nil
}

// clearResourcesLocked forgets every resource once the subarray is EMPTY
// and tears down the dish subscriptions.
func (n *Node) clearResourcesLocked() {
	for r, d := range n.dishes {
		n.unwatch(d)
		delete(n.dishes, r)
	}
	n.receptors.Clear()
	n.engaged = make(map[*child]bool)
	n.scanTypes = nil
	n.attrs.Set(model.AttrSBID, "")
	n.clearConfigurationLocked()
	n.publishResourcesLocked()
}

// clearConfigurationLocked drops the scan configuration and the last scan
// ID; the subarray needs a fresh Configure before it can scan again.
func (n *Node) clearConfigurationLocked() {
	n.scanDur = 0
	n.attrs.Set(model.AttrConfigurationID, "")
	n.attrs.Set(model.AttrScanID, int64(-1))
}

func (n *Node) configure(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return model.CommandResult{}, model.InvalidArgument("%v", err)
	}
	var req model.ConfigureRequest
	if err := model.Decode(doc, &req); err != nil {
		return model.CommandResult{}, err
	}
	if req.Pointing != nil {
		if req.Pointing.Target.Frame() == model.FrameICRS && (req.Pointing.Target.RA == "" || req.Pointing.Target.Dec == "") {
			return model.CommandResult{}, model.InvalidArgument("pointing.target needs ra and dec")
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.gateLocked(model.CmdConfigure, true); err != nil {
		return model.CommandResult{}, err
	}
	if req.SDP != nil && len(n.scanTypes) > 0 && !contains(n.scanTypes, req.SDP.ScanType) {
		return model.CommandResult{}, model.InvalidArgument("scan_type %q was not declared at AssignResources (have %v)", req.SDP.ScanType, n.scanTypes)
	}

	type send struct {
		c     *child
		argin any
		cond  *aggregate.Condition
		track bool
	}
	var sends []send
	withCond := func(c aggregate.Condition) *aggregate.Condition { return &c }

	if req.CSP != nil && n.engaged[n.csp] {
		csp := model.CloneMap(req.CSP)
		if req.Pointing != nil {
			csp["pointing"] = req.Pointing
		}
		sends = append(sends, send{n.csp, model.MustEncode(csp), withCond(obsCond(n.csp, model.ObsStateReady)), true})
	}
	if req.SDP != nil && n.sdp != nil && n.engaged[n.sdp] {
		sdp := map[string]any{"scan_type": req.SDP.ScanType}
		if req.Interface != "" {
			sdp["interface"] = req.Interface
		}
		sends = append(sends, send{n.sdp, model.MustEncode(sdp), withCond(obsCond(n.sdp, model.ObsStateReady)), true})
	}
	if req.MCCS != nil && n.mccs != nil && n.engaged[n.mccs] {
		sends = append(sends, send{n.mccs, model.MustEncode(req.MCCS), withCond(obsCond(n.mccs, model.ObsStateReady)), true})
	}
	if req.Pointing != nil || req.Dish != nil {
		dishDoc := map[string]any{}
		if req.Pointing != nil {
			dishDoc["pointing"] = req.Pointing
		}
		if req.Dish != nil {
			dishDoc["dish"] = req.Dish
		}
		for _, d := range n.dishListLocked() {
			var cond *aggregate.Condition
			if req.Pointing != nil {
				cond = withCond(pointingCond(d, model.PointingTrack))
			}
			sends = append(sends, send{d, model.MustEncode(dishDoc), cond, true})
		}
	}
	if len(sends) == 0 {
		return model.CommandResult{}, model.InvalidArgument("Configure addresses no assigned subsystem")
	}

	gen := n.beginLocked()
	n.fireLocked(ctx, evConfigure)
	p := &pending{id: id, cmd: model.CmdConfigure, gen: gen}
	var conds []aggregate.Condition
	for _, s := range sends {
		if s.cond != nil {
			conds = append(conds, *s.cond)
		}
	}
	configID := ""
	if req.CSP != nil {
		configID = model.CSPConfigID(req.CSP)
	}
	var scanDur time.Duration
	if req.TMC != nil {
		scanDur = seconds(req.TMC.ScanDuration)
	}
	n.awaitLocked(ctx, p, conds, func() {
		n.scanDur = scanDur
		n.attrs.Set(model.AttrConfigurationID, configID)
	})

	end := n.fanoutSpan(ctx, model.CmdConfigure, len(sends))
	for _, s := range sends {
		n.issue(ctx, s.c, model.CmdConfigure, s.argin, gen, s.track)
	}
	end()
	return model.Started(id, ""), nil
}

func (n *Node) scan(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return model.CommandResult{}, model.InvalidArgument("%v", err)
	}
	var req model.ScanRequest
	if err := model.Decode(doc, &req); err != nil {
		return model.CommandResult{}, err
	}
	scanID := req.ID()
	if scanID < 0 {
		return model.CommandResult{}, model.InvalidArgument("Scan needs scan_id")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.gateLocked(model.CmdScan, true); err != nil {
		return model.CommandResult{}, err
	}
	dur := seconds(req.ScanDuration)
	if dur == 0 {
		dur = n.scanDur
	}

	gen := n.beginLocked()
	n.fireLocked(ctx, evScan)
	p := &pending{id: id, cmd: model.CmdScan, gen: gen}
	targets := n.engagedLocked()
	conds := make([]aggregate.Condition, 0, len(targets))
	for _, c := range targets {
		conds = append(conds, obsCond(c, model.ObsStateScanning))
	}
	n.attrs.Set(model.AttrScanID, scanID)
	n.awaitLocked(ctx, p, conds, func() {
		if dur > 0 {
			n.armScanTimerLocked(dur)
		}
	})

	argout := map[string]any{"scan_id": scanID}
	if req.Interface != "" {
		argout["interface"] = req.Interface
	}
	end := n.fanoutSpan(ctx, model.CmdScan, len(targets))
	for _, c := range targets {
		n.issue(ctx, c, model.CmdScan, model.MustEncode(argout), gen, true)
	}
	end()
	return model.Started(id, ""), nil
}

func (n *Node) armScanTimerLocked(d time.Duration) {
	n.cancelScanTimerLocked()
	gen := n.gen
	n.scanTimer = n.timers.After(d, func() {
		n.mu.Lock()
		live := gen == n.gen && n.obsLocked() == model.ObsStateScanning
		n.scanTimer = ""
		n.mu.Unlock()
		if !live {
			return
		}
		ctx := context.Background()
		n.log.Info(ctx, "scan duration elapsed, ending scan", logging.Duration("duration", d))
		if _, err := n.Execute(ctx, model.CmdEndScan, nil); err != nil {
			n.log.Warn(ctx, "timed EndScan refused", logging.Err(err))
		}
	})
}

func (n *Node) cancelScanTimerLocked() {
	if n.scanTimer != "" {
		n.timers.Cancel(n.scanTimer)
		n.scanTimer = ""
	}
}

func (n *Node) endScan(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil && n.obsLocked() == model.ObsStateReady {
		return model.OK(id, "not scanning"), nil
	}
	if err := n.gateLocked(model.CmdEndScan, true); err != nil {
		return model.CommandResult{}, err
	}
	n.cancelScanTimerLocked()
	gen := n.beginLocked()
	p := &pending{id: id, cmd: model.CmdEndScan, gen: gen}
	targets := n.engagedLocked()
	conds := make([]aggregate.Condition, 0, len(targets))
	for _, c := range targets {
		conds = append(conds, obsCond(c, model.ObsStateReady))
	}
	n.awaitLocked(ctx, p, conds, nil)
	for _, c := range targets {
		n.issue(ctx, c, model.CmdEndScan, nil, gen, true)
	}
	return model.Started(id, ""), nil
}

func (n *Node) end(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.gateLocked(model.CmdEnd, true); err != nil {
		return model.CommandResult{}, err
	}
	gen := n.beginLocked()
	p := &pending{id: id, cmd: model.CmdEnd, gen: gen}
	targets := n.engagedLocked()
	conds := make([]aggregate.Condition, 0, len(targets))
	for _, c := range targets {
		conds = append(conds, obsCond(c, model.ObsStateIdle))
	}
	n.awaitLocked(ctx, p, conds, n.clearConfigurationLocked)
	for _, c := range targets {
		n.issue(ctx, c, model.CmdEnd, nil, gen, true)
	}
	for _, d := range n.dishListLocked() {
		n.issue(ctx, d, model.CmdStopTrack, nil, gen, false)
	}
	return model.Started(id, ""), nil
}

var abortable = []model.ObsState{
	model.ObsStateIdle, model.ObsStateReady, model.ObsStateScanning,
	model.ObsStateConfiguring, model.ObsStateResetting,
}

// abort supersedes whatever is in flight: waiters and the scan timer are
// cancelled before Abort is fanned out.
func (n *Node) abort(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	n.mu.Lock()
	state := n.obsLocked()
	if !n.machine.Can(evAbort) {
		n.mu.Unlock()
		return model.CommandResult{}, model.NotAllowed(model.CmdAbort, state)
	}
	superseded := n.active
	n.active = nil
	gen := n.beginLocked()
	n.cancelScanTimerLocked()
	cancelled := n.waiters.CancelAll(model.ErrAborted)
	n.clearConfigurationLocked()
	n.fireLocked(ctx, evAbort)
	p := &pending{id: id, cmd: model.CmdAbort, gen: gen}

	var targets []*child
	for _, c := range n.leaves() {
		if s, ok := n.leafObs(c); ok && contains(abortable, s) {
			targets = append(targets, c)
		}
	}
	conds := make([]aggregate.Condition, 0, len(targets))
	for _, c := range targets {
		conds = append(conds, obsCond(c, model.ObsStateAborted))
	}
	n.awaitLocked(ctx, p, conds, nil)
	for _, c := range targets {
		n.issue(ctx, c, model.CmdAbort, nil, gen, true)
	}
	for _, d := range n.dishListLocked() {
		n.issue(ctx, d, model.CmdAbort, nil, gen, false)
	}
	n.mu.Unlock()

	n.log.Info(ctx, "abort fanned out", logging.Int("waiters_cancelled", cancelled), logging.Int("leaves", len(targets)))
	if superseded != nil {
		n.finish(superseded.id, model.ResultAborted, "aborted")
	}
	return model.Started(id, ""), nil
}

// obsReset returns ABORTED or FAULT to IDLE keeping the resources.
func (n *Node) obsReset(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	return n.recover(ctx, id, model.CmdObsReset, evObsReset, model.ObsStateIdle, n.clearConfigurationLocked)
}

// restart returns ABORTED or FAULT to EMPTY releasing the resources.
func (n *Node) restart(ctx context.Context, id string, _ any) (model.CommandResult, error) {
	return n.recover(ctx, id, model.CmdRestart, evRestart, model.ObsStateEmpty, n.clearResourcesLocked)
}

// recover drives every leaf to target. Leaves still in an abortable state
// are aborted first, so a FAULT raised by one leaf brings the others along.
func (n *Node) recover(ctx context.Context, id, cmd, event string, target model.ObsState, commit func()) (model.CommandResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.gateLocked(cmd, false); err != nil {
		return model.CommandResult{}, err
	}
	gen := n.beginLocked()
	n.cancelScanTimerLocked()
	n.fireLocked(ctx, event)
	p := &pending{id: id, cmd: cmd, gen: gen}

	type step struct {
		c         *child
		abortLeaf bool
	}
	var steps []step
	for _, c := range n.leaves() {
		s, ok := n.leafObs(c)
		switch {
		case !ok || s == target || s == model.ObsStateEmpty:
		case s == model.ObsStateAborted || s == model.ObsStateFault:
			steps = append(steps, step{c: c})
		case contains(abortable, s):
			steps = append(steps, step{c: c, abortLeaf: true})
		}
	}
	conds := make([]aggregate.Condition, 0, len(steps))
	for _, s := range steps {
		conds = append(conds, obsCond(s.c, target))
	}
	n.awaitLocked(ctx, p, conds, commit)

	for _, s := range steps {
		if !s.abortLeaf {
			n.issue(ctx, s.c, cmd, nil, gen, true)
			continue
		}
		c := s.c
		w := n.waiters.Track(n.board.Wait([]aggregate.Condition{obsCond(c, model.ObsStateAborted)}, n.timeout, nil))
		bg := context.WithoutCancel(ctx)
		w.OnDone(func(err error) {
			if err != nil {
				return
			}
			go func() {
				n.mu.Lock()
				live := gen == n.gen
				n.mu.Unlock()
				if live {
					n.issue(bg, c, cmd, nil, gen, true)
				}
			}()
		})
		n.issue(ctx, c, model.CmdAbort, nil, gen, true)
	}
	for _, d := range n.dishListLocked() {
		n.issue(ctx, d, model.CmdAbort, nil, gen, false)
	}
	return model.Started(id, ""), nil
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
