package central

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
)

// assign resolves receptor ownership, forwards the allocation to the target
// subarray and, when an mccs block is present, hands the station allocation
// to the MCCS master. The reply carries the success and fail lists.
func (n *Node) assign(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return model.CommandResult{}, model.InvalidArgument("%v", err)
	}
	var req model.AssignResourcesRequest
	if err := model.Decode(doc, &req); err != nil {
		return model.CommandResult{}, err
	}
	if err := n.requireOn(model.CmdAssignResources); err != nil {
		return model.CommandResult{}, err
	}
	sub, ok := n.subarrays[req.SubarrayID]
	if !ok {
		return model.CommandResult{}, model.InvalidArgument("no subarray %d", req.SubarrayID)
	}
	requested, err := model.ParseReceptorIDs(req.Dish.ReceptorIDs)
	if err != nil {
		return model.CommandResult{}, err
	}
	if len(req.MCCS) > 0 && n.mccs == nil {
		return model.CommandResult{}, model.InvalidArgument("mccs block given but no MCCS master is configured")
	}

	n.mu.Lock()
	if n.inFlight[req.SubarrayID] {
		n.mu.Unlock()
		return model.CommandResult{}, fmt.Errorf("%w: an allocation for subarray %d is in progress", model.ErrCommandNotAllowed, req.SubarrayID)
	}
	n.inFlight[req.SubarrayID] = true
	n.mu.Unlock()

	result := model.AssignResult{Success: []string{}, Fail: []string{}}
	var known []model.ReceptorID
	for _, r := range requested {
		if _, ok := n.dishes[r]; ok {
			known = append(known, r)
		} else {
			result.Fail = append(result.Fail, string(r))
		}
	}
	before := n.owners.Assigned(req.SubarrayID)
	claimed, conflicts := n.owners.Claim(req.SubarrayID, known)
	for _, r := range conflicts {
		result.Fail = append(result.Fail, string(r))
	}
	result.Success = model.ReceptorStrings(claimed)

	done := func() {
		n.mu.Lock()
		delete(n.inFlight, req.SubarrayID)
		n.mu.Unlock()
	}
	if len(claimed) == 0 {
		done()
		result.Message = "no requested receptor is available"
		for _, r := range conflicts {
			owner, _ := n.owners.Owner(r)
			n.log.Info(ctx, "receptor already allocated", logging.String("receptor", string(r)), logging.Int("owner", owner))
		}
		return model.CommandResult{Code: model.ResultFailed, Message: model.MustEncode(result), CommandID: id}, nil
	}
	rollback := func() {
		fresh := difference(claimed, before)
		n.owners.Release(req.SubarrayID, fresh)
		done()
	}

	fwd := model.SubarrayAssignRequest{
		Interface:     req.Interface,
		TransactionID: req.TransactionID,
		Dish:          &model.DishAllocation{ReceptorIDs: result.Success},
		SDP:           req.SDP,
		MCCS:          req.MCCS,
	}
	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	res, err := tango.CommandResultOf(cctx, sub, model.CmdAssignResources, model.MustEncode(fwd))
	if err != nil {
		rollback()
		return model.CommandResult{}, fmt.Errorf("forward to %s: %w", sub.Name(), err)
	}
	if res.Code != model.ResultStarted {
		// The subarray finished synchronously: nothing new to wait for.
		done()
		return model.CommandResult{Code: res.Code, Message: model.MustEncode(result), CommandID: id}, nil
	}
	n.track(res.CommandID, forwarded{centralID: id, subarray: req.SubarrayID, cmd: model.CmdAssignResources})

	// The subarray is already waiting for its station beamformer subarray, so
	// the allocation can go out now.
	if len(req.MCCS) > 0 {
		alloc := model.CloneMap(req.MCCS)
		alloc["subarray_id"] = req.SubarrayID
		if _, err := tango.CommandResultOf(cctx, n.mccs, model.CmdAssignResources, model.MustEncode(alloc)); err != nil {
			n.log.Error(ctx, "station allocation failed", logging.Int("subarray", req.SubarrayID), logging.Err(err))
			result.Message = fmt.Sprintf("mccs allocation failed: %v", err)
		} else {
			n.mu.Lock()
			n.mccsOwners[req.SubarrayID] = true
			n.mu.Unlock()
		}
	}
	return model.Started(id, model.MustEncode(result)), nil
}

// release frees all resources of one subarray. Partial release is refused.
func (n *Node) release(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return model.CommandResult{}, model.InvalidArgument("%v", err)
	}
	var req model.ReleaseResourcesRequest
	if err := model.Decode(doc, &req); err != nil {
		return model.CommandResult{}, err
	}
	if err := n.requireOn(model.CmdReleaseResources); err != nil {
		return model.CommandResult{}, err
	}
	sub, ok := n.subarrays[req.SubarrayID]
	if !ok {
		return model.CommandResult{}, model.InvalidArgument("no subarray %d", req.SubarrayID)
	}
	if !req.All() {
		return model.CommandResult{
			Code:      model.ResultRejected,
			Message:   "partial release is not supported; set release_all to true",
			CommandID: id,
		}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	res, err := tango.CommandResultOf(cctx, sub, model.CmdReleaseAllResources, nil)
	if err != nil {
		return model.CommandResult{}, fmt.Errorf("forward to %s: %w", sub.Name(), err)
	}

	n.mu.Lock()
	mccs := n.mccsOwners[req.SubarrayID]
	delete(n.mccsOwners, req.SubarrayID)
	n.mu.Unlock()
	if res.Code == model.ResultStarted {
		n.track(res.CommandID, forwarded{centralID: id, subarray: req.SubarrayID, cmd: model.CmdReleaseAllResources})
	}

	if mccs {
		alloc := map[string]any{"subarray_id": req.SubarrayID, "release_all": true}
		if _, err := tango.CommandResultOf(cctx, n.mccs, model.CmdReleaseResources, model.MustEncode(alloc)); err != nil {
			n.log.Warn(ctx, "station release failed", logging.Int("subarray", req.SubarrayID), logging.Err(err))
		}
	}
	if res.Code != model.ResultStarted {
		return model.CommandResult{Code: res.Code, Message: res.Message, CommandID: id}, nil
	}
	return model.Started(id, ""), nil
}

func difference(a, b []model.ReceptorID) []model.ReceptorID {
	skip := make(map[model.ReceptorID]bool, len(b))
	for _, r := range b {
		skip[r] = true
	}
	var out []model.ReceptorID
	for _, r := range a {
		if !skip[r] {
			out = append(out, r)
		}
	}
	return out
}
