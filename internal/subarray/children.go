package subarray

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/telescope-mc/internal/aggregate"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
)

func (n *Node) subscribe(ctx context.Context, c *child, attr string, fn func(tango.Event)) error {
	id, err := c.client.Subscribe(ctx, attr, fn)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", c.name, attr, err)
	}
	c.subs = append(c.subs, id)
	return nil
}

// watchLeaf follows a subarray leaf's mirrored obsState, health and
// command results.
func (n *Node) watchLeaf(ctx context.Context, c *child) error {
	if err := n.subscribe(ctx, c, c.obsAttr, func(ev tango.Event) { n.onObs(c, ev) }); err != nil {
		return err
	}
	if err := n.subscribe(ctx, c, model.AttrHealthState, func(ev tango.Event) { n.onHealth(c, ev) }); err != nil {
		return err
	}
	return n.subscribe(ctx, c, model.AttrLongRunningCommandResult, func(ev tango.Event) { n.onResult(c, ev) })
}

// watchDish follows a dish leaf's pointing state, health and command results.
func (n *Node) watchDish(ctx context.Context, c *child) error {
	if err := n.subscribe(ctx, c, model.AttrPointingState, func(ev tango.Event) {
		k := aggregate.Key{Child: c.name, Attribute: model.AttrPointingState}
		if ev.Err != nil {
			n.board.Set(k, model.PointingUnknown.String())
			return
		}
		if p, ok := model.AsPointingState(ev.Value); ok {
			n.board.Set(k, p.String())
		}
	}); err != nil {
		return err
	}
	if err := n.subscribe(ctx, c, model.AttrHealthState, func(ev tango.Event) { n.onHealth(c, ev) }); err != nil {
		return err
	}
	return n.subscribe(ctx, c, model.AttrLongRunningCommandResult, func(ev tango.Event) { n.onResult(c, ev) })
}

func (n *Node) unwatch(c *child) {
	for _, id := range c.subs {
		c.client.Unsubscribe(id)
	}
	c.subs = nil
	n.board.Forget(c.name)
	n.health.Forget(c.name)
}

func (n *Node) onObs(c *child, ev tango.Event) {
	k := aggregate.Key{Child: c.name, Attribute: c.obsAttr}
	if ev.Err != nil {
		n.board.Set(k, "UNKNOWN")
		return
	}
	s, ok := model.AsObsState(ev.Value)
	if !ok {
		return
	}
	n.board.Set(k, s.String())
	if s == model.ObsStateFault {
		n.childFault(c.name)
	}
}

func (n *Node) onHealth(c *child, ev tango.Event) {
	if ev.Err != nil {
		n.health.Invalidate(c.name)
		return
	}
	if h, ok := model.AsHealthState(ev.Value); ok {
		n.health.Update(c.name, h)
	}
}

// onResult inspects a child's longRunningCommandResult. Failures of commands
// this node issued fault the subarray; a failure that arrives before the
// command id is known is parked until it is.
func (n *Node) onResult(c *child, ev tango.Event) {
	if ev.Err != nil {
		return
	}
	vals, err := model.AsStrings(ev.Value)
	if err != nil || len(vals) < 2 || vals[1] != model.ResultFailed.String() {
		return
	}
	msg := ""
	if len(vals) > 2 {
		msg = vals[2]
	}
	n.mu.Lock()
	is, known := n.issued[vals[0]]
	if !known {
		n.orphans[vals[0]] = msg
	}
	n.mu.Unlock()
	if known {
		n.childFailed(c.name, msg, is.gen)
	}
}

// issue sends cmd to a child in the background. When track is set the
// child's outcome can fault the subarray.
func (n *Node) issue(ctx context.Context, c *child, cmd string, argin any, gen uint64, track bool) {
	ctx = context.WithoutCancel(ctx)
	c.client.CommandAsync(ctx, cmd, argin, func(ev tango.CommandEvent) {
		if msg, failed := failure(ev); failed {
			if track {
				n.childFailed(c.name, fmt.Sprintf("%s: %s", cmd, msg), gen)
			} else {
				n.log.Debug(ctx, "untracked child command failed",
					logging.String("child", c.name), logging.String("command", cmd), logging.String("error", msg))
			}
			return
		}
		res, ok := ev.Result()
		if !track || !ok || res.CommandID == "" {
			return
		}
		n.mu.Lock()
		n.issued[res.CommandID] = issuedCommand{child: c.name, gen: gen}
		msg, orphan := n.orphans[res.CommandID]
		delete(n.orphans, res.CommandID)
		n.mu.Unlock()
		if orphan {
			n.childFailed(c.name, fmt.Sprintf("%s: %s", cmd, msg), gen)
		}
	})
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

// childFailed faults the subarray for a failed child command of the current
// generation. Failures during abort and recovery from a fault are expected.
func (n *Node) childFailed(name, msg string, gen uint64) {
	n.mu.Lock()
	if gen != n.gen {
		n.mu.Unlock()
		return
	}
	switch n.obsLocked() {
	case model.ObsStateEmpty, model.ObsStateAborting, model.ObsStateAborted, model.ObsStateFault:
		n.mu.Unlock()
		return
	}
	reason := fmt.Sprintf("%s failed: %s", name, msg)
	p := n.faultLocked(context.Background(), reason)
	n.mu.Unlock()
	n.afterFault(p, reason)
}

// childFault faults the subarray when a leaf reports FAULT outside a
// transition that expects it.
func (n *Node) childFault(name string) {
	n.mu.Lock()
	switch n.obsLocked() {
	case model.ObsStateEmpty, model.ObsStateAborting, model.ObsStateAborted, model.ObsStateFault,
		model.ObsStateResetting, model.ObsStateRestarting:
		n.mu.Unlock()
		return
	}
	reason := name + " reported FAULT"
	p := n.faultLocked(context.Background(), reason)
	n.mu.Unlock()
	n.afterFault(p, reason)
}

// faultLocked enters FAULT, supersedes the active command and cancels every
// waiter and the scan timer. It returns the command that was superseded.
func (n *Node) faultLocked(ctx context.Context, reason string) *pending {
	n.gen++
	p := n.active
	n.active = nil
	n.cancelScanTimerLocked()
	n.waiters.CancelAll(model.ErrAborted)
	n.fireLocked(ctx, evFault)
	n.log.Warn(ctx, "subarray fault", logging.String("reason", reason))
	return p
}

func (n *Node) afterFault(p *pending, reason string) {
	n.attrs.Set(model.AttrActivityMessage, reason)
	if p != nil {
		n.finish(p.id, model.ResultFailed, reason)
	}
}

// failOnFault fails a waiter when a watched leaf reports FAULT.
func failOnFault(k aggregate.Key, value string) error {
	if k.Attribute != model.AttrPointingState && value == model.ObsStateFault.String() {
		return fmt.Errorf("%w: %s reported FAULT", model.ErrCommandFailed, k.Child)
	}
	return nil
}

// awaitLocked arms a waiter for p over conds. When it completes successfully
// commit runs under the node lock before the commit event fires, and the
// command is reported OK. Waiter hooks run on their own goroutine so that
// cancelling waiters under the node lock cannot deadlock.
func (n *Node) awaitLocked(ctx context.Context, p *pending, conds []aggregate.Condition, commit func()) *aggregate.Waiter {
	n.active = p
	w := n.waiters.Track(n.board.Wait(conds, n.timeout, failOnFault))
	ctx = context.WithoutCancel(ctx)
	w.OnDone(func(err error) { go n.settle(ctx, p, err, commit) })
	return w
}

func (n *Node) settle(ctx context.Context, p *pending, err error, commit func()) {
	n.mu.Lock()
	if p.gen != n.gen {
		n.mu.Unlock()
		return
	}
	n.active = nil
	if err != nil {
		reason := fmt.Sprintf("%s: %v", p.cmd, err)
		n.faultLocked(ctx, reason)
		n.mu.Unlock()
		n.afterFault(p, reason)
		return
	}
	if commit != nil {
		commit()
	}
	if ev, ok := commitEvents[p.cmd]; ok {
		n.fireLocked(ctx, ev)
	}
	n.checkChildrenLocked(ctx, n.obsLocked())
	n.mu.Unlock()
	n.finish(p.id, model.ResultOK, "")
}

// beginLocked opens a new command generation and forgets stale child
// command ids.
func (n *Node) beginLocked() uint64 {
	n.gen++
	for id, is := range n.issued {
		if is.gen < n.gen {
			delete(n.issued, id)
		}
	}
	n.orphans = make(map[string]string)
	return n.gen
}

func obsCond(c *child, s model.ObsState) aggregate.Condition {
	return aggregate.Condition{Key: aggregate.Key{Child: c.name, Attribute: c.obsAttr}, Expected: s.String()}
}

func pointingCond(c *child, p model.PointingState) aggregate.Condition {
	return aggregate.Condition{Key: aggregate.Key{Child: c.name, Attribute: model.AttrPointingState}, Expected: p.String()}
}
