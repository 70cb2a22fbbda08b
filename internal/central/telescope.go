package central

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
)

// telescope switches every master leaf, subarray and dish leaf with childCmd.
// The command returns once the fan-out has started; the outcome is published
// on longRunningCommandResult.
func (n *Node) telescope(childCmd string, target model.OpState) commandFunc {
	return func(ctx context.Context, id string, _ any) (model.CommandResult, error) {
		n.mu.Lock()
		if n.opState == target {
			n.mu.Unlock()
			return model.OK(id, fmt.Sprintf("telescope already %s", target)), nil
		}
		n.opState = target
		n.mu.Unlock()
		n.attrs.Set(model.AttrOpState, target)

		targets := n.allClients()
		go func() {
			failed := n.fanOut(context.WithoutCancel(ctx), childCmd, nil, targets)
			if len(failed) > 0 {
				n.finish(id, model.ResultFailed, strings.Join(failed, "; "))
				return
			}
			n.finish(id, model.ResultOK, "")
		}()
		return model.Started(id, ""), nil
	}
}

// fanOut sends cmd to every target concurrently, at most n.limit at a time,
// and returns one line per child that refused or failed, in name order.
func (n *Node) fanOut(ctx context.Context, cmd string, argin any, targets []tango.Client) []string {
	ctx, span := observability.StartChildSpan(ctx, "central/fanout")
	defer span.End()
	n.log.Debug(ctx, "fan out", logging.String("command", cmd), logging.Int("children", len(targets)))

	var (
		mu     sync.Mutex
		failed []string
	)
	var g errgroup.Group
	g.SetLimit(n.limit)
	for _, c := range targets {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, n.timeout)
			defer cancel()
			if _, err := tango.CommandResultOf(cctx, c, cmd, argin); err != nil {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %v", c.Name(), err))
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		n.log.Warn(ctx, "fan out incomplete", logging.String("command", cmd), logging.Err(err))
	}
	sort.Strings(failed)
	return failed
}

// stow sends SetStowMode to the named dish leaves. Each leaf checks its own
// preconditions; the reply lists the dishes that could not be stowed.
func (n *Node) stow(ctx context.Context, id string, argin any) (model.CommandResult, error) {
	raw, err := model.AsStrings(argin)
	if err != nil {
		return model.CommandResult{}, err
	}
	ids, err := model.ParseReceptorIDs(raw)
	if err != nil {
		return model.CommandResult{}, err
	}
	if len(ids) == 0 {
		return model.CommandResult{}, model.InvalidArgument("StowAntennas needs at least one receptor")
	}
	targets := make([]tango.Client, 0, len(ids))
	for _, r := range ids {
		c, ok := n.dishes[r]
		if !ok {
			return model.CommandResult{}, model.InvalidArgument("receptor %s is not part of this telescope", r)
		}
		targets = append(targets, c)
	}
	if failed := n.fanOut(ctx, model.CmdSetStowMode, nil, targets); len(failed) > 0 {
		return model.CommandResult{Code: model.ResultFailed, Message: strings.Join(failed, "; "), CommandID: id}, nil
	}
	return model.OK(id, ""), nil
}
