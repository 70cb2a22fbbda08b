// Package central implements the central node: the single entry point that
// switches the telescope on and off, routes resource allocation to subarrays
// and keeps the receptor ownership table.
package central

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/telescope-mc/internal/aggregate"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/kb"
	"github.com/signalsfoundry/telescope-mc/model"
	"github.com/signalsfoundry/telescope-mc/timectrl"
)

// DefaultCommandTimeout bounds each synchronous call to a child.
const DefaultCommandTimeout = 10 * time.Second

const maxEarlyResults = 64

// Config lists the nodes the central node drives.
type Config struct {
	Name string

	// Masters are the CSP and SDP master leaf nodes.
	Masters []tango.Client
	// MCCSMaster is the station beamformer master leaf, if any.
	MCCSMaster tango.Client
	Subarrays  map[int]tango.Client
	Dishes     map[model.ReceptorID]tango.Client

	Ownership      *kb.Ownership
	Clock          timectrl.SimClock
	Log            logging.Logger
	Metrics        *observability.NodeCollector
	CommandTimeout time.Duration
	// FanOutLimit caps concurrent child calls during telescope commands.
	FanOutLimit int
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = timectrl.RealClock{}
	}
	if c.Log == nil {
		c.Log = logging.Noop()
	}
	if c.Ownership == nil {
		c.Ownership = kb.NewOwnership()
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.FanOutLimit <= 0 {
		c.FanOutLimit = 16
	}
}

type commandFunc func(ctx context.Context, id string, argin any) (model.CommandResult, error)

type subscription struct {
	client tango.Client
	id     tango.SubscriptionID
}

// forwarded links a command the central node issued to a subarray back to
// the central command that caused it.
type forwarded struct {
	centralID string
	subarray  int
	cmd       string
}

// Node is the central node. It implements tango.Device.
type Node struct {
	name    string
	log     logging.Logger
	attrs   *tango.Attributes
	metrics *observability.NodeCollector
	timeout time.Duration
	limit   int

	masters   []tango.Client
	mccs      tango.Client
	subarrays map[int]tango.Client
	dishes    map[model.ReceptorID]tango.Client
	owners    *kb.Ownership
	health    *aggregate.Aggregator[model.HealthState]

	commands map[string]commandFunc

	mu         sync.Mutex
	opState    model.OpState
	subs       []subscription
	forwards   map[string]forwarded
	inFlight   map[int]bool
	reported   map[int][]model.ReceptorID
	early      map[string][]string
	mccsOwners map[int]bool
	dropOwners func()
}

// New builds a central node in opState OFF.
func New(cfg Config) (*Node, error) {
	cfg.applyDefaults()
	if len(cfg.Subarrays) == 0 {
		return nil, errors.New("central: at least one subarray is required")
	}
	n := &Node{
		name:       cfg.Name,
		log:        cfg.Log.With(logging.String("node", cfg.Name)),
		attrs:      tango.NewAttributes(cfg.Name, cfg.Clock, cfg.Log),
		metrics:    cfg.Metrics,
		timeout:    cfg.CommandTimeout,
		limit:      cfg.FanOutLimit,
		masters:    cfg.Masters,
		mccs:       cfg.MCCSMaster,
		subarrays:  cfg.Subarrays,
		dishes:     cfg.Dishes,
		owners:     cfg.Ownership,
		commands:   make(map[string]commandFunc),
		opState:    model.OpStateOff,
		forwards:   make(map[string]forwarded),
		inFlight:   make(map[int]bool),
		reported:   make(map[int][]model.ReceptorID),
		early:      make(map[string][]string),
		mccsOwners: make(map[int]bool),
	}
	n.health = aggregate.NewAggregator(aggregate.WorstHealth, model.HealthUnknown, func(h model.HealthState) {
		n.attrs.Set(model.AttrHealthState, h)
		n.metrics.SetHealthState(n.name, int(h))
	})
	n.health.Expect(n.children()...)

	n.attrs.Set(model.AttrOpState, model.OpStateOff)
	n.attrs.Set(model.AttrHealthState, model.HealthUnknown)
	n.attrs.Set(model.AttrActivityMessage, "")
	n.attrs.Set(model.AttrReceptorOwnership, "{}")
	n.attrs.OnPublish = func(attr string) { n.metrics.IncEvent(n.name, attr) }

	n.handle(model.CmdStartUpTelescope, n.telescope(model.CmdOn, model.OpStateOn))
	n.handle(model.CmdTelescopeOn, n.telescope(model.CmdOn, model.OpStateOn))
	n.handle(model.CmdStandByTelescope, n.telescope(model.CmdStandby, model.OpStateStandby))
	n.handle(model.CmdTelescopeOff, n.telescope(model.CmdOff, model.OpStateOff))
	n.handle(model.CmdAssignResources, n.assign)
	n.handle(model.CmdReleaseResources, n.release)
	n.handle(model.CmdStowAntennas, n.stow)
	return n, nil
}

func (n *Node) Name() string                  { return n.name }
func (n *Node) Attributes() *tango.Attributes { return n.attrs }

func (n *Node) handle(cmd string, fn commandFunc) { n.commands[cmd] = fn }

// children names every node whose health feeds the telescope health.
func (n *Node) children() []string {
	var out []string
	for _, c := range n.allClients() {
		out = append(out, c.Name())
	}
	return out
}

func (n *Node) allClients() []tango.Client {
	out := append([]tango.Client(nil), n.masters...)
	if n.mccs != nil {
		out = append(out, n.mccs)
	}
	for _, id := range n.subarrayIDs() {
		out = append(out, n.subarrays[id])
	}
	for _, id := range n.dishIDs() {
		out = append(out, n.dishes[id])
	}
	return out
}

func (n *Node) subarrayIDs() []int {
	ids := make([]int, 0, len(n.subarrays))
	for id := range n.subarrays {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (n *Node) dishIDs() []model.ReceptorID {
	ids := make([]model.ReceptorID, 0, len(n.dishes))
	for id := range n.dishes {
		ids = append(ids, id)
	}
	return model.SortReceptors(ids)
}

// Start subscribes to child health, to each subarray's receptor list and
// command results, and to the ownership table.
func (n *Node) Start(ctx context.Context) error {
	n.dropOwners = n.owners.Subscribe(func(kb.Event) { n.publishOwnership() })
	n.publishOwnership()

	for _, c := range n.allClients() {
		if err := n.subscribe(ctx, c, model.AttrHealthState, func(ev tango.Event) {
			if ev.Err != nil {
				n.health.Invalidate(c.Name())
				return
			}
			if h, ok := model.AsHealthState(ev.Value); ok {
				n.health.Update(c.Name(), h)
			}
		}); err != nil {
			return err
		}
	}
	for _, id := range n.subarrayIDs() {
		c := n.subarrays[id]
		if err := n.subscribe(ctx, c, model.AttrReceptorIDList, func(ev tango.Event) { n.onReceptors(id, ev) }); err != nil {
			return err
		}
		if err := n.subscribe(ctx, c, model.AttrObsState, func(ev tango.Event) { n.onSubarrayObs(id, ev) }); err != nil {
			return err
		}
		if err := n.subscribe(ctx, c, model.AttrLongRunningCommandResult, func(ev tango.Event) { n.onSubarrayResult(ev) }); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) subscribe(ctx context.Context, c tango.Client, attr string, fn func(tango.Event)) error {
	id, err := c.Subscribe(ctx, attr, fn)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", c.Name(), attr, err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, subscription{client: c, id: id})
	n.mu.Unlock()
	return nil
}

// Close drops every subscription.
func (n *Node) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	drop := n.dropOwners
	n.dropOwners = nil
	n.mu.Unlock()
	for _, s := range subs {
		s.client.Unsubscribe(s.id)
	}
	if drop != nil {
		drop()
	}
}

// OpState returns the telescope opState as last commanded.
func (n *Node) OpState() model.OpState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opState
}

// Ownership returns the receptor ownership table.
func (n *Node) Ownership() *kb.Ownership { return n.owners }

// Health returns the aggregated telescope health.
func (n *Node) Health() model.HealthState {
	h, _ := n.health.Value()
	return h
}

// Execute implements tango.Device.
func (n *Node) Execute(ctx context.Context, cmd string, argin any) (any, error) {
	fn, ok := n.commands[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no command %q", model.ErrInvalidArgument, n.name, cmd)
	}
	id := model.NewCommandID(cmd)
	ctx = logging.ContextWithRequestID(ctx, id)
	ctx, span := observability.StartCommandSpan(ctx, n.name, cmd, id)
	defer span.End()

	begin := time.Now()
	res, err := fn(ctx, id, argin)
	if err != nil {
		span.RecordError(err)
		res = model.ResultFromError(err, id)
	}
	if res.CommandID == "" {
		res.CommandID = id
	}
	n.metrics.ObserveCommand(n.name, cmd, res.Code.String(), time.Since(begin))

	fields := append(logging.Command(cmd, id), logging.String("result", res.Code.String()))
	if err != nil {
		n.log.Warn(ctx, "command refused", append(fields, logging.Err(err))...)
		n.attrs.Set(model.AttrActivityMessage, fmt.Sprintf("%s refused: %v", cmd, err))
		return nil, err
	}
	n.log.Info(ctx, "command accepted", fields...)
	n.attrs.Set(model.AttrActivityMessage, fmt.Sprintf("%s %s", cmd, res.Code))
	return res, nil
}

func (n *Node) finish(id string, code model.ResultCode, msg string) {
	n.attrs.Push(model.AttrLongRunningCommandResult, []string{id, code.String(), msg})
}

func (n *Node) requireOn(cmd string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.opState != model.OpStateOn {
		return fmt.Errorf("%w: %s needs the telescope ON, it is %s", model.ErrCommandNotAllowed, cmd, n.opState)
	}
	return nil
}

func (n *Node) publishOwnership() {
	snap := n.owners.Snapshot()
	table := make(map[string]int, len(snap))
	for id, sub := range snap {
		table[string(id)] = sub
	}
	n.attrs.Set(model.AttrReceptorOwnership, model.MustEncode(table))
}

// onReceptors follows what a subarray reports about itself, so receptors
// freed by Restart or ReleaseAllResources return to the pool.
func (n *Node) onReceptors(sub int, ev tango.Event) {
	if ev.Err != nil {
		return
	}
	vals, err := model.AsStrings(ev.Value)
	if err != nil {
		return
	}
	keep, err := model.ParseReceptorIDs(vals)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.reported[sub] = keep
	busy := n.inFlight[sub]
	n.mu.Unlock()
	if busy {
		return
	}
	if released := n.owners.Retain(sub, keep); len(released) > 0 {
		n.log.Info(context.Background(), "receptors returned to the pool",
			logging.Int("subarray", sub), logging.Any("receptors", released))
	}
}

// onSubarrayObs releases everything a subarray owned once it is EMPTY and no
// allocation for it is in progress.
func (n *Node) onSubarrayObs(sub int, ev tango.Event) {
	if ev.Err != nil {
		return
	}
	s, ok := model.AsObsState(ev.Value)
	if !ok || s != model.ObsStateEmpty {
		return
	}
	n.mu.Lock()
	busy := n.inFlight[sub]
	if !busy {
		delete(n.mccsOwners, sub)
	}
	n.mu.Unlock()
	if !busy {
		n.owners.ReleaseAll(sub)
	}
}

// onSubarrayResult completes central commands once the subarray reports the
// outcome of the command they were forwarded as. A result that arrives before
// the forward is registered is parked until it is.
func (n *Node) onSubarrayResult(ev tango.Event) {
	if ev.Err != nil {
		return
	}
	vals, err := model.AsStrings(ev.Value)
	if err != nil || len(vals) < 2 {
		return
	}
	n.mu.Lock()
	f, ok := n.forwards[vals[0]]
	if !ok {
		if len(n.early) >= maxEarlyResults {
			n.early = make(map[string][]string)
		}
		n.early[vals[0]] = vals
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.complete(vals[0], f, vals)
}

// track registers a forwarded command and completes it at once if its
// result is already known.
func (n *Node) track(subCmdID string, f forwarded) {
	n.mu.Lock()
	n.forwards[subCmdID] = f
	vals, early := n.early[subCmdID]
	delete(n.early, subCmdID)
	n.mu.Unlock()
	if early {
		n.complete(subCmdID, f, vals)
	}
}

func (n *Node) complete(subCmdID string, f forwarded, vals []string) {
	n.mu.Lock()
	if _, live := n.forwards[subCmdID]; !live {
		n.mu.Unlock()
		return
	}
	delete(n.forwards, subCmdID)
	delete(n.inFlight, f.subarray)
	keep := n.reported[f.subarray]
	n.mu.Unlock()

	code, err := model.ParseResultCode(vals[1])
	if err != nil {
		code = model.ResultFailed
	}
	msg := ""
	if len(vals) > 2 {
		msg = vals[2]
	}
	if code != model.ResultOK && f.cmd == model.CmdAssignResources {
		// Claims the subarray never took up go back to the pool.
		released := n.owners.Retain(f.subarray, keep)
		n.log.Warn(context.Background(), "subarray allocation did not complete",
			logging.Int("subarray", f.subarray), logging.String("result", code.String()),
			logging.String("message", msg), logging.Any("released", released))
	}
	n.finish(f.centralID, code, msg)
}
