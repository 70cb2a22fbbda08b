// Package subarray implements the subarray node. It owns the obsState
// machine of one logical subarray, fans each observation command out to its
// leaf nodes and commits the transition once the leaves have converged.
package subarray

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/looplab/fsm"

	"github.com/signalsfoundry/telescope-mc/internal/aggregate"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/sched"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
	"github.com/signalsfoundry/telescope-mc/timectrl"
)

// DefaultCommandTimeout bounds how long a transition waits for its children.
const DefaultCommandTimeout = 30 * time.Second

// Config describes one subarray node and the leaf nodes it drives.
type Config struct {
	Name string
	ID   int

	// CSP and SDP are the subarray leaf nodes; MCCS is optional.
	CSP  tango.Client
	SDP  tango.Client
	MCCS tango.Client
	// Dish resolves the dish leaf node of a receptor.
	Dish func(model.ReceptorID) (tango.Client, bool)

	Scheduler      sched.EventScheduler
	Clock          timectrl.SimClock
	Log            logging.Logger
	Metrics        *observability.NodeCollector
	CommandTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = timectrl.RealClock{}
	}
	if c.Log == nil {
		c.Log = logging.Noop()
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
}

type commandFunc func(ctx context.Context, id string, argin any) (model.CommandResult, error)

// child is one leaf node the subarray watches.
type child struct {
	name    string
	client  tango.Client
	obsAttr string
	subs    []tango.SubscriptionID
}

// pending is the command whose children the subarray is waiting for.
type pending struct {
	id  string
	cmd string
	gen uint64
}

type issuedCommand struct {
	child string
	gen   uint64
}

// Node is a subarray node. It implements tango.Device.
type Node struct {
	name    string
	id      int
	log     logging.Logger
	attrs   *tango.Attributes
	metrics *observability.NodeCollector
	timeout time.Duration
	resolve func(model.ReceptorID) (tango.Client, bool)

	board   *aggregate.Board
	waiters *aggregate.WaiterSet
	timers  *sched.TimerGroup
	health  *aggregate.Aggregator[model.HealthState]

	commands map[string]commandFunc

	mu        sync.Mutex
	machine   *fsm.FSM
	opState   model.OpState
	gen       uint64
	active    *pending
	csp       *child
	sdp       *child
	mccs      *child
	dishes    map[model.ReceptorID]*child
	engaged   map[*child]bool
	receptors mapset.Set[model.ReceptorID]
	scanTypes []string
	scanDur   time.Duration
	scanTimer string
	issued    map[string]issuedCommand
	orphans   map[string]string
	history   []model.ObsState
}

// New builds a subarray node in EMPTY with opState OFF. Call Start to
// subscribe to the leaf nodes.
func New(cfg Config) (*Node, error) {
	cfg.applyDefaults()
	if cfg.CSP == nil {
		return nil, errors.New("subarray: a CSP subarray leaf is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("subarray: a scheduler is required")
	}
	if cfg.Dish == nil {
		cfg.Dish = func(model.ReceptorID) (tango.Client, bool) { return nil, false }
	}
	n := &Node{
		name:      cfg.Name,
		id:        cfg.ID,
		log:       cfg.Log.With(logging.String("node", cfg.Name)),
		attrs:     tango.NewAttributes(cfg.Name, cfg.Clock, cfg.Log),
		metrics:   cfg.Metrics,
		timeout:   cfg.CommandTimeout,
		resolve:   cfg.Dish,
		board:     aggregate.NewBoard(cfg.Scheduler),
		waiters:   aggregate.NewWaiterSet(),
		timers:    sched.NewTimerGroup(cfg.Scheduler),
		commands:  make(map[string]commandFunc),
		opState:   model.OpStateOff,
		dishes:    make(map[model.ReceptorID]*child),
		engaged:   make(map[*child]bool),
		receptors: mapset.NewSet[model.ReceptorID](),
		issued:    make(map[string]issuedCommand),
		orphans:   make(map[string]string),
		history:   []model.ObsState{model.ObsStateEmpty},
	}
	n.csp = &child{name: cfg.CSP.Name(), client: cfg.CSP, obsAttr: model.AttrCSPSubarrayObsState}
	if cfg.SDP != nil {
		n.sdp = &child{name: cfg.SDP.Name(), client: cfg.SDP, obsAttr: model.AttrSDPSubarrayObsState}
	}
	if cfg.MCCS != nil {
		n.mccs = &child{name: cfg.MCCS.Name(), client: cfg.MCCS, obsAttr: model.AttrMCCSSubarrayObsState}
	}
	n.health = aggregate.NewAggregator(aggregate.WorstHealth, model.HealthUnknown, func(h model.HealthState) {
		n.attrs.Set(model.AttrHealthState, h)
		n.metrics.SetHealthState(n.name, int(h))
	})
	n.machine = newMachine(n.entered)

	n.attrs.Set(model.AttrOpState, model.OpStateOff)
	n.attrs.Set(model.AttrHealthState, model.HealthUnknown)
	n.attrs.Set(model.AttrObsState, model.ObsStateEmpty)
	n.attrs.Set(model.AttrActivityMessage, "")
	n.attrs.Set(model.AttrReceptorIDList, []string{})
	n.attrs.Set(model.AttrAssigned, "")
	n.attrs.Set(model.AttrScanID, int64(-1))
	n.attrs.Set(model.AttrConfigurationID, "")
	n.attrs.Set(model.AttrSBID, "")
	n.attrs.OnPublish = func(attr string) { n.metrics.IncEvent(n.name, attr) }

	n.handle(model.CmdOn, n.opCommand(model.CmdOn, model.OpStateOn, model.OpStateOff, model.OpStateStandby))
	n.handle(model.CmdOff, n.opCommand(model.CmdOff, model.OpStateOff, model.OpStateOn))
	n.handle(model.CmdStandby, n.opCommand(model.CmdStandby, model.OpStateStandby, model.OpStateOn, model.OpStateOff))
	n.handle(model.CmdAssignResources, n.assign)
	n.handle(model.CmdReleaseAllResources, n.release)
	n.handle(model.CmdConfigure, n.configure)
	n.handle(model.CmdScan, n.scan)
	n.handle(model.CmdEndScan, n.endScan)
	n.handle(model.CmdEnd, n.end)
	n.handle(model.CmdAbort, n.abort)
	n.handle(model.CmdObsReset, n.obsReset)
	n.handle(model.CmdRestart, n.restart)
	return n, nil
}

func (n *Node) Name() string                  { return n.name }
func (n *Node) Attributes() *tango.Attributes { return n.attrs }

// ID returns the subarray number.
func (n *Node) ID() int { return n.id }

func (n *Node) handle(cmd string, fn commandFunc) { n.commands[cmd] = fn }

// Start subscribes to the subarray leaf nodes.
func (n *Node) Start(ctx context.Context) error {
	for _, c := range n.leaves() {
		if err := n.watchLeaf(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Close cancels timers and waiters and drops every subscription.
func (n *Node) Close() {
	n.mu.Lock()
	n.gen++
	n.active = nil
	children := n.leaves()
	for _, d := range n.dishes {
		children = append(children, d)
	}
	n.dishes = make(map[model.ReceptorID]*child)
	n.mu.Unlock()

	n.timers.CancelAll()
	n.waiters.CancelAll(model.ErrAborted)
	for _, c := range children {
		n.unwatch(c)
	}
}

// ObsState returns the current observation state.
func (n *Node) ObsState() model.ObsState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.obsLocked()
}

// OpState returns the node's operational state.
func (n *Node) OpState() model.OpState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opState
}

// Receptors returns the assigned receptors in id order.
func (n *Node) Receptors() []model.ReceptorID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return model.SortReceptors(n.receptors.ToSlice())
}

// History returns every obsState the node has entered, oldest first.
func (n *Node) History() []model.ObsState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.ObsState(nil), n.history...)
}

// Busy reports whether a command is waiting for its children.
func (n *Node) Busy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active != nil
}

// Execute implements tango.Device. Refusals are returned as errors; the
// completion of an accepted command is published on longRunningCommandResult.
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

func (n *Node) obsLocked() model.ObsState {
	s, err := model.ParseObsState(n.machine.Current())
	if err != nil {
		return model.ObsStateFault
	}
	return s
}

// entered runs inside the state machine on every transition.
func (n *Node) entered(from, to string) {
	s, err := model.ParseObsState(to)
	if err != nil {
		return
	}
	n.history = append(n.history, s)
	n.attrs.Set(model.AttrObsState, s)
	n.metrics.SetObsState(n.name, int(s))
	n.log.Debug(context.Background(), "obsState transition", logging.String("from", from), logging.String("to", to))
}

// fireLocked moves the state machine. The graph guarantees the event is
// legal when callers checked can first.
func (n *Node) fireLocked(ctx context.Context, event string) {
	if err := n.machine.Event(ctx, event); err != nil {
		var none fsm.NoTransitionError
		if !errors.As(err, &none) {
			n.log.Error(ctx, "illegal obsState event", logging.String("event", event), logging.Err(err))
		}
	}
}

func (n *Node) opCommand(cmd string, target model.OpState, allowed ...model.OpState) commandFunc {
	return func(ctx context.Context, id string, _ any) (model.CommandResult, error) {
		n.mu.Lock()
		if n.opState == target {
			n.mu.Unlock()
			return model.OK(id, fmt.Sprintf("%s already %s", n.name, target)), nil
		}
		ok := false
		for _, s := range allowed {
			ok = ok || s == n.opState
		}
		if !ok {
			s := n.opState
			n.mu.Unlock()
			return model.CommandResult{}, model.NotAllowed(cmd, s)
		}
		n.opState = target
		leaves := n.leaves()
		n.mu.Unlock()
		n.attrs.Set(model.AttrOpState, target)

		// The leaves follow on a best-effort basis; a leaf that cannot switch
		// shows up in its own opState and health.
		bg := context.WithoutCancel(ctx)
		for _, c := range leaves {
			c.client.CommandAsync(bg, cmd, nil, func(ev tango.CommandEvent) {
				if ev.Err {
					n.log.Warn(bg, "leaf did not follow opState change",
						logging.String("leaf", c.name), logging.String("command", cmd), logging.Any("errors", ev.Errors))
				}
			})
		}
		return model.OK(id, ""), nil
	}
}

// leaves returns the subarray leaf children that are configured.
func (n *Node) leaves() []*child {
	out := []*child{n.csp}
	if n.sdp != nil {
		out = append(out, n.sdp)
	}
	if n.mccs != nil {
		out = append(out, n.mccs)
	}
	return out
}

// engagedLocked returns the leaves holding resources, in a stable order.
func (n *Node) engagedLocked() []*child {
	var out []*child
	for _, c := range n.leaves() {
		if n.engaged[c] {
			out = append(out, c)
		}
	}
	return out
}

func (n *Node) dishListLocked() []*child {
	ids := model.SortReceptors(n.receptors.ToSlice())
	out := make([]*child, 0, len(ids))
	for _, id := range ids {
		if d, ok := n.dishes[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (n *Node) leafObs(c *child) (model.ObsState, bool) {
	v, ok := n.board.Get(aggregate.Key{Child: c.name, Attribute: c.obsAttr})
	if !ok {
		return model.ObsStateEmpty, false
	}
	s, err := model.ParseObsState(v)
	return s, err == nil
}

// checkChildrenLocked logs when the engaged leaves disagree with the state
// the subarray has just committed.
func (n *Node) checkChildrenLocked(ctx context.Context, want model.ObsState) {
	var vals []model.ObsState
	for _, c := range n.engagedLocked() {
		if s, ok := n.leafObs(c); ok {
			vals = append(vals, s)
		}
	}
	if len(vals) == 0 {
		return
	}
	if got, ok := aggregate.CommonObsState(vals); !ok || got != want {
		n.log.Warn(ctx, "leaf obsStates disagree with subarray", logging.String("subarray", want.String()), logging.Any("leaves", vals))
	}
}

func sortedNames(cs []*child) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.name
	}
	sort.Strings(out)
	return out
}
