// Package deploy assembles a complete in-process control system from a
// config.Config: simulated elements, leaf nodes, subarray nodes and the
// central node, all registered in one tango.Registry.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/internal/central"
	"github.com/signalsfoundry/telescope-mc/internal/config"
	"github.com/signalsfoundry/telescope-mc/internal/leaf"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/pointing"
	"github.com/signalsfoundry/telescope-mc/internal/sched"
	"github.com/signalsfoundry/telescope-mc/internal/sim"
	"github.com/signalsfoundry/telescope-mc/internal/subarray"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/kb"
	"github.com/signalsfoundry/telescope-mc/model"
	"github.com/signalsfoundry/telescope-mc/timectrl"
)

// Options carries the process-wide collaborators of a deployment. Only
// Config is required. Without a Scheduler the deployment runs its own
// real-time TimeController that pumps due timers every Timing.Tick.
type Options struct {
	Config config.Config

	Log       logging.Logger
	Clock     timectrl.SimClock
	Scheduler sched.EventScheduler
	Metrics   *observability.NodeCollector
	Timing    *observability.TimingCollector
}

// Elements are the simulated devices of one subarray.
type Elements struct {
	CSP  *sim.Subarray
	SDP  *sim.Subarray
	MCCS *sim.Subarray
}

// Leaves are the subarray leaf nodes of one subarray. MCCS is nil unless
// the deployment has stations.
type Leaves struct {
	CSP  *leaf.SubarrayLeaf
	SDP  *leaf.SubarrayLeaf
	MCCS *leaf.SubarrayLeaf
}

type lifecycle interface {
	Start(context.Context) error
	Close()
}

// Deployment is a wired, registered control system.
type Deployment struct {
	Config    config.Config
	Registry  *tango.Registry
	Layout    *kb.Layout
	Ownership *kb.Ownership
	Scheduler sched.EventScheduler

	Central    *central.Node
	Subarrays  map[int]*subarray.Node
	Leaves     map[int]Leaves
	DishLeaves map[model.ReceptorID]*leaf.DishLeaf

	Dishes     map[model.ReceptorID]*sim.Dish
	Elements   map[int]Elements
	CSPMaster  *sim.Master
	SDPMaster  *sim.Master
	MCCSMaster *sim.Master

	log     logging.Logger
	nodes   []lifecycle
	started []lifecycle

	ticker     *timectrl.TimeController
	stopTicker context.CancelFunc
	tickerDone <-chan struct{}
}

// Build creates and registers every device. Nothing runs until Start.
func Build(opts Options) (*Deployment, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = logging.Noop()
	}
	var ticker *timectrl.TimeController
	if opts.Scheduler == nil {
		ticker = timectrl.NewTimeController(time.Now().UTC(), cfg.Timing.Tick, timectrl.RealTime)
		s := sched.NewEventScheduler(ticker)
		ticker.AddListener(func(time.Time) { s.RunDue() })
		opts.Clock, opts.Scheduler = ticker, s
	}
	if opts.Clock == nil {
		opts.Clock = opts.Scheduler
	}

	d := &Deployment{
		Config:     cfg,
		Registry:   tango.NewRegistry(tango.WithTimeout(cfg.Timing.ResponseTimeout), tango.WithLogger(opts.Log)),
		Layout:     kb.NewLayout(cfg.Site),
		Ownership:  kb.NewOwnership(),
		Scheduler:  opts.Scheduler,
		Subarrays:  make(map[int]*subarray.Node),
		DishLeaves: make(map[model.ReceptorID]*leaf.DishLeaf),
		Dishes:     make(map[model.ReceptorID]*sim.Dish),
		Elements:   make(map[int]Elements),
		Leaves:     make(map[int]Leaves),
		log:        opts.Log,
		ticker:     ticker,
	}
	for _, r := range cfg.Receptors {
		id, err := model.ParseReceptorID(r.ID)
		if err != nil {
			return nil, err
		}
		if err := d.Layout.AddReceptor(kb.Receptor{
			ID:              id,
			Location:        r.Location,
			MinElevationDeg: r.MinElevationDeg,
			MaxElevationDeg: r.MaxElevationDeg,
		}); err != nil {
			return nil, err
		}
	}

	b := builder{d: d, opts: opts, cfg: &d.Config}
	if err := b.build(); err != nil {
		return nil, err
	}
	return d, nil
}

type builder struct {
	d    *Deployment
	opts Options
	cfg  *config.Config
	devs []tango.Device
}

func (b *builder) simOptions() sim.Options {
	return sim.Options{Latency: b.cfg.Timing.SimLatency, Clock: b.opts.Clock, Log: b.opts.Log}
}

func (b *builder) leafConfig(name, element string) leaf.Config {
	return leaf.Config{
		Name:            name,
		Element:         b.d.Registry.Client(element),
		Clock:           b.opts.Clock,
		Log:             b.opts.Log,
		Metrics:         b.opts.Metrics,
		ResponseTimeout: b.cfg.Timing.ResponseTimeout,
	}
}

func (b *builder) add(dev tango.Device) {
	b.devs = append(b.devs, dev)
	if n, ok := dev.(lifecycle); ok {
		b.d.nodes = append(b.d.nodes, n)
	}
}

func (b *builder) build() error {
	cfg, d, reg := b.cfg, b.d, b.d.Registry
	p := cfg.Prefixes

	d.CSPMaster = sim.NewMaster(p.CSP+"control/0", b.simOptions())
	d.SDPMaster = sim.NewMaster(p.SDP+"control/0", b.simOptions())
	b.add(d.CSPMaster)
	b.add(d.SDPMaster)
	cspMasterLeaf := leaf.NewMasterLeaf(b.leafConfig(p.CSPMasterLeaf, d.CSPMaster.Name()))
	sdpMasterLeaf := leaf.NewMasterLeaf(b.leafConfig(p.SDPMasterLeaf, d.SDPMaster.Name()))
	b.add(cspMasterLeaf)
	b.add(sdpMasterLeaf)

	var mccsMasterLeaf *leaf.MasterLeaf
	if cfg.MCCS {
		d.MCCSMaster = sim.NewMCCSMaster(p.MCCS+"control/0", b.simOptions(), func(id int) tango.Client {
			return reg.Client(mccsSubarrayName(cfg, id))
		})
		b.add(d.MCCSMaster)
		mccsMasterLeaf = leaf.NewMCCSMasterLeaf(b.leafConfig(p.MCCSLeaf, d.MCCSMaster.Name()))
		b.add(mccsMasterLeaf)
	}

	delays := core.NewGeometricDelayModel(d.Layout.Reference(), d.Layout)
	delays.Validity = cfg.Timing.DelayValidity

	dishLeafNames := make(map[model.ReceptorID]string)
	for _, id := range d.Layout.IDs() {
		rec, _ := d.Layout.Receptor(id)
		dish := sim.NewDish(cfg.DishName(id), b.simOptions())
		dl := leaf.NewDishLeaf(leaf.DishLeafConfig{
			Config:        b.leafConfig(cfg.DishLeafName(id), dish.Name()),
			Receptor:      rec,
			Pointing:      pointing.Config{Refill: cfg.Timing.PointingCadence, Horizon: cfg.Timing.PointingHorizon},
			Converter:     core.SiderealConverter{},
			Timers:        sched.NewTimerGroup(d.Scheduler),
			TimingMetrics: b.opts.Timing,
		})
		d.Dishes[id] = dish
		d.DishLeaves[id] = dl
		dishLeafNames[id] = dl.Name()
		b.add(dish)
		b.add(dl)
	}
	resolveDish := func(id model.ReceptorID) (tango.Client, bool) {
		name, ok := dishLeafNames[id]
		if !ok {
			return nil, false
		}
		return reg.Client(name), true
	}

	subClients := make(map[int]tango.Client, len(cfg.Subarrays))
	for _, sid := range cfg.Subarrays {
		els := Elements{
			CSP: sim.NewSubarray(fmt.Sprintf("%ssubarray/%02d", p.CSP, sid), sim.CSPProfile, b.simOptions(), reg.Client),
			SDP: sim.NewSubarray(fmt.Sprintf("%ssubarray/%02d", p.SDP, sid), sim.SDPProfile, b.simOptions(), nil),
		}
		b.add(els.CSP)
		b.add(els.SDP)
		cspLeaf := leaf.NewSubarrayLeaf(leaf.SubarrayLeafConfig{
			Config:          b.leafConfig(fmt.Sprintf("%s%02d", p.CSPLeaf, sid), els.CSP.Name()),
			Kind:            leaf.KindCSP,
			DelayCalculator: delays,
			Timers:          sched.NewTimerGroup(d.Scheduler),
			DelayCadence:    cfg.Timing.DelayCadence,
			TimingMetrics:   b.opts.Timing,
		})
		sdpLeaf := leaf.NewSubarrayLeaf(leaf.SubarrayLeafConfig{
			Config: b.leafConfig(fmt.Sprintf("%s%02d", p.SDPLeaf, sid), els.SDP.Name()),
			Kind:   leaf.KindSDP,
		})
		b.add(cspLeaf)
		b.add(sdpLeaf)
		leaves := Leaves{CSP: cspLeaf, SDP: sdpLeaf}

		sc := subarray.Config{
			Name:           cfg.SubarrayName(sid),
			ID:             sid,
			CSP:            reg.Client(cspLeaf.Name()),
			SDP:            reg.Client(sdpLeaf.Name()),
			Dish:           resolveDish,
			Scheduler:      d.Scheduler,
			Clock:          b.opts.Clock,
			Log:            b.opts.Log,
			Metrics:        b.opts.Metrics,
			CommandTimeout: cfg.Timing.CommandTimeout,
		}
		if cfg.MCCS {
			els.MCCS = sim.NewSubarray(mccsSubarrayName(cfg, sid), sim.MCCSProfile, b.simOptions(), nil)
			mccsLeaf := leaf.NewSubarrayLeaf(leaf.SubarrayLeafConfig{
				Config: b.leafConfig(fmt.Sprintf("%s%02d", p.MCCSSubLeaf, sid), els.MCCS.Name()),
				Kind:   leaf.KindMCCS,
			})
			b.add(els.MCCS)
			b.add(mccsLeaf)
			leaves.MCCS = mccsLeaf
			sc.MCCS = reg.Client(mccsLeaf.Name())
		}
		node, err := subarray.New(sc)
		if err != nil {
			return err
		}
		d.Subarrays[sid] = node
		d.Elements[sid] = els
		d.Leaves[sid] = leaves
		subClients[sid] = reg.Client(node.Name())
		b.add(node)
	}

	dishClients := make(map[model.ReceptorID]tango.Client, len(dishLeafNames))
	for id, name := range dishLeafNames {
		dishClients[id] = reg.Client(name)
	}
	cc := central.Config{
		Name:           p.Central,
		Masters:        []tango.Client{reg.Client(cspMasterLeaf.Name()), reg.Client(sdpMasterLeaf.Name())},
		Subarrays:      subClients,
		Dishes:         dishClients,
		Ownership:      d.Ownership,
		Clock:          b.opts.Clock,
		Log:            b.opts.Log,
		Metrics:        b.opts.Metrics,
		CommandTimeout: cfg.Timing.CommandTimeout,
	}
	if mccsMasterLeaf != nil {
		cc.MCCSMaster = reg.Client(mccsMasterLeaf.Name())
	}
	cn, err := central.New(cc)
	if err != nil {
		return err
	}
	d.Central = cn
	b.add(cn)

	for _, dev := range b.devs {
		if err := reg.Register(dev); err != nil {
			return err
		}
	}
	return nil
}

func mccsSubarrayName(cfg *config.Config, id int) string {
	return fmt.Sprintf("%ssubarray/%02d", cfg.Prefixes.MCCS, id)
}

// Start subscribes every node to its children, leaves first. On failure the
// nodes already started are closed again.
func (d *Deployment) Start(ctx context.Context) error {
	for _, n := range d.nodes {
		if err := n.Start(ctx); err != nil {
			d.Close()
			return fmt.Errorf("start: %w", err)
		}
		d.started = append(d.started, n)
	}
	if d.ticker != nil {
		tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.stopTicker = cancel
		d.tickerDone = d.ticker.Start(tctx, 0)
	}
	d.log.Info(ctx, "deployment started",
		logging.Int("devices", len(d.Registry.Names())),
		logging.Int("receptors", len(d.DishLeaves)),
		logging.Int("subarrays", len(d.Subarrays)))
	return nil
}

// Close stops the timer pump and every started node in reverse order.
func (d *Deployment) Close() {
	if d.stopTicker != nil {
		d.stopTicker()
		<-d.tickerDone
		d.stopTicker = nil
	}
	for i := len(d.started) - 1; i >= 0; i-- {
		d.started[i].Close()
	}
	d.started = nil
}

// Client returns an in-process client for any registered device.
func (d *Deployment) Client(name string) tango.Client { return d.Registry.Client(name) }

// StartUp switches the telescope on and waits until every dish is operating.
func (d *Deployment) StartUp(ctx context.Context) error {
	if _, err := tango.CommandResultOf(ctx, d.Client(d.Central.Name()), model.CmdStartUpTelescope, nil); err != nil {
		return err
	}
	for id, dl := range d.DishLeaves {
		if err := waitUntil(ctx, func() bool { return dl.DishMode() == model.DishModeOperate }); err != nil {
			return fmt.Errorf("dish %s did not reach OPERATE: %w", id, err)
		}
	}
	return nil
}

func waitUntil(ctx context.Context, cond func() bool) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
