package leaf

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/internal/sched"
	"github.com/signalsfoundry/telescope-mc/internal/sim"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/kb"
	"github.com/signalsfoundry/telescope-mc/model"
)

const (
	cspLeafName  = "mid-tmc/subarray-leaf-node-csp/01"
	cspName      = "mid-csp/subarray/01"
	sdpLeafName  = "mid-tmc/subarray-leaf-node-sdp/01"
	sdpName      = "mid-sdp/subarray/01"
	dishLeafName = "mid-tmc/leaf-node-dish/ska001"
	dishName     = "ska001/elt/master"
)

var (
	t0   = time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	site = core.Geodetic{LatDeg: -30.7130, LonDeg: 21.4430, HeightM: 1053}
	fast = sim.Options{Latency: 5 * time.Millisecond}

	southPole = `{"pointing":{"target":{"reference_frame":"ICRS","target_name":"Polaris Australis","ra":"21:08:47.92","dec":"-88:57:22.9"}}}`
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func run(t *testing.T, d tango.Device, cmd string, argin any) model.CommandResult {
	t.Helper()
	out, err := d.Execute(context.Background(), cmd, argin)
	if err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	res, ok := model.AsCommandResult(out)
	if !ok {
		t.Fatalf("%s returned %T", cmd, out)
	}
	return res
}

// results collects longRunningCommandResult events by command ID.
type results struct {
	mu   sync.Mutex
	byID map[string][]string
}

func watchResults(t *testing.T, d tango.Device) *results {
	t.Helper()
	r := &results{byID: make(map[string][]string)}
	d.Attributes().Subscribe(model.AttrLongRunningCommandResult, func(ev tango.Event) {
		v, ok := ev.Value.([]string)
		if !ok || len(v) < 2 {
			return
		}
		r.mu.Lock()
		r.byID[v[0]] = v
		r.mu.Unlock()
	})
	return r
}

func (r *results) code(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.byID[id]; ok {
		return v[1]
	}
	return ""
}

func testLayout(t *testing.T) *kb.Layout {
	t.Helper()
	l := kb.NewLayout(site)
	for i, off := range []float64{0, 0.01} {
		r := kb.Receptor{
			ID:              model.FormatReceptorID(i + 1),
			Location:        core.Geodetic{LatDeg: site.LatDeg + off, LonDeg: site.LonDeg, HeightM: site.HeightM},
			MinElevationDeg: 15,
			MaxElevationDeg: 90,
		}
		if err := l.AddReceptor(r); err != nil {
			t.Fatalf("AddReceptor: %v", err)
		}
	}
	return l
}

type cspRig struct {
	reg   *tango.Registry
	sched *sched.FakeEventScheduler
	sim   *sim.Subarray
	leaf  *SubarrayLeaf
}

func newCSPRig(t *testing.T) *cspRig {
	t.Helper()
	return newCSPRigWith(t, nil)
}

// newCSPRigWith builds the rig with the leaf's element client passed through wrap.
func newCSPRigWith(t *testing.T, wrap func(tango.Client) tango.Client) *cspRig {
	t.Helper()
	reg := tango.NewRegistry()
	s := sched.NewFakeEventScheduler(t0)
	layout := testLayout(t)

	el := sim.NewSubarray(cspName, sim.CSPProfile, fast, reg.Client)
	var element tango.Client = reg.Client(cspName)
	if wrap != nil {
		element = wrap(element)
	}
	l := NewSubarrayLeaf(SubarrayLeafConfig{
		Config:          Config{Name: cspLeafName, Element: element, Clock: s},
		Kind:            KindCSP,
		DelayCalculator: core.NewGeometricDelayModel(layout.Reference(), layout),
		Timers:          sched.NewTimerGroup(s),
	})
	for _, d := range []tango.Device{el, l} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register %s: %v", d.Name(), err)
		}
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Close)
	return &cspRig{reg: reg, sched: s, sim: el, leaf: l}
}

func (r *cspRig) waitObs(t *testing.T, want model.ObsState) {
	t.Helper()
	waitFor(t, "leaf obsState "+want.String(), func() bool { return r.leaf.ObsState() == want })
}

func TestCSPLeafAssignConfigurePublishesDelayModel(t *testing.T) {
	r := newCSPRig(t)
	res := watchResults(t, r.leaf)

	out := run(t, r.leaf, model.CmdAssignResources, `{"dish":{"receptor_ids":["SKA002","SKA001"]}}`)
	if out.Code != model.ResultStarted {
		t.Fatalf("AssignResources = %s, want STARTED", out.Code)
	}
	r.waitObs(t, model.ObsStateIdle)
	waitFor(t, "assign completion", func() bool { return res.code(out.CommandID) == model.ResultOK.String() })
	if got := r.leaf.Receptors(); len(got) != 2 || got[0] != "0001" {
		t.Fatalf("receptors = %v, want sorted [0001 0002]", got)
	}

	cfg := `{"common":{"config_id":"c1"},"cbf":{"fsp":[{"fsp_id":1},{"fsp_id":2}]},` +
		`"pointing":{"target":{"reference_frame":"ICRS","ra":"21:08:47.92","dec":"-88:57:22.9"}}}`
	run(t, r.leaf, model.CmdConfigure, cfg)
	r.waitObs(t, model.ObsStateReady)
	waitFor(t, "publisher running", func() bool { return r.leaf.Publisher().Running() })

	if last := r.sim.LastConfiguration(); last == "" || strings.Contains(last, "pointing") {
		t.Fatalf("correlator received %q, want pointing stripped", last)
	}
	if !strings.Contains(r.sim.LastConfiguration(), DelayModelAttrPoint(cspLeafName)) {
		t.Fatalf("correlator configuration lacks subscription point: %s", r.sim.LastConfiguration())
	}
	waitFor(t, "first delay model", func() bool { return r.sim.DelayModelsReceived() >= 1 })

	r.sched.AdvanceBy(10 * time.Second)
	waitFor(t, "second delay model", func() bool { return r.sim.DelayModelsReceived() >= 2 })

	run(t, r.leaf, model.CmdEnd, nil)
	if r.leaf.Publisher().Running() {
		t.Fatalf("publisher still running after End")
	}
	r.waitObs(t, model.ObsStateIdle)
}

func TestSubarrayLeafRefusesOutOfStateCommands(t *testing.T) {
	r := newCSPRig(t)
	_, err := r.leaf.Execute(context.Background(), model.CmdScan, `{"scan_id":1}`)
	if !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("Scan in EMPTY err = %v, want ErrCommandNotAllowed", err)
	}
	if r.sim.Calls(model.CmdScan) != 0 {
		t.Fatalf("Scan reached the element")
	}
	if _, err := r.leaf.Execute(context.Background(), "Explode", nil); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("unknown command err = %v", err)
	}
}

func TestSubarrayLeafOffRefusedFromStandby(t *testing.T) {
	r := newCSPRig(t)
	run(t, r.leaf, model.CmdStandby, nil)
	waitFor(t, "leaf STANDBY", func() bool {
		s, err := r.leaf.currentOpState(context.Background())
		return err == nil && s == model.OpStateStandby
	})

	_, err := r.leaf.Execute(context.Background(), model.CmdOff, nil)
	if !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("Off in STANDBY err = %v, want ErrCommandNotAllowed", err)
	}
	if r.sim.Calls(model.CmdOff) != 0 {
		t.Fatalf("Off reached the element")
	}
}

func TestEndScanInReadyIsNoop(t *testing.T) {
	r := newCSPRig(t)
	run(t, r.leaf, model.CmdAssignResources, []string{"SKA001"})
	r.waitObs(t, model.ObsStateIdle)
	run(t, r.leaf, model.CmdConfigure, `{"common":{"config_id":"c1"}}`)
	r.waitObs(t, model.ObsStateReady)

	out := run(t, r.leaf, model.CmdEndScan, nil)
	if out.Code != model.ResultOK {
		t.Fatalf("EndScan in READY = %s, want OK", out.Code)
	}
	if r.sim.Calls(model.CmdEndScan) != 0 {
		t.Fatalf("EndScan forwarded to the element")
	}
}

func TestElementFailureReportedOnResultAttribute(t *testing.T) {
	r := newCSPRig(t)
	res := watchResults(t, r.leaf)
	run(t, r.leaf, model.CmdAssignResources, []string{"SKA001"})
	r.waitObs(t, model.ObsStateIdle)

	r.sim.FailNext(model.CmdConfigure, "fsp unavailable")
	out := run(t, r.leaf, model.CmdConfigure, `{"common":{"config_id":"c1"}}`)
	waitFor(t, "failure result", func() bool { return res.code(out.CommandID) == model.ResultFailed.String() })
	if r.leaf.Publisher().Running() {
		t.Fatalf("publisher started after a failed Configure")
	}
}

func TestUnregisteredElementIsUnresponsive(t *testing.T) {
	reg := tango.NewRegistry()
	l := NewSubarrayLeaf(SubarrayLeafConfig{
		Config: Config{Name: sdpLeafName, Element: reg.Client(sdpName), ResponseTimeout: 50 * time.Millisecond},
		Kind:   KindSDP,
	})
	_, err := l.Execute(context.Background(), model.CmdAssignResources, `{"eb_id":"eb-1"}`)
	if !errors.Is(err, model.ErrDeviceUnresponsive) {
		t.Fatalf("err = %v, want ErrDeviceUnresponsive", err)
	}
}

func TestSDPLeafForwardsOnlyScanType(t *testing.T) {
	reg := tango.NewRegistry()
	el := sim.NewSubarray(sdpName, sim.SDPProfile, fast, nil)
	l := NewSubarrayLeaf(SubarrayLeafConfig{Config: Config{Name: sdpLeafName, Element: reg.Client(sdpName)}, Kind: KindSDP})
	if err := reg.Register(el); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Close()

	run(t, l, model.CmdAssignResources, `{"eb_id":"eb-1"}`)
	waitFor(t, "IDLE", func() bool { return l.ObsState() == model.ObsStateIdle })
	run(t, l, model.CmdConfigure, `{"interface":"sdp-configure/0.4","scan_type":"science_A","extra":{"x":1}}`)
	waitFor(t, "READY", func() bool { return l.ObsState() == model.ObsStateReady })

	got := el.LastConfiguration()
	if !strings.Contains(got, "science_A") || strings.Contains(got, "extra") {
		t.Fatalf("sdp received %s", got)
	}
	if v, _ := l.Attributes().Get(model.AttrSDPSubarrayObsState); v != model.ObsStateReady {
		t.Fatalf("sdpSubarrayObsState = %v", v)
	}
}

// heldReplies delays the reply of one command until release is closed. The
// element itself has already executed the command by then.
type heldReplies struct {
	tango.Client
	command string
	release chan struct{}

	mu       sync.Mutex
	executed int
}

func holdReplies(c tango.Client, command string) *heldReplies {
	return &heldReplies{Client: c, command: command, release: make(chan struct{})}
}

func (h *heldReplies) Command(ctx context.Context, command string, argin any) (any, error) {
	out, err := h.Client.Command(ctx, command, argin)
	if command == h.command {
		h.mu.Lock()
		h.executed++
		h.mu.Unlock()
		<-h.release
	}
	return out, err
}

func (h *heldReplies) CommandAsync(ctx context.Context, command string, argin any, onDone func(tango.CommandEvent)) {
	go func() {
		out, err := h.Command(ctx, command, argin)
		ev := tango.CommandEvent{Device: h.Name(), Command: command, Argout: out}
		if err != nil {
			ev.Err, ev.Cause, ev.Errors = true, err, []string{err.Error()}
		}
		if onDone != nil {
			onDone(ev)
		}
	}()
}

func (h *heldReplies) executedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.executed
}

func TestLateConfigureReplyAfterAbortLeavesPublisherStopped(t *testing.T) {
	var held *heldReplies
	r := newCSPRigWith(t, func(c tango.Client) tango.Client {
		held = holdReplies(c, model.CmdConfigure)
		return held
	})
	res := watchResults(t, r.leaf)
	run(t, r.leaf, model.CmdAssignResources, []string{"SKA001"})
	r.waitObs(t, model.ObsStateIdle)

	cfg := `{"common":{"config_id":"c1"},"cbf":{"fsp":[{"fsp_id":1}]},` +
		`"pointing":{"target":{"reference_frame":"ICRS","ra":"21:08:47.92","dec":"-88:57:22.9"}}}`
	out := run(t, r.leaf, model.CmdConfigure, cfg)
	waitFor(t, "element executed Configure", func() bool { return held.executedCount() == 1 })
	r.waitObs(t, model.ObsStateReady)

	run(t, r.leaf, model.CmdAbort, nil)
	r.waitObs(t, model.ObsStateAborted)
	close(held.release)

	waitFor(t, "Configure superseded", func() bool { return res.code(out.CommandID) == model.ResultAborted.String() })
	if r.leaf.Publisher().Running() {
		t.Fatalf("delay-model publisher started by a Configure reply that arrived after Abort")
	}
	r.sched.AdvanceBy(30 * time.Second)
	if n := r.sim.DelayModelsReceived(); n != 0 {
		t.Fatalf("%d delay models published after Abort", n)
	}
}

func TestObsResetSupersedesPendingConfigure(t *testing.T) {
	var held *heldReplies
	r := newCSPRigWith(t, func(c tango.Client) tango.Client {
		held = holdReplies(c, model.CmdConfigure)
		return held
	})
	res := watchResults(t, r.leaf)
	run(t, r.leaf, model.CmdAssignResources, []string{"SKA001"})
	r.waitObs(t, model.ObsStateIdle)
	out := run(t, r.leaf, model.CmdConfigure,
		`{"cbf":{"fsp":[{"fsp_id":1}]},"pointing":{"target":{"reference_frame":"ICRS","ra":"21:08:47.92","dec":"-88:57:22.9"}}}`)
	waitFor(t, "element executed Configure", func() bool { return held.executedCount() == 1 })

	r.sim.InjectFault("correlator fault")
	r.waitObs(t, model.ObsStateFault)
	run(t, r.leaf, model.CmdObsReset, nil)
	close(held.release)

	r.waitObs(t, model.ObsStateIdle)
	waitFor(t, "Configure superseded", func() bool { return res.code(out.CommandID) == model.ResultAborted.String() })
	if r.leaf.Publisher().Running() {
		t.Fatalf("publisher running after ObsReset")
	}
}

type dishRig struct {
	sched *sched.FakeEventScheduler
	dish  *sim.Dish
	leaf  *DishLeaf
}

func newDishRig(t *testing.T) *dishRig {
	t.Helper()
	return newDishRigWith(t, nil)
}

func newDishRigWith(t *testing.T, wrap func(tango.Client) tango.Client) *dishRig {
	t.Helper()
	reg := tango.NewRegistry()
	s := sched.NewFakeEventScheduler(t0)
	layout := testLayout(t)
	rec, _ := layout.Receptor("0001")

	d := sim.NewDish(dishName, fast)
	var element tango.Client = reg.Client(dishName)
	if wrap != nil {
		element = wrap(element)
	}
	l := NewDishLeaf(DishLeafConfig{
		Config:    Config{Name: dishLeafName, Element: element, Clock: s},
		Receptor:  rec,
		Converter: core.SiderealConverter{},
		Timers:    sched.NewTimerGroup(s),
	})
	for _, dev := range []tango.Device{d, l} {
		if err := reg.Register(dev); err != nil {
			t.Fatalf("Register %s: %v", dev.Name(), err)
		}
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Close)
	waitFor(t, "dish mode mirrored", func() bool { return l.DishMode() == model.DishModeStandbyLP })
	return &dishRig{sched: s, dish: d, leaf: l}
}

func TestDishLeafConfigureTracks(t *testing.T) {
	r := newDishRig(t)

	if _, err := r.leaf.Execute(context.Background(), model.CmdTrack, southPole); !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("Track in STANDBY_LP err = %v, want ErrCommandNotAllowed", err)
	}

	run(t, r.leaf, model.CmdOn, nil)
	waitFor(t, "OPERATE", func() bool { return r.leaf.DishMode() == model.DishModeOperate })
	if out := run(t, r.leaf, model.CmdOn, nil); out.Code != model.ResultOK {
		t.Fatalf("second On = %s, want OK no-op", out.Code)
	}

	cfg := `{"pointing":{"target":{"reference_frame":"ICRS","ra":"21:08:47.92","dec":"-88:57:22.9"}},"dish":{"receiver_band":"2"}}`
	run(t, r.leaf, model.CmdConfigure, cfg)
	waitFor(t, "TRACK", func() bool { return r.leaf.PointingState() == model.PointingTrack })
	if r.dish.Band() != "2" {
		t.Fatalf("band = %q, want 2", r.dish.Band())
	}
	if !r.leaf.Coordinator().Active() {
		t.Fatalf("coordinator not tracking")
	}
	table := r.dish.ProgramTrackTable()
	if len(table) == 0 || len(table)%3 != 0 {
		t.Fatalf("dish programTrackTable has %d values", len(table))
	}
	if el := table[2]; el < 15 || el > 90 {
		t.Fatalf("first sample elevation %.2f outside limits", el)
	}

	before := len(r.dish.ProgramTrackTable())
	r.sched.AdvanceBy(time.Second)
	if len(r.dish.ProgramTrackTable()) != before {
		t.Fatalf("table length changed on refill: %d -> %d", before, len(r.dish.ProgramTrackTable()))
	}

	run(t, r.leaf, model.CmdStopTrack, nil)
	if r.leaf.Coordinator().Active() {
		t.Fatalf("coordinator still active after StopTrack")
	}
	waitFor(t, "READY", func() bool { return r.leaf.PointingState() == model.PointingReady })
}

func TestDishLeafAbortCancelsRemainingConfigureSteps(t *testing.T) {
	var held *heldReplies
	r := newDishRigWith(t, func(c tango.Client) tango.Client {
		held = holdReplies(c, model.CmdConfigureBand)
		return held
	})
	res := watchResults(t, r.leaf)
	run(t, r.leaf, model.CmdOn, nil)
	waitFor(t, "OPERATE", func() bool { return r.leaf.DishMode() == model.DishModeOperate })

	cfg := `{"pointing":{"target":{"reference_frame":"ICRS","ra":"21:08:47.92","dec":"-88:57:22.9"}},"dish":{"receiver_band":"2"}}`
	out := run(t, r.leaf, model.CmdConfigure, cfg)
	waitFor(t, "band step in flight", func() bool { return held.executedCount() == 1 })

	// Abort waits for the band step in flight, so it runs in the background.
	aborted := make(chan model.CommandResult, 1)
	go func() {
		v, _ := r.leaf.Execute(context.Background(), model.CmdAbort, nil)
		res, _ := model.AsCommandResult(v)
		aborted <- res
	}()
	close(held.release)
	if got := <-aborted; got.Code != model.ResultStarted {
		t.Fatalf("Abort = %s, want STARTED", got.Code)
	}

	waitFor(t, "Configure superseded", func() bool { return res.code(out.CommandID) == model.ResultAborted.String() })
	if r.dish.Calls(model.CmdTrack) != 0 {
		t.Fatalf("Track reached the dish after Abort")
	}
	waitFor(t, "TrackStop sent", func() bool { return r.dish.Calls(model.CmdTrackStop) == 1 })
	if r.leaf.Coordinator().Active() || r.sched.Pending() != 0 {
		t.Fatalf("coordinator active=%v with %d timers after Abort", r.leaf.Coordinator().Active(), r.sched.Pending())
	}
}

func TestDishLeafStowOverridesTrack(t *testing.T) {
	r := newDishRig(t)
	run(t, r.leaf, model.CmdOn, nil)
	waitFor(t, "OPERATE", func() bool { return r.leaf.DishMode() == model.DishModeOperate })
	run(t, r.leaf, model.CmdTrack, southPole)
	waitFor(t, "TRACK", func() bool { return r.leaf.PointingState() == model.PointingTrack })

	run(t, r.leaf, model.CmdSetStowMode, nil)
	if r.leaf.Coordinator().Active() {
		t.Fatalf("coordinator still active after stow")
	}
	if r.sched.Pending() != 0 {
		t.Fatalf("%d timers left armed after stow", r.sched.Pending())
	}
	waitFor(t, "STOW", func() bool { return r.leaf.DishMode() == model.DishModeStow })
}

func TestDishLeafRejectsTableBelowLimit(t *testing.T) {
	r := newDishRig(t)
	err := r.leaf.Attributes().Write(context.Background(), model.AttrProgramTrackTable, []float64{1e12, 10, 5})
	if !errors.Is(err, model.ErrElevationLimit) {
		t.Fatalf("err = %v, want ErrElevationLimit", err)
	}
	if err := r.leaf.Attributes().Write(context.Background(), model.AttrDesiredPointing, []float64{1, 2}); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("short desiredPointing err = %v", err)
	}
}
