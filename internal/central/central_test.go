package central

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/kb"
	"github.com/signalsfoundry/telescope-mc/model"
)

const centralName = "mid-tmc/central-node/0"

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

type call struct {
	cmd   string
	argin any
}

// fakeNode answers commands from a table and records every call.
type fakeNode struct {
	name  string
	attrs *tango.Attributes

	mu    sync.Mutex
	calls []call
	fail  map[string]error
	reply func(f *fakeNode, cmd string, argin any) model.CommandResult
}

func newFake(name string) *fakeNode {
	f := &fakeNode{name: name, attrs: tango.NewAttributes(name, nil, nil), fail: make(map[string]error)}
	f.attrs.Set(model.AttrHealthState, model.HealthOK)
	return f
}

func (f *fakeNode) Name() string                  { return f.name }
func (f *fakeNode) Attributes() *tango.Attributes { return f.attrs }

func (f *fakeNode) Execute(_ context.Context, cmd string, argin any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{cmd, argin})
	err := f.fail[cmd]
	reply := f.reply
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if reply != nil {
		return reply(f, cmd, argin), nil
	}
	return model.OK(model.NewCommandID(cmd), ""), nil
}

func (f *fakeNode) failWith(cmd string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[cmd] = err
}

func (f *fakeNode) received(cmd string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, c := range f.calls {
		if c.cmd == cmd {
			out = append(out, c.argin)
		}
	}
	return out
}

// subarrayReply completes allocations the way a subarray node does: STARTED
// now, receptor list and result event later. outcome chooses the final code.
func subarrayReply(outcome model.ResultCode) func(*fakeNode, string, any) model.CommandResult {
	return func(f *fakeNode, cmd string, argin any) model.CommandResult {
		id := model.NewCommandID(cmd)
		switch cmd {
		case model.CmdAssignResources:
			var req model.SubarrayAssignRequest
			doc, _ := model.ArginString(argin)
			_ = model.Decode(doc, &req)
			go func() {
				time.Sleep(5 * time.Millisecond)
				if outcome == model.ResultOK {
					f.attrs.Set(model.AttrReceptorIDList, req.Dish.ReceptorIDs)
					f.attrs.Set(model.AttrObsState, model.ObsStateIdle)
				} else {
					f.attrs.Set(model.AttrObsState, model.ObsStateFault)
				}
				f.attrs.Push(model.AttrLongRunningCommandResult, []string{id, outcome.String(), ""})
			}()
			return model.Started(id, "")
		case model.CmdReleaseAllResources:
			go func() {
				time.Sleep(5 * time.Millisecond)
				f.attrs.Set(model.AttrReceptorIDList, []string{})
				f.attrs.Set(model.AttrObsState, model.ObsStateEmpty)
				f.attrs.Push(model.AttrLongRunningCommandResult, []string{id, model.ResultOK.String(), ""})
			}()
			return model.Started(id, "")
		}
		return model.OK(id, "")
	}
}

type rig struct {
	reg       *tango.Registry
	node      *Node
	masters   []*fakeNode
	mccs      *fakeNode
	subarrays map[int]*fakeNode
	dishes    map[model.ReceptorID]*fakeNode
	results   *results
}

func newRig(t *testing.T, outcome model.ResultCode) *rig {
	t.Helper()
	reg := tango.NewRegistry()
	r := &rig{
		reg:       reg,
		subarrays: make(map[int]*fakeNode),
		dishes:    make(map[model.ReceptorID]*fakeNode),
	}
	cfg := Config{
		Name:      centralName,
		Subarrays: make(map[int]tango.Client),
		Dishes:    make(map[model.ReceptorID]tango.Client),
		Ownership: kb.NewOwnership(),
	}
	var devices []tango.Device
	for _, name := range []string{"mid-tmc/leaf-node-csp/0", "mid-tmc/leaf-node-sdp/0"} {
		f := newFake(name)
		r.masters = append(r.masters, f)
		cfg.Masters = append(cfg.Masters, reg.Client(name))
		devices = append(devices, f)
	}
	r.mccs = newFake("mid-tmc/leaf-node-mccs/0")
	cfg.MCCSMaster = reg.Client(r.mccs.Name())
	devices = append(devices, r.mccs)
	for id := 1; id <= 2; id++ {
		f := newFake(fmt.Sprintf("mid-tmc/subarray/%02d", id))
		f.attrs.Set(model.AttrObsState, model.ObsStateEmpty)
		f.attrs.Set(model.AttrReceptorIDList, []string{})
		f.reply = subarrayReply(outcome)
		r.subarrays[id] = f
		cfg.Subarrays[id] = reg.Client(f.Name())
		devices = append(devices, f)
	}
	for n := 1; n <= 3; n++ {
		id := model.FormatReceptorID(n)
		f := newFake(fmt.Sprintf("mid-tmc/leaf-node-dish/ska%03d", n))
		r.dishes[id] = f
		cfg.Dishes[id] = reg.Client(f.Name())
		devices = append(devices, f)
	}

	node, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.node = node
	devices = append(devices, node)
	for _, d := range devices {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register %s: %v", d.Name(), err)
		}
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(node.Close)
	r.results = watchResults(node)
	return r
}

func (r *rig) execute(t *testing.T, cmd string, argin any) model.CommandResult {
	t.Helper()
	out, err := r.node.Execute(context.Background(), cmd, argin)
	if err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	res, ok := model.AsCommandResult(out)
	if !ok {
		t.Fatalf("%s returned %T", cmd, out)
	}
	return res
}

func (r *rig) on(t *testing.T) {
	t.Helper()
	out := r.execute(t, model.CmdStartUpTelescope, nil)
	waitFor(t, "start-up result", func() bool { return r.results.code(out.CommandID) == model.ResultOK.String() })
}

type results struct {
	mu   sync.Mutex
	byID map[string][]string
}

func watchResults(d tango.Device) *results {
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

func (r *results) get(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *results) code(id string) string {
	if v := r.get(id); len(v) > 1 {
		return v[1]
	}
	return ""
}

func TestStartUpTelescopeFansOut(t *testing.T) {
	r := newRig(t, model.ResultOK)
	out := r.execute(t, model.CmdStartUpTelescope, nil)
	if out.Code != model.ResultStarted {
		t.Fatalf("StartUpTelescope = %s, want STARTED", out.Code)
	}
	waitFor(t, "start-up result", func() bool { return r.results.code(out.CommandID) == model.ResultOK.String() })

	var all []*fakeNode
	all = append(all, r.masters...)
	all = append(all, r.mccs)
	for _, f := range r.subarrays {
		all = append(all, f)
	}
	for _, f := range r.dishes {
		all = append(all, f)
	}
	for _, f := range all {
		if len(f.received(model.CmdOn)) != 1 {
			t.Fatalf("%s received On %d times", f.Name(), len(f.received(model.CmdOn)))
		}
	}
	if r.node.OpState() != model.OpStateOn {
		t.Fatalf("opState = %s", r.node.OpState())
	}
	if again := r.execute(t, model.CmdTelescopeOn, nil); again.Code != model.ResultOK {
		t.Fatalf("TelescopeOn when ON = %s, want OK no-op", again.Code)
	}
}

func TestTelescopeOffReportsFailedChild(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)
	bad := r.dishes["0002"]
	bad.failWith(model.CmdOff, fmt.Errorf("%w: dish in maintenance", model.ErrCommandNotAllowed))

	out := r.execute(t, model.CmdTelescopeOff, nil)
	waitFor(t, "off result", func() bool { return r.results.code(out.CommandID) != "" })
	res := r.results.get(out.CommandID)
	if res[1] != model.ResultFailed.String() || !strings.Contains(res[2], bad.Name()) {
		t.Fatalf("result = %v, want FAILED naming %s", res, bad.Name())
	}
	if len(r.dishes["0001"].received(model.CmdOff)) != 1 {
		t.Fatalf("healthy dish was not switched off")
	}
}

func TestAssignRequiresTelescopeOn(t *testing.T) {
	r := newRig(t, model.ResultOK)
	_, err := r.node.Execute(context.Background(), model.CmdAssignResources, `{"subarray_id":1,"dish":{"receptor_ids":["SKA001"]}}`)
	if !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("err = %v, want ErrCommandNotAllowed", err)
	}
}

func TestAssignRoutesAndRecordsOwnership(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)

	doc := `{"subarray_id":1,"dish":{"receptor_ids":["SKA001","SKA002"]},"sdp":{"eb_id":"eb-1","scan_types":[{"scan_type_id":"science_A"}]}}`
	out := r.execute(t, model.CmdAssignResources, doc)
	if out.Code != model.ResultStarted {
		t.Fatalf("AssignResources = %s %s", out.Code, out.Message)
	}
	if !strings.Contains(out.Message, `"receptorIDList_success":["0001","0002"]`) {
		t.Fatalf("reply = %s", out.Message)
	}
	sent := r.subarrays[1].received(model.CmdAssignResources)
	if len(sent) != 1 || !strings.Contains(sent[0].(string), `"receptor_ids":["0001","0002"]`) || !strings.Contains(sent[0].(string), "eb-1") {
		t.Fatalf("subarray received %v", sent)
	}
	for _, id := range []model.ReceptorID{"0001", "0002"} {
		if owner, ok := r.node.Ownership().Owner(id); !ok || owner != 1 {
			t.Fatalf("owner of %s = %d,%v", id, owner, ok)
		}
	}
	waitFor(t, "assign result", func() bool { return r.results.code(out.CommandID) == model.ResultOK.String() })
	waitFor(t, "ownership attribute", func() bool {
		v, _ := r.node.Attributes().Get(model.AttrReceptorOwnership)
		return v == `{"0001":1,"0002":1}`
	})
}

func TestDuplicateAllocationFails(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)
	first := r.execute(t, model.CmdAssignResources, `{"subarray_id":1,"dish":{"receptor_ids":["SKA001"]}}`)
	waitFor(t, "first assign", func() bool { return r.results.code(first.CommandID) == model.ResultOK.String() })

	out := r.execute(t, model.CmdAssignResources, `{"subarray_id":2,"dish":{"receptor_ids":["SKA001"]}}`)
	if out.Code != model.ResultFailed {
		t.Fatalf("duplicate assign = %s, want FAILED", out.Code)
	}
	if !strings.Contains(out.Message, `"receptorIDList_success":[]`) || !strings.Contains(out.Message, `"receptorIDList_fail":["0001"]`) {
		t.Fatalf("reply = %s", out.Message)
	}
	if len(r.subarrays[2].received(model.CmdAssignResources)) != 0 {
		t.Fatalf("subarray 2 was contacted")
	}
	if owner, _ := r.node.Ownership().Owner("0001"); owner != 1 {
		t.Fatalf("0001 owner = %d, want 1", owner)
	}
}

func TestUnknownReceptorIsReportedAsFailed(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)
	out := r.execute(t, model.CmdAssignResources, `{"subarray_id":1,"dish":{"receptor_ids":["SKA001","SKA042"]}}`)
	if out.Code != model.ResultStarted || !strings.Contains(out.Message, `"receptorIDList_fail":["0042"]`) {
		t.Fatalf("assign = %s %s", out.Code, out.Message)
	}
}

func TestAssignValidatesSubarrayID(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)
	for _, doc := range []string{
		`{"invalid_key"}`,
		`{"subarray_id":9,"dish":{"receptor_ids":["SKA001"]}}`,
		`{"subarray_id":1}`,
	} {
		if _, err := r.node.Execute(context.Background(), model.CmdAssignResources, doc); !errors.Is(err, model.ErrInvalidArgument) {
			t.Fatalf("%s: err = %v, want ErrInvalidArgument", doc, err)
		}
	}
}

func TestMCCSBlockGoesToStationMaster(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)
	doc := `{"subarray_id":2,"dish":{"receptor_ids":["SKA003"]},"mccs":{"subarray_beam_ids":[1],"station_ids":[[1,2]]}}`
	r.execute(t, model.CmdAssignResources, doc)

	got := r.mccs.received(model.CmdAssignResources)
	if len(got) != 1 {
		t.Fatalf("mccs master received %d allocations", len(got))
	}
	alloc := got[0].(string)
	if !strings.Contains(alloc, `"subarray_id":2`) || !strings.Contains(alloc, "subarray_beam_ids") {
		t.Fatalf("mccs allocation = %s", alloc)
	}
}

func TestPartialReleaseRejected(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)
	out := r.execute(t, model.CmdReleaseResources, `{"subarray_id":1,"release_all":false,"receptor_ids":["SKA001"]}`)
	if out.Code != model.ResultRejected || !strings.Contains(out.Message, "partial release") {
		t.Fatalf("partial release = %s %s", out.Code, out.Message)
	}
	if len(r.subarrays[1].received(model.CmdReleaseAllResources)) != 0 {
		t.Fatalf("subarray received a release")
	}
}

func TestReleaseReturnsReceptorsToPool(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)
	assign := r.execute(t, model.CmdAssignResources, `{"subarray_id":1,"dish":{"receptor_ids":["SKA001","SKA002"]},"mccs":{"subarray_beam_ids":[1]}}`)
	waitFor(t, "assign", func() bool { return r.results.code(assign.CommandID) == model.ResultOK.String() })

	out := r.execute(t, model.CmdReleaseResources, `{"subarray_id":1,"releaseALL":true}`)
	waitFor(t, "release result", func() bool { return r.results.code(out.CommandID) == model.ResultOK.String() })
	waitFor(t, "receptors back in pool", func() bool { return len(r.node.Ownership().Assigned(1)) == 0 })
	if len(r.mccs.received(model.CmdReleaseResources)) != 1 {
		t.Fatalf("station allocation was not released")
	}

	again := r.execute(t, model.CmdAssignResources, `{"subarray_id":2,"dish":{"receptor_ids":["SKA001"]}}`)
	if again.Code != model.ResultStarted {
		t.Fatalf("reassign to subarray 2 = %s %s", again.Code, again.Message)
	}
}

func TestFailedAllocationReturnsClaims(t *testing.T) {
	r := newRig(t, model.ResultFailed)
	r.on(t)
	out := r.execute(t, model.CmdAssignResources, `{"subarray_id":1,"dish":{"receptor_ids":["SKA001"]}}`)
	waitFor(t, "assign failure", func() bool { return r.results.code(out.CommandID) == model.ResultFailed.String() })
	waitFor(t, "claim released", func() bool {
		_, owned := r.node.Ownership().Owner("0001")
		return !owned
	})
}

func TestRefusedForwardRollsBackClaims(t *testing.T) {
	r := newRig(t, model.ResultOK)
	r.on(t)
	r.subarrays[1].failWith(model.CmdAssignResources, model.NotAllowed(model.CmdAssignResources, model.ObsStateConfiguring))
	_, err := r.node.Execute(context.Background(), model.CmdAssignResources, `{"subarray_id":1,"dish":{"receptor_ids":["SKA001"]}}`)
	if !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("err = %v, want ErrCommandNotAllowed", err)
	}
	if _, owned := r.node.Ownership().Owner("0001"); owned {
		t.Fatalf("0001 still claimed after a refused forward")
	}
}

func TestStowAntennas(t *testing.T) {
	r := newRig(t, model.ResultOK)
	if _, err := r.node.Execute(context.Background(), model.CmdStowAntennas, []string{"SKA009"}); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("unknown dish err = %v", err)
	}

	out := r.execute(t, model.CmdStowAntennas, `["SKA001","SKA003"]`)
	if out.Code != model.ResultOK {
		t.Fatalf("StowAntennas = %s %s", out.Code, out.Message)
	}
	if len(r.dishes["0001"].received(model.CmdSetStowMode)) != 1 || len(r.dishes["0002"].received(model.CmdSetStowMode)) != 0 {
		t.Fatalf("stow reached the wrong dishes")
	}

	r.dishes["0003"].failWith(model.CmdSetStowMode, fmt.Errorf("%w: drive fault", model.ErrCommandFailed))
	out = r.execute(t, model.CmdStowAntennas, []string{"SKA003"})
	if out.Code != model.ResultFailed || !strings.Contains(out.Message, "drive fault") {
		t.Fatalf("failed stow = %s %s", out.Code, out.Message)
	}
}

func TestTelescopeHealthIsWorstOfChildren(t *testing.T) {
	r := newRig(t, model.ResultOK)
	waitFor(t, "health OK", func() bool { return r.node.Health() == model.HealthOK })

	r.dishes["0002"].attrs.Set(model.AttrHealthState, model.HealthDegraded)
	waitFor(t, "health DEGRADED", func() bool { return r.node.Health() == model.HealthDegraded })

	r.subarrays[1].attrs.Set(model.AttrHealthState, model.HealthFailed)
	waitFor(t, "health FAILED", func() bool { return r.node.Health() == model.HealthFailed })

	r.subarrays[1].attrs.Set(model.AttrHealthState, model.HealthOK)
	r.dishes["0002"].attrs.Set(model.AttrHealthState, model.HealthOK)
	waitFor(t, "health back to OK", func() bool { return r.node.Health() == model.HealthOK })
	if v, _ := r.node.Attributes().Get(model.AttrHealthState); v != model.HealthOK {
		t.Fatalf("healthState attribute = %v", v)
	}
}
