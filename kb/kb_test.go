package kb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/model"
)

func ids(raw ...string) []model.ReceptorID {
	out := make([]model.ReceptorID, len(raw))
	for i, r := range raw {
		out[i] = model.ReceptorID(r)
	}
	return out
}

func TestLayoutAddAndLocate(t *testing.T) {
	ref := core.Geodetic{LatDeg: -30.7130, LonDeg: 21.4430, HeightM: 1053}
	layout := NewLayout(ref)

	r := Receptor{ID: "0001", Location: core.Geodetic{LatDeg: -30.71, LonDeg: 21.44, HeightM: 1050}, MinElevationDeg: 15, MaxElevationDeg: 90}
	if err := layout.AddReceptor(r); err != nil {
		t.Fatalf("AddReceptor error: %v", err)
	}
	if err := layout.AddReceptor(r); err == nil {
		t.Fatalf("expected duplicate AddReceptor to fail")
	}
	if err := layout.AddReceptor(Receptor{ID: "0002", MinElevationDeg: 80, MaxElevationDeg: 10}); err == nil {
		t.Fatalf("expected inverted elevation limits to fail")
	}

	loc, ok := layout.Location("0001")
	if !ok || loc.LatDeg != -30.71 {
		t.Fatalf("Location(0001) = %+v, %v", loc, ok)
	}
	if _, ok := layout.Location("0099"); ok {
		t.Fatalf("Location of unknown receptor reported ok")
	}
	if got := layout.Reference(); got != ref {
		t.Fatalf("Reference() = %+v, want %+v", got, ref)
	}
}

func TestLayoutDefaultsMaxElevation(t *testing.T) {
	layout := NewLayout(core.Geodetic{})
	if err := layout.AddReceptor(Receptor{ID: "0003"}); err != nil {
		t.Fatalf("AddReceptor error: %v", err)
	}
	r, _ := layout.Receptor("0003")
	if r.MaxElevationDeg != 90 {
		t.Fatalf("MaxElevationDeg = %v, want 90", r.MaxElevationDeg)
	}
}

func TestLayoutIDsSorted(t *testing.T) {
	layout := NewLayout(core.Geodetic{})
	for _, id := range []string{"0003", "0001", "0002"} {
		if err := layout.AddReceptor(Receptor{ID: model.ReceptorID(id)}); err != nil {
			t.Fatalf("AddReceptor: %v", err)
		}
	}
	got := layout.IDs()
	if fmt.Sprint(got) != "[0001 0002 0003]" {
		t.Fatalf("IDs() = %v", got)
	}
}

func TestClaimRejectsReceptorOwnedElsewhere(t *testing.T) {
	o := NewOwnership()

	claimed, conflicts := o.Claim(1, ids("0001", "0002"))
	if len(claimed) != 2 || len(conflicts) != 0 {
		t.Fatalf("first claim = %v / %v", claimed, conflicts)
	}

	claimed, conflicts = o.Claim(2, ids("0001", "0003"))
	if fmt.Sprint(claimed) != "[0003]" || fmt.Sprint(conflicts) != "[0001]" {
		t.Fatalf("second claim = %v / %v", claimed, conflicts)
	}
	if owner, _ := o.Owner("0001"); owner != 1 {
		t.Fatalf("0001 owner = %d, want 1", owner)
	}

	// Re-claiming by the same subarray is idempotent.
	claimed, conflicts = o.Claim(1, ids("0001"))
	if len(claimed) != 1 || len(conflicts) != 0 {
		t.Fatalf("re-claim = %v / %v", claimed, conflicts)
	}
}

func TestReleaseAndRetain(t *testing.T) {
	o := NewOwnership()
	o.Claim(1, ids("0001", "0002", "0003"))

	if got := o.Release(1, ids("0002", "0009")); fmt.Sprint(got) != "[0002]" {
		t.Fatalf("Release = %v", got)
	}
	if got := o.Retain(1, ids("0003")); fmt.Sprint(got) != "[0001]" {
		t.Fatalf("Retain = %v", got)
	}
	if got := o.Assigned(1); fmt.Sprint(got) != "[0003]" {
		t.Fatalf("Assigned = %v", got)
	}
	o.ReleaseAll(1)
	if len(o.Assigned(1)) != 0 || len(o.Snapshot()) != 0 {
		t.Fatalf("ReleaseAll left %v / %v", o.Assigned(1), o.Snapshot())
	}
}

func TestOwnershipEvents(t *testing.T) {
	o := NewOwnership()

	var events []Event
	unsub := o.Subscribe(func(ev Event) { events = append(events, ev) })

	o.Claim(1, ids("0001"))
	o.Claim(1, ids("0001")) // no new receptors, no event
	o.ReleaseAll(1)
	unsub()
	o.Claim(2, ids("0002"))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != EventClaimed || events[1].Type != EventReleased {
		t.Fatalf("unexpected event types: %+v", events)
	}
}

func TestConcurrentClaimsNeverShareReceptor(t *testing.T) {
	o := NewOwnership()
	pool := ids("0001", "0002", "0003", "0004")

	var wg sync.WaitGroup
	for s := 1; s <= 8; s++ {
		wg.Add(1)
		go func(sub int) {
			defer wg.Done()
			o.Claim(sub, pool)
		}(s)
	}
	wg.Wait()

	seen := map[model.ReceptorID]int{}
	for s := 1; s <= 8; s++ {
		for _, id := range o.Assigned(s) {
			if prev, dup := seen[id]; dup {
				t.Fatalf("receptor %s owned by %d and %d", id, prev, s)
			}
			seen[id] = s
		}
	}
	if len(seen) != len(pool) {
		t.Fatalf("owned %d receptors, want %d", len(seen), len(pool))
	}
}
