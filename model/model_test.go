package model

import (
	"errors"
	"testing"
)

func TestParseReceptorID(t *testing.T) {
	cases := []struct {
		in      string
		want    ReceptorID
		wantErr bool
	}{
		{in: "0001", want: "0001"},
		{in: "1", want: "0001"},
		{in: "SKA036", want: "0036"},
		{in: "197", want: "0197"},
		{in: "0", wantErr: true},
		{in: "198", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseReceptorID(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("ParseReceptorID(%q) err = %v, want ErrInvalidArgument", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseReceptorID(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseReceptorID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseReceptorIDsRejectsDuplicates(t *testing.T) {
	if _, err := ParseReceptorIDs([]string{"0001", "1"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected duplicate to be rejected, got %v", err)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	var req AssignResourcesRequest
	err := Decode(`{"invalid_key"}`, &req)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Decode err = %v, want ErrInvalidArgument", err)
	}
}

func TestDecodeMissingRequiredKey(t *testing.T) {
	var req AssignResourcesRequest
	err := Decode(`{"dish":{"receptor_ids":["0001"]}}`, &req)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("missing subarray_id: err = %v, want ErrInvalidArgument", err)
	}
	err = Decode(`{"subarray_id":1,"dish":{"receptor_ids":[]}}`, &req)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty receptor list: err = %v, want ErrInvalidArgument", err)
	}
}

func TestDecodeAssignResources(t *testing.T) {
	var req AssignResourcesRequest
	argin := `{"subarray_id":1,"dish":{"receptor_ids":["0001","0002"]},"sdp":{"scan_types":[{"id":"science_A"}]},"mccs":{}}`
	if err := Decode(argin, &req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.SubarrayID != 1 || len(req.Dish.ReceptorIDs) != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
	if ids := ScanTypeIDs(req.SDP); len(ids) != 1 || ids[0] != "science_A" {
		t.Fatalf("ScanTypeIDs = %v", ids)
	}
}

func TestReleaseAllSpellings(t *testing.T) {
	var a, b, c ReleaseResourcesRequest
	if err := Decode(`{"subarray_id":1,"release_all":true}`, &a); err != nil {
		t.Fatal(err)
	}
	if err := Decode(`{"subarray_id":1,"releaseALL":true}`, &b); err != nil {
		t.Fatal(err)
	}
	if err := Decode(`{"subarray_id":1,"receptor_ids":["0001"]}`, &c); err != nil {
		t.Fatal(err)
	}
	if !a.All() || !b.All() || c.All() {
		t.Fatalf("All() = %v %v %v, want true true false", a.All(), b.All(), c.All())
	}
}

func TestScanRequestID(t *testing.T) {
	var legacy, current ScanRequest
	if err := Decode(`{"id":1,"scan_duration":10.0}`, &legacy); err != nil {
		t.Fatal(err)
	}
	if err := Decode(`{"scan_id":7}`, &current); err != nil {
		t.Fatal(err)
	}
	if legacy.ID() != 1 || legacy.ScanDuration != 10 {
		t.Fatalf("legacy scan = %+v", legacy)
	}
	if current.ID() != 7 {
		t.Fatalf("scan id = %d, want 7", current.ID())
	}
	var bad ScanRequest
	if err := Decode(`{"scan_id":1,"scan_duration":-1}`, &bad); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("negative duration: err = %v", err)
	}
}

func TestFSPIDs(t *testing.T) {
	csp := map[string]any{"cbf": map[string]any{"fsp": []any{
		map[string]any{"fsp_id": float64(1)},
		map[string]any{"fsp_id": float64(26)},
	}}}
	ids, err := FSPIDs(csp)
	if err != nil {
		t.Fatalf("FSPIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 26 {
		t.Fatalf("FSPIDs = %v", ids)
	}

	csp["cbf"].(map[string]any)["fsp"] = []any{map[string]any{"fsp_id": float64(27)}}
	if _, err := FSPIDs(csp); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("out of range fsp: err = %v", err)
	}
}

func TestTargetFrameDefaults(t *testing.T) {
	if got := (Target{}).Frame(); got != FrameICRS {
		t.Fatalf("Frame() = %q, want ICRS", got)
	}
	if got := (Target{ReferenceFrame: "horizon"}).Frame(); got != FrameHorizon {
		t.Fatalf("Frame() = %q, want HORIZON", got)
	}
}

func TestStateConversions(t *testing.T) {
	if s, ok := AsObsState("READY"); !ok || s != ObsStateReady {
		t.Fatalf("AsObsState(READY) = %v %v", s, ok)
	}
	if s, ok := AsObsState(float64(2)); !ok || s != ObsStateIdle {
		t.Fatalf("AsObsState(2.0) = %v %v", s, ok)
	}
	if _, ok := AsObsState("nonsense"); ok {
		t.Fatal("AsObsState accepted an unknown name")
	}
	if h, ok := AsHealthState(HealthDegraded); !ok || h != HealthDegraded {
		t.Fatalf("AsHealthState = %v %v", h, ok)
	}
	if HealthUnknown.Severity() <= HealthDegraded.Severity() || HealthFailed.Severity() <= HealthUnknown.Severity() {
		t.Fatal("severity order must be OK < DEGRADED < UNKNOWN < FAILED")
	}
}

func TestResultFromError(t *testing.T) {
	r := ResultFromError(NotAllowed("Scan", ObsStateIdle), "id-1")
	if r.Code != ResultRejected || r.CommandID != "id-1" {
		t.Fatalf("result = %+v", r)
	}
	if r := ResultFromError(ErrTimeout, ""); r.Code != ResultFailed {
		t.Fatalf("timeout result = %+v", r)
	}
	if r := ResultFromError(nil, "x"); r.Code != ResultOK {
		t.Fatalf("nil error result = %+v", r)
	}
}
