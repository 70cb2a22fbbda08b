package model

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var validate = validator.New()

// Decode unmarshals a JSON argin into v and runs struct validation. Every
// failure is reported as ErrInvalidArgument.
func Decode(argin string, v any) error {
	if strings.TrimSpace(argin) == "" {
		return InvalidArgument("empty argin")
	}
	if err := json.Unmarshal([]byte(argin), v); err != nil {
		return InvalidArgument("malformed JSON: %v", err)
	}
	if reflect.Indirect(reflect.ValueOf(v)).Kind() != reflect.Struct {
		return nil
	}
	if err := validate.Struct(v); err != nil {
		return InvalidArgument("%v", err)
	}
	return nil
}

// Encode renders v as compact JSON. Map keys are emitted in sorted order so
// the output is deterministic.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MustEncode is Encode for values that are known to be serialisable.
func MustEncode(v any) string {
	s, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return s
}

// DishAllocation lists the receptors requested for a subarray.
type DishAllocation struct {
	ReceptorIDs []string `json:"receptor_ids" validate:"required,min=1"`
}

// AssignResourcesRequest is the central-node AssignResources argin.
type AssignResourcesRequest struct {
	Interface     string          `json:"interface,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	SubarrayID    int             `json:"subarray_id" validate:"required,min=1,max=16"`
	Dish          *DishAllocation `json:"dish" validate:"required"`
	SDP           map[string]any  `json:"sdp,omitempty"`
	MCCS          map[string]any  `json:"mccs,omitempty"`
}

// SubarrayAssignRequest is what the central node forwards to a subarray once
// receptor ownership has been resolved.
type SubarrayAssignRequest struct {
	Interface     string          `json:"interface,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Dish          *DishAllocation `json:"dish" validate:"required"`
	SDP           map[string]any  `json:"sdp,omitempty"`
	MCCS          map[string]any  `json:"mccs,omitempty"`
}

// HasMCCS reports whether the request carries a non-empty MCCS block.
func (r SubarrayAssignRequest) HasMCCS() bool { return len(r.MCCS) > 0 }

// HasSDP reports whether the request carries a non-empty SDP block.
func (r SubarrayAssignRequest) HasSDP() bool { return len(r.SDP) > 0 }

// AssignResult partitions requested receptors into assigned and refused ones.
type AssignResult struct {
	Success []string `json:"receptorIDList_success"`
	Fail    []string `json:"receptorIDList_fail"`
	Message string   `json:"message,omitempty"`
}

// ReleaseResourcesRequest is the central-node ReleaseResources argin. Both
// spellings of the release-all flag are accepted.
type ReleaseResourcesRequest struct {
	Interface     string   `json:"interface,omitempty"`
	TransactionID string   `json:"transaction_id,omitempty"`
	SubarrayID    int      `json:"subarray_id" validate:"required,min=1,max=16"`
	ReleaseAll    *bool    `json:"release_all,omitempty"`
	ReleaseALL    *bool    `json:"releaseALL,omitempty"`
	ReceptorIDs   []string `json:"receptor_ids,omitempty"`
}

// All reports the effective release-all flag.
func (r ReleaseResourcesRequest) All() bool {
	if r.ReleaseAll != nil {
		return *r.ReleaseAll
	}
	if r.ReleaseALL != nil {
		return *r.ReleaseALL
	}
	return false
}

// Target is a pointing target, either equatorial (ICRS) or horizontal.
type Target struct {
	System         string  `json:"system,omitempty"`
	ReferenceFrame string  `json:"reference_frame,omitempty"`
	Name           string  `json:"name,omitempty"`
	TargetName     string  `json:"target_name,omitempty"`
	RA             string  `json:"ra,omitempty"`
	Dec            string  `json:"dec,omitempty"`
	Az             float64 `json:"az,omitempty"`
	El             float64 `json:"el,omitempty"`
}

const (
	FrameICRS    = "ICRS"
	FrameHorizon = "HORIZON"
)

// Frame returns the normalised reference frame, defaulting to ICRS.
func (t Target) Frame() string {
	f := t.System
	if f == "" {
		f = t.ReferenceFrame
	}
	f = strings.ToUpper(strings.TrimSpace(f))
	if f == "" {
		return FrameICRS
	}
	return f
}

// DisplayName returns whichever name key was supplied.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.TargetName
}

// Pointing wraps the target of a Configure.
type Pointing struct {
	Target Target `json:"target"`
}

// DishConfigure selects the receiver band on the dishes.
type DishConfigure struct {
	ReceiverBand string `json:"receiver_band,omitempty"`
}

// TMCConfigure carries TMC-level knobs of a Configure.
type TMCConfigure struct {
	ScanDuration float64 `json:"scan_duration,omitempty" validate:"gte=0"`
}

// SDPConfigure selects one of the scan types declared at AssignResources.
type SDPConfigure struct {
	ScanType string `json:"scan_type" validate:"required"`
}

// ConfigureRequest is the subarray-level Configure argin. The csp and mccs
// blocks are passed through to the element leaves after translation.
type ConfigureRequest struct {
	Interface     string         `json:"interface,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	CSP           map[string]any `json:"csp,omitempty"`
	SDP           *SDPConfigure  `json:"sdp,omitempty"`
	MCCS          map[string]any `json:"mccs,omitempty"`
	Pointing      *Pointing      `json:"pointing,omitempty"`
	Dish          *DishConfigure `json:"dish,omitempty"`
	TMC           *TMCConfigure  `json:"tmc,omitempty"`
}

// ScanRequest is the Scan argin. Older clients send "id" instead of "scan_id".
type ScanRequest struct {
	Interface     string  `json:"interface,omitempty"`
	TransactionID string  `json:"transaction_id,omitempty"`
	ScanID        *int64  `json:"scan_id,omitempty"`
	LegacyID      *int64  `json:"id,omitempty"`
	ScanDuration  float64 `json:"scan_duration,omitempty" validate:"gte=0"`
}

// ID returns the caller-supplied scan id, or -1 when none was given.
func (s ScanRequest) ID() int64 {
	if s.ScanID != nil {
		return *s.ScanID
	}
	if s.LegacyID != nil {
		return *s.LegacyID
	}
	return -1
}

// StowRequest lists the receptors to stow.
type StowRequest []string
