package model

import (
	"fmt"
	"strings"
)

// ObsState is the phase of a subarray's observation lifecycle.
type ObsState int

const (
	ObsStateEmpty ObsState = iota
	ObsStateResourcing
	ObsStateIdle
	ObsStateConfiguring
	ObsStateReady
	ObsStateScanning
	ObsStateAborting
	ObsStateAborted
	ObsStateResetting
	ObsStateFault
	ObsStateRestarting
)

var obsStateNames = [...]string{
	ObsStateEmpty:       "EMPTY",
	ObsStateResourcing:  "RESOURCING",
	ObsStateIdle:        "IDLE",
	ObsStateConfiguring: "CONFIGURING",
	ObsStateReady:       "READY",
	ObsStateScanning:    "SCANNING",
	ObsStateAborting:    "ABORTING",
	ObsStateAborted:     "ABORTED",
	ObsStateResetting:   "RESETTING",
	ObsStateFault:       "FAULT",
	ObsStateRestarting:  "RESTARTING",
}

func (s ObsState) String() string {
	if s < 0 || int(s) >= len(obsStateNames) {
		return fmt.Sprintf("ObsState(%d)", int(s))
	}
	return obsStateNames[s]
}

// IsTransient reports whether s is one of the states a node only passes through
// while a command is in flight.
func (s ObsState) IsTransient() bool {
	switch s {
	case ObsStateResourcing, ObsStateConfiguring, ObsStateScanning,
		ObsStateAborting, ObsStateResetting, ObsStateRestarting:
		return true
	}
	return false
}

func (s ObsState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ObsState) UnmarshalText(b []byte) error {
	v, err := ParseObsState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseObsState accepts the upper-case name of an ObsState, case-insensitively.
func ParseObsState(name string) (ObsState, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range obsStateNames {
		if n == name {
			return ObsState(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown obsState %q", ErrInvalidArgument, name)
}

// OpState is the operational (liveness) state of a device.
type OpState int

const (
	OpStateInit OpState = iota
	OpStateOff
	OpStateStandby
	OpStateOn
	OpStateAlarm
	OpStateFault
	OpStateDisable
	OpStateUnknown
)

var opStateNames = [...]string{
	OpStateInit:    "INIT",
	OpStateOff:     "OFF",
	OpStateStandby: "STANDBY",
	OpStateOn:      "ON",
	OpStateAlarm:   "ALARM",
	OpStateFault:   "FAULT",
	OpStateDisable: "DISABLE",
	OpStateUnknown: "UNKNOWN",
}

func (s OpState) String() string {
	if s < 0 || int(s) >= len(opStateNames) {
		return fmt.Sprintf("OpState(%d)", int(s))
	}
	return opStateNames[s]
}

func (s OpState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OpState) UnmarshalText(b []byte) error {
	v, err := ParseOpState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseOpState(name string) (OpState, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range opStateNames {
		if n == name {
			return OpState(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown opState %q", ErrInvalidArgument, name)
}

// HealthState is the self-reported health of a device.
type HealthState int

const (
	HealthOK HealthState = iota
	HealthDegraded
	HealthFailed
	HealthUnknown
)

var healthNames = [...]string{
	HealthOK:       "OK",
	HealthDegraded: "DEGRADED",
	HealthFailed:   "FAILED",
	HealthUnknown:  "UNKNOWN",
}

func (h HealthState) String() string {
	if h < 0 || int(h) >= len(healthNames) {
		return fmt.Sprintf("HealthState(%d)", int(h))
	}
	return healthNames[h]
}

// Severity orders health values for aggregation: OK < DEGRADED < UNKNOWN < FAILED.
func (h HealthState) Severity() int {
	switch h {
	case HealthOK:
		return 0
	case HealthDegraded:
		return 1
	case HealthUnknown:
		return 2
	default:
		return 3
	}
}

func (h HealthState) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *HealthState) UnmarshalText(b []byte) error {
	v, err := ParseHealthState(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func ParseHealthState(name string) (HealthState, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range healthNames {
		if n == name {
			return HealthState(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown healthState %q", ErrInvalidArgument, name)
}

// PointingState is reported by a dish while it moves towards a commanded position.
type PointingState int

const (
	PointingNone PointingState = iota
	PointingReady
	PointingSlew
	PointingTrack
	PointingScan
	PointingUnknown
)

var pointingNames = [...]string{
	PointingNone:    "NONE",
	PointingReady:   "READY",
	PointingSlew:    "SLEW",
	PointingTrack:   "TRACK",
	PointingScan:    "SCAN",
	PointingUnknown: "UNKNOWN",
}

func (p PointingState) String() string {
	if p < 0 || int(p) >= len(pointingNames) {
		return fmt.Sprintf("PointingState(%d)", int(p))
	}
	return pointingNames[p]
}

func (p PointingState) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func ParsePointingState(name string) (PointingState, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range pointingNames {
		if n == name {
			return PointingState(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown pointingState %q", ErrInvalidArgument, name)
}

// DishMode is the operating mode of a dish.
type DishMode int

const (
	DishModeUnknown DishMode = iota
	DishModeStandbyLP
	DishModeStandbyFP
	DishModeOperate
	DishModeStow
	DishModeConfig
	DishModeMaintenance
)

var dishModeNames = [...]string{
	DishModeUnknown:     "UNKNOWN",
	DishModeStandbyLP:   "STANDBY_LP",
	DishModeStandbyFP:   "STANDBY_FP",
	DishModeOperate:     "OPERATE",
	DishModeStow:        "STOW",
	DishModeConfig:      "CONFIG",
	DishModeMaintenance: "MAINTENANCE",
}

func (d DishMode) String() string {
	if d < 0 || int(d) >= len(dishModeNames) {
		return fmt.Sprintf("DishMode(%d)", int(d))
	}
	return dishModeNames[d]
}

func (d DishMode) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func ParseDishMode(name string) (DishMode, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range dishModeNames {
		if n == name {
			return DishMode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dishMode %q", ErrInvalidArgument, name)
}
