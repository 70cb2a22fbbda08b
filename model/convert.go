package model

import (
	json "github.com/goccy/go-json"
)

// Attribute values arrive either as the typed enum (in-process transport), as
// its name (remote transport) or as a plain number (element simulators).

func AsObsState(v any) (ObsState, bool) {
	switch x := v.(type) {
	case ObsState:
		return x, true
	case string:
		s, err := ParseObsState(x)
		return s, err == nil
	}
	if n, ok := asInt(v); ok && n >= 0 && n < len(obsStateNames) {
		return ObsState(n), true
	}
	return 0, false
}

func AsOpState(v any) (OpState, bool) {
	switch x := v.(type) {
	case OpState:
		return x, true
	case string:
		s, err := ParseOpState(x)
		return s, err == nil
	}
	if n, ok := asInt(v); ok && n >= 0 && n < len(opStateNames) {
		return OpState(n), true
	}
	return 0, false
}

func AsHealthState(v any) (HealthState, bool) {
	switch x := v.(type) {
	case HealthState:
		return x, true
	case string:
		s, err := ParseHealthState(x)
		return s, err == nil
	}
	if n, ok := asInt(v); ok && n >= 0 && n < len(healthNames) {
		return HealthState(n), true
	}
	return 0, false
}

func AsPointingState(v any) (PointingState, bool) {
	switch x := v.(type) {
	case PointingState:
		return x, true
	case string:
		s, err := ParsePointingState(x)
		return s, err == nil
	}
	if n, ok := asInt(v); ok && n >= 0 && n < len(pointingNames) {
		return PointingState(n), true
	}
	return 0, false
}

func AsDishMode(v any) (DishMode, bool) {
	switch x := v.(type) {
	case DishMode:
		return x, true
	case string:
		s, err := ParseDishMode(x)
		return s, err == nil
	}
	if n, ok := asInt(v); ok && n >= 0 && n < len(dishModeNames) {
		return DishMode(n), true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	}
	return 0, false
}

// AsCommandResult recovers a CommandResult from a command argout: the struct
// itself in-process, or its JSON form (string or decoded map) over the wire.
func AsCommandResult(v any) (CommandResult, bool) {
	switch x := v.(type) {
	case CommandResult:
		return x, true
	case *CommandResult:
		if x == nil {
			return CommandResult{}, false
		}
		return *x, true
	case string:
		var r CommandResult
		if err := json.Unmarshal([]byte(x), &r); err != nil {
			return CommandResult{}, false
		}
		return r, true
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return CommandResult{}, false
		}
		var r CommandResult
		if err := json.Unmarshal(b, &r); err != nil {
			return CommandResult{}, false
		}
		return r, true
	}
	return CommandResult{}, false
}

// ArginString renders a command argin as the JSON text commands decode. Strings
// pass through; nil becomes "".
func ArginString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	}
	return Encode(v)
}

// AsStrings accepts a list argin given as []string, []any of strings, or a
// JSON array.
func AsStrings(v any) ([]string, error) {
	switch x := v.(type) {
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, InvalidArgument("list element %v is not a string", e)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		var out []string
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			return nil, InvalidArgument("expected a JSON list of strings: %v", err)
		}
		return out, nil
	}
	return nil, InvalidArgument("expected a list of strings, got %T", v)
}

// AsFloats accepts a numeric list given as []float64, []any of numbers, or a
// JSON array.
func AsFloats(v any) ([]float64, error) {
	switch x := v.(type) {
	case []float64:
		return x, nil
	case []any:
		out := make([]float64, 0, len(x))
		for _, e := range x {
			f, ok := asFloat(e)
			if !ok {
				return nil, InvalidArgument("list element %v is not a number", e)
			}
			out = append(out, f)
		}
		return out, nil
	case string:
		var out []float64
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			return nil, InvalidArgument("expected a JSON list of numbers: %v", err)
		}
		return out, nil
	}
	return nil, InvalidArgument("expected a list of numbers, got %T", v)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
