package model

// Helpers reading the parts of pass-through JSON blocks that TMC itself
// needs. The blocks stay untyped so unknown keys reach the elements untouched.

// MinFSPID and MaxFSPID bound frequency slice processor ids.
const (
	MinFSPID = 1
	MaxFSPID = 26
)

// FSPIDs extracts csp.cbf.fsp[].fsp_id (or csp.midcbf for newer interfaces),
// validating the range.
func FSPIDs(csp map[string]any) ([]int, error) {
	cbf, _ := csp["cbf"].(map[string]any)
	if cbf == nil {
		cbf, _ = csp["midcbf"].(map[string]any)
	}
	if cbf == nil {
		return nil, nil
	}
	list, _ := cbf["fsp"].([]any)
	ids := make([]int, 0, len(list))
	for i, item := range list {
		fsp, ok := item.(map[string]any)
		if !ok {
			return nil, InvalidArgument("csp.cbf.fsp[%d] is not an object", i)
		}
		n, ok := asInt(fsp["fsp_id"])
		if !ok {
			return nil, InvalidArgument("csp.cbf.fsp[%d].fsp_id missing or not an integer", i)
		}
		if n < MinFSPID || n > MaxFSPID {
			return nil, InvalidArgument("csp.cbf.fsp[%d].fsp_id %d out of range [%d, %d]", i, n, MinFSPID, MaxFSPID)
		}
		ids = append(ids, n)
	}
	return ids, nil
}

// CSPConfigID returns csp.common.config_id, if any.
func CSPConfigID(csp map[string]any) string {
	common, _ := csp["common"].(map[string]any)
	id, _ := common["config_id"].(string)
	return id
}

// CSPFrequencyBand returns csp.common.frequency_band, if any.
func CSPFrequencyBand(csp map[string]any) string {
	common, _ := csp["common"].(map[string]any)
	band, _ := common["frequency_band"].(string)
	return band
}

// ScanTypeIDs lists sdp.scan_types[].id (or scan_type_id) declared at AssignResources.
func ScanTypeIDs(sdp map[string]any) []string {
	list, _ := sdp["scan_types"].([]any)
	ids := make([]string, 0, len(list))
	for _, item := range list {
		st, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := st["id"].(string); ok {
			ids = append(ids, id)
			continue
		}
		if id, ok := st["scan_type_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// CloneMap performs a deep copy of a decoded JSON object.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
