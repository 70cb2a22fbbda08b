package leaf

import (
	json "github.com/goccy/go-json"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/model"
)

// DelayModelAttrPoint is the subscription point the correlator subarray is
// told to follow: "<csp subarray leaf fqdn>/delayModel".
func DelayModelAttrPoint(leaf string) string { return leaf + "/" + model.AttrDelayModel }

type dishOnly struct {
	Dish *model.DishAllocation `json:"dish" validate:"required"`
}

// cspReceptors extracts the receptor list of a subarray-level assignment,
// accepting either {"dish":{"receptor_ids":[...]}} or a bare list.
func cspReceptors(argin any) ([]model.ReceptorID, error) {
	if ids, err := model.AsStrings(argin); err == nil {
		return model.ParseReceptorIDs(ids)
	}
	doc, err := model.ArginString(argin)
	if err != nil {
		return nil, model.InvalidArgument("%v", err)
	}
	var req dishOnly
	if err := model.Decode(doc, &req); err != nil {
		return nil, err
	}
	return model.ParseReceptorIDs(req.Dish.ReceptorIDs)
}

// cspConfiguration is the translated correlator Configure.
type cspConfiguration struct {
	forward map[string]any
	target  *core.Target
	fsids   []int
}

// translateCSPConfigure strips the pointing block the leaf keeps for the
// delay model and adds the delay-model subscription point.
func translateCSPConfigure(argin any, leafName string) (cspConfiguration, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return cspConfiguration{}, model.InvalidArgument("%v", err)
	}
	var cfg map[string]any
	if err := model.Decode(doc, &cfg); err != nil {
		return cspConfiguration{}, err
	}
	fsids, err := model.FSPIDs(cfg)
	if err != nil {
		return cspConfiguration{}, err
	}
	out := cspConfiguration{forward: model.CloneMap(cfg), fsids: fsids}
	if raw, ok := cfg["pointing"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return cspConfiguration{}, model.InvalidArgument("pointing: %v", err)
		}
		var p model.Pointing
		if err := model.Decode(string(b), &p); err != nil {
			return cspConfiguration{}, err
		}
		t, err := core.ResolveTarget(p.Target)
		if err != nil {
			return cspConfiguration{}, err
		}
		out.target = &t
		delete(out.forward, "pointing")
	}
	out.forward["delay_model_subscription_point"] = DelayModelAttrPoint(leafName)
	return out, nil
}

// translateSDPConfigure keeps only the selected scan type.
func translateSDPConfigure(argin any) (string, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return "", model.InvalidArgument("%v", err)
	}
	var in struct {
		Interface     string `json:"interface,omitempty"`
		TransactionID string `json:"transaction_id,omitempty"`
		model.SDPConfigure
	}
	if err := model.Decode(doc, &in); err != nil {
		return "", err
	}
	out := map[string]any{"scan_type": in.ScanType}
	if in.Interface != "" {
		out["interface"] = in.Interface
	}
	return model.Encode(out)
}

// jsonObject checks that argin is a non-empty JSON object and returns its text.
func jsonObject(argin any) (string, error) {
	doc, err := model.ArginString(argin)
	if err != nil {
		return "", model.InvalidArgument("%v", err)
	}
	var m map[string]any
	if err := model.Decode(doc, &m); err != nil {
		return "", err
	}
	if len(m) == 0 {
		return "", model.InvalidArgument("empty JSON object")
	}
	return doc, nil
}
