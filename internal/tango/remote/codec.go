package remote

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/telescope-mc/internal/tango"
)

// Request and event field names.
const (
	fieldDevice    = "device"
	fieldCommand   = "command"
	fieldAttribute = "attribute"
	fieldArgin     = "argin"
	fieldValue     = "value"
	fieldTimestamp = "timestamp"
	fieldError     = "error"
)

// toValue converts an arbitrary attribute or argin value through its JSON
// form, so enums travel by name and structs as objects.
func toValue(v any) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}
	if pv, ok := v.(*structpb.Value); ok {
		return pv, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewValue(generic)
}

func fromValue(v *structpb.Value) any {
	if v == nil {
		return nil
	}
	return v.AsInterface()
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func request(device string, fields map[string]*structpb.Value) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{fieldDevice: structpb.NewStringValue(device)}}
	for k, v := range fields {
		out.Fields[k] = v
	}
	return out
}

func encodeEvent(ev tango.Event) (*structpb.Struct, error) {
	out := request(ev.Device, map[string]*structpb.Value{
		fieldAttribute: structpb.NewStringValue(ev.Attribute),
		fieldTimestamp: structpb.NewStringValue(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
	})
	if ev.Err != nil {
		out.Fields[fieldError] = structpb.NewStringValue(ev.Err.Error())
		return out, nil
	}
	v, err := toValue(ev.Value)
	if err != nil {
		return nil, err
	}
	out.Fields[fieldValue] = v
	return out, nil
}

func decodeEvent(s *structpb.Struct) tango.Event {
	ev := tango.Event{
		Device:    stringField(s, fieldDevice),
		Attribute: stringField(s, fieldAttribute),
		Value:     fromValue(s.GetFields()[fieldValue]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringField(s, fieldTimestamp)); err == nil {
		ev.Timestamp = ts
	}
	if msg := stringField(s, fieldError); msg != "" {
		ev.Value = nil
		ev.Err = tango.Unreachable(ev.Device, "subscribe "+ev.Attribute, msg)
	}
	return ev
}
