package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

var incomingTypes = map[string]func() Incoming{
	"get_report":          func() Incoming { return &GetReport{} },
	"get_list_positions":  func() Incoming { return &GetListPositions{} },
	"get_auto_water":      func() Incoming { return &GetAutoWater{} },
	"get_auto_check":      func() Incoming { return &GetAutoCheck{} },
	"get_moving_state":    func() Incoming { return &GetMovingState{} },
	"get_watering_state":  func() Incoming { return &GetWateringState{} },
	"get_capturing_state": func() Incoming { return &GetCapturingState{} },
	"get_stages":          func() Incoming { return &GetStages{} },
	"shutdown":            func() Incoming { return &Shutdown{} },
	"set_auto_water":      func() Incoming { return &SetAutoWater{} },
	"set_auto_check":      func() Incoming { return &SetAutoCheck{} },
	"water":               func() Incoming { return &Water{} },
	"check":               func() Incoming { return &Check{} },
	"goto":                func() Incoming { return &Goto{} },
	"add_position":        func() Incoming { return &AddPosition{} },
	"remove_position":     func() Incoming { return &RemovePosition{} },
	"get_last_check":      func() Incoming { return &GetLastCheck{} },
	"get_last_water":      func() Incoming { return &GetLastWater{} },
	"set_stage":           func() Incoming { return &SetStage{} },
	"recheck":             func() Incoming { return &Recheck{} },
}

var outgoingTypes = map[string]func() Outgoing{
	"report_moving":     func() Outgoing { return &ReportMoving{} },
	"report_watering":   func() Outgoing { return &ReportWatering{} },
	"report_capturing":  func() Outgoing { return &ReportCapturing{} },
	"report_auto_water": func() Outgoing { return &ReportAutoWater{} },
	"report_auto_check": func() Outgoing { return &ReportAutoCheck{} },
	"report_position":   func() Outgoing { return &ReportPosition{} },
	"report_water_done": func() Outgoing { return &ReportWaterDone{} },
	"report_check_done": func() Outgoing { return &ReportCheckDone{} },
	"report_stage":      func() Outgoing { return &ReportStage{} },
	"status":            func() Outgoing { return &Status{} },
	"error":             func() Outgoing { return &Error{} },
}

// Encode serialises msg as a flat JSON object with a "type" field.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	tag, _ := json.Marshal(msg.Type()) //nolint:errcheck // a string always marshals

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeIncoming parses a request. Unknown types and malformed fields
// return an error wrapping ErrUnknownType or ErrMalformed.
func DecodeIncoming(data []byte) (Incoming, error) {
	tag, err := peekType(data)
	if err != nil {
		return nil, err
	}
	newMsg, ok := incomingTypes[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, tag, err)
	}
	return deref(msg).(Incoming), nil
}

// DecodeOutgoing parses a report, as received by a remote subscriber.
func DecodeOutgoing(data []byte) (Outgoing, error) {
	tag, err := peekType(data)
	if err != nil {
		return nil, err
	}
	newMsg, ok := outgoingTypes[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, tag, err)
	}
	return deref(msg).(Outgoing), nil
}

func peekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env.Type, nil
}

// deref turns the decoding pointer back into the value type handlers
// switch on.
func deref(m Message) Message {
	return reflect.ValueOf(m).Elem().Interface().(Message)
}
