package gateway

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncode_FlatWithType(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want map[string]any
	}{
		{
			name: "empty body",
			msg:  GetReport{},
			want: map[string]any{"type": "get_report"},
		},
		{
			name: "coordinates",
			msg:  Water{X: 10, Y: 20},
			want: map[string]any{"type": "water", "x": 10.0, "y": 20.0},
		},
		{
			name: "check done",
			msg: ReportCheckDone{
				X: 1, Y: 2, Top: 3, Left: 4, Right: 5, Bottom: 6,
				Stage: "young", Image: "abc",
				Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			},
			want: map[string]any{
				"type": "report_check_done", "x": 1.0, "y": 2.0,
				"top": 3.0, "left": 4.0, "right": 5.0, "bottom": 6.0,
				"stage": "young", "image": "abc", "timestamp": "2026-03-01T00:00:00Z",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Encode() produced invalid JSON %s: %v", data, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Encode() = %s, want keys %v", data, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %q = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestDecodeIncoming(t *testing.T) {
	tests := []struct {
		input string
		want  Incoming
	}{
		{`{"type":"get_report"}`, GetReport{}},
		{`{"type":"water","x":10,"y":20}`, Water{X: 10, Y: 20}},
		{`{"type":"set_auto_check","value":false}`, SetAutoCheck{Value: false}},
		{`{"type":"recheck","check_id":7}`, Recheck{CheckID: 7}},
		{`{"type":"set_stage","stage":"frost","check_period":60,"water_period":120,"water_duration":1.5}`,
			SetStage{Stage: "frost", CheckPeriod: 60, WaterPeriod: 120, WaterDuration: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := DecodeIncoming([]byte(tt.input))
			if err != nil {
				t.Fatalf("DecodeIncoming() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeIncoming() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeIncoming_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"not json", `water`, ErrMalformed},
		{"missing type", `{"x":1}`, ErrMalformed},
		{"unknown type", `{"type":"dance"}`, ErrUnknownType},
		{"outgoing type", `{"type":"report_moving","value":true}`, ErrUnknownType},
		{"bad field", `{"type":"water","x":"ten"}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeIncoming([]byte(tt.input)); !errors.Is(err, tt.want) {
				t.Errorf("DecodeIncoming() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeOutgoing(t *testing.T) {
	data, err := Encode(ReportWaterDone{X: 3, Y: 4, Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeOutgoing(data)
	if err != nil {
		t.Fatalf("DecodeOutgoing() error = %v", err)
	}
	done, ok := got.(ReportWaterDone)
	if !ok || done.X != 3 || done.Y != 4 || done.Timestamp.Hour() != 9 {
		t.Errorf("DecodeOutgoing() = %#v", got)
	}
}

func TestRegistries_MatchTypeTags(t *testing.T) {
	for tag, newMsg := range incomingTypes {
		if got := newMsg().Type(); got != tag {
			t.Errorf("incoming registry %q builds %q", tag, got)
		}
	}
	for tag, newMsg := range outgoingTypes {
		if got := newMsg().Type(); got != tag {
			t.Errorf("outgoing registry %q builds %q", tag, got)
		}
	}
}
