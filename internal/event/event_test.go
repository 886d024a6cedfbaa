package event

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestMarshal_KindStamped(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want Kind
	}{
		{"network", NetworkRequestStarted{RequestID: "r1", URL: "http://a"}, KindNetwork},
		{"networkFinish", NetworkRequestFinished{RequestID: "r1"}, KindNetworkFinish},
		{"exception", RuntimeException{Text: "boom"}, KindException},
		{"performance", PerformanceSample{Metrics: []Metric{{Name: "Nodes", Value: 42}}}, KindPerformance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.ev)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("frame not valid JSON: %v", err)
			}
			if got := frame["kind"]; got != string(tt.want) {
				t.Errorf("kind = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	ts := Millis(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	tests := []struct {
		name string
		ev   Event
	}{
		{
			"network full",
			NetworkRequestStarted{
				RequestID: "19.7", URL: "https://example.com/app.js",
				Status: 200, ResourceType: "Script", Protocol: "h2",
				EncodedBytes: 1832, TS: ts,
			},
		},
		{
			// status is optional on the wire; a zero value must survive
			"network missing status",
			NetworkRequestStarted{RequestID: "19.8", URL: "https://example.com/ws", TS: ts},
		},
		{
			"networkFinish",
			NetworkRequestFinished{RequestID: "19.7", EncodedBytes: 20051, TS: ts},
		},
		{
			"exception",
			RuntimeException{Text: "Uncaught TypeError", URL: "https://example.com/app.js", Line: 12, Column: 4, TS: ts},
		},
		{
			"performance",
			PerformanceSample{
				Metrics: []Metric{{Name: "JSHeapUsedSize", Value: 12e6}, {Name: "Nodes", Value: 913}},
				TS:      ts,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.ev)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			// Marshal stamps the discriminator; mirror that on the input
			// before comparing.
			want := tt.ev
			switch v := want.(type) {
			case NetworkRequestStarted:
				v.Kind = KindNetwork
				want = v
			case NetworkRequestFinished:
				v.Kind = KindNetworkFinish
				want = v
			case RuntimeException:
				v.Kind = KindException
				want = v
			case PerformanceSample:
				v.Kind = KindPerformance
				want = v
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, want)
			}
		})
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"kind":"telepathy","ts":1}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecode_NotJSON(t *testing.T) {
	if _, err := Decode([]byte(`nope`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestMetricOrderPreserved(t *testing.T) {
	s := PerformanceSample{Metrics: []Metric{
		{Name: "b", Value: 2}, {Name: "a", Value: 1}, {Name: "c", Value: 3},
	}}
	data, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sample, ok := got.(PerformanceSample)
	if !ok {
		t.Fatalf("decoded as %T, want PerformanceSample", got)
	}
	for i, name := range []string{"b", "a", "c"} {
		if sample.Metrics[i].Name != name {
			t.Errorf("metrics[%d] = %q, want %q", i, sample.Metrics[i].Name, name)
		}
	}
}
