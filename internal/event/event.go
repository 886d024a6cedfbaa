// Package event defines the canonical telemetry events the relay emits.
// Every event is an immutable value object: built once by the upstream
// session, serialized once by the hub, and discarded. The wire form is a
// flat JSON object with a "kind" discriminator and a "ts" epoch-millisecond
// timestamp.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates telemetry event variants on the wire.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindNetworkFinish Kind = "networkFinish"
	KindException     Kind = "exception"
	KindPerformance   Kind = "performance"
)

// Event is implemented by every telemetry variant.
type Event interface {
	EventKind() Kind
}

// Millis converts a wall-clock time to the epoch-millisecond timestamp
// used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NetworkRequestStarted is emitted once per response received on the
// upstream network domain. Only the fields downstream consumers render are
// carried; keeping frames small is deliberate.
type NetworkRequestStarted struct {
	Kind         Kind    `json:"kind"`
	RequestID    string  `json:"id"`
	URL          string  `json:"url"`
	Status       int     `json:"status,omitempty"`
	ResourceType string  `json:"resourceType,omitempty"`
	Protocol     string  `json:"protocol,omitempty"`
	EncodedBytes float64 `json:"encodedBytes"`
	TS           int64   `json:"ts"`
}

func (NetworkRequestStarted) EventKind() Kind { return KindNetwork }

// NetworkRequestFinished is emitted once per loading-finished notification
// and carries the final encoded size for the request id.
type NetworkRequestFinished struct {
	Kind         Kind    `json:"kind"`
	RequestID    string  `json:"id"`
	EncodedBytes float64 `json:"encodedBytes"`
	TS           int64   `json:"ts"`
}

func (NetworkRequestFinished) EventKind() Kind { return KindNetworkFinish }

// RuntimeException is emitted for every uncaught exception on the target.
type RuntimeException struct {
	Kind   Kind   `json:"kind"`
	Text   string `json:"text"`
	URL    string `json:"url,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	TS     int64  `json:"ts"`
}

func (RuntimeException) EventKind() Kind { return KindException }

// Metric is one named performance counter. Order within a sample is
// preserved, which is why PerformanceSample carries a slice and not a map.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// PerformanceSample is one tick of the performance-metrics sampler.
type PerformanceSample struct {
	Kind    Kind     `json:"kind"`
	Metrics []Metric `json:"metrics"`
	TS      int64    `json:"ts"`
}

func (PerformanceSample) EventKind() Kind { return KindPerformance }

// Marshal serializes an event to its wire frame, stamping the kind field
// so constructors never have to set it themselves.
func Marshal(e Event) ([]byte, error) {
	switch v := e.(type) {
	case NetworkRequestStarted:
		v.Kind = KindNetwork
		return json.Marshal(v)
	case NetworkRequestFinished:
		v.Kind = KindNetworkFinish
		return json.Marshal(v)
	case RuntimeException:
		v.Kind = KindException
		return json.Marshal(v)
	case PerformanceSample:
		v.Kind = KindPerformance
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("event: unknown type %T", e)
	}
}

// Decode parses a wire frame back into its typed variant, dispatching on
// the kind discriminator. Used by tests and by downstream Go consumers.
func Decode(data []byte) (Event, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}

	switch probe.Kind {
	case KindNetwork:
		var e NetworkRequestStarted
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindNetworkFinish:
		var e NetworkRequestFinished
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindException:
		var e RuntimeException
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindPerformance:
		var e PerformanceSample
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("event: unknown kind %q", probe.Kind)
	}
}
