package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/browsertap/relay/internal/event"
	"github.com/browsertap/relay/internal/upstream"
)

func TestClientImplementsUpstream(t *testing.T) {
	var _ upstream.Client = NewClient()
}

func TestListTargetsSelectable(t *testing.T) {
	c := NewClient()
	targets, err := c.ListTargets(context.Background())
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if _, ok := upstream.SelectTarget(targets); !ok {
		t.Fatal("mock target not selectable")
	}
}

func TestGeneratedEventsAreWellFormed(t *testing.T) {
	c := NewClient()
	conn, err := c.Attach(context.Background(), upstream.Target{ID: "mock-target"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	var got []event.Event
	conn.Listen(func(e event.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 2 {
		t.Fatalf("generated %d events, want at least a request/finish pair", len(got))
	}
	for _, e := range got {
		// Every generated event must survive the wire format.
		data, err := event.Marshal(e)
		if err != nil {
			t.Fatalf("marshal %T: %v", e, err)
		}
		if _, err := event.Decode(data); err != nil {
			t.Fatalf("decode %T: %v", e, err)
		}
	}
}

func TestMetricsStable(t *testing.T) {
	c := NewClient()
	conn, err := c.Attach(context.Background(), upstream.Target{ID: "mock-target"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer conn.Close()

	metrics, err := conn.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(metrics) == 0 {
		t.Fatal("no metrics")
	}
	for _, m := range metrics {
		if m.Name == "" {
			t.Error("metric with empty name")
		}
	}
}
