// Package mock provides a synthetic upstream client so the relay can run
// without a browser: plausible network traffic, the occasional exception,
// and steady performance samples flow through the real session machinery.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/browsertap/relay/internal/event"
	"github.com/browsertap/relay/internal/upstream"
)

var mockURLs = []string{
	"https://app.example.com/api/v1/items",
	"https://app.example.com/api/v1/user",
	"https://app.example.com/static/app.js",
	"https://app.example.com/static/styles.css",
	"https://cdn.example.com/img/hero.webp",
	"https://telemetry.example.com/collect",
}

var mockResourceTypes = []string{"XHR", "Fetch", "Script", "Stylesheet", "Image", "Document"}

// Client implements upstream.Client with generated telemetry.
type Client struct{}

func NewClient() *Client { return &Client{} }

func (c *Client) ListTargets(ctx context.Context) ([]upstream.Target, error) {
	return []upstream.Target{{
		ID:    "mock-target",
		Title: "Mock Application",
		URL:   "https://app.example.com/",
		Kind:  upstream.TargetPage,
	}}, nil
}

func (c *Client) Attach(ctx context.Context, target upstream.Target) (upstream.Conn, error) {
	return &conn{done: make(chan struct{}), start: time.Now()}, nil
}

type conn struct {
	done      chan struct{}
	closeOnce sync.Once
	start     time.Time
}

func (c *conn) Listen(sink upstream.EventSink) {
	go c.generate(sink)
}

// generate emits a request/finish pair every few hundred milliseconds and
// an exception roughly every twenty requests.
func (c *conn) generate(sink upstream.EventSink) {
	seq := 0
	for {
		delay := time.Duration(150+rand.Intn(500)) * time.Millisecond
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		seq++
		id := fmt.Sprintf("mock.%d", seq)
		url := mockURLs[rand.Intn(len(mockURLs))]
		size := float64(500 + rand.Intn(150_000))

		sink(event.NetworkRequestStarted{
			RequestID:    id,
			URL:          url,
			Status:       pickStatus(),
			ResourceType: mockResourceTypes[rand.Intn(len(mockResourceTypes))],
			Protocol:     "h2",
			EncodedBytes: size / 4,
			TS:           event.Millis(time.Now()),
		})
		sink(event.NetworkRequestFinished{
			RequestID:    id,
			EncodedBytes: size,
			TS:           event.Millis(time.Now()),
		})

		if seq%20 == 0 {
			sink(event.RuntimeException{
				Text:   "Uncaught TypeError: Cannot read properties of undefined (reading 'data')",
				URL:    "https://app.example.com/static/app.js",
				Line:   1 + rand.Intn(400),
				Column: 1 + rand.Intn(120),
				TS:     event.Millis(time.Now()),
			})
		}
	}
}

func pickStatus() int {
	r := rand.Intn(100)
	switch {
	case r < 85:
		return 200
	case r < 92:
		return 304
	case r < 97:
		return 404
	default:
		return 500
	}
}

// Metrics fabricates a heap that breathes and a DOM that slowly grows.
func (c *conn) Metrics(ctx context.Context) ([]event.Metric, error) {
	elapsed := time.Since(c.start).Seconds()
	heap := 18e6 + 6e6*math.Sin(elapsed/7) + float64(rand.Intn(1_000_000))
	nodes := 800 + elapsed*2 + float64(rand.Intn(40))
	return []event.Metric{
		{Name: "JSHeapUsedSize", Value: heap},
		{Name: "JSHeapTotalSize", Value: 64e6},
		{Name: "Nodes", Value: nodes},
		{Name: "Documents", Value: 3},
		{Name: "JSEventListeners", Value: 120 + float64(rand.Intn(10))},
	}, nil
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
