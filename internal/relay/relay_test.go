package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/browsertap/relay/internal/config"
	"github.com/browsertap/relay/internal/event"
	"github.com/browsertap/relay/internal/upstream"
)

type failingClient struct{}

func (failingClient) ListTargets(ctx context.Context) ([]upstream.Target, error) {
	return nil, errors.New("connection refused")
}

func (failingClient) Attach(ctx context.Context, t upstream.Target) (upstream.Conn, error) {
	return nil, errors.New("unreachable")
}

func testConfig() *config.Config {
	cfg, err := config.Load("/nonexistent/relay.yaml")
	if err != nil {
		panic(err)
	}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // ephemeral; the tests never dial in
	cfg.Upstream.BaseRetryDelay = config.Duration(time.Millisecond)
	cfg.Upstream.MaxAttachRetries = 2
	return cfg
}

func TestRun_FatalWhenRetryBudgetExhausted(t *testing.T) {
	c := New(testConfig(), failingClient{})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run should surface the upstream give-up")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after retry budget exhausted")
	}

	if !c.ShuttingDown() {
		t.Error("shutdown flag not set after fatal stop")
	}
}

func TestRun_CleanShutdownOnCancel(t *testing.T) {
	// A client that attaches successfully and stays up.
	client := &stayUpClient{}
	c := New(testConfig(), client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Let the session attach before shutting down.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.session.Status().State == upstream.StateAttached {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run on cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type stayUpClient struct{}

func (stayUpClient) ListTargets(ctx context.Context) ([]upstream.Target, error) {
	return []upstream.Target{{ID: "t1", Kind: upstream.TargetPage, URL: "https://example.com"}}, nil
}

func (stayUpClient) Attach(ctx context.Context, t upstream.Target) (upstream.Conn, error) {
	return &idleConn{done: make(chan struct{})}, nil
}

type idleConn struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (c *idleConn) Listen(sink upstream.EventSink) {}

func (c *idleConn) Metrics(ctx context.Context) ([]event.Metric, error) {
	return nil, errors.New("no metrics")
}

func (c *idleConn) Done() <-chan struct{} { return c.done }

func (c *idleConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
