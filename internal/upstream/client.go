package upstream

import (
	"context"
	"errors"

	"github.com/browsertap/relay/internal/event"
)

// ErrNoTargets is returned by an attach attempt when the browser reports
// no targets at all.
var ErrNoTargets = errors.New("upstream: no attachable targets")

// EventSink receives telemetry as it is produced. Implementations must not
// block: the session calls the sink from its listener goroutines.
type EventSink func(event.Event)

// Client abstracts the instrumentation protocol endpoint so the session's
// retry machine can be driven by fakes in tests. The session calls
// ListTargets then Attach once per attach attempt, never concurrently.
type Client interface {
	// ListTargets enumerates the attachable targets on the discovery port.
	ListTargets(ctx context.Context) ([]Target, error)

	// Attach opens an instrumentation session against the target and
	// activates the network, page, runtime, and performance domains.
	// Failure of any single domain activation fails the whole attempt;
	// a partially activated session is never returned.
	Attach(ctx context.Context, target Target) (Conn, error)
}

// Conn is one live attached session. Owned by the Session; superseded
// wholesale on reattach.
type Conn interface {
	// Listen registers the per-domain event listeners. Events flow into
	// sink until the connection ends. Called exactly once, after Attach.
	Listen(sink EventSink)

	// Metrics fetches one performance-metrics sample.
	Metrics(ctx context.Context) ([]event.Metric, error)

	// Done is closed when the underlying transport drops, however that
	// happens: target navigation away, tab close, browser exit.
	Done() <-chan struct{}

	// Close tears the connection down. Idempotent.
	Close() error
}
