package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/browsertap/relay/internal/event"
)

// State is the upstream connection state. There is exactly one Session per
// process, so exactly one State at a time.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	default:
		return "disconnected"
	}
}

// MarshalJSON renders the state as its string form for diagnostics.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is a snapshot of the session for diagnostics (the health endpoint).
type Status struct {
	State   State  `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Target  Target `json:"target,omitempty"`
}

// Options configure the session's retry machine and sampler.
type Options struct {
	// BaseRetryDelay is the delay after the first failed attach attempt.
	// Attempt n's failure is followed by BaseRetryDelay << (n-1), uncapped.
	BaseRetryDelay time.Duration

	// MaxAttachRetries bounds consecutive attach failures before the
	// session gives up and Run returns an error.
	MaxAttachRetries int

	// MetricsInterval is the nominal performance sampling cadence.
	MetricsInterval time.Duration
}

// Session keeps exactly one instrumentation session alive, reattaching on
// disconnect with bounded exponential backoff, and pushes every telemetry
// event it produces into a single sink.
type Session struct {
	client Client
	sink   EventSink
	opts   Options

	// sleep is swapped out by tests to observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	attempt int
	target  Target
	gen     uint64 // bumped on every attach; stale listeners are muted by it
}

func NewSession(client Client, sink EventSink, opts Options) *Session {
	return &Session{
		client: client,
		sink:   sink,
		opts:   opts,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Status returns the current connection state snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state}
	if s.state == StateConnecting {
		st.Attempt = s.attempt
	}
	if s.state == StateAttached {
		st.Target = s.target
	}
	return st
}

// Run drives the session until ctx is cancelled or the retry budget is
// exhausted. It returns nil on cancellation and an error only when the
// session has given up, which is reported exactly once.
func (s *Session) Run(ctx context.Context) error {
	recovery := false
	for {
		conn, err := s.connect(ctx, recovery)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			conn.Close()
			s.setDisconnected()
			return nil
		case <-conn.Done():
			// Transport dropped. Retry immediately, counter back at 1.
			log.Printf("upstream: session disconnected, reattaching")
			conn.Close()
			s.setDisconnected()
			recovery = true
		}
	}
}

// connect runs one full attach sequence: attempts 1..MaxAttachRetries with
// exponential backoff between them. A successful attach resets the counter
// for whatever failure sequence comes next.
func (s *Session) connect(ctx context.Context, recovery bool) (Conn, error) {
	verb := "attaching"
	if recovery {
		verb = "reattaching"
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.setConnecting(attempt)

		conn, target, err := s.attachOnce(ctx)
		if err == nil {
			gen := s.setAttached(target)
			log.Printf("upstream: %s succeeded on attempt %d: %q (%s)", verb, attempt, target.Title, target.URL)
			conn.Listen(s.boundSink(gen))
			go s.metricsLoop(ctx, conn, gen)
			return conn, nil
		}
		lastErr = err
		log.Printf("upstream: attach attempt %d failed: %v", attempt, err)

		if attempt >= s.opts.MaxAttachRetries {
			s.setDisconnected()
			return nil, fmt.Errorf("upstream: giving up after %d attach attempts: %w", attempt, lastErr)
		}

		delay := s.opts.BaseRetryDelay << (attempt - 1)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (s *Session) attachOnce(ctx context.Context) (Conn, Target, error) {
	candidates, err := s.client.ListTargets(ctx)
	if err != nil {
		return nil, Target{}, fmt.Errorf("list targets: %w", err)
	}
	target, ok := SelectTarget(candidates)
	if !ok {
		return nil, Target{}, ErrNoTargets
	}
	conn, err := s.client.Attach(ctx, target)
	if err != nil {
		return nil, Target{}, fmt.Errorf("attach %q: %w", target.URL, err)
	}
	return conn, target, nil
}

// boundSink wraps the session sink with a generation check so that a
// superseded connection's trailing events are dropped instead of leaking
// across a reattach.
func (s *Session) boundSink(gen uint64) EventSink {
	return func(e event.Event) {
		s.mu.Lock()
		current := s.gen == gen
		s.mu.Unlock()
		if current {
			s.sink(e)
		}
	}
}

// metricsLoop samples Performance.getMetrics at the configured cadence.
// Each tick arms the next only after its own fetch completes, so a slow
// fetch never overlaps the next one. A transient fetch failure skips the
// tick; it is not a disconnect.
func (s *Session) metricsLoop(ctx context.Context, conn Conn, gen uint64) {
	sink := s.boundSink(gen)
	for {
		metrics, err := conn.Metrics(ctx)
		if err == nil && len(metrics) > 0 {
			sink(event.PerformanceSample{Metrics: metrics, TS: event.Millis(time.Now())})
		}

		t := time.NewTimer(s.opts.MetricsInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-conn.Done():
			t.Stop()
			return
		case <-t.C:
		}

		s.mu.Lock()
		current := s.gen == gen
		s.mu.Unlock()
		if !current {
			return
		}
	}
}

func (s *Session) setConnecting(attempt int) {
	s.mu.Lock()
	s.state = StateConnecting
	s.attempt = attempt
	s.mu.Unlock()
}

func (s *Session) setAttached(target Target) uint64 {
	s.mu.Lock()
	s.state = StateAttached
	s.attempt = 0
	s.target = target
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	return gen
}

func (s *Session) setDisconnected() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.target = Target{}
	s.mu.Unlock()
}
