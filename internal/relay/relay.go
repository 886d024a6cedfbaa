// Package relay wires the upstream session's output into the broadcast hub
// and owns process-wide startup and shutdown sequencing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browsertap/relay/internal/config"
	"github.com/browsertap/relay/internal/hub"
	"github.com/browsertap/relay/internal/upstream"
)

// Coordinator owns the hub, the HTTP listener, and the upstream session,
// in that startup order: downstream subscribers may connect before any
// upstream session exists and simply receive nothing until one attaches.
type Coordinator struct {
	cfg     *config.Config
	hub     *hub.Hub
	session *upstream.Session
	server  *hub.Server

	shuttingDown atomic.Bool
}

// New builds a coordinator around the given upstream client. The client is
// injected so -mock and tests can swap the CDP transport out.
func New(cfg *config.Config, client upstream.Client) *Coordinator {
	h := hub.New(cfg.Hub.HeartbeatInterval.Std(), cfg.Hub.SendBuffer)

	session := upstream.NewSession(client, h.Publish, upstream.Options{
		BaseRetryDelay:   cfg.Upstream.BaseRetryDelay.Std(),
		MaxAttachRetries: cfg.Upstream.MaxAttachRetries,
		MetricsInterval:  cfg.Upstream.MetricsInterval.Std(),
	})

	server := hub.NewServer(h, session,
		cfg.Server.AllowedOrigins, cfg.Server.AuthToken,
		cfg.Server.Port, cfg.Upstream.DevToolsPort)

	return &Coordinator{
		cfg:     cfg,
		hub:     h,
		session: session,
		server:  server,
	}
}

// Run starts everything and blocks until ctx is cancelled or a fatal
// condition stops the relay. Cancellation is the shutdown signal: it
// suppresses further reattachment, closes the upstream session, closes
// every subscriber with a going-away code, and stops the listener.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", c.cfg.Server.Host, c.cfg.Server.Port)
	mux := http.NewServeMux()
	c.server.SetupRoutes(mux)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	httpErr := make(chan error, 1)
	go func() {
		log.Printf("relay: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- c.session.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		runErr = fmt.Errorf("relay: listener failed: %w", err)
	case err := <-sessionErr:
		// Run returns non-nil only when the retry budget is exhausted.
		if err != nil {
			runErr = err
		}
	}

	c.shuttingDown.Store(true)
	cancel() // stops the session's retry loop and the heartbeat sweep

	c.hub.CloseAll(websocket.CloseNormalClosure)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("relay: listener shutdown: %v", err)
	}

	return runErr
}

// ShuttingDown reports whether shutdown has begun.
func (c *Coordinator) ShuttingDown() bool {
	return c.shuttingDown.Load()
}
