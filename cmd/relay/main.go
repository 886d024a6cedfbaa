package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/browsertap/relay/internal/config"
	"github.com/browsertap/relay/internal/mock"
	"github.com/browsertap/relay/internal/relay"
	"github.com/browsertap/relay/internal/upstream"
)

func main() {
	mockMode := flag.Bool("mock", false, "Generate synthetic telemetry instead of attaching to a browser")
	configPath := flag.String("config", "relay.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override listen port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	var client upstream.Client
	if *mockMode {
		log.Println("Starting in mock mode (synthetic telemetry)")
		client = mock.NewClient()
	} else {
		log.Printf("Attaching to browser DevTools on port %d", cfg.Upstream.DevToolsPort)
		client = upstream.NewRodClient(cfg.Upstream.DevToolsPort)
	}

	coordinator := relay.New(cfg, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	if err := coordinator.Run(ctx); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
}
