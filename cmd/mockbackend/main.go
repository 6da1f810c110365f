// Package main provides the veris-mockbackend CLI binary. It starts an
// in-memory Veris Memory API stand-in for local development and testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/mockbackend"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8432", "HTTP server address")
	failRate := flag.Float64("fail-rate", 0, "Fraction of tool requests that fail with a 500 (0.0 to 1.0)")
	latency := flag.Int("latency", 0, "Fixed latency added to tool requests in milliseconds")
	flag.Parse()

	cfg := mockbackend.DefaultConfig()
	cfg.Addr = *addr
	cfg.FailRate = *failRate
	cfg.LatencyMs = *latency

	server := mockbackend.New(cfg)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting mock backend: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mock Veris Memory API listening on %s\n", server.URL())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Stop(ctx)
	fmt.Println("Mock backend stopped")
}
