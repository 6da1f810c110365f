// Package main provides the veris-mcp CLI binary: an MCP server that
// bridges stdio-speaking hosts to the Veris Memory API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/logging"
	"github.com/veris-memory/veris-mcp-go/internal/server"
)

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "serve":
		os.Exit(runServe(args))
	case "init":
		os.Exit(runInit(args))
	case "version":
		fmt.Printf("%s %s\n", server.Name, server.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\nUsage: veris-mcp [serve|init|version] [flags]\n", command)
		os.Exit(2)
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("VERIS_MCP_CONFIG_PATH"), "Path to a JSON or YAML config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return 1
	}

	// stdout carries the protocol; all logging goes to stderr.
	logger := logging.NewWithWriter(os.Stderr, cfg.Server.LogLevel, server.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building server: %v\n", err)
		return 1
	}

	if err := srv.Run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	output := fs.String("output", "veris-mcp.json", "Where to write the default configuration")
	fs.Parse(args)

	if _, err := os.Stat(*output); err == nil {
		fmt.Fprintf(os.Stderr, "Refusing to overwrite existing file: %s\n", *output)
		return 1
	}
	if err := config.WriteDefault(*output); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing configuration: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote default configuration to %s\n", *output)
	return 0
}
