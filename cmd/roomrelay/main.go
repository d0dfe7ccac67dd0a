// Package main starts the room relay and handles termination.
//
// With -probe the binary checks a running relay's ops health endpoint
// instead, which suits container health checks.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	relaycmd "github.com/louisbranch/roomrelay/internal/cmd/roomrelay"
	"github.com/louisbranch/roomrelay/internal/platform/config"
)

func main() {
	cfg, err := relaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[ROOMRELAY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Probe {
		if err := relaycmd.Probe(ctx, cfg); err != nil {
			config.Exitf("probe failed: %v", err)
		}
		return
	}
	if err := relaycmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
