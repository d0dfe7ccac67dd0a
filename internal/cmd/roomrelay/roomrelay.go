// Package roomrelay parses relay command flags and composes the relay
// process and its health probe.
package roomrelay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	entrypoint "github.com/louisbranch/roomrelay/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/roomrelay/internal/platform/grpc"
	"github.com/louisbranch/roomrelay/internal/platform/timeouts"
	server "github.com/louisbranch/roomrelay/internal/services/relay/app"
)

// Config holds relay command configuration.
type Config struct {
	TCPAddr         string `env:"TCP_ADDR"          envDefault:":8000"`
	HTTPAddr        string `env:"HTTP_ADDR"`
	OpsAddr         string `env:"OPS_ADDR"`
	StatePath       string `env:"STATE_PATH"`
	JoinAttempts    int    `env:"JOIN_ATTEMPTS"     envDefault:"4"`
	ReadBufferBytes int    `env:"READ_BUFFER_BYTES" envDefault:"1024"`

	// Probe checks a running relay's ops endpoint instead of serving.
	Probe bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "chat TCP listen address")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "WebSocket gateway listen address (disabled when empty)")
	fs.StringVar(&cfg.OpsAddr, "ops-addr", cfg.OpsAddr, "ops gRPC health listen address (disabled when empty)")
	fs.StringVar(&cfg.StatePath, "state-path", cfg.StatePath, "sqlite file persisting the room id counter (in memory when empty)")
	fs.IntVar(&cfg.JoinAttempts, "join-attempts", cfg.JoinAttempts, "join handshake attempts per connection")
	fs.IntVar(&cfg.ReadBufferBytes, "read-buffer", cfg.ReadBufferBytes, "maximum bytes per inbound message")
	fs.BoolVar(&cfg.Probe, "probe", false, "check the ops health endpoint of a running relay and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.JoinAttempts < 1 {
		return Config{}, fmt.Errorf("join attempts must be at least 1, got %d", cfg.JoinAttempts)
	}
	if cfg.ReadBufferBytes < 1 {
		return Config{}, fmt.Errorf("read buffer must be at least 1 byte, got %d", cfg.ReadBufferBytes)
	}
	return cfg, nil
}

// Run builds the relay and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			TCPAddr:         cfg.TCPAddr,
			HTTPAddr:        cfg.HTTPAddr,
			OpsAddr:         cfg.OpsAddr,
			StatePath:       cfg.StatePath,
			JoinAttempts:    cfg.JoinAttempts,
			ReadBufferBytes: cfg.ReadBufferBytes,
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}

// Probe reports whether the relay behind cfg.OpsAddr is serving.
func Probe(ctx context.Context, cfg Config) error {
	addr := strings.TrimSpace(cfg.OpsAddr)
	if addr == "" {
		return errors.New("probe requires an ops address")
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceProbe, func(ctx context.Context) error {
		conn, err := platformgrpc.DialWithHealth(ctx, addr, server.HealthService, timeouts.GRPCDial, log.Printf)
		if err != nil {
			return fmt.Errorf("probe %s: %w", addr, err)
		}
		defer conn.Close()
		log.Printf("relay at %s is serving", addr)
		return nil
	})
}
