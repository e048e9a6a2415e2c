// Package app holds the startup and shutdown sequence shared by the
// gateway and relay binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"robot-gateway-go/internal/api"
	"robot-gateway-go/internal/api/handlers"
	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/logging"
	"robot-gateway-go/internal/services/messaging"
)

// Node is a UDP node: a gateway server or the relay.
type Node interface {
	Run(ctx context.Context) error
}

// Flags registers the flags every binary accepts. They override the
// environment loaded into cfg.
func Flags(name string, cfg *config.Config, port *int) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "UDP listen host")
	fs.IntVarP(port, "port", "p", *port, "UDP listen port")
	fs.StringVar(&cfg.HMACSecret, "secret", cfg.HMACSecret, "shared HMAC secret")
	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "node id used in logs and stats")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	fs.BoolVar(&cfg.AdminEnabled, "admin", cfg.AdminEnabled, "serve the admin HTTP API")
	fs.IntVar(&cfg.AdminPort, "admin-port", cfg.AdminPort, "admin HTTP API port")
	fs.BoolVar(&cfg.NatsEnabled, "nats", cfg.NatsEnabled, "connect to NATS for stats and robot commands")
	fs.StringVar(&cfg.NatsURL, "nats-url", cfg.NatsURL, "NATS server URL")
	return fs
}

// Parse parses args into fs and sets up logging from the result.
func Parse(fs *pflag.FlagSet, cfg *config.Config, args []string) {
	_ = fs.Parse(args)
	cfg.Normalize()
	logging.Setup(cfg)
}

// ConnectBus connects to NATS when enabled. A failed connection is
// logged and the node runs without the bus.
func ConnectBus(cfg *config.Config, name string) *messaging.Service {
	if !cfg.NatsEnabled {
		return nil
	}
	bus, err := messaging.NewService(cfg, fmt.Sprintf("%s-%s", name, cfg.NodeID))
	if err != nil {
		log.Error().Err(err).Msg("NATS unavailable, continuing without it")
		return nil
	}
	return bus
}

// Run runs node until SIGINT or SIGTERM, serving the admin API for
// backend when enabled, then shuts everything down within
// cfg.ShutdownTimeout.
func Run(cfg *config.Config, name string, node Node, backend handlers.Backend, bus *messaging.Service) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("node", name).
		Str("node_id", cfg.NodeID).
		Str("version", cfg.Version).
		Bool("admin", cfg.AdminEnabled).
		Bool("nats", bus != nil).
		Msg("Starting node")

	nodeErr := make(chan error, 1)
	go func() { nodeErr <- node.Run(ctx) }()

	var admin *api.Server
	if cfg.AdminEnabled {
		admin = api.NewServer(cfg, backend, log.Logger)
		go func() {
			if err := admin.Start(); err != nil {
				log.Error().Err(err).Msg("Admin API failed")
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-nodeErr:
		// Bind failure; nothing else is running yet.
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if admin != nil {
		if err := admin.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Admin API forced to shutdown")
		}
	}

	if runErr == nil {
		select {
		case runErr = <-nodeErr:
		case <-shutdownCtx.Done():
			runErr = fmt.Errorf("%s did not stop within %s", name, cfg.ShutdownTimeout)
		}
	}

	if bus != nil {
		if err := bus.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Msg("NATS shutdown failed")
		}
	}

	if runErr != nil {
		return runErr
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

// Exit logs err and exits non-zero, or exits zero when err is nil.
func Exit(err error) {
	if err != nil {
		log.Error().Err(err).Msg("Node failed")
		os.Exit(1)
	}
	os.Exit(0)
}
