package main

import (
	"os"

	"robot-gateway-go/internal/api"
	"robot-gateway-go/internal/app"
	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/logging"
	"robot-gateway-go/internal/relay"
)

func main() {
	cfg := config.Load()

	fs := app.Flags("relay-server", cfg, &cfg.RelayPort)
	fs.DurationVar(&cfg.RelayClientTTL, "client-ttl", cfg.RelayClientTTL, "forget clients silent for this long (0 keeps them)")
	fs.BoolVar(&cfg.RelayVerifySignature, "verify-signature", cfg.RelayVerifySignature, "require signed relay headers")
	app.Parse(fs, cfg, os.Args[1:])

	bus := app.ConnectBus(cfg, "relay-server")

	opts := relay.OptionsFromConfig(cfg)
	opts.Logger = logging.NewServiceLogger(cfg, "relay")
	if bus != nil {
		opts.StatsPublisher = bus
	}
	node := relay.New(opts)

	app.Exit(app.Run(cfg, "relay-server", node, &api.RelayNodeBackend{Node: node}, bus))
}
