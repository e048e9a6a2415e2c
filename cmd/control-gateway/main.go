package main

import (
	"os"

	"robot-gateway-go/internal/api"
	"robot-gateway-go/internal/app"
	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/gateway"
	"robot-gateway-go/internal/logging"
	"robot-gateway-go/internal/services/control"
)

func main() {
	cfg := config.Load()

	fs := app.Flags("control-gateway", cfg, &cfg.ControlGatewayPort)
	fs.StringVar(&cfg.RobotCommandSubject, "command-subject", cfg.RobotCommandSubject, "NATS subject prefix for robot commands")
	fs.BoolVar(&cfg.RobotRequestReply, "request-reply", cfg.RobotRequestReply, "wait for the robot to answer each command")
	app.Parse(fs, cfg, os.Args[1:])

	bus := app.ConnectBus(cfg, "control-gateway")
	logger := logging.NewServiceLogger(cfg, "control")

	var ctrl control.RobotController = control.NewLogController(logger)
	if bus != nil {
		ctrl = control.NewNATSController(bus, cfg.RobotCommandSubject, cfg.RobotRequestReply)
	} else {
		logger.Warn().Msg("No robot bus configured, commands are only logged")
	}
	svc := control.New(ctrl, cfg.CommandTimeout, cfg.CommandQueueSize, logger)

	opts := gateway.OptionsFromConfig(cfg, "control", cfg.ControlGatewayPort)
	opts.Logger = logging.NewServiceLogger(cfg, "gateway")
	if bus != nil {
		opts.StatsPublisher = bus
	}
	srv := gateway.New(opts, svc)

	app.Exit(app.Run(cfg, "control-gateway", srv, &api.GatewayBackend{Server: srv}, bus))
}
