package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"robot-gateway-go/internal/api"
	"robot-gateway-go/internal/app"
	"robot-gateway-go/internal/capture/opencv"
	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/gateway"
	"robot-gateway-go/internal/logging"
	"robot-gateway-go/internal/services/camera"
)

func main() {
	cfg := config.Load()

	fs := app.Flags("camera-gateway", cfg, &cfg.CameraGatewayPort)
	fs.StringVar(&cfg.CameraConfigPath, "camera-config", cfg.CameraConfigPath, "YAML camera table")
	fs.BoolVar(&cfg.BinaryFrames, "binary-frames", cfg.BinaryFrames, "send frames on the binary fast path")
	fs.StringVar(&cfg.ScreenshotDir, "screenshot-dir", cfg.ScreenshotDir, "directory screenshots are saved to")
	app.Parse(fs, cfg, os.Args[1:])

	if err := cfg.LoadCameras(); err != nil {
		log.Fatal().Err(err).Str("path", cfg.CameraConfigPath).Msg("Failed to load camera table")
	}

	bus := app.ConnectBus(cfg, "camera-gateway")

	svc := camera.New(cfg, opencv.Open, logging.NewServiceLogger(cfg, "camera"))
	svc.StartCameras()

	opts := gateway.OptionsFromConfig(cfg, "camera", cfg.CameraGatewayPort)
	opts.Logger = logging.NewServiceLogger(cfg, "gateway")
	if bus != nil {
		opts.StatsPublisher = bus
	}
	srv := gateway.New(opts, svc)

	app.Exit(app.Run(cfg, "camera-gateway", srv, &api.GatewayBackend{Server: srv, Camera: svc}, bus))
}
