package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/otprelay/golang_services/internal/bridge_host/app"
	"github.com/otprelay/golang_services/internal/bridge_host/domain"
	"github.com/otprelay/golang_services/internal/platform/config"
	"github.com/otprelay/golang_services/internal/platform/logger"
	"github.com/otprelay/golang_services/internal/platform/nativemsg"
)

const serviceName = "bridge_host"

// The browser starts the host with the caller's origin as the first
// argument. Stdout carries frames, so logs go to stderr.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		logger.NewWithWriter("error", os.Stderr).Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger := logger.NewWithWriter(cfg.LogLevel, os.Stderr).With("service", serviceName)

	origin := domain.Origin{BrowserName: "Chrome", ExtensionID: cfg.AllowedExtensionID}
	if len(os.Args) > 1 {
		if o, ok := domain.ParseOrigin(os.Args[1]); ok {
			origin = o
		} else {
			appLogger.Warn("Unrecognized caller origin, using configured extension", "origin", os.Args[1])
		}
	}

	if err := os.MkdirAll(cfg.SocketDir, 0o700); err != nil {
		appLogger.Error("Failed to create socket directory", "dir", cfg.SocketDir, "error", err)
		os.Exit(1)
	}

	var launcher app.Launcher
	if cfg.AppLaunchCommand != "" {
		launcher = app.NewCommandLauncher(cfg.AppLaunchCommand, appLogger)
	}

	host := app.NewHost(app.HostConfig{
		BrokerSocket:         cfg.BrokerSocketPath(),
		SocketDir:            cfg.SocketDir,
		BrowserName:          origin.BrowserName,
		ExtensionID:          origin.ExtensionID,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HealthCheckInterval:  cfg.HealthCheckInterval,
		SendTimeout:          cfg.SendTimeout,
	}, launcher, nativemsg.NewWriter(os.Stdout), appLogger)

	appLogger.Info("Bridge host starting", "host_id", host.ID(), "browser", origin.BrowserName, "extension_id", origin.ExtensionID)
	if err := host.Run(ctx, os.Stdin); err != nil {
		appLogger.Error("Bridge host stopped", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Bridge host exiting")
}
