package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otprelay/golang_services/internal/message_poller/app"
	msgdomain "github.com/otprelay/golang_services/internal/message_poller/domain"
	"github.com/otprelay/golang_services/internal/message_poller/repository/memory"
	"github.com/otprelay/golang_services/internal/message_poller/repository/postgres"
	"github.com/otprelay/golang_services/internal/message_poller/repository/sqlite"
	"github.com/otprelay/golang_services/internal/otp_parser/adapters/llm"
	parserapp "github.com/otprelay/golang_services/internal/otp_parser/app"
	"github.com/otprelay/golang_services/internal/platform/config"
	"github.com/otprelay/golang_services/internal/platform/database"
	"github.com/otprelay/golang_services/internal/platform/logger"
	"github.com/otprelay/golang_services/internal/platform/messagebroker"
	brokerhttp "github.com/otprelay/golang_services/internal/relay_broker/adapters/http"
	"github.com/otprelay/golang_services/internal/relay_broker/adapters/natsbus"
	"github.com/otprelay/golang_services/internal/relay_broker/adapters/shell"
	brokerapp "github.com/otprelay/golang_services/internal/relay_broker/app"
	brokerdomain "github.com/otprelay/golang_services/internal/relay_broker/domain"
)

const (
	serviceName     = "otprelay"
	version         = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

// markerFunc adapts a function to shell.MessageMarker.
type markerFunc func(messageID string) bool

func (f markerFunc) MarkRead(messageID string) bool { return f(messageID) }

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Starting service...")
	appLogger.Info("Configuration loaded",
		"log_level", cfg.LogLevel,
		"messages_db", cfg.MessagesDBPath,
		"parser_type", cfg.ParserType,
		"socket_dir", cfg.SocketDir,
		"nats_url", cfg.NATSURL,
		"postgres_dsn_present", cfg.PostgresDSN != "",
		"status_api_addr", cfg.StatusAPIAddr,
	)

	if err := os.MkdirAll(cfg.SocketDir, 0o700); err != nil {
		appLogger.Error("Failed to create socket directory", "dir", cfg.SocketDir, "error", err)
		os.Exit(1)
	}

	// Parser
	parser, err := parserapp.NewParser(parserapp.Options{
		Type:               cfg.ParserType,
		CustomPatternsFile: cfg.CustomPatternsFile,
		MinCodeLength:      cfg.MinCodeLength,
		OpenAI: llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		},
	}, appLogger)
	if err != nil {
		appLogger.Error("Failed to build parser", "error", err)
		os.Exit(1)
	}

	// Message source
	source := sqlite.NewChatDBSource(cfg.MessagesDBPath, appLogger)
	defer source.Close()
	if !source.HasRequiredAccess(mainCtx) {
		appLogger.Warn("Messages database is not readable yet; grant Full Disk Access. Polling continues.", "path", cfg.MessagesDBPath)
	}

	// Delivery ledger
	var ledger msgdomain.DeliveryLedger = memory.NewDeliveryLedger()
	if cfg.PostgresDSN != "" {
		dbPool, err := database.OpenLedgerPool(mainCtx, cfg.PostgresDSN, database.DefaultLedgerPoolOptions(serviceName), appLogger)
		if err != nil {
			appLogger.Error("Failed to initialize database connection pool", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		pgLedger := postgres.NewPgDeliveryLedger(dbPool, appLogger)
		if err := pgLedger.EnsureSchema(mainCtx); err != nil {
			appLogger.Error("Failed to prepare delivery ledger schema", "error", err)
			os.Exit(1)
		}
		ledger = pgLedger
		appLogger.Info("Using PostgreSQL delivery ledger")
	}

	// Optional NATS mirror
	var nc *messagebroker.NATSClient
	if cfg.NATSURL != "" {
		nc, err = messagebroker.NewNATSClient(cfg.NATSURL, appLogger, serviceName)
		if err != nil {
			appLogger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		appLogger.Info("NATS connection initialized")
	}

	var poller *app.Poller
	var relayShell brokerdomain.Shell = shell.NewLocal(markerFunc(func(id string) bool { return poller.MarkRead(id) }), appLogger)
	var publisher brokerdomain.EventPublisher
	if nc != nil {
		relayShell = natsbus.NewShell(nc, relayShell, appLogger)
		publisher = natsbus.NewPublisher(nc, appLogger)
	}

	broker := brokerapp.NewBroker(brokerapp.BrokerConfig{
		SocketPath:         cfg.BrokerSocketPath(),
		SocketDir:          cfg.SocketDir,
		AllowedExtensionID: cfg.AllowedExtensionID,
		MaxEventAge:        cfg.MaxEventAge,
		SendTimeout:        cfg.SendTimeout,
		Version:            version,
	}, relayShell, publisher, nil, appLogger)

	poller = app.NewPoller(source, parser, ledger, broker, app.PollerConfig{
		Interval: cfg.PollInterval,
		Lookback: cfg.Lookback,
		Skip:     parserapp.IsBlacklisted,
	}, appLogger)

	g, groupCtx := errgroup.WithContext(mainCtx)

	if err := broker.StartServer(groupCtx); err != nil {
		appLogger.Error("Failed to start broker", "socket", cfg.BrokerSocketPath(), "error", err)
		os.Exit(1)
	}
	poller.StartListening(groupCtx)
	g.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	if nc != nil {
		sub, err := natsbus.SubscribeConsume(groupCtx, nc, broker.ConsumeFromBus, appLogger)
		if err != nil {
			appLogger.Error("Failed to subscribe to consume requests", "error", err)
			os.Exit(1)
		}
		defer sub.Unsubscribe()
	}

	var httpServer *http.Server
	if cfg.StatusAPIAddr != "" {
		tokens := brokerhttp.NewTokenService(cfg.JWTSecret, cfg.JWTExpiryHours, cfg.StatusAPIPasswordHash)
		if !tokens.Enabled() {
			appLogger.Warn("Status API serves health and metrics only; set JWT_SECRET and STATUS_API_PASSWORD_HASH to enable it")
		}
		handler := brokerhttp.NewStatusHandler(broker, poller, tokens, appLogger)
		httpServer = &http.Server{
			Addr:              cfg.StatusAPIAddr,
			Handler:           brokerhttp.NewRouter(handler, cfg.StatusAPICORSOrigins, appLogger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			appLogger.Info("Status API listening", "address", cfg.StatusAPIAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Status API server failed", "error", err)
				return err
			}
			return nil
		})
	}

	appLogger.Info("Service components initialized. Service is ready.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var groupErr error
	select {
	case sig := <-sigCh:
		appLogger.Info("Received termination signal", "signal", sig.String())
	case groupErr = <-watchGroup(g):
		appLogger.Error("A critical component failed, initiating shutdown", "error", groupErr)
	}

	appLogger.Info("Attempting graceful shutdown...")
	poller.StopListening()
	broker.StopServer()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Status API shutdown failed", "error", err)
		}
		cancel()
	}
	mainCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Error during graceful shutdown of components", "error", err)
	}
	appLogger.Info("Service shutdown complete.")
}

// watchGroup is a helper to monitor an errgroup for early exit.
func watchGroup(g *errgroup.Group) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Wait()
	}()
	return errCh
}
