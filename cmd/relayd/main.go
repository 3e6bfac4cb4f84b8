package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/auth"
	"github.com/relaychat/relay/internal/broker"
	"github.com/relaychat/relay/internal/history"
	"github.com/relaychat/relay/internal/server"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := server.NewConfigFromEnv()

	origin := os.Getenv("PROCESS_ID")
	if origin == "" {
		origin = uuid.NewString()
	}

	factory := func(handler broker.Handler) (broker.Broker, error) {
		if cfg.NATSURL != "" {
			return broker.ConnectNATS(cfg.NATSURL, cfg.SubjectPrefix, handler, logger.Named("nats"))
		}
		logger.Warn("NATS_URL not set, using in-memory exchange; cross-process fan-out is disabled")
		return broker.NewExchange().Endpoint(handler), nil
	}

	core, err := server.NewCore(origin, *cfg, auth.QueryParam{}, history.Nop{}, factory, logger)
	if err != nil {
		logger.Fatal("core startup failed", zap.Error(err))
	}

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(core))

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Port), zap.String("processId", origin))
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown signal received")
	if err := core.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("core drain incomplete", zap.Error(err))
	}
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
