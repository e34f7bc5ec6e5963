package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vmorsell/portaria/internal/command"
	"github.com/vmorsell/portaria/internal/config"
	"github.com/vmorsell/portaria/internal/gateway"
	"github.com/vmorsell/portaria/internal/kiosk"
	"github.com/vmorsell/portaria/internal/metrics"
	"github.com/vmorsell/portaria/internal/ratelimit"
	"github.com/vmorsell/portaria/internal/router"
	"github.com/vmorsell/portaria/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	m := metrics.New()
	topics := cfg.Broker.Topics
	r := router.New(logger, topics, m)

	conn, err := transport.Dial(logger, transport.Options{
		BrokerURL:      cfg.Broker.URL,
		ClientIDPrefix: cfg.Broker.ClientIDPrefix,
		QoS:            cfg.Broker.QoS,
		QueueSize:      cfg.Broker.PublishQueue,
		RetryInterval:  cfg.Broker.RetryInterval,
	}, r.Route, transport.WithMetrics(m))
	if err != nil {
		logger.Fatal("failed to dial broker", zap.Error(err))
	}

	emitter := command.NewEmitter(logger, conn, topics.Commands, m)
	k := kiosk.New(logger, conn, r, topics, emitter)
	limiter := ratelimit.NewRateLimiter(cfg.Gateway.IntentLimit, cfg.Gateway.IntentWindow)
	gw := gateway.NewServer(logger, k, limiter, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	server := &http.Server{
		Addr:        cfg.Gateway.ListenAddr,
		Handler:     gw.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("kiosk server started",
			zap.String("addr", cfg.Gateway.ListenAddr),
			zap.String("broker", cfg.Broker.URL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	if err := conn.Close(); err != nil {
		logger.Warn("close broker connection", zap.Error(err))
	}
	logger.Info("kiosk server exited")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
