package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/config"
	"github.com/rdobbeck/quaipump/internal/server"
	"github.com/rdobbeck/quaipump/internal/tradeengine"
)

// env bootstrap function
func loadEnv(logger *logrus.Logger) {
	// Get the project root directory (where go.mod is)
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	envPath := filepath.Join(projectRoot, ".env")

	if err := godotenv.Load(envPath); err != nil {
		logger.Warnf("no .env file found at %s, using system environment variables", envPath)
	} else {
		logger.Infof("loaded .env from %s", envPath)
	}
}

// main starts the trade API: the engine behind an HTTP server with graceful shutdown
func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)

	// load .env BEFORE anything reads os.Getenv
	loadEnv(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if cfg.DevMode {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// The API never prompts; trades sent through it are approved by the caller
	engineCfg := tradeengine.EngineConfigFromConfig(cfg)
	engineCfg.Logger = logger
	engineCfg.Registerer = prometheus.DefaultRegisterer

	engine, err := tradeengine.NewEngine(ctx, engineCfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to create trade engine")
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.WithError(err).Warn("engine close")
		}
	}()

	h := &server.Handlers{
		Engine:       engine,
		Metrics:      engine.Metrics(),
		Gatherer:     prometheus.DefaultGatherer,
		TradeTimeout: cfg.ConfirmTimeout * 4,
		DevMode:      cfg.DevMode,
		Logger:       logger,
	}
	// Both are nil when Redis is down; keep the interfaces nil too
	if c := engine.TradeCache(); c != nil {
		h.Cache = c
	}
	if f := engine.Flags(); f != nil {
		h.Flags = f
	}

	srv, err := server.NewServer(server.ServerDeps{
		Handlers: h,
		Config: server.ServerConfig{
			Addr:      cfg.APIAddr,
			DevMode:   cfg.DevMode,
			APIKey:    cfg.APIKey,
			RateRPS:   cfg.RateRPS,
			RateBurst: cfg.RateBurst,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create http server")
	}

	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		_ = srv.Shutdown(context.Background())
	}()

	logger.WithFields(logrus.Fields{
		"addr":    cfg.APIAddr,
		"markets": len(engine.Markets()),
	}).Info("api server starting")
	if err := srv.Start(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			_ = srv.WaitClosed(context.Background())
			return
		}
		logger.WithError(err).Fatal("api server failed")
	}
}
