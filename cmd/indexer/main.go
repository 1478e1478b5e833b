package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rdobbeck/quaipump/internal/config"
	"github.com/rdobbeck/quaipump/internal/metrics"
	"github.com/rdobbeck/quaipump/internal/stream"
	"github.com/rdobbeck/quaipump/internal/tradeengine"
)

func loadEnv(logger *logrus.Logger) {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	envPath := filepath.Join(projectRoot, ".env")

	if err := godotenv.Load(envPath); err != nil {
		logger.Warnf("no .env file found at %s, using system environment variables", envPath)
	}
}

// main runs the trade feed and the curve snapshot poller until interrupted
func main() {
	fromBlock := flag.Uint64("from-block", 0, "first block to scan; 0 starts a lookback window before head")
	metricsAddr := flag.String("metrics-addr", ":9102", "prometheus listen address, empty to disable")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)

	loadEnv(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Read-only engine: the indexer never signs
	engineCfg := tradeengine.EngineConfigFromConfig(cfg)
	engineCfg.WalletPrivateKey = ""
	engineCfg.Logger = logger
	engineCfg.Registerer = prometheus.DefaultRegisterer

	engine, err := tradeengine.NewEngine(ctx, engineCfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to create engine")
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.WithError(err).Warn("engine close")
		}
	}()

	sinkCfg := stream.SinkConfig{
		Metrics: engine.Metrics(),
		Logger:  logger,
	}
	curveCfg := stream.CurvePollerConfig{
		Reader:       engine.Reader(),
		Registry:     engine.Registry(),
		Resolver:     engine.Resolver(),
		Metrics:      engine.Metrics(),
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	}
	if c := engine.TradeCache(); c != nil {
		sinkCfg.Publisher = c
		curveCfg.Snapshots = c
	} else {
		logger.Warn("redis unavailable, trades are not cached or published")
	}
	if s := engine.TradeStore(); s != nil {
		sinkCfg.Recorder = s
	} else {
		logger.Warn("clickhouse unavailable, trades are not stored")
	}

	feed := stream.NewRPCPoller(stream.RPCPollerConfig{
		Client:       engine.RPC(),
		Registry:     engine.Registry(),
		PollInterval: cfg.PollInterval,
		FromBlock:    *fromBlock,
		Logger:       logger,
	})
	curves := stream.NewCurvePoller(curveCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Start(gctx, stream.NewTradeSink(sinkCfg)) })
	g.Go(func() error { return curves.Run(gctx) })

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           metrics.Handler(prometheus.DefaultGatherer),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.WithField("markets", len(engine.Markets())).Info("indexer running, press Ctrl+C to stop")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("indexer stopped with error")
	}
	logger.WithField("last_block", feed.LastBlock()).Info("indexer stopped")
}
