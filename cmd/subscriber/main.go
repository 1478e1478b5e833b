package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rdobbeck/quaipump/internal/cache"
	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/models"
)

// main prints live trades from Redis Pub/Sub
func main() {
	addr := flag.String("redis", "localhost:6379", "redis address")
	market := flag.String("market", "", `only this market, e.g. PUMP; "*" for every market channel`)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pubsub := cache.NewPubSubManager(*addr, logger)
	defer pubsub.Close()

	logTrade := func(prefix string) func(*models.TradeEvent) {
		return func(t *models.TradeEvent) {
			logger.WithFields(logrus.Fields{
				"market": t.Market,
				"venue":  t.Venue,
				"mode":   t.Mode,
				"in":     t.AmountIn,
				"out":    t.AmountOut,
				"price":  t.Price,
				"source": t.Source,
				"tx":     t.TxHash,
			}).Info(prefix)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	switch *market {
	case "":
		g.Go(func() error {
			return pubsub.Subscribe(ctx, constants.PubSubChannelTrades, logTrade("trade"))
		})
		g.Go(func() error {
			return pubsub.Subscribe(ctx, cache.VenueChannel(constants.VenuePool), logTrade("pool trade"))
		})
	case "*":
		g.Go(func() error {
			return pubsub.PSubscribe(ctx, cache.MarketChannel("*"), logTrade("trade"))
		})
	default:
		g.Go(func() error {
			return pubsub.Subscribe(ctx, cache.MarketChannel(*market), logTrade("trade"))
		})
	}

	logger.Info("subscriber running, press Ctrl+C to stop")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("subscriber failed")
	}
	logger.Info("subscriber stopped")
}
