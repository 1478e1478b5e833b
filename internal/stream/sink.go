package stream

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/metrics"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/storage"
)

// TradeRecorder persists trades. *cache.ClickHouseStore satisfies it.
type TradeRecorder interface {
	InsertTrade(ctx context.Context, trade *models.TradeEvent) error
}

type SinkConfig struct {
	// Publisher and Recorder are optional.
	Publisher storage.TradePublisher
	Recorder  TradeRecorder
	Metrics   *metrics.Metrics
	Timeout   time.Duration
	Logger    *logrus.Logger
}

// NewTradeSink returns a handler that caches, publishes and stores every
// feed trade. Write failures are logged and the event is dropped.
func NewTradeSink(cfg SinkConfig) storage.TradeHandler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return func(ev *models.TradeEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()

		log := cfg.Logger.WithFields(logrus.Fields{
			"market": ev.Market,
			"tx":     ev.TxHash,
		})

		cfg.Metrics.IncFeedEvent(ev.Market, string(ev.Mode))

		if cfg.Publisher != nil {
			if err := cfg.Publisher.AddRecentTrade(ctx, ev); err != nil {
				log.WithError(err).Warn("failed to cache trade")
			}
			if err := cfg.Publisher.PublishTrade(ctx, ev); err != nil {
				log.WithError(err).Warn("failed to publish trade")
			}
		}
		if cfg.Recorder != nil {
			if err := cfg.Recorder.InsertTrade(ctx, ev); err != nil {
				log.WithError(err).Error("failed to store trade")
			}
		}

		log.WithFields(logrus.Fields{
			"mode":       ev.Mode,
			"amount_in":  ev.AmountIn,
			"amount_out": ev.AmountOut,
			"block":      ev.BlockNumber,
		}).Debug("feed trade processed")
	}
}
