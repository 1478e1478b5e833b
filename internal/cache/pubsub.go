package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/models"
)

type PubSubManager struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPubSubManager(addr string, logger *logrus.Logger) *PubSubManager {
	return NewPubSubManagerFromClient(redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	}), logger)
}

func NewPubSubManagerFromClient(client *redis.Client, logger *logrus.Logger) *PubSubManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &PubSubManager{client: client, logger: logger}
}

// MarketChannel is the per-market channel, e.g. "trades:market:PUMP".
func MarketChannel(market string) string {
	return "trades:market:" + strings.ToUpper(market)
}

// VenueChannel is the per-venue channel, e.g. "trades:venue:pool".
func VenueChannel(venue string) string {
	return "trades:venue:" + venue
}

// PublishTrade publishes a trade to the live channel and its market and
// venue channels.
func (p *PubSubManager) PublishTrade(ctx context.Context, trade *models.TradeEvent) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return err
	}

	channels := []string{constants.PubSubChannelTrades}
	if trade.Market != "" {
		channels = append(channels, MarketChannel(trade.Market))
	}
	if trade.Venue != "" {
		channels = append(channels, VenueChannel(trade.Venue))
	}

	pipe := p.client.Pipeline()
	for _, channel := range channels {
		pipe.Publish(ctx, channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish trade: %w", err)
	}
	return nil
}

// Subscribe calls handler for every trade on channel until ctx ends.
func (p *PubSubManager) Subscribe(ctx context.Context, channel string, handler func(*models.TradeEvent)) error {
	ps := p.client.Subscribe(ctx, channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	p.logger.WithField("channel", channel).Info("subscribed")

	return p.consume(ctx, ps, handler)
}

// PSubscribe is Subscribe for a pattern such as "trades:market:*".
func (p *PubSubManager) PSubscribe(ctx context.Context, pattern string, handler func(*models.TradeEvent)) error {
	ps := p.client.PSubscribe(ctx, pattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	p.logger.WithField("pattern", pattern).Info("subscribed")

	return p.consume(ctx, ps, handler)
}

// SubscribeChannel delivers decoded trades on the returned channel, which is
// closed when ctx ends.
func (p *PubSubManager) SubscribeChannel(ctx context.Context, channel string) (<-chan *models.TradeEvent, error) {
	ps := p.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan *models.TradeEvent, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		_ = p.consume(ctx, ps, func(t *models.TradeEvent) {
			select {
			case out <- t:
			case <-ctx.Done():
			}
		})
	}()
	return out, nil
}

func (p *PubSubManager) consume(ctx context.Context, ps *redis.PubSub, handler func(*models.TradeEvent)) error {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var trade models.TradeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &trade); err != nil {
				p.logger.WithError(err).WithField("channel", msg.Channel).Warn("error unmarshaling trade")
				continue
			}
			handler(&trade)
		}
	}
}

func (p *PubSubManager) Close() error {
	return p.client.Close()
}
