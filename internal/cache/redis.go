package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/storage"
)

// ErrNotFound is returned when a cached value is missing or expired.
var ErrNotFound = errors.New("cache: not found")

// RedisCache keeps the recent-trades list, the curve display snapshots and
// fans trades out over Pub/Sub.
type RedisCache struct {
	client *redis.Client
	pubsub *PubSubManager
	logger *logrus.Logger
}

// NewRedisCacheFromClient shares an existing client, e.g. with the flag store.
func NewRedisCacheFromClient(client *redis.Client, logger *logrus.Logger) *RedisCache {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisCache{
		client: client,
		pubsub: NewPubSubManagerFromClient(client, logger),
		logger: logger,
	}
}

func (r *RedisCache) AddRecentTrade(ctx context.Context, trade *models.TradeEvent) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, constants.RedisKeyRecentTrades, data)
	pipe.LTrim(ctx, constants.RedisKeyRecentTrades, 0, constants.MaxRecentTrades-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add recent trade: %w", err)
	}
	return nil
}

func (r *RedisCache) GetRecentTrades(ctx context.Context, limit int64) ([]*models.TradeEvent, error) {
	if limit <= 0 || limit > constants.MaxRecentTrades {
		limit = constants.MaxRecentTrades
	}

	vals, err := r.client.LRange(ctx, constants.RedisKeyRecentTrades, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("get recent trades: %w", err)
	}

	out := make([]*models.TradeEvent, 0, len(vals))
	for _, v := range vals {
		var t models.TradeEvent
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			r.logger.WithError(err).Debug("skipping malformed trade in recent list")
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (r *RedisCache) PublishTrade(ctx context.Context, trade *models.TradeEvent) error {
	return r.pubsub.PublishTrade(ctx, trade)
}

func (r *RedisCache) SubscribeTrades(ctx context.Context) (<-chan *models.TradeEvent, error) {
	return r.pubsub.SubscribeChannel(ctx, constants.PubSubChannelTrades)
}

func (r *RedisCache) SetCurveSnapshot(ctx context.Context, snap *models.CurveSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal curve snapshot: %w", err)
	}
	if err := r.client.Set(ctx, curveKey(snap.Market), data, constants.CurveSnapshotTTL).Err(); err != nil {
		return fmt.Errorf("set curve snapshot: %w", err)
	}
	return nil
}

func (r *RedisCache) GetCurveSnapshot(ctx context.Context, market string) (*models.CurveSnapshot, error) {
	val, err := r.client.Get(ctx, curveKey(market)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get curve snapshot: %w", err)
	}

	var snap models.CurveSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal curve snapshot: %w", err)
	}
	return &snap, nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func curveKey(market string) string {
	return constants.RedisKeyCurvePrefix + market
}

var _ storage.TradeCache = (*RedisCache)(nil)
