package storage

import (
	"context"
	"io"

	"github.com/rdobbeck/quaipump/internal/models"
)

// TradePublisher is the write side of the trade cache the engine and the feed
// poller push confirmed trades to.
type TradePublisher interface {
	// AddRecentTrade prepends a trade to the capped recent-trades list
	AddRecentTrade(ctx context.Context, trade *models.TradeEvent) error

	// PublishTrade publishes a trade event to the Pub/Sub channel
	PublishTrade(ctx context.Context, trade *models.TradeEvent) error
}

// TradeCache defines the interface for caching trade and curve display data
type TradeCache interface {
	TradePublisher

	// GetRecentTrades retrieves the most recent trades, newest first
	GetRecentTrades(ctx context.Context, limit int64) ([]*models.TradeEvent, error)

	// SetCurveSnapshot stores the latest display state of a market's curve
	SetCurveSnapshot(ctx context.Context, snap *models.CurveSnapshot) error

	// GetCurveSnapshot returns the cached display state of a market's curve
	GetCurveSnapshot(ctx context.Context, market string) (*models.CurveSnapshot, error)

	// SubscribeTrades subscribes to real-time trade events
	SubscribeTrades(ctx context.Context) (<-chan *models.TradeEvent, error)

	// Ping checks if the cache is reachable
	Ping(ctx context.Context) error

	io.Closer
}

// TradeStore defines the interface for persistent trade storage
type TradeStore interface {
	// InsertTrade inserts a trade event into the store
	InsertTrade(ctx context.Context, trade *models.TradeEvent) error

	// Ping checks if the store is reachable
	Ping(ctx context.Context) error

	io.Closer
}

// TradeHandler is a function that processes trade events
type TradeHandler func(*models.TradeEvent)

// StreamProvider defines the interface for trade event streaming
type StreamProvider interface {
	// Start begins streaming trade events and blocks until ctx ends or Stop
	Start(ctx context.Context, handler TradeHandler) error

	// Stop stops the stream provider
	Stop() error
}
