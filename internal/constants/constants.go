package constants

import (
	"math/big"
	"time"
)

// Redis keys
const (
	RedisKeyRecentTrades = "trades:recent"
	RedisKeyCurvePrefix  = "curve:"
)

// Redis Pub/Sub channels
const (
	PubSubChannelTrades = "trades:live"
)

// Limits
const (
	MaxRecentTrades     = 100
	MaxChunksPerTrade   = 100
	CurveSnapshotTTL    = 2 * time.Minute
	FeedBlockBatchSize  = 2000 // max block span per eth_getLogs call
	DefaultFeedLookback = 5000
)

// Polling
const (
	CurvePollInterval = 15 * time.Second
	FeedPollInterval  = 15 * time.Second
	ReceiptPollPeriod = 2 * time.Second
)

// Fees, in basis points.
const (
	CurveFeeBps uint16 = 100
	PoolFeeBps  uint16 = 30
)

// Slippage, in basis points.
const (
	DefaultSlippageBps uint16 = 100
	MaxSlippageBps     uint16 = 5000
)

// SlippageOptions are the tolerances offered to interactive callers.
var SlippageOptions = []uint16{50, 100, 300, 500, 1000}

// QuaiDecimals is the number of decimals of the native coin.
const QuaiDecimals = 18

// DefaultMaxChunkTokens is the per-transaction token output cap: 16M whole
// tokens at 18 decimals.
func DefaultMaxChunkTokens() *big.Int {
	return new(big.Int).Mul(big.NewInt(16_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// Venue names
const (
	VenueCurve = "curve"
	VenuePool  = "pool"
)

// Trade event sources
const (
	SourceEngine = "engine"
	SourceFeed   = "feed"
)
