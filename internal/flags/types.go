package flags

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("flag not found")

// Engine kill switches. A missing flag reads as false. Each can also be set
// for one market with MarketKey.
const (
	// TradingPaused rejects every new trade.
	TradingPaused = "trading.paused"
	// ChunkingDisabled rejects curve buys that would need more than one chunk.
	ChunkingDisabled = "chunking.disabled"
)

// Known lists the flags the engine reads, with a short description for the API.
var Known = map[string]string{
	TradingPaused:    "reject all new trades",
	ChunkingDisabled: "reject curve buys larger than one chunk instead of splitting them",
}

type Flag struct {
	Key       string    `json:"key"`
	Value     bool      `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
