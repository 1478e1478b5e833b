package models

import "time"

// TradeMode is the direction of a trade relative to the token.
type TradeMode string

const (
	ModeBuy  TradeMode = "buy"
	ModeSell TradeMode = "sell"
)

// Valid reports whether m is one of the known modes.
func (m TradeMode) Valid() bool {
	return m == ModeBuy || m == ModeSell
}

// TradeEvent is a confirmed trade as stored in Redis and ClickHouse.
// Amounts are base-unit integers encoded as decimal strings.
type TradeEvent struct {
	TxHash      string    `json:"tx_hash"`
	Timestamp   time.Time `json:"timestamp"`
	BlockNumber uint64    `json:"block_number"`
	Market      string    `json:"market"`
	Token       string    `json:"token"`
	Venue       string    `json:"venue"` // "curve" or "pool"
	Mode        TradeMode `json:"mode"`
	Trader      string    `json:"trader"`
	AmountIn    string    `json:"amount_in"`
	AmountOut   string    `json:"amount_out"`
	Price       string    `json:"price"` // quai per token, display only
	ExecutionID string    `json:"execution_id,omitempty"`
	ChunkIndex  int       `json:"chunk_index"`
	Source      string    `json:"source"` // "engine" or "feed"
}

// CurveSnapshot is the display copy of a curve's state kept in Redis by the
// curve poller. It is never used for planning.
type CurveSnapshot struct {
	Market       string    `json:"market"`
	Curve        string    `json:"curve"`
	Graduated    bool      `json:"graduated"`
	Pool         string    `json:"pool,omitempty"`
	Price        string    `json:"price"`
	ProgressBps  uint64    `json:"progress_bps"`
	VirtualQuai  string    `json:"virtual_quai"`
	VirtualToken string    `json:"virtual_token"`
	RealQuai     string    `json:"real_quai"`
	RealToken    string    `json:"real_token"`
	UpdatedAt    time.Time `json:"updated_at"`
}
