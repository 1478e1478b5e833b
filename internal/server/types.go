package server

import "time"

// ErrorResponse represents a standardized error response format
type ErrorResponse struct {
	Error   string `json:"error"`             // Human-readable error message
	Code    int    `json:"code"`              // HTTP status code
	Kind    string `json:"kind,omitempty"`    // Stable error kind, e.g. "trade_in_flight"
	Details any    `json:"details,omitempty"` // Additional error details (dev mode only)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	OK    bool   `json:"ok"`
	Cache string `json:"cache,omitempty"` // "ok", "down" or empty when not configured
}

// MarketResponse is one registry entry
type MarketResponse struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Token    string `json:"token"`
	Curve    string `json:"curve"`
	Decimals uint8  `json:"decimals"`
}

// MarketStateResponse is a fresh chain read of a market
type MarketStateResponse struct {
	Market       MarketResponse `json:"market"`
	Venue        string         `json:"venue"`
	Graduated    bool           `json:"graduated"`
	Price        string         `json:"price"` // quai per token
	ProgressBps  uint64         `json:"progress_bps"`
	VirtualQuai  string         `json:"virtual_quai"`
	VirtualToken string         `json:"virtual_token"`
	RealQuai     string         `json:"real_quai"`
	RealToken    string         `json:"real_token"`
	Pool         *PoolResponse  `json:"pool,omitempty"`
	FetchedAt    time.Time      `json:"fetched_at"`
}

type PoolResponse struct {
	Address      string `json:"address"`
	ReserveQuai  string `json:"reserve_quai"`
	ReserveToken string `json:"reserve_token"`
	Price        string `json:"price"`
}

// QuoteResponse prices a whole order; amounts are base units
type QuoteResponse struct {
	Market          string    `json:"market"`
	Mode            string    `json:"mode"`
	Venue           string    `json:"venue"`
	AmountIn        string    `json:"amount_in"`
	AmountOut       string    `json:"amount_out"`
	MinAmountOut    string    `json:"min_amount_out"`
	SlippageBps     uint16    `json:"slippage_bps"`
	FeeBps          uint16    `json:"fee_bps"`
	PriceImpact     string    `json:"price_impact"`
	ExecutionPrice  string    `json:"execution_price"`
	EstimatedChunks int       `json:"estimated_chunks"`
	NeedsApproval   bool      `json:"needs_approval"`
	QuotedAt        time.Time `json:"quoted_at"`

	Chunks            []ChunkPreview `json:"chunks,omitempty"`
	ContractAmountOut string         `json:"contract_amount_out,omitempty"`
}

// ChunkPreview is one planned transaction of a chunked buy
type ChunkPreview struct {
	Index             int    `json:"index"`
	AmountIn          string `json:"amount_in"`
	ExpectedAmountOut string `json:"expected_amount_out"`
	MinAmountOut      string `json:"min_amount_out"`
	Final             bool   `json:"final"`
}

// TradeRequest asks the engine to trade the market in the path. Exactly one
// of Amount (whole units) and AmountIn (base units) should be set; AmountIn wins.
type TradeRequest struct {
	Mode        string `json:"mode"` // "buy" or "sell"
	Amount      string `json:"amount"`
	AmountIn    string `json:"amount_in"`
	SlippageBps uint16 `json:"slippage_bps"`
	Reason      string `json:"reason"`
}

type StepResponse struct {
	Kind              string `json:"kind"`
	Index             int    `json:"index"`
	TxHash            string `json:"tx_hash"`
	AmountIn          string `json:"amount_in"`
	ExpectedAmountOut string `json:"expected_amount_out"`
	MinAmountOut      string `json:"min_amount_out,omitempty"`
	AmountOut         string `json:"amount_out,omitempty"`
	BlockNumber       uint64 `json:"block_number"`
	GasUsed           uint64 `json:"gas_used"`
}

// TradeResponse reports an execution, also a failed or partial one
type TradeResponse struct {
	ExecutionID     string         `json:"execution_id"`
	Market          string         `json:"market"`
	Mode            string         `json:"mode"`
	Venue           string         `json:"venue,omitempty"`
	AmountIn        string         `json:"amount_in"`
	Filled          string         `json:"filled"`
	Remaining       string         `json:"remaining"`
	EstimatedChunks int            `json:"estimated_chunks"`
	Steps           []StepResponse `json:"steps"`
	Unconfirmed     []string       `json:"unconfirmed,omitempty"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	Kind            string         `json:"kind,omitempty"`
	TookMs          int64          `json:"took_ms"`
}

// RiskResponse reports the limits and the rolling daily usage, in QUAI
type RiskResponse struct {
	MaxTradeQuai       string   `json:"max_trade_quai"`
	DailyLimitQuai     string   `json:"daily_limit_quai"`
	DailyUsedQuai      string   `json:"daily_used_quai"`
	DailyRemainingQuai string   `json:"daily_remaining_quai"`
	AllowedMarkets     []string `json:"allowed_markets"`
}

// FlagUpsertRequest represents a request to create or update a feature flag
type FlagUpsertRequest struct {
	Key   string `json:"key"`   // Flag key (must match regex pattern)
	Value bool   `json:"value"` // Flag value (true/false)
}

// FlagUpdateRequest represents a request to update an existing feature flag
type FlagUpdateRequest struct {
	Value bool `json:"value"` // New flag value
}
