package tradeengine

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/planner"
	"github.com/rdobbeck/quaipump/internal/venue"
)

var (
	// ErrTradeInFlight is returned when the market already has a trade running.
	ErrTradeInFlight = errors.New("a trade is already in flight for this market")
	// ErrVenueSwitched means the curve graduated between two chunks of a buy.
	ErrVenueSwitched = errors.New("curve graduated mid-trade")
	ErrTradingPaused = errors.New("trading is paused")
	ErrTooManyChunks = errors.New("trade needs too many chunks")
	ErrRiskRejected  = errors.New("risk check rejected")
)

// TradeIntent is what a caller asks for
type TradeIntent struct {
	Market string
	Mode   models.TradeMode

	// AmountIn is in base units: quai for buys, tokens for sells. When nil,
	// Amount is parsed in whole units with the matching decimals.
	AmountIn *big.Int
	Amount   string

	// SlippageBps is the per-transaction tolerance; 0 means the default.
	SlippageBps uint16

	Reason      string
	RequestedAt time.Time
}

// TradeParams is a validated intent ready to execute
type TradeParams struct {
	Market      *markets.Market
	Mode        models.TradeMode
	AmountIn    *big.Int
	SlippageBps uint16

	Intent   *TradeIntent
	ParsedAt time.Time
}

// StepKind labels a transaction in an execution.
type StepKind string

const (
	StepApprove StepKind = "approve"
	StepChunk   StepKind = "chunk"
	StepSwap    StepKind = "swap"
)

// Step is one confirmed transaction of an execution
type Step struct {
	Kind   StepKind
	Index  int
	TxHash common.Hash

	AmountIn          *big.Int
	ExpectedAmountOut *big.Int
	MinAmountOut      *big.Int
	// ActualAmountOut is decoded from the receipt when the venue emits a
	// trade event; nil otherwise.
	ActualAmountOut *big.Int

	BlockNumber uint64
	GasUsed     uint64
	ConfirmedAt time.Time
}

// AmountOut is the decoded output if known, else the expected one.
func (s *Step) AmountOut() *big.Int {
	if s.ActualAmountOut != nil {
		return s.ActualAmountOut
	}
	return s.ExpectedAmountOut
}

// Progress is reported after every confirmed transaction.
type Progress struct {
	Index          int
	EstimatedTotal int
	Step           Step
	Remaining      *big.Int
}

type ProgressFunc func(Progress)

// ExecutionResult is returned by every execution, also when it fails: the
// confirmed transactions stay applied and are always reported.
type ExecutionResult struct {
	ExecutionID string
	Market      string
	Mode        models.TradeMode
	Venue       venue.Kind

	AmountIn *big.Int
	// Filled is the input spent by confirmed trade steps.
	Filled *big.Int

	// Confirmed lists every confirmed transaction in order, approvals included.
	Confirmed []common.Hash
	Steps     []Step
	// Unconfirmed holds a broadcast transaction whose outcome was not a
	// successful receipt (reverted or timed out).
	Unconfirmed []common.Hash

	EstimatedChunks int
	Err             error

	StartedAt   time.Time
	CompletedAt time.Time
}

func (r *ExecutionResult) Success() bool { return r.Err == nil }

func (r *ExecutionResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Remaining is the input not yet spent.
func (r *ExecutionResult) Remaining() *big.Int {
	return new(big.Int).Sub(r.AmountIn, r.Filled)
}

func (r *ExecutionResult) record(s Step) {
	r.Steps = append(r.Steps, s)
	r.Confirmed = append(r.Confirmed, s.TxHash)
	if s.Kind != StepApprove {
		r.Filled.Add(r.Filled, s.AmountIn)
	}
}

// QuoteResult contains detailed quote information
type QuoteResult struct {
	Market       string
	Mode         models.TradeMode
	Venue        venue.Kind
	AmountIn     *big.Int
	AmountOut    *big.Int
	MinAmountOut *big.Int
	SlippageBps  uint16
	FeeBps       uint16
	PriceImpact  decimal.Decimal
	// ExecutionPrice is quai per token.
	ExecutionPrice decimal.Decimal

	EstimatedChunks int
	// Chunks previews a chunked buy against the quoted reserves. Execution
	// re-plans every chunk from a fresh read, so the real split can differ.
	Chunks        []*planner.Chunk
	NeedsApproval bool
	// ContractAmountOut is the venue contract's own quote; nil if the call failed.
	ContractAmountOut *big.Int
	QuotedAt          time.Time
}

// RiskCheckResult contains risk validation outcome
type RiskCheckResult struct {
	Allowed bool
	Reason  string

	// Per-trade limit
	ExceedsMaxTrade bool
	MaxTradeQuai    decimal.Decimal
	TradeValueQuai  decimal.Decimal

	// Daily limit
	ExceedsDailyLimit  bool
	DailyLimitQuai     decimal.Decimal
	DailyUsedQuai      decimal.Decimal
	DailyRemainingQuai decimal.Decimal

	MarketNotAllowed   bool
	SlippageTooHigh    bool
	PriceImpactTooHigh bool
	InsufficientGas    bool
}
