package tradeengine

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/models"
)

// RiskConfig defines risk management parameters. Zero limits are disabled.
type RiskConfig struct {
	// Per-trade limit on the quai side of the trade
	MaxTradeQuai decimal.Decimal

	// Rolling 24h limit
	DailyLimitQuai decimal.Decimal

	// Price impact of the single-shot quote; chunked buys are checked
	// against the whole order.
	MaxPriceImpactBps uint16

	DefaultSlippageBps uint16
	MaxSlippageBps     uint16

	// Market allowlist by symbol (empty = allow all)
	AllowedMarkets []string

	// Native balance kept back for gas
	MinGasBalanceQuai decimal.Decimal
}

// DefaultRiskConfig returns conservative risk settings
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxTradeQuai:       decimal.NewFromInt(1_000),
		DailyLimitQuai:     decimal.NewFromInt(10_000),
		MaxPriceImpactBps:  0,
		DefaultSlippageBps: constants.DefaultSlippageBps,
		MaxSlippageBps:     constants.MaxSlippageBps,
		MinGasBalanceQuai:  decimal.RequireFromString("0.01"),
	}
}

// RiskManager enforces risk limits
type RiskManager struct {
	config       RiskConfig
	dailyTracker *DailyLimitTracker
}

func NewRiskManager(config RiskConfig) *RiskManager {
	return &RiskManager{
		config:       config,
		dailyTracker: NewDailyLimitTracker(),
	}
}

// CheckTrade validates a trade against all risk rules. quote is the
// single-shot quote of the whole order; balance is the native balance.
func (rm *RiskManager) CheckTrade(params *TradeParams, quote *QuoteResult, balance *big.Int) *RiskCheckResult {
	value := tradeValueQuai(params.Mode, params.AmountIn, quote.AmountOut)
	result := &RiskCheckResult{
		Allowed:        true,
		MaxTradeQuai:   rm.config.MaxTradeQuai,
		TradeValueQuai: value,
		DailyLimitQuai: rm.config.DailyLimitQuai,
	}

	// 1. Market allowlist
	if !rm.isMarketAllowed(params.Market.Symbol) {
		result.Allowed = false
		result.MarketNotAllowed = true
		result.Reason = fmt.Sprintf("market %s is not allowed", params.Market.Symbol)
		return result
	}

	// 2. Per-trade limit
	if rm.config.MaxTradeQuai.IsPositive() && value.GreaterThan(rm.config.MaxTradeQuai) {
		result.Allowed = false
		result.ExceedsMaxTrade = true
		result.Reason = fmt.Sprintf("trade value %s QUAI exceeds max %s QUAI per trade",
			value.StringFixed(4), rm.config.MaxTradeQuai.String())
		return result
	}

	// 3. Daily limit
	used := rm.dailyTracker.Usage()
	result.DailyUsedQuai = used
	result.DailyRemainingQuai = rm.config.DailyLimitQuai.Sub(used)
	if rm.config.DailyLimitQuai.IsPositive() && used.Add(value).GreaterThan(rm.config.DailyLimitQuai) {
		result.Allowed = false
		result.ExceedsDailyLimit = true
		result.Reason = fmt.Sprintf("daily limit exceeded: used %s + %s > %s QUAI",
			used.StringFixed(4), value.StringFixed(4), rm.config.DailyLimitQuai.String())
		return result
	}

	// 4. Slippage
	if rm.config.MaxSlippageBps > 0 && params.SlippageBps > rm.config.MaxSlippageBps {
		result.Allowed = false
		result.SlippageTooHigh = true
		result.Reason = fmt.Sprintf("slippage %d bps exceeds max %d bps",
			params.SlippageBps, rm.config.MaxSlippageBps)
		return result
	}

	// 5. Price impact
	if rm.config.MaxPriceImpactBps > 0 {
		limit := decimal.New(int64(rm.config.MaxPriceImpactBps), -4)
		if quote.PriceImpact.GreaterThan(limit) {
			result.Allowed = false
			result.PriceImpactTooHigh = true
			result.Reason = fmt.Sprintf("price impact %s%% exceeds max %s%%",
				quote.PriceImpact.Shift(2).StringFixed(2), limit.Shift(2).StringFixed(2))
			return result
		}
	}

	// 6. Gas reserve: buys spend native balance, sells only pay gas
	bal := decimal.NewFromBigInt(balance, -constants.QuaiDecimals)
	left := bal
	if params.Mode == models.ModeBuy {
		left = bal.Sub(value)
	}
	if left.LessThan(rm.config.MinGasBalanceQuai) {
		result.Allowed = false
		result.InsufficientGas = true
		result.Reason = fmt.Sprintf("insufficient balance: would leave %s QUAI, need %s QUAI for gas",
			left.StringFixed(6), rm.config.MinGasBalanceQuai.String())
		return result
	}

	return result
}

// RecordTrade records a confirmed step for daily limit tracking.
func (rm *RiskManager) RecordTrade(mode models.TradeMode, amountIn, amountOut *big.Int) {
	rm.dailyTracker.Record(tradeValueQuai(mode, amountIn, amountOut))
}

// Status reports the limits and the current usage.
func (rm *RiskManager) Status() RiskStatus {
	used := rm.dailyTracker.Usage()
	return RiskStatus{
		MaxTradeQuai:       rm.config.MaxTradeQuai,
		DailyLimitQuai:     rm.config.DailyLimitQuai,
		DailyUsedQuai:      used,
		DailyRemainingQuai: rm.config.DailyLimitQuai.Sub(used),
		AllowedMarkets:     rm.config.AllowedMarkets,
	}
}

func (rm *RiskManager) isMarketAllowed(symbol string) bool {
	if len(rm.config.AllowedMarkets) == 0 {
		return true
	}
	for _, allowed := range rm.config.AllowedMarkets {
		if strings.EqualFold(allowed, symbol) {
			return true
		}
	}
	return false
}

// tradeValueQuai is the quai side of a trade: the input of a buy or the
// output of a sell.
func tradeValueQuai(mode models.TradeMode, amountIn, amountOut *big.Int) decimal.Decimal {
	v := amountIn
	if mode == models.ModeSell {
		v = amountOut
	}
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -constants.QuaiDecimals)
}

type RiskStatus struct {
	MaxTradeQuai       decimal.Decimal
	DailyLimitQuai     decimal.Decimal
	DailyUsedQuai      decimal.Decimal
	DailyRemainingQuai decimal.Decimal
	AllowedMarkets     []string
}

// DailyLimitTracker tracks rolling 24-hour usage
type DailyLimitTracker struct {
	mu      sync.Mutex
	records []usageRecord
	now     func() time.Time
}

type usageRecord struct {
	at   time.Time
	quai decimal.Decimal
}

func NewDailyLimitTracker() *DailyLimitTracker {
	return &DailyLimitTracker{now: time.Now}
}

func (t *DailyLimitTracker) Record(quai decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, usageRecord{at: t.now(), quai: quai})
	t.cleanup()
}

// Usage is the total recorded in the last 24 hours.
func (t *DailyLimitTracker) Usage() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanup()

	total := decimal.Zero
	for _, r := range t.records {
		total = total.Add(r.quai)
	}
	return total
}

// Reset clears all tracked usage
func (t *DailyLimitTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
}

// cleanup drops records older than 24 hours. Callers hold mu.
func (t *DailyLimitTracker) cleanup() {
	cutoff := t.now().Add(-24 * time.Hour)
	kept := t.records[:0]
	for _, r := range t.records {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	t.records = kept
}
