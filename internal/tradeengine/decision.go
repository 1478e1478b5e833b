package tradeengine

import (
	"math/big"
	"strings"
	"time"

	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// MarketLookup finds a market by symbol. *markets.Registry satisfies it.
type MarketLookup interface {
	FindBySymbol(symbol string) (*markets.Market, error)
}

type DecisionEngine struct {
	risk    RiskConfig
	markets MarketLookup
}

func NewDecisionEngine(risk RiskConfig, m MarketLookup) *DecisionEngine {
	return &DecisionEngine{risk: risk, markets: m}
}

func (de *DecisionEngine) ValidateIntent(intent *TradeIntent) error {
	if intent == nil {
		return invalid("intent is nil")
	}
	if strings.TrimSpace(intent.Market) == "" {
		return invalid("market is required")
	}
	if !intent.Mode.Valid() {
		return invalid("mode must be %q or %q, got %q", models.ModeBuy, models.ModeSell, intent.Mode)
	}
	if intent.AmountIn == nil && strings.TrimSpace(intent.Amount) == "" {
		return invalid("amount is required")
	}
	if intent.AmountIn != nil && intent.AmountIn.Sign() <= 0 {
		return invalid("amount must be > 0")
	}
	if intent.SlippageBps > constants.MaxSlippageBps {
		return invalid("slippage %d bps exceeds max %d bps", intent.SlippageBps, constants.MaxSlippageBps)
	}
	return nil
}

func (de *DecisionEngine) EnrichIntent(intent *TradeIntent) {
	if intent.RequestedAt.IsZero() {
		intent.RequestedAt = time.Now()
	}
	if intent.SlippageBps == 0 {
		intent.SlippageBps = de.risk.DefaultSlippageBps
	}
}

// ParseIntent validates, enriches and resolves an intent against the market
// registry. Human amounts use 18 decimals for buys (quai) and the market's
// token decimals for sells.
func (de *DecisionEngine) ParseIntent(intent *TradeIntent) (*TradeParams, error) {
	if err := de.ValidateIntent(intent); err != nil {
		return nil, err
	}
	de.EnrichIntent(intent)

	m, err := de.markets.FindBySymbol(intent.Market)
	if err != nil {
		return nil, tradeerr.New(tradeerr.ErrInvalidDomainInput, "", err)
	}

	amountIn := intent.AmountIn
	if amountIn == nil {
		decimals := uint8(constants.QuaiDecimals)
		if intent.Mode == models.ModeSell {
			decimals = m.Decimals
		}
		amountIn, err = markets.ToBaseUnits(intent.Amount, decimals)
		if err != nil {
			return nil, tradeerr.New(tradeerr.ErrInvalidDomainInput, "", err)
		}
	}

	return &TradeParams{
		Market:      m,
		Mode:        intent.Mode,
		AmountIn:    new(big.Int).Set(amountIn),
		SlippageBps: intent.SlippageBps,
		Intent:      intent,
		ParsedAt:    time.Now(),
	}, nil
}

func invalid(format string, args ...any) error {
	return tradeerr.Errorf(tradeerr.ErrInvalidDomainInput, format, args...)
}
