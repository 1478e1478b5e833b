package venue

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/curvemath"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// Kind tags the concrete venue.
type Kind int

const (
	KindCurve Kind = iota + 1
	KindPool
)

func (k Kind) String() string {
	switch k {
	case KindCurve:
		return constants.VenueCurve
	case KindPool:
		return constants.VenuePool
	default:
		return "unknown"
	}
}

// Venue is where a trade is priced and executed: *Curve or *Pool.
type Venue interface {
	Kind() Kind
	Address() common.Address
	// Quote prices a single-shot trade against freshly read reserves.
	Quote(ctx context.Context, mode models.TradeMode, amountIn *big.Int) (*Quote, error)
	// TradeCall builds the transaction for one trade.
	TradeCall(mode models.TradeMode, amountIn, minOut *big.Int) (*Call, error)
	// Spender returns the address that must hold an allowance before the
	// trade, if any.
	Spender(mode models.TradeMode) (common.Address, bool)
	// Chunked reports whether trades in this mode go through the chunk planner.
	Chunked(mode models.TradeMode) bool
}

// Quote is a priced single-shot trade.
type Quote struct {
	Venue       Kind
	Mode        models.TradeMode
	AmountIn    *big.Int
	AmountOut   *big.Int
	ReserveIn   *big.Int
	ReserveOut  *big.Int
	FeeBps      uint16
	PriceImpact decimal.Decimal
}

// Call is an unsigned contract call.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Curve routes trades to the bonding-curve contract.
type Curve struct {
	curve  common.Address
	feeBps uint16
	reader StateReader
}

func (c *Curve) Kind() Kind              { return KindCurve }
func (c *Curve) Address() common.Address { return c.curve }

func (c *Curve) Quote(ctx context.Context, mode models.TradeMode, amountIn *big.Int) (*Quote, error) {
	state, err := c.reader.CurveState(ctx, c.curve)
	if err != nil {
		return nil, err
	}
	if state.Graduated {
		return nil, tradeerr.Errorf(tradeerr.ErrQuoteUnavailable, "curve %s has graduated", c.curve.Hex())
	}
	return CurveQuote(state, mode, amountIn, c.feeBps)
}

// CurveQuote prices a trade on an already read curve state.
func CurveQuote(state *chain.CurveState, mode models.TradeMode, amountIn *big.Int, feeBps uint16) (*Quote, error) {
	rin, rout := state.VirtualQuaiReserves, state.VirtualTokenReserves
	if mode == models.ModeSell {
		rin, rout = rout, rin
	}
	return quote(KindCurve, mode, amountIn, rin, rout, feeBps)
}

func (c *Curve) TradeCall(mode models.TradeMode, amountIn, minOut *big.Int) (*Call, error) {
	switch mode {
	case models.ModeBuy:
		data, err := chain.PackBuy(minOut)
		if err != nil {
			return nil, err
		}
		return &Call{To: c.curve, Value: new(big.Int).Set(amountIn), Data: data}, nil
	case models.ModeSell:
		data, err := chain.PackSell(amountIn, minOut)
		if err != nil {
			return nil, err
		}
		return &Call{To: c.curve, Value: new(big.Int), Data: data}, nil
	}
	return nil, invalidMode(mode)
}

// Spender: the curve moves its own token and needs no allowance.
func (c *Curve) Spender(models.TradeMode) (common.Address, bool) { return common.Address{}, false }

// Chunked: buys are split, sells are single-shot.
func (c *Curve) Chunked(mode models.TradeMode) bool { return mode == models.ModeBuy }

// Pool routes trades to the post-graduation AMM pool.
type Pool struct {
	pool   common.Address
	feeBps uint16
	reader StateReader
}

func (p *Pool) Kind() Kind              { return KindPool }
func (p *Pool) Address() common.Address { return p.pool }

func (p *Pool) Quote(ctx context.Context, mode models.TradeMode, amountIn *big.Int) (*Quote, error) {
	state, err := p.reader.PoolState(ctx, p.pool)
	if err != nil {
		return nil, err
	}
	rin, rout := state.ReserveQuai, state.ReserveToken
	if mode == models.ModeSell {
		rin, rout = rout, rin
	}
	return quote(KindPool, mode, amountIn, rin, rout, p.feeBps)
}

func (p *Pool) TradeCall(mode models.TradeMode, amountIn, minOut *big.Int) (*Call, error) {
	switch mode {
	case models.ModeBuy:
		data, err := chain.PackSwapQuaiForTokens(minOut)
		if err != nil {
			return nil, err
		}
		return &Call{To: p.pool, Value: new(big.Int).Set(amountIn), Data: data}, nil
	case models.ModeSell:
		data, err := chain.PackSwapTokensForQuai(amountIn, minOut)
		if err != nil {
			return nil, err
		}
		return &Call{To: p.pool, Value: new(big.Int), Data: data}, nil
	}
	return nil, invalidMode(mode)
}

// Spender: selling into the pool needs an allowance for the pool.
func (p *Pool) Spender(mode models.TradeMode) (common.Address, bool) {
	if mode == models.ModeSell {
		return p.pool, true
	}
	return common.Address{}, false
}

func (p *Pool) Chunked(models.TradeMode) bool { return false }

func quote(kind Kind, mode models.TradeMode, amountIn, rin, rout *big.Int, feeBps uint16) (*Quote, error) {
	if !mode.Valid() {
		return nil, invalidMode(mode)
	}
	out, err := curvemath.QuoteOut(amountIn, rin, rout, feeBps)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Venue:       kind,
		Mode:        mode,
		AmountIn:    new(big.Int).Set(amountIn),
		AmountOut:   out,
		ReserveIn:   new(big.Int).Set(rin),
		ReserveOut:  new(big.Int).Set(rout),
		FeeBps:      feeBps,
		PriceImpact: curvemath.PriceImpact(amountIn, out, rin, rout),
	}, nil
}

func invalidMode(mode models.TradeMode) error {
	return tradeerr.Errorf(tradeerr.ErrInvalidDomainInput, "unknown trade mode %q", mode)
}

var (
	_ Venue = (*Curve)(nil)
	_ Venue = (*Pool)(nil)
)

// String is used in logs.
func (q *Quote) String() string {
	return fmt.Sprintf("%s %s in=%s out=%s", q.Venue, q.Mode, q.AmountIn, q.AmountOut)
}
