package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// Caller executes read-only contract calls. *rpc.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader fetches curve, pool and token state. Every failure is reported as
// tradeerr.ErrQuoteUnavailable.
type Reader struct {
	caller Caller
	logger *logrus.Logger
}

func NewReader(caller Caller, logger *logrus.Logger) *Reader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reader{caller: caller, logger: logger}
}

// CurveState reads every curve field concurrently.
func (r *Reader) CurveState(ctx context.Context, curve common.Address) (*CurveState, error) {
	var (
		vQuai, vToken, rQuai, rToken *big.Int
		price, progress              *big.Int
		graduated                    bool
		pool                         common.Address
	)

	g, gctx := errgroup.WithContext(ctx)
	readUint := func(method string, dst **big.Int) {
		g.Go(func() error {
			v, err := r.callUint(gctx, curve, CurveABI, method)
			if err != nil {
				return err
			}
			*dst = v
			return nil
		})
	}
	readUint("virtualQuaiReserves", &vQuai)
	readUint("virtualTokenReserves", &vToken)
	readUint("realQuaiReserves", &rQuai)
	readUint("realTokenReserves", &rToken)
	readUint("currentPrice", &price)
	readUint("progress", &progress)
	g.Go(func() error {
		out, err := r.call(gctx, curve, CurveABI, "graduated")
		if err != nil {
			return err
		}
		b, ok := out[0].(bool)
		if !ok {
			return unexpectedOutput("graduated", out[0])
		}
		graduated = b
		return nil
	})
	g.Go(func() error {
		out, err := r.call(gctx, curve, CurveABI, "pool")
		if err != nil {
			return err
		}
		a, ok := out[0].(common.Address)
		if !ok {
			return unexpectedOutput("pool", out[0])
		}
		pool = a
		return nil
	})

	if err := g.Wait(); err != nil {
		r.logger.WithFields(logrus.Fields{
			"curve": curve.Hex(),
			"error": err,
		}).Warn("curve state read failed")
		return nil, err
	}

	state := &CurveState{
		Curve:                curve,
		Graduated:            graduated,
		CurrentPrice:         decimal.NewFromBigInt(price, -18),
		Progress:             clampProgress(progress),
		RealQuaiReserves:     rQuai,
		RealTokenReserves:    rToken,
		VirtualQuaiReserves:  vQuai,
		VirtualTokenReserves: vToken,
		FetchedAt:            time.Now(),
	}
	if pool != (common.Address{}) {
		p := pool
		state.Pool = &p
	}
	return state, nil
}

// PoolState reads the pool reserves.
func (r *Reader) PoolState(ctx context.Context, pool common.Address) (*PoolState, error) {
	var rq, rt *big.Int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rq, err = r.callUint(gctx, pool, PoolABI, "reserveQuai")
		return err
	})
	g.Go(func() (err error) {
		rt, err = r.callUint(gctx, pool, PoolABI, "reserveToken")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &PoolState{Pool: pool, ReserveQuai: rq, ReserveToken: rt, FetchedAt: time.Now()}, nil
}

// BuyQuote asks the curve for tokens out given quaiIn.
func (r *Reader) BuyQuote(ctx context.Context, curve common.Address, quaiIn *big.Int) (*big.Int, error) {
	return r.callUint(ctx, curve, CurveABI, "getBuyQuote", quaiIn)
}

// SellQuote asks the curve for quai out given tokenIn.
func (r *Reader) SellQuote(ctx context.Context, curve common.Address, tokenIn *big.Int) (*big.Int, error) {
	return r.callUint(ctx, curve, CurveABI, "getSellQuote", tokenIn)
}

// PoolAmountOut asks the pool for the output of a swap.
func (r *Reader) PoolAmountOut(ctx context.Context, pool common.Address, amountIn *big.Int, isQuaiIn bool) (*big.Int, error) {
	return r.callUint(ctx, pool, PoolABI, "getAmountOut", amountIn, isQuaiIn)
}

func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.callUint(ctx, token, TokenABI, "allowance", owner, spender)
}

func (r *Reader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.callUint(ctx, token, TokenABI, "balanceOf", owner)
}

func (r *Reader) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, tradeerr.New(tradeerr.ErrInvalidDomainInput, method, fmt.Errorf("failed to pack call: %w", err))
	}

	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, tradeerr.New(tradeerr.ErrQuoteUnavailable, method, fmt.Errorf("failed to call %s: %w", to.Hex(), err))
	}

	out, err := contract.Unpack(method, result)
	if err != nil {
		return nil, tradeerr.New(tradeerr.ErrQuoteUnavailable, method, fmt.Errorf("failed to unpack result: %w", err))
	}
	if len(out) == 0 {
		return nil, tradeerr.New(tradeerr.ErrQuoteUnavailable, method, fmt.Errorf("empty result"))
	}
	return out, nil
}

func (r *Reader) callUint(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	out, err := r.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, unexpectedOutput(method, out[0])
	}
	return v, nil
}

func unexpectedOutput(method string, v interface{}) error {
	return tradeerr.New(tradeerr.ErrQuoteUnavailable, method, fmt.Errorf("unexpected output type %T", v))
}

func clampProgress(p *big.Int) uint64 {
	if p == nil || p.Sign() <= 0 {
		return 0
	}
	if !p.IsUint64() || p.Uint64() > 10000 {
		return 10000
	}
	return p.Uint64()
}
