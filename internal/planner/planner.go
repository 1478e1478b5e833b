// Package planner splits an oversized curve buy into transactions whose
// token output stays under a per-transaction cap.
package planner

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/rdobbeck/quaipump/internal/curvemath"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// ErrNoProgress means the next chunk would spend nothing.
var ErrNoProgress = errors.New("planner: chunk amount is zero")

// Reserves are the virtual curve reserves a chunk is planned against.
type Reserves struct {
	Quai  *big.Int
	Token *big.Int
}

// Chunk is one transaction's worth of a larger buy.
type Chunk struct {
	Index             int
	AmountIn          *big.Int
	ExpectedAmountOut *big.Int
	// MinAmountOut is set by the caller once the slippage is applied.
	MinAmountOut *big.Int
	Final        bool
}

// WithSlippage sets MinAmountOut = floor(expected * (10000 - bps) / 10000).
func (c *Chunk) WithSlippage(slippageBps uint16) *Chunk {
	c.MinAmountOut = curvemath.ApplySlippage(c.ExpectedAmountOut, slippageBps)
	return c
}

type Planner struct {
	MaxChunkTokens *big.Int
	FeeBps         uint16
}

func New(maxChunkTokens *big.Int, feeBps uint16) *Planner {
	return &Planner{MaxChunkTokens: new(big.Int).Set(maxChunkTokens), FeeBps: feeBps}
}

// Replan sizes the next chunk from freshly read reserves. If the whole
// remainder fits under the cap it becomes the final chunk; otherwise the
// chunk buys exactly up to the cap, clamped to the remainder.
func (p *Planner) Replan(index int, remaining *big.Int, r Reserves) (*Chunk, error) {
	if p.MaxChunkTokens == nil || p.MaxChunkTokens.Sign() <= 0 {
		return nil, tradeerr.Errorf(tradeerr.ErrInvalidDomainInput, "max chunk tokens must be > 0")
	}
	if remaining == nil || remaining.Sign() <= 0 {
		return nil, tradeerr.New(tradeerr.ErrInvalidDomainInput, fmt.Sprintf("chunk %d", index), ErrNoProgress)
	}

	fullOut, err := curvemath.QuoteOut(remaining, r.Quai, r.Token, p.FeeBps)
	if err != nil {
		return nil, err
	}
	if fullOut.Cmp(p.MaxChunkTokens) <= 0 {
		return &Chunk{
			Index:             index,
			AmountIn:          new(big.Int).Set(remaining),
			ExpectedAmountOut: fullOut,
			Final:             true,
		}, nil
	}

	amountIn, err := curvemath.AmountInForExactOut(p.MaxChunkTokens, r.Quai, r.Token, p.FeeBps)
	if err != nil {
		return nil, err
	}
	if amountIn.Cmp(remaining) > 0 {
		amountIn.Set(remaining)
	}
	if amountIn.Sign() <= 0 {
		return nil, tradeerr.New(tradeerr.ErrInvalidDomainInput, fmt.Sprintf("chunk %d", index), ErrNoProgress)
	}

	expected, err := curvemath.QuoteOut(amountIn, r.Quai, r.Token, p.FeeBps)
	if err != nil {
		return nil, err
	}

	return &Chunk{
		Index:             index,
		AmountIn:          amountIn,
		ExpectedAmountOut: expected,
		Final:             amountIn.Cmp(remaining) == 0,
	}, nil
}

// EstimateChunks is the advisory chunk count ceil(quote(total) / cap), at
// least 1. The real count depends on how the curve moves between chunks.
func (p *Planner) EstimateChunks(total *big.Int, r Reserves) (int, error) {
	out, err := curvemath.QuoteOut(total, r.Quai, r.Token, p.FeeBps)
	if err != nil {
		return 0, err
	}
	n := curvemath.CeilDiv(out, p.MaxChunkTokens)
	if n.Sign() <= 0 {
		return 1, nil
	}
	if !n.IsInt64() {
		return 0, tradeerr.Errorf(tradeerr.ErrInvalidDomainInput, "chunk estimate overflows")
	}
	return int(n.Int64()), nil
}

// Plan runs Replan to completion against a snapshot, applying each chunk's
// effect to a local copy of the reserves. It previews a trade; execution
// re-plans from chain state instead.
func (p *Planner) Plan(total *big.Int, r Reserves, slippageBps uint16, maxChunks int) ([]*Chunk, error) {
	quai := new(big.Int).Set(r.Quai)
	token := new(big.Int).Set(r.Token)
	remaining := new(big.Int).Set(total)

	var chunks []*Chunk
	for remaining.Sign() > 0 {
		if maxChunks > 0 && len(chunks) >= maxChunks {
			return chunks, fmt.Errorf("plan exceeds %d chunks", maxChunks)
		}
		c, err := p.Replan(len(chunks), remaining, Reserves{Quai: quai, Token: token})
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c.WithSlippage(slippageBps))

		net := new(big.Int).Mul(c.AmountIn, big.NewInt(int64(curvemath.BpsDenominator-int(p.FeeBps))))
		net.Quo(net, big.NewInt(curvemath.BpsDenominator))
		quai.Add(quai, net)
		token.Sub(token, c.ExpectedAmountOut)
		remaining.Sub(remaining, c.AmountIn)
	}
	return chunks, nil
}
