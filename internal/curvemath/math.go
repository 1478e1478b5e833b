package curvemath

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// BpsDenominator is the basis-point scale used for fees and slippage.
const BpsDenominator = 10000

var bpsDen = big.NewInt(BpsDenominator)

// QuoteOut computes the output of a constant-product trade with the fee taken
// from the input:
//
//	netIn     = amountIn * (10000 - feeBps) / 10000
//	amountOut = reserveOut - (reserveIn * reserveOut) / (reserveIn + netIn)
//
// The same formula prices curve buys (virtual quai -> virtual token), curve
// sells (reversed) and pool swaps. Arguments are never mutated.
func QuoteOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint16) (*big.Int, error) {
	if err := checkReserves(reserveIn, reserveOut); err != nil {
		return nil, err
	}
	if err := checkFee(feeBps); err != nil {
		return nil, err
	}
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, tradeerr.Errorf(tradeerr.ErrInvalidDomainInput, "amountIn must be >= 0")
	}

	netIn := applyFee(amountIn, feeBps)

	k := new(big.Int).Mul(reserveIn, reserveOut)
	denominator := new(big.Int).Add(reserveIn, netIn)
	remaining := new(big.Int).Quo(k, denominator)

	return remaining.Sub(reserveOut, remaining), nil
}

// AmountInForExactOut is the inverse of QuoteOut: the gross input needed so the
// trade yields at most amountOutTarget.
//
//	netIn         = (reserveIn * reserveOut) / (reserveOut - amountOutTarget) - reserveIn
//	amountInGross = netIn * 10000 / (10000 - feeBps)
//
// Truncation in both steps guarantees QuoteOut(result) <= amountOutTarget.
func AmountInForExactOut(amountOutTarget, reserveIn, reserveOut *big.Int, feeBps uint16) (*big.Int, error) {
	if err := checkReserves(reserveIn, reserveOut); err != nil {
		return nil, err
	}
	if err := checkFee(feeBps); err != nil {
		return nil, err
	}
	if amountOutTarget == nil || amountOutTarget.Sign() < 0 {
		return nil, tradeerr.Errorf(tradeerr.ErrInvalidDomainInput, "amountOutTarget must be >= 0")
	}
	if amountOutTarget.Cmp(reserveOut) >= 0 {
		return nil, tradeerr.Errorf(tradeerr.ErrInvalidDomainInput,
			"amountOutTarget %s >= reserveOut %s", amountOutTarget, reserveOut)
	}

	k := new(big.Int).Mul(reserveIn, reserveOut)
	newReserveOut := new(big.Int).Sub(reserveOut, amountOutTarget)

	netIn := new(big.Int).Quo(k, newReserveOut)
	netIn.Sub(netIn, reserveIn)
	if netIn.Sign() < 0 {
		netIn.SetInt64(0)
	}

	gross := netIn.Mul(netIn, bpsDen)
	return gross.Quo(gross, big.NewInt(int64(BpsDenominator-int(feeBps)))), nil
}

// ApplySlippage returns floor(amount * (10000 - slippageBps) / 10000).
func ApplySlippage(amount *big.Int, slippageBps uint16) *big.Int {
	if amount == nil || amount.Sign() <= 0 || slippageBps >= BpsDenominator {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(BpsDenominator-int(slippageBps))))
	return out.Quo(out, bpsDen)
}

// SpotPrice is reserveQuai / reserveToken. It is for display only.
func SpotPrice(reserveQuai, reserveToken *big.Int) decimal.Decimal {
	if reserveQuai == nil || reserveToken == nil || reserveToken.Sign() <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(reserveQuai, 0).DivRound(decimal.NewFromBigInt(reserveToken, 0), 18)
}

// PriceImpact compares the execution rate against the pre-trade spot rate:
// 1 - (amountOut/amountIn) / (reserveOut/reserveIn), floored at zero.
func PriceImpact(amountIn, amountOut, reserveIn, reserveOut *big.Int) decimal.Decimal {
	if amountIn == nil || amountOut == nil || amountIn.Sign() <= 0 ||
		reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return decimal.Zero
	}
	ideal := decimal.NewFromBigInt(reserveOut, 0).DivRound(decimal.NewFromBigInt(reserveIn, 0), 36)
	if ideal.IsZero() {
		return decimal.Zero
	}
	execution := decimal.NewFromBigInt(amountOut, 0).DivRound(decimal.NewFromBigInt(amountIn, 0), 36)
	impact := decimal.NewFromInt(1).Sub(execution.DivRound(ideal, 36))
	if impact.IsNegative() {
		return decimal.Zero
	}
	return impact.Round(8)
}

// CeilDiv returns ceil(a / b) for non-negative a and positive b.
func CeilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func applyFee(amountIn *big.Int, feeBps uint16) *big.Int {
	net := new(big.Int).Mul(amountIn, big.NewInt(int64(BpsDenominator-int(feeBps))))
	return net.Quo(net, bpsDen)
}

func checkReserves(reserveIn, reserveOut *big.Int) error {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return tradeerr.Errorf(tradeerr.ErrInvalidDomainInput, "reserves must be > 0")
	}
	return nil
}

func checkFee(feeBps uint16) error {
	if feeBps >= BpsDenominator {
		return tradeerr.Errorf(tradeerr.ErrInvalidDomainInput, "feeBps %d must be < %d", feeBps, BpsDenominator)
	}
	return nil
}
