package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PackBuy encodes curve.buy(minTokensOut). The quai amount travels as tx value.
func PackBuy(minTokensOut *big.Int) ([]byte, error) {
	return pack(CurveABI.Pack("buy", minTokensOut))
}

// PackSell encodes curve.sell(tokenAmount, minQuaiOut).
func PackSell(tokenAmount, minQuaiOut *big.Int) ([]byte, error) {
	return pack(CurveABI.Pack("sell", tokenAmount, minQuaiOut))
}

// PackSwapQuaiForTokens encodes pool.swapQuaiForTokens(minOut).
func PackSwapQuaiForTokens(minOut *big.Int) ([]byte, error) {
	return pack(PoolABI.Pack("swapQuaiForTokens", minOut))
}

// PackSwapTokensForQuai encodes pool.swapTokensForQuai(amountIn, minOut).
func PackSwapTokensForQuai(amountIn, minOut *big.Int) ([]byte, error) {
	return pack(PoolABI.Pack("swapTokensForQuai", amountIn, minOut))
}

// PackApprove encodes token.approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return pack(TokenABI.Pack("approve", spender, amount))
}

func pack(data []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to pack calldata: %w", err)
	}
	return data, nil
}
