package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const curveABIJSON = `[
	{"inputs":[{"name":"quaiIn","type":"uint256"}],"name":"getBuyQuote","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"tokenIn","type":"uint256"}],"name":"getSellQuote","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"virtualQuaiReserves","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"virtualTokenReserves","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"realQuaiReserves","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"realTokenReserves","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"currentPrice","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"progress","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"graduated","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"pool","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"minTokensOut","type":"uint256"}],"name":"buy","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"tokenAmount","type":"uint256"},{"name":"minQuaiOut","type":"uint256"}],"name":"sell","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"buyer","type":"address"},{"indexed":false,"name":"quaiIn","type":"uint256"},{"indexed":false,"name":"tokensOut","type":"uint256"}],"name":"Buy","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"seller","type":"address"},{"indexed":false,"name":"tokensIn","type":"uint256"},{"indexed":false,"name":"quaiOut","type":"uint256"}],"name":"Sell","type":"event"}
]`

const poolABIJSON = `[
	{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"isQuaiIn","type":"bool"}],"name":"getAmountOut","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"reserveQuai","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"reserveToken","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"minOut","type":"uint256"}],"name":"swapQuaiForTokens","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"minOut","type":"uint256"}],"name":"swapTokensForQuai","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const tokenABIJSON = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Parsed contract ABIs.
var (
	CurveABI = mustParseABI(curveABIJSON)
	PoolABI  = mustParseABI(poolABIJSON)
	TokenABI = mustParseABI(tokenABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
