package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/rdobbeck/quaipump/internal/curvemath"
)

// CurveState is a snapshot of a bonding-curve contract. It is read fresh
// before every planning or quoting decision.
type CurveState struct {
	Curve     common.Address
	Graduated bool
	// Pool is nil until the curve graduates.
	Pool         *common.Address
	CurrentPrice decimal.Decimal // quai per token
	Progress     uint64          // bps, 0..10000

	RealQuaiReserves     *big.Int
	RealTokenReserves    *big.Int
	VirtualQuaiReserves  *big.Int
	VirtualTokenReserves *big.Int

	FetchedAt time.Time
}

// PoolState is a snapshot of a post-graduation constant-product pool.
type PoolState struct {
	Pool         common.Address
	ReserveQuai  *big.Int
	ReserveToken *big.Int
	FetchedAt    time.Time
}

// SpotPrice is reserveQuai / reserveToken, display only.
func (p *PoolState) SpotPrice() decimal.Decimal {
	return curvemath.SpotPrice(p.ReserveQuai, p.ReserveToken)
}
