package venue_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/chain/chaintest"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
	"github.com/rdobbeck/quaipump/internal/venue"
)

var (
	curveAddr = common.HexToAddress("0x00c1000000000000000000000000000000000001")
	poolAddr  = common.HexToAddress("0x00c1000000000000000000000000000000000002")
	tokenAddr = common.HexToAddress("0x00c1000000000000000000000000000000000003")
	market    = &markets.Market{Symbol: "PUMP", Token: tokenAddr, Curve: curveAddr, Decimals: 18}
)

func setup(t *testing.T) (*chaintest.Backend, *venue.Resolver) {
	t.Helper()
	b := chaintest.NewBackend(9)
	b.AddCurve(curveAddr, chaintest.Curve{
		Token:        tokenAddr,
		VirtualQuai:  big.NewInt(1_000_000),
		VirtualToken: big.NewInt(36_482_000_000),
		FeeBps:       100,
	})
	b.AddPool(poolAddr, chaintest.Pool{
		Token:        tokenAddr,
		ReserveQuai:  big.NewInt(2_000_000),
		ReserveToken: big.NewInt(50_000_000),
		FeeBps:       30,
	})
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r := venue.NewResolver(chain.NewReader(b, logger), venue.ResolverConfig{FeeBps: 100, PoolFeeBps: 30, Logger: logger})
	return b, r
}

func TestResolve_ActiveCurve(t *testing.T) {
	_, r := setup(t)
	ctx := context.Background()

	v, err := r.Resolve(ctx, market)
	require.NoError(t, err)
	assert.Equal(t, venue.KindCurve, v.Kind())
	assert.Equal(t, curveAddr, v.Address())
	assert.True(t, v.Chunked(models.ModeBuy))
	assert.False(t, v.Chunked(models.ModeSell))
	_, needs := v.Spender(models.ModeSell)
	assert.False(t, needs)

	q, err := v.Quote(ctx, models.ModeBuy, big.NewInt(442))
	require.NoError(t, err)
	assert.Equal(t, "15935671", q.AmountOut.String())
	assert.Equal(t, uint16(100), q.FeeBps)

	call, err := v.TradeCall(models.ModeBuy, big.NewInt(442), big.NewInt(15_776_314))
	require.NoError(t, err)
	assert.Equal(t, curveAddr, call.To)
	assert.Equal(t, "442", call.Value.String())
	m, err := chain.CurveABI.MethodById(call.Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "buy", m.Name)

	sell, err := v.TradeCall(models.ModeSell, big.NewInt(10), big.NewInt(1))
	require.NoError(t, err)
	assert.Zero(t, sell.Value.Sign())
}

func TestResolve_GraduatedRoutesToPool(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()
	b.UpdateCurve(curveAddr, func(c *chaintest.Curve) {
		c.Graduated = true
		c.Pool = poolAddr
	})

	v, err := r.Resolve(ctx, market)
	require.NoError(t, err)
	assert.Equal(t, venue.KindPool, v.Kind())
	assert.Equal(t, poolAddr, v.Address())
	assert.False(t, v.Chunked(models.ModeBuy))

	spender, needs := v.Spender(models.ModeSell)
	assert.True(t, needs)
	assert.Equal(t, poolAddr, spender)

	q, err := v.Quote(ctx, models.ModeSell, big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint16(30), q.FeeBps)
	assert.Equal(t, "50000000", q.ReserveIn.String())

	call, err := v.TradeCall(models.ModeSell, big.NewInt(1_000_000), big.NewInt(1))
	require.NoError(t, err)
	m, err := chain.PoolABI.MethodById(call.Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "swapTokensForQuai", m.Name)
}

func TestResolve_GraduationIsMonotonic(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()

	b.UpdateCurve(curveAddr, func(c *chaintest.Curve) {
		c.Graduated = true
		c.Pool = poolAddr
	})
	_, err := r.Resolve(ctx, market)
	require.NoError(t, err)
	assert.True(t, r.Graduated(curveAddr))

	// A lagging node reports the curve as active again.
	b.UpdateCurve(curveAddr, func(c *chaintest.Curve) {
		c.Graduated = false
		c.Pool = common.Address{}
	})
	for i := 0; i < 3; i++ {
		v, err := r.Resolve(ctx, market)
		require.NoError(t, err)
		assert.Equal(t, venue.KindPool, v.Kind())
	}

	stale := &chain.CurveState{Curve: curveAddr, Graduated: false}
	v, err := r.Observe(market, stale)
	require.NoError(t, err)
	assert.Equal(t, venue.KindPool, v.Kind())
}

func TestResolve_GraduatedWithoutPool(t *testing.T) {
	b, r := setup(t)
	b.UpdateCurve(curveAddr, func(c *chaintest.Curve) { c.Graduated = true })

	_, err := r.Resolve(context.Background(), market)
	assert.ErrorIs(t, err, tradeerr.ErrQuoteUnavailable)
	assert.False(t, r.Graduated(curveAddr))
}

func TestCurveQuote_GraduatedCurveRefusesQuote(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()

	v, err := r.Resolve(ctx, market)
	require.NoError(t, err)
	require.Equal(t, venue.KindCurve, v.Kind())

	b.UpdateCurve(curveAddr, func(c *chaintest.Curve) {
		c.Graduated = true
		c.Pool = poolAddr
	})
	_, err = v.Quote(ctx, models.ModeBuy, big.NewInt(100))
	assert.ErrorIs(t, err, tradeerr.ErrQuoteUnavailable)

	_, err = v.TradeCall(models.TradeMode("hold"), big.NewInt(1), big.NewInt(1))
	assert.ErrorIs(t, err, tradeerr.ErrInvalidDomainInput)
}
