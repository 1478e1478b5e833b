package tradeengine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdobbeck/quaipump/internal/chain/chaintest"
	"github.com/rdobbeck/quaipump/internal/config"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
	"github.com/rdobbeck/quaipump/internal/venue"
)

func newTestEngine(t *testing.T, key string) (*Engine, *chaintest.Backend, *prometheus.Registry) {
	t.Helper()

	b := chaintest.NewBackend(9)
	b.AddCurve(curveAddr, chaintest.Curve{
		Token:        tokenAddr,
		VirtualQuai:  big.NewInt(1_000_000),
		VirtualToken: big.NewInt(36_482_000_000),
		RealToken:    big.NewInt(36_482_000_000),
		Progress:     big.NewInt(1250),
		FeeBps:       100,
	})
	b.AddPool(poolAddr, chaintest.Pool{
		Token:        tokenAddr,
		ReserveQuai:  big.NewInt(2_000_000),
		ReserveToken: big.NewInt(50_000_000),
		FeeBps:       30,
	})

	reg := prometheus.NewRegistry()
	cfg := DefaultEngineConfig()
	cfg.WalletPrivateKey = key
	cfg.MaxChunkTokens = big.NewInt(16_000_000)
	cfg.MaxRetries = 0
	cfg.ConfirmTimeout = 5 * time.Second
	cfg.Registerer = reg
	cfg.Logger = quietLogger()

	e, err := NewEngineWithBackend(b, markets.NewStaticRegistry(testMarket), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, b, reg
}

func TestEngine_ExecuteBuy(t *testing.T) {
	e, b, reg := newTestEngine(t, testKey)
	ctx := context.Background()

	info, err := e.WalletInfo(ctx)
	require.NoError(t, err)
	b.Fund(common.HexToAddress(info.Address), tenQuai)

	intent := &TradeIntent{Market: "PUMP", Mode: models.ModeBuy, AmountIn: big.NewInt(1387)}

	q, err := e.Quote(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, 4, q.EstimatedChunks)

	check, err := e.CheckRisk(ctx, intent)
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	res, err := e.Execute(ctx, intent, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"442", "443", "443", "59"}, amountsIn(res.Steps))

	// The curve stays readable after the trade and real reserves shrink by what was bought.
	st, err := e.State(ctx, "PUMP")
	require.NoError(t, err)
	bought := new(big.Int)
	for _, s := range res.Steps {
		bought.Add(bought, s.AmountOut())
	}
	want := new(big.Int).Sub(big.NewInt(36_482_000_000), bought)
	assert.Equal(t, want.String(), st.Curve.RealTokenReserves.String())

	assert.True(t, e.RiskStatus().DailyUsedQuai.Equal(decimal.New(1387, -18)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "quaipump_trades_total")
	assert.Contains(t, names, "quaipump_chunks_confirmed_total")
}

func TestEngine_ReadOnly(t *testing.T) {
	e, _, _ := newTestEngine(t, "")
	ctx := context.Background()

	intent := &TradeIntent{Market: "PUMP", Mode: models.ModeBuy, Amount: "0.000000000000001"}
	q, err := e.Quote(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, "1000", q.AmountIn.String())

	_, err = e.Execute(ctx, intent, nil)
	assert.ErrorIs(t, err, tradeerr.ErrWalletNotConnected)

	_, err = e.WalletInfo(ctx)
	assert.ErrorIs(t, err, tradeerr.ErrWalletNotConnected)

	_, err = e.CheckRisk(ctx, intent)
	assert.ErrorIs(t, err, tradeerr.ErrWalletNotConnected)
}

func TestEngine_State(t *testing.T) {
	e, b, _ := newTestEngine(t, "")
	ctx := context.Background()

	st, err := e.State(ctx, "pump")
	require.NoError(t, err)
	assert.Equal(t, venue.KindCurve, st.Venue)
	assert.Equal(t, uint64(1250), st.Curve.Progress)
	assert.Nil(t, st.Pool)

	b.UpdateCurve(curveAddr, func(c *chaintest.Curve) {
		c.Graduated = true
		c.Pool = poolAddr
	})
	st, err = e.State(ctx, "PUMP")
	require.NoError(t, err)
	assert.Equal(t, venue.KindPool, st.Venue)
	require.NotNil(t, st.Pool)
	assert.Equal(t, "2000000", st.Pool.ReserveQuai.String())
	assert.True(t, e.Resolver().Graduated(curveAddr))

	_, err = e.State(ctx, "NOPE")
	assert.ErrorIs(t, err, markets.ErrNotFound)
}

func TestEngine_BadKey(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.WalletPrivateKey = "not-a-key"
	cfg.Logger = quietLogger()
	_, err := NewEngineWithBackend(chaintest.NewBackend(9), markets.NewStaticRegistry(testMarket), cfg)
	assert.Error(t, err)
}

func TestEngineConfigFromConfig(t *testing.T) {
	c := config.Load()
	c.PrivateKey = testKey
	c.RedisAddr = "redis:6379"
	c.AllowedMarkets = []string{"PUMP"}
	c.MaxTradeQuai = decimal.NewFromInt(5)

	cfg := EngineConfigFromConfig(c)
	assert.Equal(t, testKey, cfg.WalletPrivateKey)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"PUMP"}, cfg.RiskConfig.AllowedMarkets)
	assert.Equal(t, "5", cfg.RiskConfig.MaxTradeQuai.String())
	assert.Equal(t, c.DefaultSlippageBps, cfg.RiskConfig.DefaultSlippageBps)
	assert.Equal(t, c.ChainID, cfg.ChainID)
}
