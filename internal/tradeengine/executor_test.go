package tradeengine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/chain/chaintest"
	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/flags"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
	"github.com/rdobbeck/quaipump/internal/venue"
	"github.com/rdobbeck/quaipump/internal/wallet"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	curveAddr  = common.HexToAddress("0x00d1000000000000000000000000000000000001")
	poolAddr   = common.HexToAddress("0x00d1000000000000000000000000000000000002")
	tokenAddr  = common.HexToAddress("0x00d1000000000000000000000000000000000003")
	testMarket = markets.Market{Symbol: "PUMP", Name: "Pump", Token: tokenAddr, Curve: curveAddr, Decimals: 18}

	tenQuai = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fixture struct {
	backend  *chaintest.Backend
	wallet   *wallet.Wallet
	resolver *venue.Resolver
	exec     *Executor
	market   *markets.Market
}

func newFixture(t *testing.T, tweak func(*ExecutorConfig, *RiskConfig)) *fixture {
	t.Helper()
	logger := quietLogger()

	b := chaintest.NewBackend(9)
	b.AddCurve(curveAddr, chaintest.Curve{
		Token:        tokenAddr,
		VirtualQuai:  big.NewInt(1_000_000),
		VirtualToken: big.NewInt(36_482_000_000),
		RealToken:    big.NewInt(36_482_000_000),
		FeeBps:       100,
	})
	b.AddPool(poolAddr, chaintest.Pool{
		Token:        tokenAddr,
		ReserveQuai:  big.NewInt(2_000_000),
		ReserveToken: big.NewInt(50_000_000),
		FeeBps:       30,
	})

	w, err := wallet.NewWallet(b, wallet.WalletConfig{
		PrivateKey:      testKey,
		ChainID:         big.NewInt(9),
		ReceiptInterval: time.Millisecond,
		Logger:          logger,
	})
	require.NoError(t, err)
	b.Fund(w.Address(), tenQuai)

	cfg := ExecutorConfig{
		MaxChunkTokens: big.NewInt(16_000_000),
		FeeBps:         100,
		ConfirmTimeout: 5 * time.Second,
		AutoApprove:    true,
		Logger:         logger,
	}
	risk := DefaultRiskConfig()
	if tweak != nil {
		tweak(&cfg, &risk)
	}

	reader := chain.NewReader(b, logger)
	resolver := venue.NewResolver(reader, venue.ResolverConfig{FeeBps: 100, PoolFeeBps: 30, Logger: logger})
	exec := NewExecutor(reader, w, resolver, NewRiskManager(risk), cfg)

	m := testMarket
	return &fixture{backend: b, wallet: w, resolver: resolver, exec: exec, market: &m}
}

func (f *fixture) graduate() {
	f.backend.UpdateCurve(curveAddr, func(c *chaintest.Curve) {
		c.Graduated = true
		c.Pool = poolAddr
	})
}

func (f *fixture) params(mode models.TradeMode, amount int64) *TradeParams {
	return &TradeParams{
		Market:      f.market,
		Mode:        mode,
		AmountIn:    big.NewInt(amount),
		SlippageBps: 100,
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	recent []*models.TradeEvent
	pubs   []*models.TradeEvent
}

func (p *recordingPublisher) AddRecentTrade(_ context.Context, ev *models.TradeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent = append(p.recent, ev)
	return nil
}

func (p *recordingPublisher) PublishTrade(_ context.Context, ev *models.TradeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs = append(p.pubs, ev)
	return nil
}

type failingRecorder struct{ calls int }

func (r *failingRecorder) InsertTrade(context.Context, *models.TradeEvent) error {
	r.calls++
	return errors.New("clickhouse down")
}

type staticFlags struct {
	on  map[string]bool
	err error
}

func (s staticFlags) EnabledFor(_ context.Context, key, market string) (bool, error) {
	return s.on[key] || s.on[flags.MarketKey(key, market)], s.err
}

func amountsIn(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.AmountIn.String()
	}
	return out
}

func TestExecute_ChunkedCurveBuy(t *testing.T) {
	f := newFixture(t, nil)
	pub := &recordingPublisher{}
	rec := &failingRecorder{}
	f.exec.WithPublisher(pub).WithRecorder(rec)

	var progress []Progress
	res, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 1387), func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.True(t, res.Success())

	assert.Equal(t, venue.KindCurve, res.Venue)
	assert.Equal(t, 4, res.EstimatedChunks)
	assert.Equal(t, []string{"442", "443", "443", "59"}, amountsIn(res.Steps))
	assert.Equal(t, "1387", res.Filled.String())
	assert.Zero(t, res.Remaining().Sign())
	assert.Len(t, res.Confirmed, 4)
	assert.Empty(t, res.Unconfirmed)
	assert.NotEmpty(t, res.ExecutionID)

	// first chunk against the untouched curve
	assert.Equal(t, "15935671", res.Steps[0].ExpectedAmountOut.String())

	received := new(big.Int)
	for i, s := range res.Steps {
		assert.Equal(t, StepChunk, s.Kind)
		assert.Equal(t, i, s.Index)
		require.NotNil(t, s.ActualAmountOut, "chunk %d", i)
		assert.Equal(t, s.ExpectedAmountOut.String(), s.ActualAmountOut.String())
		assert.LessOrEqual(t, s.ActualAmountOut.Int64(), int64(16_000_000))
		assert.GreaterOrEqual(t, s.ActualAmountOut.Cmp(s.MinAmountOut), 0)
		assert.NotZero(t, s.BlockNumber)
		received.Add(received, s.ActualAmountOut)
	}
	assert.Equal(t, received.String(), f.backend.TokenBalance(tokenAddr, f.wallet.Address()).String())

	require.Len(t, progress, 4)
	assert.Equal(t, "0", progress[3].Remaining.String())
	assert.Equal(t, "945", progress[0].Remaining.String())
	assert.Equal(t, 4, progress[0].EstimatedTotal)

	// publishing is best effort: a failing recorder does not fail the trade
	assert.Len(t, pub.recent, 4)
	assert.Len(t, pub.pubs, 4)
	assert.Equal(t, 4, rec.calls)
	assert.Equal(t, constants.SourceEngine, pub.pubs[0].Source)
	assert.Equal(t, res.ExecutionID, pub.pubs[3].ExecutionID)
	assert.Equal(t, 3, pub.pubs[3].ChunkIndex)
}

func TestExecute_SingleChunkBuy(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EstimatedChunks)
	assert.Equal(t, []string{"100"}, amountsIn(res.Steps))
}

func TestExecute_PartialFailureKeepsConfirmed(t *testing.T) {
	f := newFixture(t, nil)

	mined := 0
	f.backend.AfterMine = func(b *chaintest.Backend, _ *types.Transaction, _ *types.Receipt) {
		mined++
		if mined == 2 {
			b.FailSends(errors.New("connection reset"))
		}
	}

	res, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 1387), nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success())
	assert.Equal(t, []string{"442", "443"}, amountsIn(res.Steps))
	assert.Len(t, res.Confirmed, 2)
	assert.Equal(t, "885", res.Filled.String())
	assert.Equal(t, "502", res.Remaining().String())
}

func TestExecute_CancelBetweenChunks(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := f.exec.Execute(ctx, f.params(models.ModeBuy, 1387), func(p Progress) {
		if p.Index == 0 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", ErrorCode(err))
	assert.Equal(t, []string{"442"}, amountsIn(res.Steps))
	assert.Equal(t, "945", res.Remaining().String())
}

func TestExecute_GraduationMidTrade(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.AfterMine = func(b *chaintest.Backend, _ *types.Transaction, _ *types.Receipt) {
		b.UpdateCurve(curveAddr, func(c *chaintest.Curve) {
			c.Graduated = true
			c.Pool = poolAddr
		})
	}

	res, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 1387), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVenueSwitched)
	assert.ErrorIs(t, err, tradeerr.ErrQuoteUnavailable)
	assert.Equal(t, "venue_switched", ErrorCode(err))
	assert.Len(t, res.Confirmed, 1)
	assert.True(t, f.resolver.Graduated(curveAddr))

	// the next trade goes to the pool
	f.backend.AfterMine = nil
	res, err = f.exec.Execute(context.Background(), f.params(models.ModeBuy, 500), nil)
	require.NoError(t, err)
	assert.Equal(t, venue.KindPool, res.Venue)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, StepSwap, res.Steps[0].Kind)
	assert.Nil(t, res.Steps[0].ActualAmountOut)
}

func TestExecute_CurveSell(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetTokenBalance(tokenAddr, f.wallet.Address(), big.NewInt(5_000_000))

	res, err := f.exec.Execute(context.Background(), f.params(models.ModeSell, 1_000_000), nil)
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	step := res.Steps[0]
	assert.Equal(t, StepSwap, step.Kind)
	require.NotNil(t, step.ActualAmountOut)
	assert.Positive(t, step.ActualAmountOut.Sign())
	assert.Equal(t, "4000000", f.backend.TokenBalance(tokenAddr, f.wallet.Address()).String())
}

func TestExecute_SellAboveBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetTokenBalance(tokenAddr, f.wallet.Address(), big.NewInt(10))

	res, err := f.exec.Execute(context.Background(), f.params(models.ModeSell, 1_000), nil)
	require.ErrorIs(t, err, tradeerr.ErrInvalidDomainInput)
	assert.Empty(t, res.Confirmed)
}

func TestExecute_PoolSellApprovesFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.graduate()
	f.backend.SetTokenBalance(tokenAddr, f.wallet.Address(), big.NewInt(1_000_000))

	q, err := f.exec.GetQuote(context.Background(), f.params(models.ModeSell, 100_000))
	require.NoError(t, err)
	assert.True(t, q.NeedsApproval)
	assert.Equal(t, venue.KindPool, q.Venue)

	var kinds []StepKind
	res, err := f.exec.Execute(context.Background(), f.params(models.ModeSell, 100_000), func(p Progress) {
		kinds = append(kinds, p.Step.Kind)
	})
	require.NoError(t, err)
	assert.Equal(t, []StepKind{StepApprove, StepSwap}, kinds)
	require.Len(t, res.Steps, 2)
	assert.Len(t, res.Confirmed, 2)
	assert.Equal(t, "100000", res.Filled.String())
	assert.Zero(t, f.backend.Allowance(tokenAddr, f.wallet.Address(), poolAddr).Sign())
	assert.Equal(t, "900000", f.backend.TokenBalance(tokenAddr, f.wallet.Address()).String())
}

func TestExecute_PoolSellWithoutAutoApprove(t *testing.T) {
	f := newFixture(t, func(c *ExecutorConfig, _ *RiskConfig) { c.AutoApprove = false })
	f.graduate()
	f.backend.SetTokenBalance(tokenAddr, f.wallet.Address(), big.NewInt(1_000_000))

	res, err := f.exec.Execute(context.Background(), f.params(models.ModeSell, 100_000), nil)
	require.ErrorIs(t, err, tradeerr.ErrInsufficientAllowance)
	assert.Empty(t, res.Steps)
}

func TestExecute_InFlightGuard(t *testing.T) {
	f := newFixture(t, nil)

	release, err := f.exec.acquire(curveAddr)
	require.NoError(t, err)

	_, err = f.exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
	require.ErrorIs(t, err, ErrTradeInFlight)
	assert.Equal(t, "trade_in_flight", ErrorCode(err))

	release()
	_, err = f.exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
	require.NoError(t, err)
}

func TestExecute_NoWallet(t *testing.T) {
	f := newFixture(t, nil)
	exec := NewExecutor(chain.NewReader(f.backend, quietLogger()), nil, f.resolver, nil, ExecutorConfig{Logger: quietLogger()})

	_, err := exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
	assert.ErrorIs(t, err, tradeerr.ErrWalletNotConnected)

	// quoting works without a wallet
	q, err := exec.GetQuote(context.Background(), f.params(models.ModeBuy, 100))
	require.NoError(t, err)
	assert.False(t, q.NeedsApproval)
}

func TestExecute_TooManyChunks(t *testing.T) {
	f := newFixture(t, func(c *ExecutorConfig, _ *RiskConfig) { c.MaxChunksPerTrade = 2 })

	res, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 1387), nil)
	require.ErrorIs(t, err, ErrTooManyChunks)
	assert.ErrorIs(t, err, tradeerr.ErrInvalidDomainInput)
	assert.Empty(t, res.Confirmed)
}

func TestExecute_Flags(t *testing.T) {
	t.Run("paused", func(t *testing.T) {
		f := newFixture(t, nil)
		f.exec.WithFlags(staticFlags{on: map[string]bool{flags.TradingPaused: true}})
		_, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
		assert.ErrorIs(t, err, ErrTradingPaused)
	})

	t.Run("paused for this market only", func(t *testing.T) {
		f := newFixture(t, nil)
		f.exec.WithFlags(staticFlags{on: map[string]bool{flags.MarketKey(flags.TradingPaused, "pump"): true}})
		_, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
		assert.ErrorIs(t, err, ErrTradingPaused)

		f.exec.WithFlags(staticFlags{on: map[string]bool{flags.MarketKey(flags.TradingPaused, "OTHER"): true}})
		_, err = f.exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
		assert.NoError(t, err)
	})

	t.Run("chunking disabled", func(t *testing.T) {
		f := newFixture(t, nil)
		f.exec.WithFlags(staticFlags{on: map[string]bool{flags.ChunkingDisabled: true}})

		_, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 1387), nil)
		assert.ErrorIs(t, err, ErrTooManyChunks)

		// a one-transaction buy still goes through
		_, err = f.exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
		assert.NoError(t, err)
	})

	t.Run("unreadable store fails open", func(t *testing.T) {
		f := newFixture(t, nil)
		f.exec.WithFlags(staticFlags{err: errors.New("redis down")})
		_, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 100), nil)
		assert.NoError(t, err)
	})
}

func TestExecute_RiskRejections(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*ExecutorConfig, *RiskConfig)
		fund  *big.Int
	}{
		{
			name:  "market not allowed",
			tweak: func(_ *ExecutorConfig, r *RiskConfig) { r.AllowedMarkets = []string{"OTHER"} },
		},
		{
			name:  "max trade",
			tweak: func(_ *ExecutorConfig, r *RiskConfig) { r.MaxTradeQuai = decimal.New(1, -15) },
		},
		{
			name: "gas reserve",
			fund: big.NewInt(1_000_000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.tweak)
			if tt.fund != nil {
				f.backend.Fund(f.wallet.Address(), tt.fund)
			}

			res, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 1387), nil)
			require.ErrorIs(t, err, ErrRiskRejected)
			assert.ErrorIs(t, err, tradeerr.ErrInvalidDomainInput)
			assert.Equal(t, "risk_rejected", ErrorCode(err))
			assert.Empty(t, res.Confirmed)
		})
	}
}

func TestExecute_DailyUsageRecorded(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.exec.Execute(context.Background(), f.params(models.ModeBuy, 1387), nil)
	require.NoError(t, err)
	assert.True(t, f.exec.risk.Status().DailyUsedQuai.Equal(decimal.New(1387, -18)))
}

func TestGetQuote_CurveBuy(t *testing.T) {
	f := newFixture(t, nil)

	q, err := f.exec.GetQuote(context.Background(), f.params(models.ModeBuy, 1387))
	require.NoError(t, err)
	assert.Equal(t, venue.KindCurve, q.Venue)
	assert.Equal(t, 4, q.EstimatedChunks)
	assert.Equal(t, uint16(100), q.FeeBps)
	assert.Equal(t, minOutAfter(q.AmountOut, 100), q.MinAmountOut.String())
	assert.True(t, q.ExecutionPrice.IsPositive())
	assert.False(t, q.NeedsApproval)

	require.NotNil(t, q.ContractAmountOut)
	assert.Equal(t, q.AmountOut.String(), q.ContractAmountOut.String())

	// The preview splits the order exactly, each non-final chunk at the cap.
	require.Len(t, q.Chunks, 4)
	total := new(big.Int)
	for i, c := range q.Chunks {
		total.Add(total, c.AmountIn)
		assert.LessOrEqual(t, c.ExpectedAmountOut.Cmp(big.NewInt(16_000_000)), 0, "chunk %d", i)
		assert.Equal(t, minOutAfter(c.ExpectedAmountOut, 100), c.MinAmountOut.String())
		assert.Equal(t, i == len(q.Chunks)-1, c.Final)
	}
	assert.Equal(t, "1387", total.String())
}

func TestGetQuote_SmallBuyPreviewsOneChunk(t *testing.T) {
	f := newFixture(t, nil)

	q, err := f.exec.GetQuote(context.Background(), f.params(models.ModeBuy, 100))
	require.NoError(t, err)
	require.Len(t, q.Chunks, 1)
	assert.True(t, q.Chunks[0].Final)
	assert.Equal(t, q.AmountOut.String(), q.Chunks[0].ExpectedAmountOut.String())
}

func TestGetQuote_PoolMatchesContract(t *testing.T) {
	f := newFixture(t, nil)
	f.graduate()

	q, err := f.exec.GetQuote(context.Background(), f.params(models.ModeBuy, 1000))
	require.NoError(t, err)
	assert.Equal(t, venue.KindPool, q.Venue)
	assert.Empty(t, q.Chunks)
	require.NotNil(t, q.ContractAmountOut)
	assert.Equal(t, q.AmountOut.String(), q.ContractAmountOut.String())
}

func TestGetQuote_ContractMismatchIsLogged(t *testing.T) {
	f := newFixture(t, nil)
	logger, hook := logtest.NewNullLogger()
	f.exec.logger = logger

	// The contract charges more than the configured fee.
	f.backend.UpdateCurve(curveAddr, func(c *chaintest.Curve) { c.FeeBps = 200 })

	q, err := f.exec.GetQuote(context.Background(), f.params(models.ModeSell, 100_000_000))
	require.NoError(t, err)
	require.NotNil(t, q.ContractAmountOut)
	assert.Equal(t, -1, q.ContractAmountOut.Cmp(q.AmountOut))

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "local quote differs from contract quote" {
			warned = true
			assert.Equal(t, q.AmountOut.String(), entry.Data["local"])
		}
	}
	assert.True(t, warned)
}

func minOutAfter(out *big.Int, bps int64) string {
	v := new(big.Int).Mul(out, big.NewInt(10_000-bps))
	return v.Quo(v, big.NewInt(10_000)).String()
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "trading_paused", ErrorCode(ErrTradingPaused))
	assert.Equal(t, "too_many_chunks", ErrorCode(tooManyChunks("x")))
	assert.Equal(t, "timeout", ErrorCode(context.DeadlineExceeded))
	assert.Equal(t, tradeerr.Code(tradeerr.New(tradeerr.ErrChainCallReverted, "confirm", nil)),
		ErrorCode(tradeerr.New(tradeerr.ErrChainCallReverted, "confirm", nil)))
}

func TestExecutionPrice(t *testing.T) {
	assert.Equal(t, "0.5", executionPrice(models.ModeBuy, big.NewInt(50), big.NewInt(100)).String())
	assert.Equal(t, "0.5", executionPrice(models.ModeSell, big.NewInt(100), big.NewInt(50)).String())
	assert.True(t, executionPrice(models.ModeBuy, big.NewInt(1), big.NewInt(0)).IsZero())
}
