package tradeengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/curvemath"
	"github.com/rdobbeck/quaipump/internal/flags"
	"github.com/rdobbeck/quaipump/internal/metrics"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/planner"
	"github.com/rdobbeck/quaipump/internal/storage"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
	"github.com/rdobbeck/quaipump/internal/venue"
	"github.com/rdobbeck/quaipump/internal/wallet"
)

// ChainReader is the chain access the executor needs. *chain.Reader satisfies it.
type ChainReader interface {
	venue.StateReader
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	BuyQuote(ctx context.Context, curve common.Address, quaiIn *big.Int) (*big.Int, error)
	SellQuote(ctx context.Context, curve common.Address, tokenIn *big.Int) (*big.Int, error)
	PoolAmountOut(ctx context.Context, pool common.Address, amountIn *big.Int, isQuaiIn bool) (*big.Int, error)
}

// Signer sends and confirms transactions. *wallet.Wallet satisfies it.
type Signer interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
	SendTx(ctx context.Context, req wallet.TxRequest) (common.Hash, error)
	ConfirmTransaction(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// FlagSource reads runtime kill switches, global or scoped to a market.
// *flags.Store satisfies it.
type FlagSource interface {
	EnabledFor(ctx context.Context, key, market string) (bool, error)
}

// TradeRecorder persists confirmed trades. *cache.ClickHouseStore satisfies it.
type TradeRecorder interface {
	InsertTrade(ctx context.Context, trade *models.TradeEvent) error
}

type ExecutorConfig struct {
	MaxChunkTokens    *big.Int
	FeeBps            uint16
	MaxChunksPerTrade int
	// ConfirmTimeout bounds sending plus confirming one transaction.
	ConfirmTimeout time.Duration
	PublishTimeout time.Duration
	AutoApprove    bool
	Logger         *logrus.Logger
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxChunkTokens:    constants.DefaultMaxChunkTokens(),
		FeeBps:            constants.CurveFeeBps,
		MaxChunksPerTrade: constants.MaxChunksPerTrade,
		ConfirmTimeout:    2 * time.Minute,
		PublishTimeout:    3 * time.Second,
		AutoApprove:       true,
	}
}

// Executor runs trades one transaction at a time. Curve buys are re-planned
// from a fresh curve read before every chunk; everything else is one swap.
type Executor struct {
	cfg      ExecutorConfig
	chain    ChainReader
	signer   Signer
	resolver *venue.Resolver
	planner  *planner.Planner
	risk     *RiskManager
	logger   *logrus.Logger

	publisher storage.TradePublisher
	recorder  TradeRecorder
	flags     FlagSource
	metrics   *metrics.Metrics

	inflightMu sync.Mutex
	inflight   map[common.Address]struct{}
}

func NewExecutor(
	chainReader ChainReader,
	signer Signer,
	resolver *venue.Resolver,
	risk *RiskManager,
	cfg ExecutorConfig,
) *Executor {
	def := DefaultExecutorConfig()
	if cfg.MaxChunkTokens == nil || cfg.MaxChunkTokens.Sign() <= 0 {
		cfg.MaxChunkTokens = def.MaxChunkTokens
	}
	if cfg.MaxChunksPerTrade <= 0 {
		cfg.MaxChunksPerTrade = def.MaxChunksPerTrade
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if risk == nil {
		risk = NewRiskManager(DefaultRiskConfig())
	}

	return &Executor{
		cfg:      cfg,
		chain:    chainReader,
		signer:   signer,
		resolver: resolver,
		planner:  planner.New(cfg.MaxChunkTokens, cfg.FeeBps),
		risk:     risk,
		logger:   cfg.Logger,
		inflight: make(map[common.Address]struct{}),
	}
}

func (e *Executor) WithPublisher(p storage.TradePublisher) *Executor {
	e.publisher = p
	return e
}

func (e *Executor) WithRecorder(r TradeRecorder) *Executor {
	e.recorder = r
	return e
}

func (e *Executor) WithFlags(f FlagSource) *Executor {
	e.flags = f
	return e
}

func (e *Executor) WithMetrics(m *metrics.Metrics) *Executor {
	e.metrics = m
	return e
}

// GetQuote prices the whole order through the current venue without
// executing it.
func (e *Executor) GetQuote(ctx context.Context, params *TradeParams) (*QuoteResult, error) {
	v, err := e.resolver.Resolve(ctx, params.Market)
	if err != nil {
		return nil, err
	}
	q, err := v.Quote(ctx, params.Mode, params.AmountIn)
	if err != nil {
		return nil, err
	}
	result, err := e.quoteResult(params, v, q)
	if err != nil {
		return nil, err
	}
	e.crossCheck(ctx, params, v, result)

	if spender, ok := v.Spender(params.Mode); ok && e.signer != nil {
		allowance, err := e.chain.Allowance(ctx, params.Market.Token, e.signer.Address(), spender)
		if err != nil {
			return nil, err
		}
		result.NeedsApproval = allowance.Cmp(params.AmountIn) < 0
	}
	return result, nil
}

func (e *Executor) quoteResult(params *TradeParams, v venue.Venue, q *venue.Quote) (*QuoteResult, error) {
	est := 1
	var preview []*planner.Chunk
	if v.Chunked(params.Mode) {
		reserves := planner.Reserves{Quai: q.ReserveIn, Token: q.ReserveOut}
		n, err := e.planner.EstimateChunks(params.AmountIn, reserves)
		if err != nil {
			return nil, err
		}
		est = n
		// A plan over the chunk limit is left out; Execute rejects it anyway.
		if chunks, err := e.planner.Plan(params.AmountIn, reserves, params.SlippageBps, e.cfg.MaxChunksPerTrade); err == nil {
			preview = chunks
		}
	}
	return &QuoteResult{
		Market:          params.Market.Symbol,
		Mode:            params.Mode,
		Venue:           v.Kind(),
		AmountIn:        q.AmountIn,
		AmountOut:       q.AmountOut,
		MinAmountOut:    curvemath.ApplySlippage(q.AmountOut, params.SlippageBps),
		SlippageBps:     params.SlippageBps,
		FeeBps:          q.FeeBps,
		PriceImpact:     q.PriceImpact,
		ExecutionPrice:  executionPrice(params.Mode, q.AmountIn, q.AmountOut),
		EstimatedChunks: est,
		Chunks:          preview,
		QuotedAt:        time.Now(),
	}, nil
}

// crossCheck asks the venue contract for the same quote. A disagreement with
// the local math is logged; the local figure stays authoritative.
func (e *Executor) crossCheck(ctx context.Context, params *TradeParams, v venue.Venue, result *QuoteResult) {
	var (
		out *big.Int
		err error
	)
	switch {
	case v.Kind() == venue.KindPool:
		out, err = e.chain.PoolAmountOut(ctx, v.Address(), params.AmountIn, params.Mode == models.ModeBuy)
	case params.Mode == models.ModeBuy:
		out, err = e.chain.BuyQuote(ctx, v.Address(), params.AmountIn)
	default:
		out, err = e.chain.SellQuote(ctx, v.Address(), params.AmountIn)
	}

	log := e.logger.WithFields(logrus.Fields{
		"market": params.Market.Symbol,
		"mode":   params.Mode,
		"venue":  v.Kind().String(),
	})
	if err != nil {
		log.WithError(err).Debug("contract quote unavailable")
		return
	}
	result.ContractAmountOut = out
	if out.Cmp(result.AmountOut) != 0 {
		log.WithFields(logrus.Fields{
			"local":    result.AmountOut.String(),
			"contract": out.String(),
		}).Warn("local quote differs from contract quote")
	}
}

// Execute runs a trade to completion or to the first error. The result is
// always returned: it carries every confirmed transaction, also on failure.
// Cancelling ctx stops the trade between transactions; a transaction that
// was already signed is still sent and awaited up to ConfirmTimeout.
func (e *Executor) Execute(ctx context.Context, params *TradeParams, progress ProgressFunc) (*ExecutionResult, error) {
	res := &ExecutionResult{
		ExecutionID: uuid.NewString(),
		Market:      params.Market.Symbol,
		Mode:        params.Mode,
		AmountIn:    new(big.Int).Set(params.AmountIn),
		Filled:      new(big.Int),
		StartedAt:   time.Now(),
	}
	log := e.logger.WithFields(logrus.Fields{
		"execution": res.ExecutionID,
		"market":    res.Market,
		"mode":      res.Mode,
		"amount_in": res.AmountIn.String(),
	})

	err := e.execute(ctx, params, res, progress, log)
	return e.finish(res, err, log)
}

func (e *Executor) execute(ctx context.Context, params *TradeParams, res *ExecutionResult, progress ProgressFunc, log *logrus.Entry) error {
	if e.signer == nil {
		return tradeerr.New(tradeerr.ErrWalletNotConnected, "execute", nil)
	}
	if e.flagSet(ctx, flags.TradingPaused, params.Market.Symbol) {
		return ErrTradingPaused
	}

	release, err := e.acquire(params.Market.Curve)
	if err != nil {
		return err
	}
	defer release()

	v, err := e.resolver.Resolve(ctx, params.Market)
	if err != nil {
		return err
	}
	res.Venue = v.Kind()

	q, err := v.Quote(ctx, params.Mode, params.AmountIn)
	if err != nil {
		return err
	}
	quote, err := e.quoteResult(params, v, q)
	if err != nil {
		return err
	}
	res.EstimatedChunks = quote.EstimatedChunks

	if err := e.checkRisk(ctx, params, quote); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"venue":            v.Kind().String(),
		"expected_out":     q.AmountOut.String(),
		"estimated_chunks": quote.EstimatedChunks,
		"slippage_bps":     params.SlippageBps,
	}).Info("starting trade")

	if v.Chunked(params.Mode) {
		return e.executeChunked(ctx, params, v, res, progress, log)
	}
	return e.executeSingle(ctx, params, v, q, res, progress)
}

// executeChunked is the curve buy loop. Each iteration reads the curve,
// plans one chunk from the fresh reserves, and waits for its receipt before
// planning the next.
func (e *Executor) executeChunked(ctx context.Context, params *TradeParams, v venue.Venue, res *ExecutionResult, progress ProgressFunc, log *logrus.Entry) error {
	est := res.EstimatedChunks
	if est > 1 && e.flagSet(ctx, flags.ChunkingDisabled, params.Market.Symbol) {
		return tooManyChunks("chunking is disabled and the order needs %d transactions", est)
	}
	if est > e.cfg.MaxChunksPerTrade {
		return tooManyChunks("order needs about %d transactions, limit is %d", est, e.cfg.MaxChunksPerTrade)
	}

	m := params.Market
	remaining := new(big.Int).Set(params.AmountIn)

	for i := 0; remaining.Sign() > 0; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i >= e.cfg.MaxChunksPerTrade {
			return tooManyChunks("stopped after %d transactions with %s left", i, remaining)
		}

		state, err := e.chain.CurveState(ctx, m.Curve)
		if err != nil {
			return err
		}
		if state.Graduated {
			if _, obsErr := e.resolver.Observe(m, state); obsErr != nil {
				log.WithError(obsErr).Warn("graduated curve has no pool yet")
			}
			return tradeerr.New(tradeerr.ErrQuoteUnavailable, fmt.Sprintf("chunk %d", i), ErrVenueSwitched)
		}

		chunk, err := e.planner.Replan(i, remaining, planner.Reserves{
			Quai:  state.VirtualQuaiReserves,
			Token: state.VirtualTokenReserves,
		})
		if err != nil {
			return err
		}
		chunk.WithSlippage(params.SlippageBps)

		call, err := v.TradeCall(models.ModeBuy, chunk.AmountIn, chunk.MinAmountOut)
		if err != nil {
			return err
		}

		step := &Step{
			Kind:              StepChunk,
			Index:             i,
			AmountIn:          chunk.AmountIn,
			ExpectedAmountOut: chunk.ExpectedAmountOut,
			MinAmountOut:      chunk.MinAmountOut,
		}
		err = e.submit(ctx, res, wallet.TxRequest{
			To:          call.To,
			Value:       call.Value,
			Data:        call.Data,
			Description: fmt.Sprintf("buy %s chunk %d of ~%d", m.Symbol, i+1, est),
		}, step)
		if err != nil {
			return err
		}

		res.record(*step)
		remaining.Sub(remaining, chunk.AmountIn)
		e.afterConfirmed(ctx, params, v, res, step)

		log.WithFields(logrus.Fields{
			"chunk":     i,
			"tx":        step.TxHash.Hex(),
			"amount_in": chunk.AmountIn.String(),
			"out":       step.AmountOut().String(),
			"remaining": remaining.String(),
			"final":     chunk.Final,
		}).Info("chunk confirmed")

		if progress != nil {
			progress(Progress{
				Index:          len(res.Steps) - 1,
				EstimatedTotal: est,
				Step:           *step,
				Remaining:      new(big.Int).Set(remaining),
			})
		}
	}
	return nil
}

// executeSingle runs a curve sell or a pool trade: optional approval, then
// one swap against one quote.
func (e *Executor) executeSingle(ctx context.Context, params *TradeParams, v venue.Venue, q *venue.Quote, res *ExecutionResult, progress ProgressFunc) error {
	m := params.Market
	mode := params.Mode

	if mode == models.ModeSell {
		bal, err := e.chain.BalanceOf(ctx, m.Token, e.signer.Address())
		if err != nil {
			return err
		}
		if bal.Cmp(params.AmountIn) < 0 {
			return tradeerr.Errorf(tradeerr.ErrInvalidDomainInput,
				"token balance %s is below sell amount %s", bal, params.AmountIn)
		}
	}

	if spender, ok := v.Spender(mode); ok {
		approval, err := e.ensureAllowance(ctx, res, m.Token, spender, params.AmountIn)
		if err != nil {
			return err
		}
		if approval != nil {
			res.record(*approval)
			e.metrics.IncConfirmed(m.Symbol, string(StepApprove))
			if progress != nil {
				progress(Progress{
					Index:          len(res.Steps) - 1,
					EstimatedTotal: res.EstimatedChunks,
					Step:           *approval,
					Remaining:      new(big.Int).Set(params.AmountIn),
				})
			}

			if err := ctx.Err(); err != nil {
				return err
			}
			// the approval took a block; price the swap again
			q, err = v.Quote(ctx, mode, params.AmountIn)
			if err != nil {
				return err
			}
		}
	}

	minOut := curvemath.ApplySlippage(q.AmountOut, params.SlippageBps)
	call, err := v.TradeCall(mode, params.AmountIn, minOut)
	if err != nil {
		return err
	}

	step := &Step{
		Kind:              StepSwap,
		Index:             len(res.Steps),
		AmountIn:          new(big.Int).Set(params.AmountIn),
		ExpectedAmountOut: q.AmountOut,
		MinAmountOut:      minOut,
	}
	err = e.submit(ctx, res, wallet.TxRequest{
		To:          call.To,
		Value:       call.Value,
		Data:        call.Data,
		Description: fmt.Sprintf("%s %s on %s", mode, m.Symbol, v.Kind()),
	}, step)
	if err != nil {
		return err
	}

	res.record(*step)
	e.afterConfirmed(ctx, params, v, res, step)

	if progress != nil {
		progress(Progress{
			Index:          len(res.Steps) - 1,
			EstimatedTotal: res.EstimatedChunks,
			Step:           *step,
			Remaining:      new(big.Int),
		})
	}
	return nil
}

// submit signs, sends and confirms one transaction and fills in step. Once
// signing starts the caller's cancellation no longer applies; the confirm
// timeout bounds the wait instead.
func (e *Executor) submit(ctx context.Context, res *ExecutionResult, req wallet.TxRequest, step *Step) error {
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmTimeout)
	defer cancel()

	hash, err := e.signer.SendTx(txCtx, req)
	if err != nil {
		return err
	}
	step.TxHash = hash

	receipt, err := e.signer.ConfirmTransaction(txCtx, hash)
	if err != nil {
		res.Unconfirmed = append(res.Unconfirmed, hash)
		return err
	}

	if receipt.BlockNumber != nil {
		step.BlockNumber = receipt.BlockNumber.Uint64()
	}
	step.GasUsed = receipt.GasUsed
	step.ConfirmedAt = time.Now()
	if step.Kind != StepApprove {
		step.ActualAmountOut = decodeAmountOut(receipt, req.To, e.signer.Address())
	}
	return nil
}

// afterConfirmed does the best-effort bookkeeping of a confirmed trade step.
// Failures are logged and never fail the trade.
func (e *Executor) afterConfirmed(ctx context.Context, params *TradeParams, v venue.Venue, res *ExecutionResult, step *Step) {
	e.metrics.IncConfirmed(params.Market.Symbol, string(step.Kind))
	e.risk.RecordTrade(params.Mode, step.AmountIn, step.AmountOut())

	if e.publisher == nil && e.recorder == nil {
		return
	}

	ev := &models.TradeEvent{
		TxHash:      step.TxHash.Hex(),
		Timestamp:   step.ConfirmedAt.UTC(),
		BlockNumber: step.BlockNumber,
		Market:      params.Market.Symbol,
		Token:       params.Market.Token.Hex(),
		Venue:       v.Kind().String(),
		Mode:        params.Mode,
		Trader:      e.signer.Address().Hex(),
		AmountIn:    step.AmountIn.String(),
		AmountOut:   step.AmountOut().String(),
		Price:       executionPrice(params.Mode, step.AmountIn, step.AmountOut()).String(),
		ExecutionID: res.ExecutionID,
		ChunkIndex:  step.Index,
		Source:      constants.SourceEngine,
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PublishTimeout)
	defer cancel()

	log := e.logger.WithFields(logrus.Fields{"execution": res.ExecutionID, "tx": ev.TxHash})
	if e.publisher != nil {
		if err := e.publisher.AddRecentTrade(pubCtx, ev); err != nil {
			log.WithError(err).Warn("failed to cache trade")
		}
		if err := e.publisher.PublishTrade(pubCtx, ev); err != nil {
			log.WithError(err).Warn("failed to publish trade")
		}
	}
	if e.recorder != nil {
		if err := e.recorder.InsertTrade(pubCtx, ev); err != nil {
			log.WithError(err).Warn("failed to store trade")
		}
	}
}

func (e *Executor) finish(res *ExecutionResult, err error, log *logrus.Entry) (*ExecutionResult, error) {
	res.CompletedAt = time.Now()
	res.Err = err

	venueName := "unknown"
	if res.Venue != 0 {
		venueName = res.Venue.String()
	}

	fields := logrus.Fields{
		"venue":     venueName,
		"confirmed": len(res.Confirmed),
		"filled":    res.Filled.String(),
		"duration":  res.Duration().String(),
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		if len(res.Confirmed) > 0 {
			outcome = "partial"
		}
		e.metrics.IncFailure(ErrorCode(err))
		log.WithFields(fields).WithError(err).Warn("trade failed")
	} else {
		log.WithFields(fields).Info("trade completed")
	}
	e.metrics.ObserveTrade(res.Market, string(res.Mode), venueName, outcome, res.Duration())

	return res, err
}

func (e *Executor) checkRisk(ctx context.Context, params *TradeParams, quote *QuoteResult) error {
	balance, err := e.signer.Balance(ctx)
	if err != nil {
		return err
	}
	check := e.risk.CheckTrade(params, quote, balance)
	if !check.Allowed {
		return tradeerr.New(tradeerr.ErrInvalidDomainInput, "risk", fmt.Errorf("%w: %s", ErrRiskRejected, check.Reason))
	}
	return nil
}

// flagSet reads a kill switch. An unreadable flag store counts as unset.
func (e *Executor) flagSet(ctx context.Context, key, market string) bool {
	if e.flags == nil {
		return false
	}
	on, err := e.flags.EnabledFor(ctx, key, market)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{"flag": key, "market": market}).Warn("failed to read flag, assuming off")
		return false
	}
	return on
}

// acquire claims the per-market in-flight slot.
func (e *Executor) acquire(curve common.Address) (func(), error) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()

	if _, busy := e.inflight[curve]; busy {
		return nil, ErrTradeInFlight
	}
	e.inflight[curve] = struct{}{}

	return func() {
		e.inflightMu.Lock()
		delete(e.inflight, curve)
		e.inflightMu.Unlock()
	}, nil
}

func tooManyChunks(format string, args ...any) error {
	return tradeerr.New(tradeerr.ErrInvalidDomainInput, "plan",
		fmt.Errorf("%w: %s", ErrTooManyChunks, fmt.Sprintf(format, args...)))
}

// decodeAmountOut returns the output reported by the venue's trade event
// for trader, or nil if the receipt has none.
func decodeAmountOut(receipt *types.Receipt, venueAddr, trader common.Address) *big.Int {
	for _, l := range receipt.Logs {
		if l == nil || l.Address != venueAddr {
			continue
		}
		tl, err := chain.DecodeTradeLog(*l)
		if err != nil || tl.Trader != trader {
			continue
		}
		return tl.AmountOut
	}
	return nil
}

// executionPrice is quai per token for either direction.
func executionPrice(mode models.TradeMode, amountIn, amountOut *big.Int) decimal.Decimal {
	quai, token := amountIn, amountOut
	if mode == models.ModeSell {
		quai, token = amountOut, amountIn
	}
	if quai == nil || token == nil || token.Sign() <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(quai, 0).DivRound(decimal.NewFromBigInt(token, 0), 18)
}

// ErrorCode is a stable name for err covering the executor's own errors and
// the tradeerr kinds.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTradeInFlight):
		return "trade_in_flight"
	case errors.Is(err, ErrVenueSwitched):
		return "venue_switched"
	case errors.Is(err, ErrTradingPaused):
		return "trading_paused"
	case errors.Is(err, ErrTooManyChunks):
		return "too_many_chunks"
	case errors.Is(err, ErrRiskRejected):
		return "risk_rejected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return tradeerr.Code(err)
}
