package stream

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/curvemath"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/storage"
)

// LogSource is the node access the feed needs. *rpc.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// RPCPoller implements StreamProvider by polling curve Buy/Sell logs over
// eth_getLogs.
type RPCPoller struct {
	client       LogSource
	registry     *markets.Registry
	pollInterval time.Duration
	batchSize    uint64
	lookback     uint64
	logger       *logrus.Logger

	mu        sync.Mutex
	lastBlock uint64 // last block fully processed
	hasCursor bool
	running   bool
	cancel    context.CancelFunc
}

// RPCPollerConfig holds configuration for the RPC poller
type RPCPollerConfig struct {
	Client       LogSource
	Registry     *markets.Registry
	PollInterval time.Duration
	// BatchSize caps the block span of one eth_getLogs call.
	BatchSize uint64
	// Lookback is how many blocks before head the first poll starts at.
	Lookback  uint64
	FromBlock uint64 // overrides Lookback when set
	Logger    *logrus.Logger
}

// NewRPCPoller creates a new RPC poller
func NewRPCPoller(cfg RPCPollerConfig) *RPCPoller {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.FeedPollInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = constants.FeedBlockBatchSize
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = constants.DefaultFeedLookback
	}

	p := &RPCPoller{
		client:       cfg.Client,
		registry:     cfg.Registry,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		lookback:     cfg.Lookback,
		logger:       cfg.Logger,
	}
	if cfg.FromBlock > 0 {
		p.lastBlock = cfg.FromBlock - 1
		p.hasCursor = true
	}
	return p
}

// Start polls until ctx ends or Stop is called. The first poll runs
// immediately.
func (r *RPCPoller) Start(ctx context.Context, handler storage.TradeHandler) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.running = false
		r.cancel = nil
		r.mu.Unlock()
	}()

	r.logger.WithFields(logrus.Fields{
		"interval": r.pollInterval,
		"markets":  len(r.registry.All()),
	}).Info("starting trade feed polling")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if err := r.poll(ctx, handler); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Error("poll error")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop ends a running Start.
func (r *RPCPoller) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// LastBlock is the last block the poller has fully processed.
func (r *RPCPoller) LastBlock() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBlock
}

// poll walks from the last processed block to head in BatchSize spans.
func (r *RPCPoller) poll(ctx context.Context, handler storage.TradeHandler) error {
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	r.mu.Lock()
	from := r.lastBlock + 1
	if !r.hasCursor && head > r.lookback {
		from = head - r.lookback
	}
	r.mu.Unlock()

	if from > head {
		r.logger.Debug("no new blocks")
		return nil
	}

	curves := r.registry.Curves()
	for from <= head {
		to := min(from+r.batchSize-1, head)

		logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: curves,
			Topics:    chain.TradeTopics(),
		})
		if err != nil {
			return fmt.Errorf("failed to get logs %d-%d: %w", from, to, err)
		}

		if len(logs) > 0 {
			r.logger.WithFields(logrus.Fields{
				"from":  from,
				"to":    to,
				"count": len(logs),
			}).Info("found trade logs")
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			ev, err := r.parseLog(l)
			if err != nil {
				r.logger.WithError(err).WithField("tx", l.TxHash.Hex()).Warn("failed to parse trade log")
				continue
			}
			handler(ev)
		}

		r.mu.Lock()
		r.lastBlock = to
		r.hasCursor = true
		r.mu.Unlock()
		from = to + 1
	}
	return nil
}

// parseLog turns a curve trade log into a feed TradeEvent. Logs carry no
// block time, so the event is stamped with the time it was seen.
func (r *RPCPoller) parseLog(l types.Log) (*models.TradeEvent, error) {
	tl, err := chain.DecodeTradeLog(l)
	if err != nil {
		return nil, err
	}
	m, err := r.registry.FindByCurve(tl.Curve)
	if err != nil {
		return nil, err
	}

	return &models.TradeEvent{
		TxHash:      tl.TxHash.Hex(),
		Timestamp:   time.Now().UTC(),
		BlockNumber: tl.BlockNumber,
		Market:      m.Symbol,
		Token:       m.Token.Hex(),
		Venue:       constants.VenueCurve,
		Mode:        tl.Mode,
		Trader:      tl.Trader.Hex(),
		AmountIn:    tl.AmountIn.String(),
		AmountOut:   tl.AmountOut.String(),
		Price:       feedPrice(tl),
		Source:      constants.SourceFeed,
	}, nil
}

func feedPrice(tl *chain.TradeLog) string {
	quai, token := tl.AmountIn, tl.AmountOut
	if tl.Mode == models.ModeSell {
		quai, token = tl.AmountOut, tl.AmountIn
	}
	return curvemath.SpotPrice(quai, token).String()
}

var _ storage.StreamProvider = (*RPCPoller)(nil)
