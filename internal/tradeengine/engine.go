package tradeengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/cache"
	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/config"
	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/flags"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/metrics"
	"github.com/rdobbeck/quaipump/internal/rpc"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
	"github.com/rdobbeck/quaipump/internal/venue"
	"github.com/rdobbeck/quaipump/internal/wallet"
)

// Engine is the main orchestrator for trade operations
type Engine struct {
	client   *rpc.Client
	reader   *chain.Reader
	wallet   *wallet.Wallet // nil when no key is configured
	registry *markets.Registry
	resolver *venue.Resolver

	redisClient *redis.Client
	redisCache  *cache.RedisCache
	clickhouse  *cache.ClickHouseStore
	flagStore   *flags.Store
	metrics     *metrics.Metrics

	decisionEngine *DecisionEngine
	executor       *Executor
	riskManager    *RiskManager
	logger         *logrus.Logger
}

// EngineConfig holds configuration for the trade engine
type EngineConfig struct {
	// RPC settings
	RPCURL       string
	ChainID      int64
	RPCTimeout   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// Wallet; an empty key gives a read-only engine
	WalletPrivateKey string
	Confirm          wallet.ConfirmFunc

	MarketsPath string

	// Trade policy
	MaxChunkTokens *big.Int
	FeeBps         uint16
	PoolFeeBps     uint16
	ConfirmTimeout time.Duration
	AutoApprove    bool

	// Storage; empty addresses disable the component
	RedisAddr          string
	ClickHouseAddr     string
	ClickHouseDB       string
	ClickHouseUser     string
	ClickHousePassword string

	RiskConfig RiskConfig

	// Registerer receives the engine metrics; nil disables them
	Registerer prometheus.Registerer
	Logger     *logrus.Logger
}

// DefaultEngineConfig returns sensible defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RPCURL:         "https://rpc.quai.network/cyprus1",
		ChainID:        9,
		RPCTimeout:     30 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   time.Second,
		MarketsPath:    "markets.yaml",
		MaxChunkTokens: constants.DefaultMaxChunkTokens(),
		FeeBps:         constants.CurveFeeBps,
		PoolFeeBps:     constants.PoolFeeBps,
		ConfirmTimeout: 2 * time.Minute,
		AutoApprove:    true,
		RiskConfig:     DefaultRiskConfig(),
	}
}

// EngineConfigFromConfig maps the environment configuration.
func EngineConfigFromConfig(c *config.Config) EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.RPCURL = c.RPCUrl
	cfg.ChainID = c.ChainID
	cfg.RPCTimeout = c.HTTPTimeout
	cfg.MaxRetries = c.MaxRetries
	cfg.RetryBackoff = c.RetryBackoff
	cfg.WalletPrivateKey = c.PrivateKey
	cfg.MarketsPath = c.MarketsPath
	cfg.MaxChunkTokens = c.MaxChunkTokens
	cfg.FeeBps = c.FeeBps
	cfg.PoolFeeBps = c.PoolFeeBps
	cfg.ConfirmTimeout = c.ConfirmTimeout
	cfg.AutoApprove = c.AutoApprove
	cfg.RedisAddr = c.RedisAddr
	cfg.ClickHouseAddr = c.ClickHouseAddr
	cfg.ClickHouseDB = c.ClickHouseDatabase
	cfg.ClickHouseUser = c.ClickHouseUsername
	cfg.ClickHousePassword = c.ClickHousePassword

	cfg.RiskConfig.DefaultSlippageBps = c.DefaultSlippageBps
	cfg.RiskConfig.MaxTradeQuai = c.MaxTradeQuai
	cfg.RiskConfig.DailyLimitQuai = c.DailyLimitQuai
	cfg.RiskConfig.MinGasBalanceQuai = c.MinGasBalanceQuai
	cfg.RiskConfig.MaxPriceImpactBps = c.MaxPriceImpactBps
	cfg.RiskConfig.AllowedMarkets = c.AllowedMarkets
	return cfg
}

// NewEngine dials the node and wires all dependencies. Redis and ClickHouse
// are optional: when unreachable the engine logs a warning and runs without
// them.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	registry, err := markets.NewRegistry(cfg.MarketsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load market registry: %w", err)
	}

	client, err := rpc.NewClient(ctx, rpc.ClientConfig{
		BaseURL:      cfg.RPCURL,
		Timeout:      cfg.RPCTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}

	e, err := newEngine(client, registry, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	e.connectStorage(ctx, cfg)
	return e, nil
}

// NewEngineWithBackend builds an engine over an existing node connection,
// without Redis or ClickHouse.
func NewEngineWithBackend(b rpc.Backend, registry *markets.Registry, cfg EngineConfig) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	client := rpc.NewClientWithBackend(b, rpc.ClientConfig{
		Timeout:      cfg.RPCTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       cfg.Logger,
	})
	return newEngine(client, registry, cfg)
}

func newEngine(client *rpc.Client, registry *markets.Registry, cfg EngineConfig) (*Engine, error) {
	logger := cfg.Logger

	// 1. Chain reader and venue resolver
	reader := chain.NewReader(client, logger)
	resolver := venue.NewResolver(reader, venue.ResolverConfig{
		FeeBps:     cfg.FeeBps,
		PoolFeeBps: cfg.PoolFeeBps,
		Logger:     logger,
	})

	// 2. Wallet, optional
	var w *wallet.Wallet
	var signer Signer
	if cfg.WalletPrivateKey != "" {
		var err error
		w, err = wallet.NewWallet(client, wallet.WalletConfig{
			PrivateKey: cfg.WalletPrivateKey,
			ChainID:    big.NewInt(cfg.ChainID),
			Confirm:    cfg.Confirm,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		signer = w
	} else {
		logger.Warn("no wallet key configured, engine is read-only")
	}

	// 3. Metrics
	var m *metrics.Metrics
	if cfg.Registerer != nil {
		var err error
		m, err = metrics.New(cfg.Registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// 4. Decision, risk and executor
	riskManager := NewRiskManager(cfg.RiskConfig)
	executor := NewExecutor(reader, signer, resolver, riskManager, ExecutorConfig{
		MaxChunkTokens: cfg.MaxChunkTokens,
		FeeBps:         cfg.FeeBps,
		ConfirmTimeout: cfg.ConfirmTimeout,
		AutoApprove:    cfg.AutoApprove,
		Logger:         logger,
	}).WithMetrics(m)

	return &Engine{
		client:         client,
		reader:         reader,
		wallet:         w,
		registry:       registry,
		resolver:       resolver,
		metrics:        m,
		decisionEngine: NewDecisionEngine(cfg.RiskConfig, registry),
		executor:       executor,
		riskManager:    riskManager,
		logger:         logger,
	}, nil
}

func (e *Engine) connectStorage(ctx context.Context, cfg EngineConfig) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			e.logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis unavailable, trade cache and flags disabled")
			_ = client.Close()
		} else {
			e.UseRedis(client)
		}
	}

	if cfg.ClickHouseAddr != "" && cfg.ClickHouseDB != "" {
		ch, err := cache.NewClickHouseStore(ctx, cache.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
			Logger:   e.logger,
		})
		if err != nil {
			e.logger.WithError(err).Warn("clickhouse unavailable, trade history disabled")
			return
		}
		if err := ch.EnsureSchema(ctx); err != nil {
			e.logger.WithError(err).Warn("failed to ensure clickhouse schema")
		}
		e.clickhouse = ch
		e.executor.WithRecorder(ch)
	}
}

// UseRedis wires the trade cache and the flag store to client. The engine
// closes it on Close.
func (e *Engine) UseRedis(client *redis.Client) {
	e.redisClient = client
	e.redisCache = cache.NewRedisCacheFromClient(client, e.logger)
	e.executor.WithPublisher(e.redisCache)

	store, err := flags.NewStore(client)
	if err == nil {
		e.flagStore = store
		e.executor.WithFlags(store)
	}
}

// Quote returns a quote for an intent without executing
func (e *Engine) Quote(ctx context.Context, intent *TradeIntent) (*QuoteResult, error) {
	params, err := e.decisionEngine.ParseIntent(intent)
	if err != nil {
		return nil, err
	}
	return e.executor.GetQuote(ctx, params)
}

// Execute processes an intent end-to-end. The result is non-nil whenever the
// intent parsed, also on failure.
func (e *Engine) Execute(ctx context.Context, intent *TradeIntent, progress ProgressFunc) (*ExecutionResult, error) {
	params, err := e.decisionEngine.ParseIntent(intent)
	if err != nil {
		return nil, err
	}
	return e.executor.Execute(ctx, params, progress)
}

// CheckRisk validates an intent against risk rules without executing
func (e *Engine) CheckRisk(ctx context.Context, intent *TradeIntent) (*RiskCheckResult, error) {
	if e.wallet == nil {
		return nil, tradeerr.New(tradeerr.ErrWalletNotConnected, "risk", nil)
	}
	params, err := e.decisionEngine.ParseIntent(intent)
	if err != nil {
		return nil, err
	}
	quote, err := e.executor.GetQuote(ctx, params)
	if err != nil {
		return nil, err
	}
	balance, err := e.wallet.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return e.riskManager.CheckTrade(params, quote, balance), nil
}

// MarketState is the current view of a market.
type MarketState struct {
	Market markets.Market
	Venue  venue.Kind
	Curve  *chain.CurveState
	// Pool is set once the market trades on its pool.
	Pool *chain.PoolState
}

// State reads a market's curve, and its pool once graduated. The read also
// feeds the resolver's graduation tracking.
func (e *Engine) State(ctx context.Context, symbol string) (*MarketState, error) {
	m, err := e.registry.FindBySymbol(symbol)
	if err != nil {
		return nil, err
	}

	curve, err := e.reader.CurveState(ctx, m.Curve)
	if err != nil {
		return nil, err
	}
	v, err := e.resolver.Observe(m, curve)
	if err != nil {
		return nil, err
	}

	state := &MarketState{Market: *m, Venue: v.Kind(), Curve: curve}
	if v.Kind() == venue.KindPool {
		pool, err := e.reader.PoolState(ctx, v.Address())
		if err != nil {
			return nil, err
		}
		state.Pool = pool
	}
	return state, nil
}

func (e *Engine) Markets() []markets.Market { return e.registry.All() }

func (e *Engine) Registry() *markets.Registry { return e.registry }
func (e *Engine) Reader() *chain.Reader       { return e.reader }
func (e *Engine) Resolver() *venue.Resolver   { return e.resolver }
func (e *Engine) RPC() *rpc.Client            { return e.client }
func (e *Engine) Metrics() *metrics.Metrics   { return e.metrics }

// TradeCache is nil unless Redis is connected.
func (e *Engine) TradeCache() *cache.RedisCache { return e.redisCache }

// Flags is nil unless Redis is connected.
func (e *Engine) Flags() *flags.Store { return e.flagStore }

// TradeStore is nil unless ClickHouse is connected.
func (e *Engine) TradeStore() *cache.ClickHouseStore { return e.clickhouse }

// WalletInfo returns wallet status
func (e *Engine) WalletInfo(ctx context.Context) (*WalletInfo, error) {
	if e.wallet == nil {
		return nil, tradeerr.New(tradeerr.ErrWalletNotConnected, "wallet", nil)
	}
	balance, err := e.wallet.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return &WalletInfo{
		Address:     e.wallet.Address().Hex(),
		Balance:     balance,
		BalanceQuai: decimal.NewFromBigInt(balance, -constants.QuaiDecimals),
	}, nil
}

// RiskStatus returns current risk limits and usage
func (e *Engine) RiskStatus() RiskStatus {
	return e.riskManager.Status()
}

// Close cleans up all resources
func (e *Engine) Close() error {
	var errs []error

	if e.wallet != nil {
		if err := e.wallet.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wallet close: %w", err))
		}
	}

	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	if e.clickhouse != nil {
		if err := e.clickhouse.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse close: %w", err))
		}
	}

	e.client.Close()

	return errors.Join(errs...)
}

type WalletInfo struct {
	Address     string
	Balance     *big.Int
	BalanceQuai decimal.Decimal
}
