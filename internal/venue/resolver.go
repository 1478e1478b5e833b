package venue

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// StateReader reads curve and pool state. *chain.Reader satisfies it.
type StateReader interface {
	CurveState(ctx context.Context, curve common.Address) (*chain.CurveState, error)
	PoolState(ctx context.Context, pool common.Address) (*chain.PoolState, error)
}

type ResolverConfig struct {
	FeeBps     uint16
	PoolFeeBps uint16
	Logger     *logrus.Logger
}

// Resolver decides per market whether trades go to the curve or the pool.
// Graduation is sticky: once a curve is seen graduated, it stays graduated
// for the resolver's lifetime regardless of later reads.
type Resolver struct {
	reader StateReader
	cfg    ResolverConfig
	logger *logrus.Logger

	mu        sync.RWMutex
	graduated map[common.Address]common.Address // curve -> pool
}

func NewResolver(reader StateReader, cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Resolver{
		reader:    reader,
		cfg:       cfg,
		logger:    cfg.Logger,
		graduated: make(map[common.Address]common.Address),
	}
}

// Resolve reads the curve state (unless graduation was already seen) and
// returns the venue for m.
func (r *Resolver) Resolve(ctx context.Context, m *markets.Market) (Venue, error) {
	if pool, ok := r.poolFor(m.Curve); ok {
		return r.pool(m, pool), nil
	}
	state, err := r.reader.CurveState(ctx, m.Curve)
	if err != nil {
		return nil, err
	}
	return r.Observe(m, state)
}

// Observe feeds a state read into the state machine and returns the venue it
// implies. A graduated state without a pool address is QuoteUnavailable.
func (r *Resolver) Observe(m *markets.Market, state *chain.CurveState) (Venue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.graduated[m.Curve]; ok {
		return r.pool(m, pool), nil
	}
	if !state.Graduated {
		return r.curve(m), nil
	}
	if state.Pool == nil || *state.Pool == (common.Address{}) {
		return nil, tradeerr.Errorf(tradeerr.ErrQuoteUnavailable,
			"curve %s graduated but pool address is not set", m.Curve.Hex())
	}

	r.graduated[m.Curve] = *state.Pool
	r.logger.WithFields(logrus.Fields{
		"market": m.Symbol,
		"curve":  m.Curve.Hex(),
		"pool":   state.Pool.Hex(),
	}).Info("market graduated, routing to pool")

	return r.pool(m, *state.Pool), nil
}

// Graduated reports whether graduation has been observed for curve.
func (r *Resolver) Graduated(curve common.Address) bool {
	_, ok := r.poolFor(curve)
	return ok
}

func (r *Resolver) poolFor(curve common.Address) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.graduated[curve]
	return pool, ok
}

func (r *Resolver) curve(m *markets.Market) *Curve {
	return &Curve{curve: m.Curve, feeBps: r.cfg.FeeBps, reader: r.reader}
}

func (r *Resolver) pool(m *markets.Market, pool common.Address) *Pool {
	return &Pool{pool: pool, feeBps: r.cfg.PoolFeeBps, reader: r.reader}
}
