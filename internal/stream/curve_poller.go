package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/metrics"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/venue"
)

// CurveReader reads curve state. *chain.Reader satisfies it.
type CurveReader interface {
	CurveState(ctx context.Context, curve common.Address) (*chain.CurveState, error)
}

// SnapshotWriter stores display snapshots. *cache.RedisCache satisfies it.
type SnapshotWriter interface {
	SetCurveSnapshot(ctx context.Context, snap *models.CurveSnapshot) error
}

// CurvePoller periodically reads every market's curve and publishes a
// display snapshot. Snapshots are for dashboards only; the engine always
// reads the chain before trading.
type CurvePoller struct {
	reader      CurveReader
	registry    *markets.Registry
	snapshots   SnapshotWriter
	resolver    *venue.Resolver
	metrics     *metrics.Metrics
	interval    time.Duration
	concurrency int
	logger      *logrus.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

type CurvePollerConfig struct {
	Reader   CurveReader
	Registry *markets.Registry
	// Snapshots, Resolver and Metrics are optional.
	Snapshots    SnapshotWriter
	Resolver     *venue.Resolver
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	Concurrency  int
	Logger       *logrus.Logger
}

func NewCurvePoller(cfg CurvePollerConfig) *CurvePoller {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.CurvePollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &CurvePoller{
		reader:      cfg.Reader,
		registry:    cfg.Registry,
		snapshots:   cfg.Snapshots,
		resolver:    cfg.Resolver,
		metrics:     cfg.Metrics,
		interval:    cfg.PollInterval,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Run polls until ctx ends or Stop is called.
func (p *CurvePoller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("curve poller already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.cancel = nil
		p.mu.Unlock()
	}()

	p.logger.WithFields(logrus.Fields{
		"interval": p.interval,
		"markets":  len(p.registry.All()),
	}).Info("starting curve polling")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Warn("curve poll incomplete")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *CurvePoller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// PollOnce refreshes every market. A failing market does not stop the
// others; the first error is returned.
func (p *CurvePoller) PollOnce(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	all := p.registry.All()
	for i := range all {
		m := &all[i]
		g.Go(func() error {
			if err := p.refresh(ctx, m); err != nil {
				p.logger.WithError(err).WithField("market", m.Symbol).Warn("failed to refresh curve")
				return fmt.Errorf("%s: %w", m.Symbol, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *CurvePoller) refresh(ctx context.Context, m *markets.Market) error {
	state, err := p.reader.CurveState(ctx, m.Curve)
	if err != nil {
		return err
	}

	if p.resolver != nil {
		if _, err := p.resolver.Observe(m, state); err != nil {
			p.logger.WithError(err).WithField("market", m.Symbol).Debug("graduated curve without pool")
		}
	}
	p.metrics.SetCurve(m.Symbol, state.Progress, state.Graduated)

	if p.snapshots == nil {
		return nil
	}
	return p.snapshots.SetCurveSnapshot(ctx, snapshotOf(m, state))
}

func snapshotOf(m *markets.Market, s *chain.CurveState) *models.CurveSnapshot {
	snap := &models.CurveSnapshot{
		Market:       m.Symbol,
		Curve:        s.Curve.Hex(),
		Graduated:    s.Graduated,
		Price:        s.CurrentPrice.String(),
		ProgressBps:  s.Progress,
		VirtualQuai:  s.VirtualQuaiReserves.String(),
		VirtualToken: s.VirtualTokenReserves.String(),
		RealQuai:     s.RealQuaiReserves.String(),
		RealToken:    s.RealTokenReserves.String(),
		UpdatedAt:    s.FetchedAt.UTC(),
	}
	if s.Pool != nil {
		snap.Pool = s.Pool.Hex()
	}
	return snap
}
