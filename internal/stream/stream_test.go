package stream

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/chain/chaintest"
	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/metrics"
	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/venue"
)

var (
	curveA = common.HexToAddress("0x00e1000000000000000000000000000000000001")
	curveB = common.HexToAddress("0x00e1000000000000000000000000000000000002")
	other  = common.HexToAddress("0x00e1000000000000000000000000000000000009")
	poolB  = common.HexToAddress("0x00e1000000000000000000000000000000000012")
	trader = common.HexToAddress("0x00e10000000000000000000000000000000000aa")

	registry = markets.NewStaticRegistry(
		markets.Market{Symbol: "AAA", Token: common.HexToAddress("0xa1"), Curve: curveA, Decimals: 18},
		markets.Market{Symbol: "BBB", Token: common.HexToAddress("0xb1"), Curve: curveB, Decimals: 18},
	)
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type collector struct {
	mu     sync.Mutex
	events []*models.TradeEvent
}

func (c *collector) handle(ev *models.TradeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// countingSource records the block span of every FilterLogs call.
type countingSource struct {
	*chaintest.Backend
	mu    sync.Mutex
	spans [][2]uint64
}

func (s *countingSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.mu.Lock()
	s.spans = append(s.spans, [2]uint64{q.FromBlock.Uint64(), q.ToBlock.Uint64()})
	s.mu.Unlock()
	return s.Backend.FilterLogs(ctx, q)
}

func TestRPCPoller_PollBatches(t *testing.T) {
	b := chaintest.NewBackend(9)
	b.EmitTrade(curveA, trader, true, big.NewInt(442), big.NewInt(15_935_671))
	b.EmitTrade(other, trader, true, big.NewInt(1), big.NewInt(1))
	b.EmitTrade(curveB, trader, false, big.NewInt(1_000_000), big.NewInt(27))
	b.EmitTrade(curveA, trader, false, big.NewInt(400), big.NewInt(10))

	src := &countingSource{Backend: b}
	p := NewRPCPoller(RPCPollerConfig{
		Client:    src,
		Registry:  registry,
		BatchSize: 2,
		FromBlock: 1,
		Logger:    quietLogger(),
	})

	c := &collector{}
	require.NoError(t, p.poll(context.Background(), c.handle))

	head, _ := b.BlockNumber(context.Background())
	assert.Equal(t, head, p.LastBlock())
	assert.Equal(t, [][2]uint64{{1, 2}, {3, 4}, {5, 5}}, src.spans)

	require.Len(t, c.events, 3)
	first := c.events[0]
	assert.Equal(t, "AAA", first.Market)
	assert.Equal(t, models.ModeBuy, first.Mode)
	assert.Equal(t, "442", first.AmountIn)
	assert.Equal(t, "15935671", first.AmountOut)
	assert.Equal(t, constants.SourceFeed, first.Source)
	assert.Equal(t, constants.VenueCurve, first.Venue)
	assert.Equal(t, trader.Hex(), first.Trader)

	assert.Equal(t, "BBB", c.events[1].Market)
	assert.Equal(t, models.ModeSell, c.events[1].Mode)

	// nothing new: no calls, no events
	require.NoError(t, p.poll(context.Background(), c.handle))
	assert.Len(t, src.spans, 3)
	assert.Len(t, c.events, 3)

	b.EmitTrade(curveB, trader, true, big.NewInt(5), big.NewInt(100))
	require.NoError(t, p.poll(context.Background(), c.handle))
	assert.Len(t, c.events, 4)
}

func TestRPCPoller_LookbackOnFirstPoll(t *testing.T) {
	b := chaintest.NewBackend(9)
	for i := 0; i < 10; i++ {
		b.EmitTrade(curveA, trader, true, big.NewInt(1), big.NewInt(1))
	}

	p := NewRPCPoller(RPCPollerConfig{Client: b, Registry: registry, Lookback: 3, Logger: quietLogger()})
	c := &collector{}
	require.NoError(t, p.poll(context.Background(), c.handle))

	// head is 11; blocks 8..11 are scanned
	assert.Len(t, c.events, 4)
}

type failingSource struct{ *chaintest.Backend }

func (failingSource) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("query returned more than 10000 results")
}

func TestRPCPoller_FailedBatchIsRetried(t *testing.T) {
	b := chaintest.NewBackend(9)
	b.EmitTrade(curveA, trader, true, big.NewInt(1), big.NewInt(1))

	p := NewRPCPoller(RPCPollerConfig{Client: failingSource{b}, Registry: registry, FromBlock: 1, Logger: quietLogger()})
	require.Error(t, p.poll(context.Background(), func(*models.TradeEvent) {}))
	assert.Zero(t, p.LastBlock())

	p.client = b
	c := &collector{}
	require.NoError(t, p.poll(context.Background(), c.handle))
	assert.Len(t, c.events, 1)
}

func TestRPCPoller_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := chaintest.NewBackend(9)
	b.EmitTrade(curveA, trader, true, big.NewInt(1), big.NewInt(1))

	p := NewRPCPoller(RPCPollerConfig{
		Client:       b,
		Registry:     registry,
		PollInterval: 5 * time.Millisecond,
		FromBlock:    1,
		Logger:       quietLogger(),
	})
	c := &collector{}

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background(), c.handle) }()

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	b.EmitTrade(curveB, trader, true, big.NewInt(1), big.NewInt(1))
	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)

	require.Error(t, p.Start(context.Background(), c.handle), "second Start must fail")

	require.NoError(t, p.Stop())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]*models.CurveSnapshot
}

func (m *memSnapshots) SetCurveSnapshot(_ context.Context, s *models.CurveSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = make(map[string]*models.CurveSnapshot)
	}
	m.snaps[s.Market] = s
	return nil
}

func (m *memSnapshots) get(market string) *models.CurveSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[market]
}

func newCurveBackend() *chaintest.Backend {
	b := chaintest.NewBackend(9)
	b.AddCurve(curveA, chaintest.Curve{
		VirtualQuai:  big.NewInt(1_000_000),
		VirtualToken: big.NewInt(36_482_000_000),
		Progress:     big.NewInt(4200),
		FeeBps:       100,
	})
	b.AddCurve(curveB, chaintest.Curve{
		VirtualQuai:  big.NewInt(2_000_000),
		VirtualToken: big.NewInt(1_000_000_000),
		Progress:     big.NewInt(10_000),
		Graduated:    true,
		Pool:         poolB,
		FeeBps:       100,
	})
	return b
}

func TestCurvePoller_PollOnce(t *testing.T) {
	b := newCurveBackend()
	logger := quietLogger()
	reader := chain.NewReader(b, logger)
	resolver := venue.NewResolver(reader, venue.ResolverConfig{FeeBps: 100, PoolFeeBps: 30, Logger: logger})

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	snaps := &memSnapshots{}
	p := NewCurvePoller(CurvePollerConfig{
		Reader:    reader,
		Registry:  registry,
		Snapshots: snaps,
		Resolver:  resolver,
		Metrics:   m,
		Logger:    logger,
	})
	require.NoError(t, p.PollOnce(context.Background()))

	a := snaps.get("AAA")
	require.NotNil(t, a)
	assert.Equal(t, uint64(4200), a.ProgressBps)
	assert.False(t, a.Graduated)
	assert.Equal(t, "36482000000", a.VirtualToken)
	assert.Empty(t, a.Pool)

	bb := snaps.get("BBB")
	require.NotNil(t, bb)
	assert.True(t, bb.Graduated)
	assert.Equal(t, poolB.Hex(), bb.Pool)

	assert.False(t, resolver.Graduated(curveA))
	assert.True(t, resolver.Graduated(curveB))

	assert.Equal(t, 1.0, gaugeValue(t, reg, "quaipump_curve_graduated", "BBB"))
	assert.Equal(t, 4200.0, gaugeValue(t, reg, "quaipump_curve_progress_bps", "AAA"))
}

func TestCurvePoller_PartialFailure(t *testing.T) {
	b := chaintest.NewBackend(9)
	b.AddCurve(curveA, chaintest.Curve{VirtualQuai: big.NewInt(1), VirtualToken: big.NewInt(1), FeeBps: 100})
	// curveB is not deployed: its reads revert

	snaps := &memSnapshots{}
	p := NewCurvePoller(CurvePollerConfig{
		Reader:    chain.NewReader(b, quietLogger()),
		Registry:  registry,
		Snapshots: snaps,
		Logger:    quietLogger(),
	})
	err := p.PollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BBB")
	assert.NotNil(t, snaps.get("AAA"))
}

func TestCurvePoller_RunStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	snaps := &memSnapshots{}
	p := NewCurvePoller(CurvePollerConfig{
		Reader:       chain.NewReader(newCurveBackend(), quietLogger()),
		Registry:     registry,
		Snapshots:    snaps,
		PollInterval: 5 * time.Millisecond,
		Logger:       quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return snaps.get("BBB") != nil }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("curve poller did not stop")
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name, market string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "market" && l.GetValue() == market {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{market=%q} not found", name, market)
	return 0
}

type memPublisher struct {
	recent, published int
	err               error
}

func (m *memPublisher) AddRecentTrade(context.Context, *models.TradeEvent) error {
	m.recent++
	return m.err
}

func (m *memPublisher) PublishTrade(context.Context, *models.TradeEvent) error {
	m.published++
	return m.err
}

type memRecorder struct{ rows []*models.TradeEvent }

func (m *memRecorder) InsertTrade(_ context.Context, ev *models.TradeEvent) error {
	m.rows = append(m.rows, ev)
	return nil
}

func TestTradeSink(t *testing.T) {
	pub := &memPublisher{err: errors.New("redis down")}
	rec := &memRecorder{}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	sink := NewTradeSink(SinkConfig{Publisher: pub, Recorder: rec, Metrics: m, Logger: quietLogger()})
	ev := &models.TradeEvent{TxHash: "0x01", Market: "AAA", Mode: models.ModeBuy, Source: constants.SourceFeed}
	sink(ev)
	sink(ev)

	// a failing cache does not stop the store write
	assert.Equal(t, 2, pub.recent)
	assert.Equal(t, 2, pub.published)
	assert.Len(t, rec.rows, 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() == "quaipump_feed_trades_total" {
			total = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, total)

	// everything optional
	NewTradeSink(SinkConfig{Logger: quietLogger()})(ev)
}
