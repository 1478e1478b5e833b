// Package metrics holds the Prometheus collectors of the engine, the pollers
// and the HTTP API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quaipump"

type Metrics struct {
	trades        *prometheus.CounterVec
	tradeDuration *prometheus.HistogramVec
	chunks        *prometheus.CounterVec
	txFailures    *prometheus.CounterVec
	curveProgress *prometheus.GaugeVec
	curveGrad     *prometheus.GaugeVec
	feedEvents    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Executed trades by outcome.",
		}, []string{"market", "mode", "venue", "outcome"}),
		tradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Wall time of a trade from first read to last confirmation.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
		}, []string{"mode", "venue"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_confirmed_total",
			Help:      "Confirmed transactions sent by the engine.",
		}, []string{"market", "step"}),
		txFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_failures_total",
			Help:      "Failed trades by error kind.",
		}, []string{"kind"}),
		curveProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "curve_progress_bps",
			Help:      "Graduation progress of a curve in basis points.",
		}, []string{"market"}),
		curveGrad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "curve_graduated",
			Help:      "1 once the curve has graduated to its pool.",
		}, []string{"market"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_trades_total",
			Help:      "Trade events picked up by the feed poller.",
		}, []string{"market", "mode"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests.",
		}, []string{"method", "route", "status"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.trades, m.tradeDuration, m.chunks, m.txFailures,
			m.curveProgress, m.curveGrad, m.feedEvents, m.httpRequests,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) ObserveTrade(market, mode, venue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(market, mode, venue, outcome).Inc()
	m.tradeDuration.WithLabelValues(mode, venue).Observe(d.Seconds())
}

// IncConfirmed counts one confirmed transaction; step is approve, chunk or swap.
func (m *Metrics) IncConfirmed(market, step string) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(market, step).Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil {
		return
	}
	m.txFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetCurve(market string, progressBps uint64, graduated bool) {
	if m == nil {
		return
	}
	m.curveProgress.WithLabelValues(market).Set(float64(progressBps))
	g := 0.0
	if graduated {
		g = 1
	}
	m.curveGrad.WithLabelValues(market).Set(g)
}

func (m *Metrics) IncFeedEvent(market, mode string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(market, mode).Inc()
}

func (m *Metrics) IncHTTP(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
