package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/cache"
	"github.com/rdobbeck/quaipump/internal/flags"
	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/metrics"
	"github.com/rdobbeck/quaipump/internal/storage"
	"github.com/rdobbeck/quaipump/internal/tradeengine"
)

// TradeService is the engine surface the API serves. *tradeengine.Engine
// satisfies it.
type TradeService interface {
	Markets() []markets.Market
	State(ctx context.Context, symbol string) (*tradeengine.MarketState, error)
	Quote(ctx context.Context, intent *tradeengine.TradeIntent) (*tradeengine.QuoteResult, error)
	Execute(ctx context.Context, intent *tradeengine.TradeIntent, progress tradeengine.ProgressFunc) (*tradeengine.ExecutionResult, error)
	RiskStatus() tradeengine.RiskStatus
}

// FlagStore is the flag CRUD surface. *flags.Store satisfies it.
type FlagStore interface {
	Upsert(ctx context.Context, key string, value bool) (*flags.Flag, error)
	Get(ctx context.Context, key string) (*flags.Flag, error)
	List(ctx context.Context) ([]*flags.Flag, error)
	Delete(ctx context.Context, key string) error
}

// Handlers contains all dependencies for API endpoint handlers
type Handlers struct {
	Engine TradeService
	Cache  storage.TradeCache // optional, Redis-backed trade cache
	Flags  FlagStore          // optional, Redis-backed feature flags
	// Metrics counts requests; Gatherer backs /metrics when set.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// TradeTimeout bounds one POST /v1/trades execution.
	TradeTimeout time.Duration
	DevMode      bool           // Enable detailed error responses in development
	Logger       *logrus.Logger // Structured logger
}

// err returns a standardized JSON error response
// In dev mode, includes additional error details for debugging
func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

// engineErr renders an engine error with its mapped status and kind.
func (h *Handlers) engineErr(c echo.Context, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.Logger.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
		Kind:  tradeengine.ErrorCode(err),
	})
}

// withTimeout creates a context with timeout, defaulting to 10 seconds if duration <= 0
func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// Health reports liveness and, when configured, cache reachability
func (h *Handlers) Health(c echo.Context) error {
	resp := HealthResponse{OK: true}
	if h.Cache != nil {
		ctx, cancel := h.withTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		resp.Cache = "ok"
		if err := h.Cache.Ping(ctx); err != nil {
			resp.Cache = "down"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Markets lists the configured markets
func (h *Handlers) Markets(c echo.Context) error {
	all := h.Engine.Markets()
	items := make([]MarketResponse, 0, len(all))
	for _, m := range all {
		items = append(items, marketResponse(m))
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// MarketState reads a market from the chain
func (h *Handlers) MarketState(c echo.Context) error {
	symbol := strings.TrimSpace(c.Param("symbol"))

	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	st, err := h.Engine.State(ctx, symbol)
	if err != nil {
		return h.engineErr(c, err)
	}
	return c.JSON(http.StatusOK, stateResponse(st))
}

// MarketSnapshot returns the cached curve snapshot written by the indexer.
// It may lag the chain by a poll interval.
func (h *Handlers) MarketSnapshot(c echo.Context) error {
	if h.Cache == nil {
		return h.err(c, http.StatusServiceUnavailable, "cache is not configured", nil)
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	snap, err := h.Cache.GetCurveSnapshot(ctx, symbol)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return h.err(c, http.StatusNotFound, "snapshot not found", nil)
		}
		return h.err(c, http.StatusInternalServerError, "failed to get snapshot", nil)
	}
	return c.JSON(http.StatusOK, snap)
}

// RecentTrades returns the most recent trades with optional limit parameter
// Accepts limit query parameter (default: 50, range: 1-100)
func (h *Handlers) RecentTrades(c echo.Context) error {
	if h.Cache == nil {
		return h.err(c, http.StatusServiceUnavailable, "cache is not configured", nil)
	}

	limit := 50
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "must be an integer"})
		}
		limit = n
	}
	if limit < 1 || limit > 100 {
		return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 100"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Cache.GetRecentTrades(ctx, int64(limit))
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to get trades", nil)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// Risk reports the configured limits and the daily usage
func (h *Handlers) Risk(c echo.Context) error {
	st := h.Engine.RiskStatus()
	allowed := st.AllowedMarkets
	if allowed == nil {
		allowed = []string{}
	}
	return c.JSON(http.StatusOK, RiskResponse{
		MaxTradeQuai:       st.MaxTradeQuai.String(),
		DailyLimitQuai:     st.DailyLimitQuai.String(),
		DailyUsedQuai:      st.DailyUsedQuai.String(),
		DailyRemainingQuai: st.DailyRemainingQuai.String(),
		AllowedMarkets:     allowed,
	})
}

// FlagsUpsert creates or updates a feature flag with the given key and value
// Validates key format and returns the created/updated flag
func (h *Handlers) FlagsUpsert(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	var req FlagUpsertRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	if err := flags.ValidateKey(req.Key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Upsert(ctx, req.Key, req.Value)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to upsert flag", nil)
	}
	h.logFlag(out)
	return c.JSON(http.StatusOK, out)
}

// FlagsUpdate updates an existing feature flag with the given key
func (h *Handlers) FlagsUpdate(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}
	var req FlagUpdateRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Upsert(ctx, key, req.Value)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to update flag", nil)
	}
	h.logFlag(out)
	return c.JSON(http.StatusOK, out)
}

// FlagsGet retrieves a feature flag by its key
// Returns 404 if flag doesn't exist
func (h *Handlers) FlagsGet(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Get(ctx, key)
	if err != nil {
		if errors.Is(err, flags.ErrNotFound) {
			return h.err(c, http.StatusNotFound, "flag not found", nil)
		}
		return h.err(c, http.StatusInternalServerError, "failed to get flag", nil)
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsList returns all stored flags and the flags the engine reads
func (h *Handlers) FlagsList(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Flags.List(ctx)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to list flags", nil)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "known": flags.Known})
}

// FlagsDelete removes a feature flag by its key
// Returns 204 No Content on successful deletion
func (h *Handlers) FlagsDelete(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := h.Flags.Delete(ctx, key); err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to delete flag", nil)
	}
	return c.NoContent(http.StatusNoContent)
}

// logFlag warns when a switch the engine reads changes, also a market-scoped one.
func (h *Handlers) logFlag(f *flags.Flag) {
	for known := range flags.Known {
		if f.Key == known || strings.HasPrefix(f.Key, known+".") {
			h.Logger.WithFields(logrus.Fields{"flag": f.Key, "value": f.Value}).Warn("engine flag changed")
			return
		}
	}
}

func marketResponse(m markets.Market) MarketResponse {
	return MarketResponse{
		Symbol:   m.Symbol,
		Name:     m.Name,
		Token:    m.Token.Hex(),
		Curve:    m.Curve.Hex(),
		Decimals: m.Decimals,
	}
}

func stateResponse(st *tradeengine.MarketState) MarketStateResponse {
	resp := MarketStateResponse{
		Market:       marketResponse(st.Market),
		Venue:        st.Venue.String(),
		Graduated:    st.Curve.Graduated,
		Price:        st.Curve.CurrentPrice.String(),
		ProgressBps:  st.Curve.Progress,
		VirtualQuai:  st.Curve.VirtualQuaiReserves.String(),
		VirtualToken: st.Curve.VirtualTokenReserves.String(),
		RealQuai:     st.Curve.RealQuaiReserves.String(),
		RealToken:    st.Curve.RealTokenReserves.String(),
		FetchedAt:    st.Curve.FetchedAt.UTC(),
	}
	if st.Pool != nil {
		resp.Pool = &PoolResponse{
			Address:      st.Pool.Pool.Hex(),
			ReserveQuai:  st.Pool.ReserveQuai.String(),
			ReserveToken: st.Pool.ReserveToken.String(),
			Price:        st.Pool.SpotPrice().String(),
		}
	}
	return resp
}

