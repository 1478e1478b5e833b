package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/rdobbeck/quaipump/internal/metrics"
)

// RegisterRoutes configures all API routes, middleware, and error handlers
func RegisterRoutes(e *echo.Echo, h *Handlers, cfg ServerConfig) {
	// Set custom error handler for consistent JSON responses
	e.HTTPErrorHandler = NotFoundJSON()

	e.Use(RequestMetrics(h.Metrics))
	e.Use(SetJSONContentType)
	e.Use(SetNoCacheHeaders)

	// Optional API key authentication; health and metrics stay open for probes
	if cfg.APIKey != "" {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key",
			Skipper: func(c echo.Context) bool {
				p := c.Path()
				return p == "/v1/health" || p == "/metrics"
			},
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == cfg.APIKey, nil
			},
		}))
	}

	if h.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(h.Gatherer)))
	}

	v1 := e.Group("/v1")
	v1.GET("/health", h.Health)
	v1.GET("/markets", h.Markets)
	v1.GET("/markets/:symbol/state", h.MarketState)
	v1.GET("/markets/:symbol/snapshot", h.MarketSnapshot)
	v1.GET("/markets/:symbol/quote", h.Quote)
	v1.GET("/trades/recent", h.RecentTrades)
	v1.GET("/risk", h.Risk)

	// Trades send transactions; keep them slow
	rps, burst := cfg.RateRPS, cfg.RateBurst
	if rps <= 0 {
		rps = 0.5
	}
	if burst <= 0 {
		burst = 2
	}
	tradeLimiter := middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(rps),
		Burst:     burst,
		ExpiresIn: 2 * time.Minute,
	}))
	v1.POST("/markets/:symbol/trades", h.ExecuteTrade, tradeLimiter)

	// Feature flags CRUD endpoints
	flagGroup := v1.Group("/flags")
	flagGroup.GET("", h.FlagsList)
	flagGroup.POST("", h.FlagsUpsert)
	flagGroup.GET("/:key", h.FlagsGet)
	flagGroup.PUT("/:key", h.FlagsUpdate)
	flagGroup.DELETE("/:key", h.FlagsDelete)

	// Catch-all route for 404 responses
	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: http.StatusNotFound})
	})
}

// RequestMetrics counts requests by method, route pattern and status.
func RequestMetrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			m.IncHTTP(c.Request().Method, c.Path(), status)
			return err
		}
	}
}
