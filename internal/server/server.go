package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// ServerConfig holds configuration for the HTTP server
type ServerConfig struct {
	Addr    string // Server bind address (e.g., ":8080")
	DevMode bool   // Enable development mode (detailed error responses)
	APIKey  string // Optional API key for authentication

	// RateRPS and RateBurst limit trade submissions per client IP
	RateRPS   float64
	RateBurst int
}

// ServerDeps contains dependencies required to create a new Server
type ServerDeps struct {
	Handlers *Handlers
	Config   ServerConfig
}

// Server is the trade API on top of echo
type Server struct {
	e      *echo.Echo
	cfg    ServerConfig
	logger *logrus.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(deps ServerDeps) (*Server, error) {
	h := deps.Handlers
	if h == nil || h.Engine == nil {
		return nil, errors.New("server: handlers need an engine")
	}
	if h.Logger == nil {
		h.Logger = logrus.New()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(h.Logger))

	e.Server.ReadTimeout = 15 * time.Second
	// Chunked trades wait for several receipts
	e.Server.WriteTimeout = 6 * time.Minute
	e.Server.IdleTimeout = 60 * time.Second

	RegisterRoutes(e, h, deps.Config)

	return &Server{e: e, cfg: deps.Config, logger: h.Logger, closed: make(chan struct{})}, nil
}

// Start serves until Shutdown; it then returns http.ErrServerClosed.
func (s *Server) Start() error {
	return s.e.Start(s.cfg.Addr)
}

// Shutdown drains in-flight requests for up to 10 seconds. A trade still
// running after that keeps going on its detached context.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.closeOnce.Do(func() { close(s.closed) })
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}

// WaitClosed blocks until Shutdown has finished or ctx ends.
func (s *Server) WaitClosed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return nil
	}
}

// requestLogger logs one line per request through logrus.
func requestLogger(logger *logrus.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
				"request_id": v.RequestID,
			})
			switch {
			case v.Error != nil:
				entry.WithError(v.Error).Warn("request")
			case v.Status >= 500:
				entry.Warn("request")
			default:
				entry.Debug("request")
			}
			return nil
		},
	})
}

// SetNoCacheHeaders middleware prevents caching of API responses
func SetNoCacheHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")
		return next(c)
	}
}

// SetJSONContentType middleware ensures all responses have JSON content type
func SetJSONContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		return next(c)
	}
}
