package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rdobbeck/quaipump/internal/markets"
	"github.com/rdobbeck/quaipump/internal/tradeengine"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// NotFoundJSON returns a custom HTTP error handler that returns JSON responses
// This ensures all errors (including 404s) have consistent JSON format
func NotFoundJSON() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		// Don't send response if already committed
		if c.Response().Committed {
			return
		}

		// Handle Echo HTTP errors (like 404, 400, etc.)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = c.JSON(he.Code, ErrorResponse{
				Error: http.StatusText(he.Code),
				Code:  he.Code,
			})
			return
		}

		// Handle all other errors as internal server error
		_ = c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  http.StatusInternalServerError,
		})
	}
}

// statusFor maps an engine error to an HTTP status. The engine's own
// sentinels are checked before the generic kinds they are wrapped in.
func statusFor(err error) int {
	switch {
	case errors.Is(err, markets.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tradeengine.ErrTradeInFlight),
		errors.Is(err, tradeengine.ErrVenueSwitched):
		return http.StatusConflict
	case errors.Is(err, tradeengine.ErrTradingPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, tradeengine.ErrRiskRejected),
		errors.Is(err, tradeengine.ErrTooManyChunks):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch tradeerr.KindOf(err) {
	case tradeerr.ErrInvalidDomainInput:
		return http.StatusBadRequest
	case tradeerr.ErrWalletNotConnected, tradeerr.ErrQuoteUnavailable:
		return http.StatusServiceUnavailable
	case tradeerr.ErrChainCallReverted:
		return http.StatusBadGateway
	case tradeerr.ErrInsufficientAllowance:
		return http.StatusConflict
	case tradeerr.ErrUserRejectedSigning:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
