package server

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/models"
	"github.com/rdobbeck/quaipump/internal/tradeengine"
)

// Quote prices a whole order without sending anything.
// Query: mode, slippageBps, and one of amount (whole units) or amountIn (base units).
func (h *Handlers) Quote(c echo.Context) error {
	market := strings.TrimSpace(c.Param("symbol"))
	mode := strings.ToLower(strings.TrimSpace(c.QueryParam("mode")))
	amount := strings.TrimSpace(c.QueryParam("amount"))
	amountIn := strings.TrimSpace(c.QueryParam("amountIn"))

	var slippage uint16
	if v := strings.TrimSpace(c.QueryParam("slippageBps")); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid slippageBps", map[string]any{"slippageBps": "must be uint16"})
		}
		slippage = uint16(n)
	}

	intent, details := buildIntent(market, mode, amount, amountIn, slippage)
	if details != nil {
		return h.err(c, http.StatusBadRequest, "invalid trade request", details)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	q, err := h.Engine.Quote(ctx, intent)
	if err != nil {
		return h.engineErr(c, err)
	}

	resp := QuoteResponse{
		Market:          q.Market,
		Mode:            string(q.Mode),
		Venue:           q.Venue.String(),
		AmountIn:        q.AmountIn.String(),
		AmountOut:       q.AmountOut.String(),
		MinAmountOut:    q.MinAmountOut.String(),
		SlippageBps:     q.SlippageBps,
		FeeBps:          q.FeeBps,
		PriceImpact:     q.PriceImpact.String(),
		ExecutionPrice:  q.ExecutionPrice.String(),
		EstimatedChunks: q.EstimatedChunks,
		NeedsApproval:   q.NeedsApproval,
		QuotedAt:        q.QuotedAt.UTC(),

		ContractAmountOut: bigString(q.ContractAmountOut),
	}
	for _, ch := range q.Chunks {
		resp.Chunks = append(resp.Chunks, ChunkPreview{
			Index:             ch.Index,
			AmountIn:          bigString(ch.AmountIn),
			ExpectedAmountOut: bigString(ch.ExpectedAmountOut),
			MinAmountOut:      bigString(ch.MinAmountOut),
			Final:             ch.Final,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// ExecuteTrade runs a trade to completion. The execution is detached from the
// request so a dropped client does not abort it between chunks; it is bounded
// by TradeTimeout instead. A failed execution still reports its confirmed steps.
func (h *Handlers) ExecuteTrade(c echo.Context) error {
	var req TradeRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	intent, details := buildIntent(
		strings.TrimSpace(c.Param("symbol")),
		strings.ToLower(strings.TrimSpace(req.Mode)),
		strings.TrimSpace(req.Amount),
		strings.TrimSpace(req.AmountIn),
		req.SlippageBps,
	)
	if details != nil {
		return h.err(c, http.StatusBadRequest, "invalid trade request", details)
	}
	intent.Reason = req.Reason

	timeout := h.TradeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), timeout)
	defer cancel()

	log := h.Logger.WithFields(logrus.Fields{"market": intent.Market, "mode": intent.Mode})
	res, err := h.Engine.Execute(ctx, intent, func(p tradeengine.Progress) {
		log.WithFields(logrus.Fields{
			"step":      p.Index,
			"of":        p.EstimatedTotal,
			"tx":        p.Step.TxHash.Hex(),
			"remaining": p.Remaining.String(),
		}).Info("trade step confirmed")
	})
	if res == nil {
		return h.engineErr(c, err)
	}

	resp := tradeResponse(res)
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	return c.JSON(status, resp)
}

// buildIntent checks the request shape; the engine validates the rest.
func buildIntent(market, mode, amount, amountIn string, slippage uint16) (*tradeengine.TradeIntent, map[string]any) {
	details := map[string]any{}
	if market == "" {
		details["market"] = "required"
	}
	m := models.TradeMode(mode)
	if !m.Valid() {
		details["mode"] = "must be buy or sell"
	}

	intent := &tradeengine.TradeIntent{
		Market:      market,
		Mode:        m,
		Amount:      amount,
		SlippageBps: slippage,
		RequestedAt: time.Now(),
	}
	switch {
	case amountIn != "":
		v, ok := new(big.Int).SetString(amountIn, 10)
		if !ok || v.Sign() <= 0 {
			details["amount_in"] = "must be a positive integer"
		} else {
			intent.AmountIn = v
		}
	case amount == "":
		details["amount"] = "amount or amount_in required"
	}

	if len(details) > 0 {
		return nil, details
	}
	return intent, nil
}

func tradeResponse(res *tradeengine.ExecutionResult) TradeResponse {
	resp := TradeResponse{
		ExecutionID:     res.ExecutionID,
		Market:          res.Market,
		Mode:            string(res.Mode),
		AmountIn:        bigString(res.AmountIn),
		Filled:          bigString(res.Filled),
		EstimatedChunks: res.EstimatedChunks,
		Steps:           make([]StepResponse, 0, len(res.Steps)),
		Success:         res.Success(),
		TookMs:          res.Duration().Milliseconds(),
	}
	if res.AmountIn != nil && res.Filled != nil {
		resp.Remaining = res.Remaining().String()
	}
	if res.Venue != 0 {
		resp.Venue = res.Venue.String()
	}
	for _, s := range res.Steps {
		resp.Steps = append(resp.Steps, StepResponse{
			Kind:              string(s.Kind),
			Index:             s.Index,
			TxHash:            s.TxHash.Hex(),
			AmountIn:          bigString(s.AmountIn),
			ExpectedAmountOut: bigString(s.ExpectedAmountOut),
			MinAmountOut:      bigString(s.MinAmountOut),
			AmountOut:         bigString(s.ActualAmountOut),
			BlockNumber:       s.BlockNumber,
			GasUsed:           s.GasUsed,
		})
	}
	for _, h := range res.Unconfirmed {
		resp.Unconfirmed = append(resp.Unconfirmed, h.Hex())
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
		resp.Kind = tradeengine.ErrorCode(res.Err)
	}
	return resp
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
