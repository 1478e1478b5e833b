package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/rpc"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// SignTx signs a transaction with the wallet's private key
func (w *Wallet) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, w.signer, w.priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// SendTx asks for confirmation, estimates gas, signs and broadcasts req.
// A gas estimate that reverts is reported as tradeerr.ErrChainCallReverted
// and nothing is broadcast.
func (w *Wallet) SendTx(ctx context.Context, req TxRequest) (common.Hash, error) {
	if req.Value == nil {
		req.Value = new(big.Int)
	}

	if w.cfg.Confirm != nil {
		ok, err := w.cfg.Confirm(ctx, req)
		if err != nil {
			return common.Hash{}, tradeerr.New(tradeerr.ErrUserRejectedSigning, req.Description, err)
		}
		if !ok {
			return common.Hash{}, tradeerr.New(tradeerr.ErrUserRejectedSigning, req.Description, nil)
		}
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, tradeerr.New(tradeerr.ErrQuoteUnavailable, "nonce", err)
	}

	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, tradeerr.New(tradeerr.ErrQuoteUnavailable, "gas price", err)
	}

	to := req.To
	estimated, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		if rpc.IsRevert(err) {
			return common.Hash{}, tradeerr.New(tradeerr.ErrChainCallReverted, req.Description, revertError(err))
		}
		return common.Hash{}, tradeerr.New(tradeerr.ErrQuoteUnavailable, "estimate gas", err)
	}
	gasLimit := estimated * (100 + w.cfg.GasMarginPct) / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    req.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signed, err := w.SignTx(tx)
	if err != nil {
		return common.Hash{}, err
	}

	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		if rpc.IsRevert(err) {
			return common.Hash{}, tradeerr.New(tradeerr.ErrChainCallReverted, req.Description, revertError(err))
		}
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"tx":    signed.Hash().Hex(),
		"to":    to.Hex(),
		"value": req.Value.String(),
		"nonce": nonce,
		"gas":   gasLimit,
		"what":  req.Description,
	}).Info("transaction sent")

	return signed.Hash(), nil
}

// ConfirmTransaction polls for the receipt until it appears or ctx ends.
// A failed receipt is reported as tradeerr.ErrChainCallReverted.
func (w *Wallet) ConfirmTransaction(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := w.waitForReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("transaction %s not confirmed: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, tradeerr.New(tradeerr.ErrChainCallReverted, "confirm",
			fmt.Errorf("transaction %s reverted in block %s", hash.Hex(), receipt.BlockNumber))
	}
	return receipt, nil
}

func (w *Wallet) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := w.backend.TransactionReceipt(ctx, hash)
	if err == nil {
		return receipt, nil
	}

	ticker := time.NewTicker(w.cfg.ReceiptInterval)
	defer ticker.Stop()

	for {
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			w.logger.WithFields(logrus.Fields{
				"tx":    hash.Hex(),
				"error": err,
			}).Debug("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err = w.backend.TransactionReceipt(ctx, hash)
			if err == nil {
				return receipt, nil
			}
		}
	}
}

func revertError(err error) error {
	if reason := rpc.RevertReason(err); reason != "" {
		return fmt.Errorf("%w (reason: %s)", err, reason)
	}
	return err
}
