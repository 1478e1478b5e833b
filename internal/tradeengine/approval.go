package tradeengine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
	"github.com/rdobbeck/quaipump/internal/wallet"
)

// ensureAllowance makes sure spender may move amount of token from the
// wallet. When the allowance is short it sends and confirms an approval for
// exactly amount, or fails with ErrInsufficientAllowance if auto-approval
// is off. A nil step means no approval was needed.
func (e *Executor) ensureAllowance(ctx context.Context, res *ExecutionResult, token, spender common.Address, amount *big.Int) (*Step, error) {
	owner := e.signer.Address()

	current, err := e.chain.Allowance(ctx, token, owner, spender)
	if err != nil {
		return nil, err
	}
	if current.Cmp(amount) >= 0 {
		return nil, nil
	}

	if !e.cfg.AutoApprove {
		return nil, tradeerr.Errorf(tradeerr.ErrInsufficientAllowance,
			"allowance %s < %s for spender %s", current, amount, spender.Hex())
	}

	data, err := chain.PackApprove(spender, amount)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"token":   token.Hex(),
		"spender": spender.Hex(),
		"current": current.String(),
		"amount":  amount.String(),
	}).Info("approving token spend")

	step := &Step{Kind: StepApprove, Index: len(res.Steps), AmountIn: new(big.Int).Set(amount)}
	err = e.submit(ctx, res, wallet.TxRequest{
		To:          token,
		Value:       new(big.Int),
		Data:        data,
		Description: fmt.Sprintf("approve %s to spend %s", spender.Hex(), amount),
	}, step)
	if err != nil {
		return nil, tradeerr.New(tradeerr.ErrInsufficientAllowance, "approve", err)
	}
	return step, nil
}
