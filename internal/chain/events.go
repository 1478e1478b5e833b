package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rdobbeck/quaipump/internal/models"
)

// TradeLog is a decoded curve Buy or Sell event.
type TradeLog struct {
	Curve       common.Address
	Mode        models.TradeMode
	Trader      common.Address
	AmountIn    *big.Int // quai for buys, tokens for sells
	AmountOut   *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// TradeTopics is the topic filter matching curve Buy and Sell events.
func TradeTopics() [][]common.Hash {
	return [][]common.Hash{{CurveABI.Events["Buy"].ID, CurveABI.Events["Sell"].ID}}
}

// DecodeTradeLog decodes a curve Buy or Sell log.
func DecodeTradeLog(l types.Log) (*TradeLog, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("log has %d topics, want 2", len(l.Topics))
	}

	var mode models.TradeMode
	var event string
	switch l.Topics[0] {
	case CurveABI.Events["Buy"].ID:
		mode, event = models.ModeBuy, "Buy"
	case CurveABI.Events["Sell"].ID:
		mode, event = models.ModeSell, "Sell"
	default:
		return nil, fmt.Errorf("unknown event topic %s", l.Topics[0].Hex())
	}

	values, err := CurveABI.Unpack(event, l.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s event: %w", event, err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("%s event: got %d values, want 2", event, len(values))
	}
	in, ok1 := values[0].(*big.Int)
	out, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s event: unexpected value types", event)
	}

	return &TradeLog{
		Curve:       l.Address,
		Mode:        mode,
		Trader:      common.BytesToAddress(l.Topics[1].Bytes()),
		AmountIn:    in,
		AmountOut:   out,
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}, nil
}
