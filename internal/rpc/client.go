package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Backend is the subset of ethclient.Client the engine talks to.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Client wraps a JSON-RPC backend with retry and timeout support. Reads are
// retried with exponential backoff; writes are sent exactly once.
type Client struct {
	backend      Backend
	closer       func()
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	logger       *logrus.Logger
}

// ClientConfig holds configuration for the RPC client
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *logrus.Logger
}

// NewClient dials the node at cfg.BaseURL.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rpc: BaseURL is required")
	}
	ec, err := ethclient.DialContext(ctx, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c := NewClientWithBackend(ec, cfg)
	c.closer = ec.Close
	return c, nil
}

// NewClientWithBackend wraps an existing backend. Used by tests and by callers
// that share one connection.
func NewClientWithBackend(b Backend, cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		backend:      b,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger,
	}
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// retry runs fn until it succeeds, fails permanently or the attempts run out.
func retry[T any](ctx context.Context, c *Client, method string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff,
				"method":  method,
				"error":   lastErr,
			}).Debug("retrying RPC call")

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2 // exponential backoff
		}

		callCtx, cancel := c.callContext(ctx)
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		if !retryable(ctx, err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("%s: max retries exceeded: %w", method, lastErr)
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) || IsRevert(err) {
		return false
	}
	return true
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return retry(ctx, c, "eth_chainId", func(ctx context.Context) (*big.Int, error) {
		return c.backend.ChainID(ctx)
	})
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return retry(ctx, c, "eth_blockNumber", func(ctx context.Context) (uint64, error) {
		return c.backend.BlockNumber(ctx)
	})
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return retry(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.backend.CallContract(ctx, msg, blockNumber)
	})
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return retry(ctx, c, "eth_getBalance", func(ctx context.Context) (*big.Int, error) {
		return c.backend.BalanceAt(ctx, account, blockNumber)
	})
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return retry(ctx, c, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return c.backend.PendingNonceAt(ctx, account)
	})
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return retry(ctx, c, "eth_gasPrice", func(ctx context.Context) (*big.Int, error) {
		return c.backend.SuggestGasPrice(ctx)
	})
}

// EstimateGas is retried on transport errors only; a revert is returned as is.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return retry(ctx, c, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return c.backend.EstimateGas(ctx, msg)
	})
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return retry(ctx, c, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return c.backend.FilterLogs(ctx, q)
	})
}

// SendTransaction broadcasts once. A signed transaction is never re-sent here.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.backend.SendTransaction(callCtx, tx)
}

// TransactionReceipt returns ethereum.NotFound while the tx is pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.backend.TransactionReceipt(callCtx, txHash)
}

// IsRevert reports whether err is an EVM execution revert rather than a
// transport failure.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var de gethrpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// RevertReason extracts the Error(string) reason from a revert, if present.
func RevertReason(err error) string {
	var de gethrpc.DataError
	if !errors.As(err, &de) {
		return ""
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return ""
	}
	data, decErr := hexutil.Decode(s)
	if decErr != nil {
		return ""
	}
	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return ""
	}
	return reason
}
