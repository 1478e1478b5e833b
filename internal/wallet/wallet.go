package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/rdobbeck/quaipump/internal/constants"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

// Backend is the node access the wallet needs. *rpc.Client satisfies it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxRequest is an unsigned contract call.
type TxRequest struct {
	To          common.Address
	Value       *big.Int
	Data        []byte
	Description string // shown to the confirmation prompt and logs
}

// ConfirmFunc asks the user to approve signing. Returning false rejects.
type ConfirmFunc func(ctx context.Context, req TxRequest) (bool, error)

type WalletConfig struct {
	PrivateKey string // hex, with or without 0x
	ChainID    *big.Int

	GasMarginPct    uint64        // added on top of the estimate, default 20
	ReceiptInterval time.Duration // receipt polling period
	Confirm         ConfirmFunc   // optional interactive approval
	Logger          *logrus.Logger
}

type Wallet struct {
	cfg     WalletConfig
	backend Backend
	priv    *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
	logger  *logrus.Logger

	// sendMu serialises nonce assignment.
	sendMu sync.Mutex
}

// NewWallet returns tradeerr.ErrWalletNotConnected when no key is configured.
func NewWallet(backend Backend, cfg WalletConfig) (*Wallet, error) {
	if strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, tradeerr.New(tradeerr.ErrWalletNotConnected, "wallet", nil)
	}
	if backend == nil {
		return nil, fmt.Errorf("wallet: backend is nil")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("wallet: ChainID is required")
	}
	if cfg.GasMarginPct == 0 {
		cfg.GasMarginPct = 20
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = constants.ReceiptPollPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	priv, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		cfg:     cfg,
		backend: backend,
		priv:    priv,
		address: crypto.PubkeyToAddress(priv.PublicKey),
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		logger:  cfg.Logger,
	}, nil
}

func (w *Wallet) Address() common.Address { return w.address }
func (w *Wallet) Close() error            { return nil }

// Balance returns the native balance in base units.
func (w *Wallet) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := w.backend.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return nil, tradeerr.New(tradeerr.ErrQuoteUnavailable, "balance", err)
	}
	return bal, nil
}

func parsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	priv, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid private key: %w", err)
	}
	return priv, nil
}
