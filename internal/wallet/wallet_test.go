package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/chain/chaintest"
	"github.com/rdobbeck/quaipump/internal/tradeerr"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	curveAddr = common.HexToAddress("0x00b1000000000000000000000000000000000001")
	tokenAddr = common.HexToAddress("0x00b1000000000000000000000000000000000003")
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestWallet(t *testing.T, b *chaintest.Backend, confirm ConfirmFunc) *Wallet {
	t.Helper()
	w, err := NewWallet(b, WalletConfig{
		PrivateKey:      "0x" + testKey,
		ChainID:         big.NewInt(9),
		ReceiptInterval: time.Millisecond,
		Confirm:         confirm,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	b.Fund(w.Address(), big.NewInt(1_000_000_000))
	return w
}

func newTestBackend() *chaintest.Backend {
	b := chaintest.NewBackend(9)
	b.AddCurve(curveAddr, chaintest.Curve{
		Token:        tokenAddr,
		VirtualQuai:  big.NewInt(1_000_000),
		VirtualToken: big.NewInt(36_482_000_000),
		RealToken:    big.NewInt(36_482_000_000),
		FeeBps:       100,
	})
	return b
}

func TestNewWallet_NoKey(t *testing.T) {
	_, err := NewWallet(newTestBackend(), WalletConfig{ChainID: big.NewInt(9)})
	assert.ErrorIs(t, err, tradeerr.ErrWalletNotConnected)
}

func TestNewWallet_BadKey(t *testing.T) {
	_, err := NewWallet(newTestBackend(), WalletConfig{PrivateKey: "zz", ChainID: big.NewInt(9)})
	require.Error(t, err)
	assert.Nil(t, tradeerr.KindOf(err))
}

func TestSendAndConfirm(t *testing.T) {
	b := newTestBackend()
	w := newTestWallet(t, b, nil)
	ctx := context.Background()

	data, err := chain.PackBuy(big.NewInt(15_000_000))
	require.NoError(t, err)

	hash, err := w.SendTx(ctx, TxRequest{To: curveAddr, Value: big.NewInt(442), Data: data, Description: "buy"})
	require.NoError(t, err)

	receipt, err := w.ConfirmTransaction(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, "15935671", b.TokenBalance(tokenAddr, w.Address()).String())

	// Nonces advance across sends.
	hash2, err := w.SendTx(ctx, TxRequest{To: curveAddr, Value: big.NewInt(10), Data: mustBuy(t, 0), Description: "buy"})
	require.NoError(t, err)
	assert.NotEqual(t, hash, hash2)
}

func TestSendTx_RevertingEstimate(t *testing.T) {
	b := newTestBackend()
	w := newTestWallet(t, b, nil)

	// Minimum far above what 442 can buy.
	_, err := w.SendTx(context.Background(), TxRequest{To: curveAddr, Value: big.NewInt(442), Data: mustBuy(t, 16_000_000), Description: "buy"})
	assert.ErrorIs(t, err, tradeerr.ErrChainCallReverted)
	assert.Zero(t, b.TokenBalance(tokenAddr, w.Address()).Sign())
}

func TestSendTx_BuyBeyondRealReserves(t *testing.T) {
	b := newTestBackend()
	w := newTestWallet(t, b, nil)
	b.UpdateCurve(curveAddr, func(c *chaintest.Curve) { c.RealToken = big.NewInt(1_000_000) })

	_, err := w.SendTx(context.Background(), TxRequest{To: curveAddr, Value: big.NewInt(442), Data: mustBuy(t, 0), Description: "buy"})
	assert.ErrorIs(t, err, tradeerr.ErrChainCallReverted)
	assert.Zero(t, b.TokenBalance(tokenAddr, w.Address()).Sign())
}

func TestSendTx_UserRejects(t *testing.T) {
	b := newTestBackend()
	w := newTestWallet(t, b, func(ctx context.Context, req TxRequest) (bool, error) {
		return false, nil
	})

	_, err := w.SendTx(context.Background(), TxRequest{To: curveAddr, Value: big.NewInt(442), Data: mustBuy(t, 0), Description: "buy"})
	assert.ErrorIs(t, err, tradeerr.ErrUserRejectedSigning)

	w.cfg.Confirm = func(ctx context.Context, req TxRequest) (bool, error) {
		return false, errors.New("prompt closed")
	}
	_, err = w.SendTx(context.Background(), TxRequest{To: curveAddr, Value: big.NewInt(442), Data: mustBuy(t, 0)})
	assert.ErrorIs(t, err, tradeerr.ErrUserRejectedSigning)
}

func TestConfirmTransaction_RevertedReceipt(t *testing.T) {
	b := newTestBackend()
	w := newTestWallet(t, b, nil)
	ctx := context.Background()

	b.UpdateCurve(curveAddr, func(c *chaintest.Curve) { c.Graduated = true })

	// Skip estimation so the failing call is mined.
	tx := signedBuy(t, ctx, w, mustBuy(t, 0))
	require.NoError(t, b.SendTransaction(ctx, tx))

	receipt, err := w.ConfirmTransaction(ctx, tx.Hash())
	assert.ErrorIs(t, err, tradeerr.ErrChainCallReverted)
	require.NotNil(t, receipt)
	assert.Equal(t, types.ReceiptStatusFailed, receipt.Status)
}

func TestConfirmTransaction_Timeout(t *testing.T) {
	w := newTestWallet(t, newTestBackend(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.ConfirmTransaction(ctx, common.HexToHash("0xdead"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func mustBuy(t *testing.T, minOut int64) []byte {
	t.Helper()
	data, err := chain.PackBuy(big.NewInt(minOut))
	require.NoError(t, err)
	return data
}

func signedBuy(t *testing.T, ctx context.Context, w *Wallet, data []byte) *types.Transaction {
	t.Helper()
	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	require.NoError(t, err)
	to := curveAddr
	tx, err := w.SignTx(types.NewTx(&types.LegacyTx{
		Nonce: nonce, To: &to, Value: big.NewInt(100), Gas: 100_000, GasPrice: big.NewInt(1), Data: data,
	}))
	require.NoError(t, err)
	return tx
}
