// Package chaintest provides an in-memory chain that serves the curve, pool
// and token contracts for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rdobbeck/quaipump/internal/chain"
	"github.com/rdobbeck/quaipump/internal/curvemath"
)

// ErrReverted is returned (wrapped) by EstimateGas and CallContract when the
// simulated call reverts.
var ErrReverted = errors.New("execution reverted")

// Curve is the simulated state of a bonding curve.
type Curve struct {
	Token        common.Address
	VirtualQuai  *big.Int
	VirtualToken *big.Int
	RealQuai     *big.Int
	RealToken    *big.Int
	Price        *big.Int
	Progress     *big.Int
	Graduated    bool
	Pool         common.Address
	FeeBps       uint16
}

// Pool is the simulated state of a constant-product pool.
type Pool struct {
	Token        common.Address
	ReserveQuai  *big.Int
	ReserveToken *big.Int
	FeeBps       uint16
}

// Backend is a single-node chain. Each sent transaction is mined in its own
// block.
type Backend struct {
	mu sync.Mutex

	chainID    *big.Int
	block      uint64
	curves     map[common.Address]*Curve
	pools      map[common.Address]*Pool
	balances   map[common.Address]map[common.Address]*big.Int // token -> owner -> amount
	allowances map[common.Address]map[[2]common.Address]*big.Int
	native     map[common.Address]*big.Int
	nonces     map[common.Address]uint64
	receipts   map[common.Hash]*types.Receipt
	logs       []types.Log

	// callFailures makes the next N CallContract invocations fail with callErr.
	callFailures int
	callErr      error
	sendErr      error

	// AfterMine runs after every mined transaction, outside the lock.
	AfterMine func(b *Backend, tx *types.Transaction, receipt *types.Receipt)
}

func NewBackend(chainID int64) *Backend {
	return &Backend{
		chainID:    big.NewInt(chainID),
		block:      1,
		curves:     make(map[common.Address]*Curve),
		pools:      make(map[common.Address]*Pool),
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[[2]common.Address]*big.Int),
		native:     make(map[common.Address]*big.Int),
		nonces:     make(map[common.Address]uint64),
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

// AddCurve registers a curve. Nil big fields default to zero.
func (b *Backend) AddCurve(addr common.Address, c Curve) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range []**big.Int{&c.VirtualQuai, &c.VirtualToken, &c.RealQuai, &c.RealToken, &c.Price, &c.Progress} {
		if *f == nil {
			*f = new(big.Int)
		}
	}
	b.curves[addr] = &c
}

func (b *Backend) AddPool(addr common.Address, p Pool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range []**big.Int{&p.ReserveQuai, &p.ReserveToken} {
		if *f == nil {
			*f = new(big.Int)
		}
	}
	b.pools[addr] = &p
}

// Fund sets the native balance of an account.
func (b *Backend) Fund(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.native[addr] = new(big.Int).Set(amount)
}

// SetTokenBalance sets an ERC-20 balance.
func (b *Backend) SetTokenBalance(token, owner common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenBalances(token)[owner] = new(big.Int).Set(amount)
}

// UpdateCurve mutates a curve under the backend lock.
func (b *Backend) UpdateCurve(addr common.Address, fn func(c *Curve)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.curves[addr])
}

// CurveSnapshot returns a copy of a curve's state.
func (b *Backend) CurveSnapshot(addr common.Address) Curve {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := *b.curves[addr]
	c.VirtualQuai = new(big.Int).Set(c.VirtualQuai)
	c.VirtualToken = new(big.Int).Set(c.VirtualToken)
	return c
}

func (b *Backend) TokenBalance(token, owner common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.tokenBalance(token, owner))
}

func (b *Backend) Allowance(token, owner, spender common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.allowance(token, owner, spender))
}

// FailCalls makes the next n CallContract invocations fail with err.
func (b *Backend) FailCalls(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callFailures, b.callErr = n, err
}

// FailSends makes every SendTransaction fail with err until cleared with nil.
func (b *Backend) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.native[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.To == nil {
		return 0, fmt.Errorf("contract creation not supported")
	}
	if _, err := b.execute(msg.From, *msg.To, msg.Value, msg.Data, true); err != nil {
		return 0, err
	}
	return 100_000, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callFailures > 0 {
		b.callFailures--
		return nil, b.callErr
	}
	if msg.To == nil {
		return nil, fmt.Errorf("call without target")
	}
	return b.view(*msg.To, msg.Data)
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}

	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != b.nonces[from] {
		b.mu.Unlock()
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), b.nonces[from])
	}
	b.nonces[from]++
	b.block++

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     100_000,
	}
	logs, execErr := b.execute(from, *tx.To(), tx.Value(), tx.Data(), false)
	if execErr != nil {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		for i := range logs {
			logs[i].TxHash = tx.Hash()
			logs[i].BlockNumber = b.block
			logs[i].Index = uint(len(b.logs) + i)
		}
		b.logs = append(b.logs, logs...)
		for i := range logs {
			receipt.Logs = append(receipt.Logs, &logs[i])
		}
	}
	b.receipts[tx.Hash()] = receipt
	hook := b.AfterMine
	b.mu.Unlock()

	if hook != nil {
		hook(b, tx, receipt)
	}
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.Log
	for _, l := range b.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && !containsHash(q.Topics[0], l.Topics[0]) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// EmitTrade appends a curve Buy/Sell log in a new block, as if another
// account traded.
func (b *Backend) EmitTrade(curve, trader common.Address, buy bool, in, out *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block++
	l := tradeLog(curve, trader, buy, in, out)
	l.BlockNumber = b.block
	l.TxHash = crypto.Keccak256Hash(big.NewInt(int64(b.block)).Bytes(), trader.Bytes())
	l.Index = uint(len(b.logs))
	b.logs = append(b.logs, l)
}

func (b *Backend) view(to common.Address, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	if c, ok := b.curves[to]; ok {
		return b.curveView(c, data)
	}
	if p, ok := b.pools[to]; ok {
		return b.poolView(p, data)
	}
	return b.tokenView(to, data)
}

func (b *Backend) curveView(c *Curve, data []byte) ([]byte, error) {
	m, args, err := decode(chain.CurveABI, data)
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "getBuyQuote":
		out, err := curvemath.QuoteOut(args[0].(*big.Int), c.VirtualQuai, c.VirtualToken, c.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return m.Outputs.Pack(out)
	case "getSellQuote":
		out, err := curvemath.QuoteOut(args[0].(*big.Int), c.VirtualToken, c.VirtualQuai, c.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return m.Outputs.Pack(out)
	case "virtualQuaiReserves":
		return m.Outputs.Pack(c.VirtualQuai)
	case "virtualTokenReserves":
		return m.Outputs.Pack(c.VirtualToken)
	case "realQuaiReserves":
		return m.Outputs.Pack(c.RealQuai)
	case "realTokenReserves":
		return m.Outputs.Pack(c.RealToken)
	case "currentPrice":
		return m.Outputs.Pack(c.Price)
	case "progress":
		return m.Outputs.Pack(c.Progress)
	case "graduated":
		return m.Outputs.Pack(c.Graduated)
	case "pool":
		return m.Outputs.Pack(c.Pool)
	}
	return nil, fmt.Errorf("%w: %s is not a view", ErrReverted, m.Name)
}

func (b *Backend) poolView(p *Pool, data []byte) ([]byte, error) {
	m, args, err := decode(chain.PoolABI, data)
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "getAmountOut":
		in := args[0].(*big.Int)
		var out *big.Int
		if args[1].(bool) {
			out, err = curvemath.QuoteOut(in, p.ReserveQuai, p.ReserveToken, p.FeeBps)
		} else {
			out, err = curvemath.QuoteOut(in, p.ReserveToken, p.ReserveQuai, p.FeeBps)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return m.Outputs.Pack(out)
	case "reserveQuai":
		return m.Outputs.Pack(p.ReserveQuai)
	case "reserveToken":
		return m.Outputs.Pack(p.ReserveToken)
	}
	return nil, fmt.Errorf("%w: %s is not a view", ErrReverted, m.Name)
}

func (b *Backend) tokenView(token common.Address, data []byte) ([]byte, error) {
	m, args, err := decode(chain.TokenABI, data)
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "balanceOf":
		return m.Outputs.Pack(b.tokenBalance(token, args[0].(common.Address)))
	case "allowance":
		return m.Outputs.Pack(b.allowance(token, args[0].(common.Address), args[1].(common.Address)))
	}
	return nil, fmt.Errorf("%w: %s is not a view", ErrReverted, m.Name)
}

// execute runs a state-changing call. With dry set nothing is mutated.
func (b *Backend) execute(from, to common.Address, value *big.Int, data []byte, dry bool) ([]types.Log, error) {
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() > 0 && b.nativeBalance(from).Cmp(value) < 0 {
		return nil, fmt.Errorf("insufficient funds for transfer")
	}

	switch {
	case b.curves[to] != nil:
		return b.executeCurve(from, to, b.curves[to], value, data, dry)
	case b.pools[to] != nil:
		return b.executePool(from, to, b.pools[to], value, data, dry)
	default:
		return b.executeToken(from, to, data, dry)
	}
}

func (b *Backend) executeCurve(from, addr common.Address, c *Curve, value *big.Int, data []byte, dry bool) ([]types.Log, error) {
	m, args, err := decode(chain.CurveABI, data)
	if err != nil {
		return nil, err
	}
	if c.Graduated {
		return nil, fmt.Errorf("%w: curve graduated", ErrReverted)
	}

	switch m.Name {
	case "buy":
		minOut := args[0].(*big.Int)
		out, err := curvemath.QuoteOut(value, c.VirtualQuai, c.VirtualToken, c.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		if out.Cmp(minOut) < 0 {
			return nil, fmt.Errorf("%w: slippage", ErrReverted)
		}
		if out.Cmp(c.RealToken) > 0 {
			return nil, fmt.Errorf("%w: insufficient real token reserves", ErrReverted)
		}
		if dry {
			return nil, nil
		}
		net := netOf(value, c.FeeBps)
		c.VirtualQuai.Add(c.VirtualQuai, net)
		c.VirtualToken.Sub(c.VirtualToken, out)
		c.RealQuai.Add(c.RealQuai, net)
		c.RealToken.Sub(c.RealToken, out)
		b.subNative(from, value)
		bal := b.tokenBalance(c.Token, from)
		b.tokenBalances(c.Token)[from] = new(big.Int).Add(bal, out)
		return []types.Log{tradeLog(addr, from, true, value, out)}, nil

	case "sell":
		amount, minOut := args[0].(*big.Int), args[1].(*big.Int)
		if b.tokenBalance(c.Token, from).Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: insufficient token balance", ErrReverted)
		}
		out, err := curvemath.QuoteOut(amount, c.VirtualToken, c.VirtualQuai, c.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		if out.Cmp(minOut) < 0 {
			return nil, fmt.Errorf("%w: slippage", ErrReverted)
		}
		if dry {
			return nil, nil
		}
		net := netOf(amount, c.FeeBps)
		c.VirtualToken.Add(c.VirtualToken, net)
		c.VirtualQuai.Sub(c.VirtualQuai, out)
		b.tokenBalances(c.Token)[from] = new(big.Int).Sub(b.tokenBalance(c.Token, from), amount)
		b.native[from] = new(big.Int).Add(b.nativeBalance(from), out)
		return []types.Log{tradeLog(addr, from, false, amount, out)}, nil
	}
	return nil, fmt.Errorf("%w: %s not callable", ErrReverted, m.Name)
}

func (b *Backend) executePool(from, addr common.Address, p *Pool, value *big.Int, data []byte, dry bool) ([]types.Log, error) {
	m, args, err := decode(chain.PoolABI, data)
	if err != nil {
		return nil, err
	}

	switch m.Name {
	case "swapQuaiForTokens":
		minOut := args[0].(*big.Int)
		out, err := curvemath.QuoteOut(value, p.ReserveQuai, p.ReserveToken, p.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		if out.Cmp(minOut) < 0 {
			return nil, fmt.Errorf("%w: slippage", ErrReverted)
		}
		if dry {
			return nil, nil
		}
		p.ReserveQuai.Add(p.ReserveQuai, value)
		p.ReserveToken.Sub(p.ReserveToken, out)
		b.subNative(from, value)
		b.tokenBalances(p.Token)[from] = new(big.Int).Add(b.tokenBalance(p.Token, from), out)
		return nil, nil

	case "swapTokensForQuai":
		amount, minOut := args[0].(*big.Int), args[1].(*big.Int)
		if b.allowance(p.Token, from, addr).Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: insufficient allowance", ErrReverted)
		}
		if b.tokenBalance(p.Token, from).Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: insufficient token balance", ErrReverted)
		}
		out, err := curvemath.QuoteOut(amount, p.ReserveToken, p.ReserveQuai, p.FeeBps)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		if out.Cmp(minOut) < 0 {
			return nil, fmt.Errorf("%w: slippage", ErrReverted)
		}
		if dry {
			return nil, nil
		}
		p.ReserveToken.Add(p.ReserveToken, amount)
		p.ReserveQuai.Sub(p.ReserveQuai, out)
		key := [2]common.Address{from, addr}
		b.tokenAllowances(p.Token)[key] = new(big.Int).Sub(b.allowance(p.Token, from, addr), amount)
		b.tokenBalances(p.Token)[from] = new(big.Int).Sub(b.tokenBalance(p.Token, from), amount)
		b.native[from] = new(big.Int).Add(b.nativeBalance(from), out)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s not callable", ErrReverted, m.Name)
}

func (b *Backend) executeToken(from, token common.Address, data []byte, dry bool) ([]types.Log, error) {
	m, args, err := decode(chain.TokenABI, data)
	if err != nil {
		return nil, err
	}
	if m.Name != "approve" {
		return nil, fmt.Errorf("%w: %s not callable", ErrReverted, m.Name)
	}
	if dry {
		return nil, nil
	}
	spender, amount := args[0].(common.Address), args[1].(*big.Int)
	b.tokenAllowances(token)[[2]common.Address{from, spender}] = new(big.Int).Set(amount)
	return nil, nil
}

func (b *Backend) tokenBalances(token common.Address) map[common.Address]*big.Int {
	m, ok := b.balances[token]
	if !ok {
		m = make(map[common.Address]*big.Int)
		b.balances[token] = m
	}
	return m
}

func (b *Backend) tokenAllowances(token common.Address) map[[2]common.Address]*big.Int {
	m, ok := b.allowances[token]
	if !ok {
		m = make(map[[2]common.Address]*big.Int)
		b.allowances[token] = m
	}
	return m
}

func (b *Backend) tokenBalance(token, owner common.Address) *big.Int {
	if v, ok := b.tokenBalances(token)[owner]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Backend) allowance(token, owner, spender common.Address) *big.Int {
	if v, ok := b.tokenAllowances(token)[[2]common.Address{owner, spender}]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Backend) nativeBalance(addr common.Address) *big.Int {
	if v, ok := b.native[addr]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Backend) subNative(addr common.Address, v *big.Int) {
	b.native[addr] = new(big.Int).Sub(b.nativeBalance(addr), v)
}

func decode(contract abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("short calldata")
	}
	m, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown selector", ErrReverted)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad arguments: %v", ErrReverted, err)
	}
	return m, args, nil
}

func netOf(amount *big.Int, feeBps uint16) *big.Int {
	n := new(big.Int).Mul(amount, big.NewInt(int64(curvemath.BpsDenominator-int(feeBps))))
	return n.Quo(n, big.NewInt(curvemath.BpsDenominator))
}

func tradeLog(curve, trader common.Address, buy bool, in, out *big.Int) types.Log {
	event := chain.CurveABI.Events["Sell"]
	if buy {
		event = chain.CurveABI.Events["Buy"]
	}
	data, err := event.Inputs.NonIndexed().Pack(in, out)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: curve,
		Topics:  []common.Hash{event.ID, common.BytesToHash(trader.Bytes())},
		Data:    data,
	}
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
