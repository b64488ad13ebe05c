package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// well-known development key, never funded outside local chains
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// fakeContract answers calls and transactions for one address
type fakeContract struct {
	abi  abi.ABI
	call func(method string, args []interface{}) ([]interface{}, error)
	// send applies a transaction; an error reverts it
	send func(from common.Address, method string, args []interface{}) error
}

// fakeChain is an in-process Backend that mines every transaction immediately
type fakeChain struct {
	mu        sync.Mutex
	contracts map[common.Address]*fakeContract
	receipts  map[common.Hash]*types.Receipt
	nonce     uint64
	sent      []string
	sendErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		contracts: make(map[common.Address]*fakeContract),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeChain) deploy(address common.Address, contract *fakeContract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[address] = contract
}

func (c *fakeChain) transactor(t *testing.T) *erc4337.Transactor {
	t.Helper()
	tr, err := erc4337.NewTransactor(c, testPrivateKey, testChainID)
	require.NoError(t, err)
	return tr
}

// Sent lists the methods of every mined transaction, reverted ones included
func (c *fakeChain) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeChain) decode(to *common.Address, data []byte) (*fakeContract, *abi.Method, []interface{}, error) {
	if to == nil {
		return nil, nil, nil, errors.New("contract creation not supported")
	}
	contract, ok := c.contracts[*to]
	if !ok {
		return nil, nil, nil, fmt.Errorf("no contract at %s", to.Hex())
	}
	if len(data) < 4 {
		return nil, nil, nil, errors.New("missing method id")
	}
	method, err := contract.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, nil, err
	}
	return contract, method, args, nil
}

func (c *fakeChain) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return c.PendingCodeAt(ctx, contract)
}

func (c *fakeChain) PendingCodeAt(_ context.Context, account common.Address) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contracts[account]; ok {
		return []byte{0x60}, nil
	}
	return nil, nil
}

func (c *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	contract, method, args, err := c.decode(call.To, call.Data)
	if err != nil {
		return nil, err
	}
	out, err := contract.call(method.Name, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (c *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (c *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	contract, method, args, err := c.decode(tx.To(), tx.Data())
	if err != nil {
		return err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}

	c.nonce++
	c.sent = append(c.sent, method.Name)
	status := types.ReceiptStatusSuccessful
	if contract.send == nil {
		return fmt.Errorf("%s is not a transaction", method.Name)
	}
	if err := contract.send(from, method.Name, args); err != nil {
		status = types.ReceiptStatusFailed
	}
	c.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash(), BlockNumber: big.NewInt(1)}
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("logs not supported")
}

func (c *fakeChain) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("logs not supported")
}

// fakeERC20 is a token contract state machine behind a fakeChain
type fakeERC20 struct {
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
}

func newFakeERC20() *fakeERC20 {
	return &fakeERC20{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
	}
}

func (e *fakeERC20) balance(owner common.Address) *big.Int {
	if b, ok := e.balances[owner]; ok {
		return b
	}
	return new(big.Int)
}

func (e *fakeERC20) allowance(owner, spender common.Address) *big.Int {
	if a, ok := e.allowances[[2]common.Address{owner, spender}]; ok {
		return a
	}
	return new(big.Int)
}

func (e *fakeERC20) move(from, to common.Address, amount *big.Int) error {
	if e.balance(from).Cmp(amount) < 0 {
		return errors.New("transfer amount exceeds balance")
	}
	e.balances[from] = new(big.Int).Sub(e.balance(from), amount)
	e.balances[to] = new(big.Int).Add(e.balance(to), amount)
	return nil
}

func (e *fakeERC20) contract() *fakeContract {
	return &fakeContract{
		abi: parsedERC20ABI,
		call: func(method string, args []interface{}) ([]interface{}, error) {
			switch method {
			case "balanceOf":
				return []interface{}{e.balance(args[0].(common.Address))}, nil
			case "allowance":
				return []interface{}{e.allowance(args[0].(common.Address), args[1].(common.Address))}, nil
			}
			return nil, fmt.Errorf("unexpected call %s", method)
		},
		send: func(from common.Address, method string, args []interface{}) error {
			switch method {
			case "approve":
				e.allowances[[2]common.Address{from, args[0].(common.Address)}] = args[1].(*big.Int)
				return nil
			case "transfer":
				return e.move(from, args[0].(common.Address), args[1].(*big.Int))
			case "transferFrom":
				owner, amount := args[0].(common.Address), args[2].(*big.Int)
				if e.allowance(owner, from).Cmp(amount) < 0 {
					return errors.New("insufficient allowance")
				}
				e.allowances[[2]common.Address{owner, from}] = new(big.Int).Sub(e.allowance(owner, from), amount)
				return e.move(owner, args[1].(common.Address), amount)
			}
			return fmt.Errorf("unexpected transaction %s", method)
		},
	}
}
