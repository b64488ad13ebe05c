package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var parsedERC20ABI = erc4337.MustParseABI(erc20ABI)

// ERC20Ledger is the on-chain TokenLedger; writes are signed by the paymaster key
type ERC20Ledger struct {
	address    common.Address
	contract   *bind.BoundContract
	transactor *erc4337.Transactor
}

func NewERC20Ledger(address common.Address, transactor *erc4337.Transactor) *ERC20Ledger {
	return &ERC20Ledger{
		address:    address,
		contract:   transactor.Bind(address, parsedERC20ABI),
		transactor: transactor,
	}
}

func (l *ERC20Ledger) Address() common.Address {
	return l.address
}

func (l *ERC20Ledger) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, l.address.Hex(), err)
	}
	return *abiConvert[*big.Int](out[0]), nil
}

func (l *ERC20Ledger) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return l.callUint(ctx, "balanceOf", owner)
}

func (l *ERC20Ledger) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return l.callUint(ctx, "allowance", owner, spender)
}

func (l *ERC20Ledger) TransferFrom(ctx context.Context, owner, to common.Address, amount *big.Int) error {
	_, err := l.transactor.Send(ctx, l.contract, nil, "transferFrom", owner, to, amount)
	return err
}

func (l *ERC20Ledger) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	_, err := l.transactor.Send(ctx, l.contract, nil, "transfer", to, amount)
	return err
}

// EnsureAllowance approves spender for at least amount from the paymaster account
func (l *ERC20Ledger) EnsureAllowance(ctx context.Context, spender common.Address, amount *big.Int) error {
	current, err := l.Allowance(ctx, l.transactor.Address(), spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	_, err = l.transactor.Send(ctx, l.contract, nil, "approve", spender, amount)
	return err
}
