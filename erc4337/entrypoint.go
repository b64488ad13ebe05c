package erc4337

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// DepositInfo is the stake and deposit an account holds in the entry point
type DepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    uint64
}

// EntryPoint is the part of the execution engine the paymaster talks to: its deposit and stake ledger
type EntryPoint interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	DepositTo(ctx context.Context, account common.Address, amount *big.Int) error
	AddStake(ctx context.Context, unstakeDelaySec uint32, amount *big.Int) error
}

const entryPointABI = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"depositTo","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"unstakeDelaySec","type":"uint32"}],"name":"addStake","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"getDepositInfo","outputs":[{"components":[{"name":"deposit","type":"uint256"},{"name":"staked","type":"bool"},{"name":"stake","type":"uint112"},{"name":"unstakeDelaySec","type":"uint32"},{"name":"withdrawTime","type":"uint48"}],"name":"info","type":"tuple"}],"stateMutability":"view","type":"function"}
]`

var parsedEntryPointABI = MustParseABI(entryPointABI)

var ErrReadOnly = errors.New("entry point client has no transactor")

// EntryPointClient reads and funds an on-chain entry point
type EntryPointClient struct {
	address    common.Address
	contract   *bind.BoundContract
	transactor *Transactor
}

// NewEntryPointClient binds the entry point at address. transactor may be nil for a read-only client.
func NewEntryPointClient(address common.Address, caller bind.ContractCaller, transactor *Transactor) *EntryPointClient {
	var contract *bind.BoundContract
	if transactor != nil {
		contract = transactor.Bind(address, parsedEntryPointABI)
	} else {
		contract = bind.NewBoundContract(address, parsedEntryPointABI, caller, nil, nil)
	}

	return &EntryPointClient{
		address:    address,
		contract:   contract,
		transactor: transactor,
	}
}

func (c *EntryPointClient) Address() common.Address {
	return c.address
}

func (c *EntryPointClient) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return balance, nil
}

func (c *EntryPointClient) GetDepositInfo(ctx context.Context, account common.Address) (*DepositInfo, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDepositInfo", account); err != nil {
		return nil, fmt.Errorf("failed to call getDepositInfo: %w", err)
	}

	raw := *abi.ConvertType(out[0], new(depositInfoTuple)).(*depositInfoTuple)
	return &DepositInfo{
		Deposit:         raw.Deposit,
		Staked:          raw.Staked,
		Stake:           raw.Stake,
		UnstakeDelaySec: raw.UnstakeDelaySec,
		WithdrawTime:    raw.WithdrawTime.Uint64(),
	}, nil
}

// depositInfoTuple mirrors the struct the ABI decoder produces for getDepositInfo
type depositInfoTuple struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    *big.Int
}

func (c *EntryPointClient) DepositTo(ctx context.Context, account common.Address, amount *big.Int) error {
	if c.transactor == nil {
		return ErrReadOnly
	}
	if _, err := c.transactor.Send(ctx, c.contract, amount, "depositTo", account); err != nil {
		return fmt.Errorf("failed to deposit to entry point: %w", err)
	}
	return nil
}

func (c *EntryPointClient) AddStake(ctx context.Context, unstakeDelaySec uint32, amount *big.Int) error {
	if c.transactor == nil {
		return ErrReadOnly
	}
	if _, err := c.transactor.Send(ctx, c.contract, amount, "addStake", unstakeDelaySec); err != nil {
		return fmt.Errorf("failed to add stake: %w", err)
	}
	return nil
}
