package erc4337

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Backend is the RPC surface needed to call contracts and wait for transactions;
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Transactor signs and sends contract transactions from a single key.
// Sends are serialized so nonces are assigned in order.
type Transactor struct {
	backend Backend
	key     *ecdsa.PrivateKey
	chainID *big.Int
	from    common.Address
	mu      sync.Mutex
}

func NewTransactor(backend Backend, privateKeyHex string, chainID *big.Int) (*Transactor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &Transactor{
		backend: backend,
		key:     key,
		chainID: chainID,
		from:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address is the account that signs every transaction
func (t *Transactor) Address() common.Address {
	return t.from
}

// Bind returns a bound contract backed by the transactor's backend
func (t *Transactor) Bind(address common.Address, contractABI abi.ABI) *bind.BoundContract {
	return bind.NewBoundContract(address, contractABI, t.backend, t.backend, t.backend)
}

// Send submits method on contract with the given value and waits until it is mined.
// A reverted transaction is returned as an error together with its receipt.
func (t *Transactor) Send(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, args ...interface{}) (*types.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(t.key, t.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, t.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for %s (%s): %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s reverted in tx %s", method, tx.Hash().Hex())
	}

	return receipt, nil
}

// MustParseABI parses a JSON ABI fragment known at compile time
func MustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI definition: %v", err))
	}
	return parsed
}
