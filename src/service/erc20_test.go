package service

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedgerFixture(t *testing.T) (*fakeChain, *fakeERC20, *ERC20Ledger) {
	t.Helper()
	chain := newFakeChain()
	token := newFakeERC20()
	chain.deploy(tokenAddr, token.contract())
	return chain, token, NewERC20Ledger(tokenAddr, chain.transactor(t))
}

func TestERC20LedgerReads(t *testing.T) {
	ctx := context.Background()
	_, token, ledger := newLedgerFixture(t)

	owner := common.HexToAddress("0x1001")
	token.balances[owner] = big.NewInt(42)
	token.allowances[[2]common.Address{owner, paymasterAddr}] = big.NewInt(7)

	balance, err := ledger.BalanceOf(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "42", balance.String())

	allowance, err := ledger.Allowance(ctx, owner, paymasterAddr)
	require.NoError(t, err)
	assert.Equal(t, "7", allowance.String())

	empty, err := ledger.BalanceOf(ctx, common.HexToAddress("0x1002"))
	require.NoError(t, err)
	assert.Zero(t, empty.Sign())
	assert.Equal(t, tokenAddr, ledger.Address())
}

func TestERC20LedgerTransfers(t *testing.T) {
	ctx := context.Background()
	chain, token, ledger := newLedgerFixture(t)
	signer := ledger.transactor.Address()
	owner := common.HexToAddress("0x1001")
	to := common.HexToAddress("0x2001")

	token.balances[owner] = big.NewInt(100)
	token.allowances[[2]common.Address{owner, signer}] = big.NewInt(60)

	t.Run("transferFrom within allowance", func(t *testing.T) {
		require.NoError(t, ledger.TransferFrom(ctx, owner, signer, big.NewInt(50)))
		assert.Equal(t, "50", token.balance(owner).String())
		assert.Equal(t, "50", token.balance(signer).String())
		assert.Equal(t, "10", token.allowance(owner, signer).String())
	})

	t.Run("transferFrom above allowance reverts", func(t *testing.T) {
		err := ledger.TransferFrom(ctx, owner, signer, big.NewInt(20))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reverted")
		assert.Equal(t, "50", token.balance(owner).String())
	})

	t.Run("transfer", func(t *testing.T) {
		require.NoError(t, ledger.Transfer(ctx, to, big.NewInt(30)))
		assert.Equal(t, "30", token.balance(to).String())
		assert.Equal(t, "20", token.balance(signer).String())
	})

	t.Run("transfer above balance reverts", func(t *testing.T) {
		require.Error(t, ledger.Transfer(ctx, to, big.NewInt(21)))
	})

	t.Run("rpc failure", func(t *testing.T) {
		chain.sendErr = errors.New("connection refused")
		defer func() { chain.sendErr = nil }()

		err := ledger.Transfer(ctx, to, big.NewInt(1))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	assert.Equal(t, []string{"transferFrom", "transferFrom", "transfer", "transfer"}, chain.Sent())
}

func TestERC20LedgerEnsureAllowance(t *testing.T) {
	ctx := context.Background()
	chain, token, ledger := newLedgerFixture(t)
	signer := ledger.transactor.Address()

	require.NoError(t, ledger.EnsureAllowance(ctx, poolAddr, big.NewInt(10)))
	assert.Equal(t, "10", token.allowance(signer, poolAddr).String())

	// already approved
	require.NoError(t, ledger.EnsureAllowance(ctx, poolAddr, big.NewInt(5)))
	assert.Equal(t, []string{"approve"}, chain.Sent())

	require.NoError(t, ledger.EnsureAllowance(ctx, poolAddr, big.NewInt(11)))
	assert.Equal(t, "11", token.allowance(signer, poolAddr).String())
	assert.Len(t, chain.Sent(), 2)
}
