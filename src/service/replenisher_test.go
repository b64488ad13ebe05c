package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusStore struct {
	mu     sync.Mutex
	status *domain.ReplenishStatus
	err    error
}

func (s *fakeStatusStore) SaveReplenishStatus(_ context.Context, status *domain.ReplenishStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	c := *status
	s.status = &c
	return nil
}

func (s *fakeStatusStore) LoadReplenishStatus(_ context.Context) (*domain.ReplenishStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return nil, s.err
	}
	c := *s.status
	return &c, s.err
}

func TestLiquidityReplenisher_MinOut(t *testing.T) {
	h := newHarness(t)

	// 1 token at 5 tokens per native quotes 0.2 native, less 5 bps
	assert.Equal(t, "199900000000000000", h.replenisher.MinOut(ether, fivePrice).String())
	assert.Equal(t, 0, h.replenisher.MinOut(big.NewInt(4), fivePrice).Sign())
}

func TestLiquidityReplenisher_NoOp(t *testing.T) {
	ctx := context.Background()

	t.Run("deposit above minimum", func(t *testing.T) {
		h := newHarness(t)
		h.bootstrap(t)
		h.token.Mint(paymasterAddr, ether)

		result, err := h.replenisher.MaybeReplenish(ctx, fivePrice)
		require.NoError(t, err)
		assert.False(t, result.Swapped)
		assert.Equal(t, "deposit above minimum", result.Reason)
		assert.Equal(t, 0, h.venue.Swaps())
		assert.Equal(t, ether.String(), h.token.Balance(paymasterAddr).String())
	})

	t.Run("token balance below minimum swap amount", func(t *testing.T) {
		h := newHarness(t)

		result, err := h.replenisher.MaybeReplenish(ctx, fivePrice)
		require.NoError(t, err)
		assert.False(t, result.Swapped)
		assert.Equal(t, "token balance below minimum swap amount", result.Reason)
		assert.Equal(t, 0, h.venue.Swaps())
	})

	t.Run("dust balance worth nothing", func(t *testing.T) {
		h := newHarness(t)
		h.token.Mint(paymasterAddr, big.NewInt(4))

		result, err := h.replenisher.MaybeReplenish(ctx, fivePrice)
		require.NoError(t, err)
		assert.False(t, result.Swapped)
		assert.Equal(t, "swap output rounds to zero", result.Reason)
		assert.Equal(t, 0, h.venue.Swaps())
		assert.Equal(t, "4", h.token.Balance(paymasterAddr).String())

		deposit, err := h.entryPoint.BalanceOf(ctx, paymasterAddr)
		require.NoError(t, err)
		assert.Zero(t, deposit.Sign())
	})
}

func TestLiquidityReplenisher_Swap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.token.Mint(paymasterAddr, ether)

	result, err := h.replenisher.MaybeReplenish(ctx, fivePrice)
	require.NoError(t, err)
	assert.True(t, result.Swapped)
	assert.Equal(t, ether.String(), result.TokenIn.String())
	assert.Equal(t, "200000000000000000", result.NativeOut.String())
	assert.Equal(t, 0, result.DepositBefore.Sign())
	assert.Equal(t, "200000000000000000", result.DepositAfter.String())

	deposit, err := h.entryPoint.BalanceOf(ctx, paymasterAddr)
	require.NoError(t, err)
	assert.Equal(t, "200000000000000000", deposit.String())
	assert.Equal(t, 0, h.token.Balance(paymasterAddr).Sign())
	assert.Equal(t, ether.String(), h.token.Balance(poolAddr).String())

	status := h.replenisher.Status()
	assert.Equal(t, 1, status.Attempts)
	assert.Equal(t, 1, status.Swaps)
	assert.Equal(t, 0, status.Failures)
	assert.True(t, status.LastAttemptAt.Equal(h.clock.Now()))
}

func TestLiquidityReplenisher_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("slippage", func(t *testing.T) {
		h := newHarness(t)
		h.token.Mint(paymasterAddr, ether)
		h.venue.SetRate(ratio(6, 1))

		_, err := h.replenisher.MaybeReplenish(ctx, fivePrice)
		assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
		assert.Equal(t, ether.String(), h.token.Balance(paymasterAddr).String())

		deposit, err := h.entryPoint.BalanceOf(ctx, paymasterAddr)
		require.NoError(t, err)
		assert.Equal(t, 0, deposit.Sign())

		status := h.replenisher.Status()
		assert.Equal(t, 1, status.Failures)
		assert.Contains(t, status.LastError, "slippage")

		// the next attempt succeeds once the pool price recovers
		h.venue.SetRate(fivePrice)
		result, err := h.replenisher.MaybeReplenish(ctx, fivePrice)
		require.NoError(t, err)
		assert.True(t, result.Swapped)
		assert.Empty(t, h.replenisher.Status().LastError)
	})

	t.Run("insufficient liquidity", func(t *testing.T) {
		h := newHarness(t)
		h.token.Mint(paymasterAddr, new(big.Int).Mul(big.NewInt(1000), ether))

		_, err := h.replenisher.MaybeReplenish(ctx, fivePrice)
		assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
		assert.Equal(t, 0, h.venue.Swaps())
	})

	t.Run("entry point unreachable", func(t *testing.T) {
		h := newHarness(t)
		h.entryPoint.Fail(errors.New("rpc down"))

		result, err := h.replenisher.MaybeReplenish(ctx, fivePrice)
		assert.Error(t, err)
		assert.Nil(t, result)
		assert.Equal(t, 1, h.replenisher.Status().Failures)
	})
}

func TestLiquidityReplenisher_Store(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := &fakeStatusStore{}

	r := NewLiquidityReplenisher(ReplenisherParams{
		EntryPoint:           h.entryPoint,
		Token:                h.token.Account(paymasterAddr),
		TokenAddress:         tokenAddr,
		Venue:                h.venue,
		Converter:            h.converter,
		Paymaster:            paymasterAddr,
		MinEntryPointBalance: big.NewInt(1e17),
		Config:               testUniswapConfig(),
		Store:                store,
	})
	r.now = h.clock.Now
	h.token.Mint(paymasterAddr, ether)

	_, err := r.MaybeReplenish(ctx, fivePrice)
	require.NoError(t, err)
	require.NotNil(t, store.status)
	assert.Equal(t, 1, store.status.Swaps)
	require.NotNil(t, store.status.LastResult)
	assert.True(t, store.status.LastResult.Swapped)

	restarted := NewLiquidityReplenisher(ReplenisherParams{
		EntryPoint:           h.entryPoint,
		Token:                h.token.Account(paymasterAddr),
		Venue:                h.venue,
		Converter:            h.converter,
		MinEntryPointBalance: big.NewInt(1e17),
		Config:               testUniswapConfig(),
		Store:                store,
	})
	require.NoError(t, restarted.Restore(ctx))
	assert.Equal(t, 1, restarted.Status().Swaps)

	h.clock.Advance(time.Minute)
	store.err = errors.New("redis down")
	_, err = r.MaybeReplenish(ctx, fivePrice)
	assert.NoError(t, err)
	assert.Equal(t, 2, r.Status().Attempts)
	assert.Error(t, restarted.Restore(ctx))
}
