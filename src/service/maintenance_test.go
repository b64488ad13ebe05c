package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceWorker_Sweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.paymaster.Bootstrap(ctx, big.NewInt(1), 1, big.NewInt(5e16)))
	sender := account(1)
	h.fund(sender)

	result, err := validate(h, sender, 0)
	require.NoError(t, err)

	w := NewMaintenanceWorker(ctx, h.paymaster, nil, "test", MaintenanceConfig{SweepInterval: time.Minute, StaleAfter: time.Hour})

	// nothing is stale yet, but the deposit is below the floor and the precharge can be swapped
	w.Sweep(ctx)
	op, err := h.paymaster.Operation(ctx, result.OpHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePrecharged, op.State)
	assert.Equal(t, 1, h.venue.Swaps())

	h.clock.Advance(2 * time.Hour)
	w.Sweep(ctx)
	op, err = h.paymaster.Operation(ctx, result.OpHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFlagged, op.State)
}

func TestMaintenanceWorker_RefreshPrice(t *testing.T) {
	h := newHarness(t)
	w := NewMaintenanceWorker(context.Background(), h.paymaster, nil, "test", MaintenanceConfig{})

	w.RefreshPrice(context.Background())
	quote, err := h.paymaster.Price()
	require.NoError(t, err)
	assert.Equal(t, 0, fivePrice.Cmp(quote.Reading.Price))

	// failures are logged only
	h.nativeOracle.Fail(assert.AnError)
	h.clock.Advance(48 * time.Hour)
	w.RefreshPrice(context.Background())
}

func TestMaintenanceWorker_StartStop(t *testing.T) {
	h := newHarness(t)
	w := NewMaintenanceWorker(context.Background(), h.paymaster, nil, "test", MaintenanceConfig{
		PriceRefreshInterval: 5 * time.Millisecond,
		SweepInterval:        5 * time.Millisecond,
		StaleAfter:           time.Hour,
	})

	w.Start()
	assert.Eventually(t, func() bool {
		_, err := h.paymaster.Price()
		return err == nil
	}, time.Second, 5*time.Millisecond)
	w.Stop()

	calls := h.nativeOracle.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, h.nativeOracle.Calls(), "no refresh after Stop")
}

func TestMaintenanceWorker_AcquireWithoutRedis(t *testing.T) {
	h := newHarness(t)
	w := NewMaintenanceWorker(context.Background(), h.paymaster, nil, "test", MaintenanceConfig{})
	assert.True(t, w.acquire(context.Background()))
}
