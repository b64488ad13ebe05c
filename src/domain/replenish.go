package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SwapRequest sells AmountIn of TokenIn for at least MinOut of the native asset
type SwapRequest struct {
	TokenIn  common.Address
	AmountIn *big.Int
	MinOut   *big.Int
	PoolFee  uint32
}

// ReplenishResult describes one swap-back attempt
type ReplenishResult struct {
	Swapped bool `json:"swapped"`
	// Reason explains why no swap happened
	Reason        string   `json:"reason,omitempty"`
	DepositBefore *big.Int `json:"deposit_before"`
	DepositAfter  *big.Int `json:"deposit_after"`
	TokenIn       *big.Int `json:"token_in,omitempty"`
	MinNativeOut  *big.Int `json:"min_native_out,omitempty"`
	NativeOut     *big.Int `json:"native_out,omitempty"`
}

// ReplenishStatus is the last swap-back attempt and running totals
type ReplenishStatus struct {
	LastAttemptAt time.Time        `json:"last_attempt_at"`
	LastResult    *ReplenishResult `json:"last_result,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	Attempts      int              `json:"attempts"`
	Swaps         int              `json:"swaps"`
	Failures      int              `json:"failures"`
}
