package domain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

var (
	// PriceDenominator is the fixed-point scale of prices and of the price markup (1e26 = 1.0)
	PriceDenominator = math.BigPow(10, 26)

	// MaxPriceMarkup caps the markup at 2x
	MaxPriceMarkup = new(big.Int).Mul(big.NewInt(2), PriceDenominator)
)

const (
	// PriceUpdateThresholdDenominator expresses priceUpdateThreshold in millionths (1_000_000 = 100%)
	PriceUpdateThresholdDenominator = 1_000_000

	// SlippageDenominator expresses slippage in basis points
	SlippageDenominator = 10_000
)

// PaymasterConfig holds the immutable deployment parameters of the token paymaster
type PaymasterConfig struct {
	// PriceMaxAge is how long a cached price may be used to validate operations
	PriceMaxAge time.Duration
	// RefundPostopCost is the gas overhead of the post-op refund, charged at the operation fee per gas
	RefundPostopCost uint64
	// MinEntryPointBalance is the deposit floor that triggers a token swap-back
	MinEntryPointBalance *big.Int
	// PriceMarkup is a ratio over PriceDenominator, e.g. 1.5x is PriceDenominator*15/10
	PriceMarkup *big.Int
}

func (c PaymasterConfig) Validate() error {
	if c.PriceMarkup == nil {
		return errors.New("price markup is required")
	}
	if c.PriceMarkup.Cmp(PriceDenominator) < 0 {
		return fmt.Errorf("price markup too low: %s < %s", c.PriceMarkup, PriceDenominator)
	}
	if c.PriceMarkup.Cmp(MaxPriceMarkup) > 0 {
		return fmt.Errorf("price markup too high: %s > %s", c.PriceMarkup, MaxPriceMarkup)
	}
	if c.MinEntryPointBalance == nil || c.MinEntryPointBalance.Sign() < 0 {
		return errors.New("min entry point balance must be non-negative")
	}
	if c.PriceMaxAge <= 0 {
		return errors.New("price max age must be positive")
	}
	return nil
}

// OracleHelperConfig wires the price feeds used by the price cache
type OracleHelperConfig struct {
	// CacheTimeToLive is the minimum age before the cached price is re-fetched
	CacheTimeToLive time.Duration
	// MaxOracleRoundAge rejects feed rounds updated longer ago than this (0 disables the check)
	MaxOracleRoundAge time.Duration

	NativeOracle common.Address
	TokenOracle  common.Address

	// TokenToNativeOracle selects a single token/native feed instead of two USD-quoted feeds
	TokenToNativeOracle bool
	NativeOracleReverse bool
	TokenOracleReverse  bool

	// PriceUpdateThreshold is the relative deviation, in millionths, needed to persist a refreshed price
	PriceUpdateThreshold uint64
}

func (c OracleHelperConfig) Validate() error {
	if c.PriceUpdateThreshold > PriceUpdateThresholdDenominator {
		return fmt.Errorf("price update threshold too high: %d", c.PriceUpdateThreshold)
	}
	if c.TokenOracle == (common.Address{}) {
		return errors.New("token oracle is required")
	}
	if !c.TokenToNativeOracle && c.NativeOracle == (common.Address{}) {
		return errors.New("native oracle is required when token oracle is not token-to-native")
	}
	if c.CacheTimeToLive < 0 || c.MaxOracleRoundAge < 0 {
		return errors.New("oracle durations must be non-negative")
	}
	return nil
}

// UniswapHelperConfig holds the swap-back parameters
type UniswapHelperConfig struct {
	// MinSwapAmount is the smallest token balance worth swapping
	MinSwapAmount *big.Int
	// Slippage is the tolerated shortfall of the swap output, in basis points
	Slippage uint32
	// UniswapPoolFee is passed through to the venue (Uniswap V3 fee tier units)
	UniswapPoolFee uint32
}

func (c UniswapHelperConfig) Validate() error {
	if c.MinSwapAmount == nil || c.MinSwapAmount.Sign() <= 0 {
		return errors.New("min swap amount must be positive")
	}
	if c.Slippage > SlippageDenominator {
		return fmt.Errorf("slippage too high: %d bps", c.Slippage)
	}
	return nil
}
