package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// SwapVenue sells tokens for the native asset, delivered to the paymaster
type SwapVenue interface {
	// Swap returns the native amount received. It fails with ErrSlippageExceeded when the
	// output would be below MinOut and with ErrInsufficientLiquidity when the pool cannot fill.
	Swap(ctx context.Context, req domain.SwapRequest) (*big.Int, error)
}

// ReplenishStatusStore mirrors the last replenish attempt
type ReplenishStatusStore interface {
	SaveReplenishStatus(ctx context.Context, status *domain.ReplenishStatus) error
	LoadReplenishStatus(ctx context.Context) (*domain.ReplenishStatus, error)
}

// LiquidityReplenisher swaps collected tokens back to the native asset when the
// entry-point deposit falls below its floor.
type LiquidityReplenisher struct {
	entryPoint erc4337.EntryPoint
	token      TokenLedger
	tokenAddr  common.Address
	venue      SwapVenue
	converter  *PriceConverter
	paymaster  common.Address
	minDeposit *big.Int
	cfg        domain.UniswapHelperConfig
	store      ReplenishStatusStore
	now        func() time.Time

	mu     sync.Mutex
	status domain.ReplenishStatus
}

type ReplenisherParams struct {
	EntryPoint           erc4337.EntryPoint
	Token                TokenLedger
	TokenAddress         common.Address
	Venue                SwapVenue
	Converter            *PriceConverter
	Paymaster            common.Address
	MinEntryPointBalance *big.Int
	Config               domain.UniswapHelperConfig
	Store                ReplenishStatusStore
}

func NewLiquidityReplenisher(p ReplenisherParams) *LiquidityReplenisher {
	return &LiquidityReplenisher{
		entryPoint: p.EntryPoint,
		token:      p.Token,
		tokenAddr:  p.TokenAddress,
		venue:      p.Venue,
		converter:  p.Converter,
		paymaster:  p.Paymaster,
		minDeposit: new(big.Int).Set(p.MinEntryPointBalance),
		cfg:        p.Config,
		store:      p.Store,
		now:        time.Now,
	}
}

// Restore reloads the running totals saved before a restart
func (r *LiquidityReplenisher) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	status, err := r.store.LoadReplenishStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to load replenish status: %w", err)
	}
	if status == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = *status
	return nil
}

func (r *LiquidityReplenisher) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "replenisher").Logger()
	return &l
}

// MinOut applies the slippage tolerance to the quoted native output of amountIn at price
func (r *LiquidityReplenisher) MinOut(amountIn, price *big.Int) *big.Int {
	quote := r.converter.TokenToNative(amountIn, price)
	quote.Mul(quote, big.NewInt(int64(domain.SlippageDenominator-r.cfg.Slippage)))
	return quote.Quo(quote, big.NewInt(domain.SlippageDenominator))
}

// MaybeReplenish swaps the whole token balance and deposits the proceeds when the deposit
// is below MinEntryPointBalance. Failures leave state unchanged and are retried on the next call.
func (r *LiquidityReplenisher) MaybeReplenish(ctx context.Context, price *big.Int) (*domain.ReplenishResult, error) {
	result, err := r.replenish(ctx, price)
	r.record(ctx, result, err)
	return result, err
}

func (r *LiquidityReplenisher) replenish(ctx context.Context, price *big.Int) (*domain.ReplenishResult, error) {
	deposit, err := r.entryPoint.BalanceOf(ctx, r.paymaster)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry point deposit: %w", err)
	}
	result := &domain.ReplenishResult{DepositBefore: deposit, DepositAfter: deposit}

	if deposit.Cmp(r.minDeposit) >= 0 {
		result.Reason = "deposit above minimum"
		return result, nil
	}

	balance, err := r.token.BalanceOf(ctx, r.paymaster)
	if err != nil {
		return result, fmt.Errorf("failed to read token balance: %w", err)
	}
	if balance.Cmp(r.cfg.MinSwapAmount) < 0 {
		result.Reason = "token balance below minimum swap amount"
		return result, nil
	}

	result.TokenIn = balance
	result.MinNativeOut = r.MinOut(balance, price)
	if result.MinNativeOut.Sign() == 0 {
		result.Reason = "swap output rounds to zero"
		return result, nil
	}

	out, err := r.venue.Swap(ctx, domain.SwapRequest{
		TokenIn:  r.tokenAddr,
		AmountIn: balance,
		MinOut:   result.MinNativeOut,
		PoolFee:  r.cfg.UniswapPoolFee,
	})
	if err != nil {
		return result, fmt.Errorf("failed to swap %s tokens: %w", balance, err)
	}
	result.NativeOut = out
	if out.Sign() <= 0 {
		return result, fmt.Errorf("%w: swap of %s tokens returned nothing", domain.ErrInsufficientLiquidity, balance)
	}

	if err := r.entryPoint.DepositTo(ctx, r.paymaster, out); err != nil {
		return result, fmt.Errorf("failed to deposit swap proceeds: %w", err)
	}
	result.Swapped = true
	result.DepositAfter = new(big.Int).Add(deposit, out)

	return result, nil
}

func (r *LiquidityReplenisher) record(ctx context.Context, result *domain.ReplenishResult, err error) {
	r.mu.Lock()
	r.status.LastAttemptAt = r.now()
	r.status.LastResult = result
	r.status.Attempts++
	r.status.LastError = ""
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
	} else if result != nil && result.Swapped {
		r.status.Swaps++
	}
	snapshot := r.status
	r.mu.Unlock()

	switch {
	case err != nil:
		r.logger(ctx).Error().Err(err).Msg("replenish failed")
	case result.Swapped:
		r.logger(ctx).Info().
			Str("token_in", result.TokenIn.String()).
			Str("native_out", result.NativeOut.String()).
			Str("deposit", result.DepositAfter.String()).
			Msg("replenished entry point deposit")
	default:
		r.logger(ctx).Debug().Str("reason", result.Reason).Msg("replenish skipped")
	}

	if r.store != nil {
		if err := r.store.SaveReplenishStatus(ctx, &snapshot); err != nil {
			r.logger(ctx).Warn().Err(err).Msg("failed to persist replenish status")
		}
	}
}

// Status returns the last attempt and running totals
func (r *LiquidityReplenisher) Status() domain.ReplenishStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
