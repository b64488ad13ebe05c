package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// clientPriceLength is the only non-empty paymasterData layout: a 32-byte price floor
const clientPriceLength = 32

type ValidationRequest struct {
	UserOp  *erc4337.UserOperation
	ChainID *big.Int
	// MaxCost overrides the prefund computed from the operation's gas limits
	MaxCost *big.Int
}

type ValidationResult struct {
	OpHash          common.Hash                `json:"opHash"`
	TokenPrecharge  *big.Int                   `json:"tokenPrecharge"`
	PriceWithMarkup *big.Int                   `json:"priceWithMarkup"`
	ValidUntil      time.Time                  `json:"validUntil"`
	Operation       *domain.SponsoredOperation `json:"operation"`
}

type PostOpRequest struct {
	OpHash                common.Hash
	Mode                  domain.PostOpMode
	ActualGasCost         *big.Int
	ActualUserOpFeePerGas *big.Int
}

// PriceQuote is the cached price as exposed to operators
type PriceQuote struct {
	Reading         *domain.OracleReading `json:"reading"`
	PriceWithMarkup *big.Int              `json:"priceWithMarkup"`
	ValidUntil      time.Time             `json:"validUntil"`
}

type PaymasterParams struct {
	Address    common.Address
	EntryPoint erc4337.EntryPoint
	// EntryPointAddress is the engine contract the operation hashes are bound to
	EntryPointAddress common.Address
	Config            domain.PaymasterConfig
	Cache             *PriceOracleCache
	Converter         *PriceConverter
	Settlement        *SettlementAccount
	Replenisher       *LiquidityReplenisher
	Token             TokenLedger
}

// Paymaster sponsors user operations against token payment. Every method is serialized.
type Paymaster struct {
	address        common.Address
	entryPoint     erc4337.EntryPoint
	entryPointAddr common.Address
	cfg            domain.PaymasterConfig
	cache          *PriceOracleCache
	converter      *PriceConverter
	settlement     *SettlementAccount
	replenisher    *LiquidityReplenisher
	token          TokenLedger

	mu sync.Mutex
}

func NewPaymaster(p PaymasterParams) (*Paymaster, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid paymaster config: %w", err)
	}
	entryPointAddr := p.EntryPointAddress
	if entryPointAddr == (common.Address{}) {
		entryPointAddr = erc4337.EntryPointV07
	}

	return &Paymaster{
		address:        p.Address,
		entryPoint:     p.EntryPoint,
		entryPointAddr: entryPointAddr,
		cfg:            p.Config,
		cache:          p.Cache,
		converter:      p.Converter,
		settlement:     p.Settlement,
		replenisher:    p.Replenisher,
		token:          p.Token,
	}, nil
}

func (p *Paymaster) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "paymaster").Logger()
	return &l
}

func (p *Paymaster) Address() common.Address {
	return p.address
}

// Config returns the immutable deployment parameters
func (p *Paymaster) Config() domain.PaymasterConfig {
	return p.cfg
}

// ValidatePaymasterUserOp prices the operation and precharges the sender. On any error
// no tokens move and nothing is recorded.
func (p *Paymaster) ValidatePaymasterUserOp(ctx context.Context, req ValidationRequest) (*ValidationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	op := req.UserOp
	if op == nil {
		return nil, fmt.Errorf("%w: missing user operation", domain.ErrInvalidPaymasterData)
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidPaymasterData, err)
	}

	var clientPrice *big.Int
	switch len(op.PaymasterData) {
	case 0:
	case clientPriceLength:
		clientPrice = new(big.Int).SetBytes(op.PaymasterData)
	default:
		return nil, fmt.Errorf("%w: paymasterData must be empty or %d bytes, got %d",
			domain.ErrInvalidPaymasterData, clientPriceLength, len(op.PaymasterData))
	}

	postOpGasLimit := op.PostOpGasLimit()
	if new(big.Int).SetUint64(p.cfg.RefundPostopCost).Cmp(postOpGasLimit) >= 0 {
		return nil, fmt.Errorf("%w: postOpGasLimit %s must exceed refund cost %d",
			domain.ErrInvalidPaymasterData, postOpGasLimit, p.cfg.RefundPostopCost)
	}

	if req.ChainID == nil {
		return nil, fmt.Errorf("%w: missing chain id", domain.ErrInvalidPaymasterData)
	}
	opHash, err := op.GetUserOpHash(p.entryPointAddr, req.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to hash user operation: %w", err)
	}

	reading, err := p.cache.Price(ctx, false)
	if err != nil {
		return nil, err
	}
	priceWithMarkup := p.effectivePrice(p.converter.PriceWithMarkup(reading.Price), clientPrice)

	maxCost := req.MaxCost
	if maxCost == nil {
		maxCost = op.RequiredPrefund()
	}

	record, err := p.settlement.Precharge(ctx, PrechargeRequest{
		OpHash:          opHash,
		Sender:          op.Sender,
		MaxCost:         maxCost,
		MaxFeePerGas:    op.MaxFee(),
		PriceWithMarkup: priceWithMarkup,
		ClientPrice:     clientPrice,
	})
	if err != nil {
		p.logger(ctx).Warn().Err(err).
			Str("op_hash", opHash.Hex()).
			Str("sender", op.Sender.Hex()).
			Msg("validation rejected")
		return nil, err
	}

	return &ValidationResult{
		OpHash:          opHash,
		TokenPrecharge:  record.TokenPrecharge.BigInt(),
		PriceWithMarkup: priceWithMarkup,
		ValidUntil:      reading.ValidUntil(p.cfg.PriceMaxAge),
		Operation:       record,
	}, nil
}

// effectivePrice never charges less than the client-supplied price floor
func (p *Paymaster) effectivePrice(priceWithMarkup, clientPrice *big.Int) *big.Int {
	if clientPrice != nil && clientPrice.Cmp(priceWithMarkup) > 0 {
		return new(big.Int).Set(clientPrice)
	}
	return priceWithMarkup
}

// PostOp settles the operation at the freshest usable price, then tops up the deposit.
// Replenish failures are logged and never returned.
func (p *Paymaster) PostOp(ctx context.Context, req PostOpRequest) (*domain.SponsoredOperation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, err := p.settlement.Operation(ctx, req.OpHash)
	if errors.Is(err, domain.ErrOperationNotFound) {
		return nil, fmt.Errorf("%w: post-op for unknown operation %s", domain.ErrProtocolViolation, req.OpHash.Hex())
	}
	if err != nil {
		return nil, err
	}

	if req.ActualGasCost == nil || req.ActualGasCost.Sign() < 0 {
		return nil, fmt.Errorf("%w: actual gas cost is required", domain.ErrInvalidPaymasterData)
	}
	feePerGas := req.ActualUserOpFeePerGas
	if feePerGas == nil {
		feePerGas = record.MaxFeePerGas.BigInt()
	}

	priceWithMarkup := record.PriceWithMarkup.BigInt()
	reading, err := p.cache.Price(ctx, false)
	if err != nil {
		p.logger(ctx).Warn().Err(err).
			Str("op_hash", req.OpHash.Hex()).
			Msg("price refresh failed in post-op, using precharge price")
	} else {
		clientPrice := record.ClientPrice.BigInt()
		if clientPrice.Sign() == 0 {
			clientPrice = nil
		}
		priceWithMarkup = p.effectivePrice(p.converter.PriceWithMarkup(reading.Price), clientPrice)
	}

	settled, settleErr := p.settlement.Settle(ctx, SettleRequest{
		OpHash:          req.OpHash,
		Mode:            req.Mode,
		ActualGasCost:   req.ActualGasCost,
		ActualFeePerGas: feePerGas,
		PriceWithMarkup: priceWithMarkup,
	})
	if settled == nil {
		return nil, settleErr
	}

	p.replenish(ctx)

	return settled, settleErr
}

// replenish runs the swap-back with the cached price; caller holds the lock
func (p *Paymaster) replenish(ctx context.Context) {
	if p.replenisher == nil {
		return
	}
	reading := p.cache.Reading()
	if reading == nil {
		p.logger(ctx).Warn().Msg("no cached price, skipping replenish")
		return
	}
	if _, err := p.replenisher.MaybeReplenish(ctx, reading.Price); err != nil {
		p.logger(ctx).Warn().Err(err).Msg("replenish failed, will retry on next post-op")
	}
}

// UpdateCachedPrice refreshes the oracle price; force bypasses the time-to-live and threshold
func (p *Paymaster) UpdateCachedPrice(ctx context.Context, force bool) (*PriceQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reading, err := p.cache.Price(ctx, force)
	if err != nil {
		return nil, err
	}
	return p.quote(reading), nil
}

// Price returns the cached price without querying the oracle
func (p *Paymaster) Price() (*PriceQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reading := p.cache.Reading()
	if reading == nil {
		return nil, domain.ErrPriceUnavailable
	}
	return p.quote(reading), nil
}

func (p *Paymaster) quote(reading *domain.OracleReading) *PriceQuote {
	return &PriceQuote{
		Reading:         reading,
		PriceWithMarkup: p.converter.PriceWithMarkup(reading.Price),
		ValidUntil:      reading.ValidUntil(p.cfg.PriceMaxAge),
	}
}

// Bootstrap stakes and funds the paymaster in the entry point and primes the price cache
func (p *Paymaster) Bootstrap(ctx context.Context, stake *big.Int, unstakeDelaySec uint32, deposit *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if stake != nil && stake.Sign() > 0 {
		if err := p.entryPoint.AddStake(ctx, unstakeDelaySec, stake); err != nil {
			return fmt.Errorf("failed to add stake: %w", err)
		}
	}
	if deposit != nil && deposit.Sign() > 0 {
		if err := p.entryPoint.DepositTo(ctx, p.address, deposit); err != nil {
			return fmt.Errorf("failed to deposit: %w", err)
		}
	}
	if _, err := p.cache.Price(ctx, true); err != nil {
		return fmt.Errorf("failed to prime price cache: %w", err)
	}

	p.logger(ctx).Info().
		Str("stake", bigString(stake)).
		Str("deposit", bigString(deposit)).
		Msg("paymaster bootstrapped")
	return nil
}

// MaybeReplenish runs the swap-back outside of a post-op
func (p *Paymaster) MaybeReplenish(ctx context.Context) (*domain.ReplenishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.replenisher == nil {
		return nil, errors.New("replenisher not configured")
	}
	reading, err := p.cache.Price(ctx, false)
	if err != nil {
		return nil, err
	}
	return p.replenisher.MaybeReplenish(ctx, reading.Price)
}

func (p *Paymaster) ReplenishStatus() domain.ReplenishStatus {
	if p.replenisher == nil {
		return domain.ReplenishStatus{}
	}
	return p.replenisher.Status()
}

func (p *Paymaster) ForceSettle(ctx context.Context, opHash common.Hash, actualGasCost *big.Int) (*domain.SponsoredOperation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settlement.ForceSettle(ctx, opHash, actualGasCost)
}

// FlagStale flags precharged operations that never received a post-op and prunes
// settled ones from memory
func (p *Paymaster) FlagStale(ctx context.Context, olderThan time.Duration) []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()

	flagged := p.settlement.FlagStale(ctx, olderThan)
	if pruned := p.settlement.Prune(olderThan); pruned > 0 {
		p.logger(ctx).Debug().Int("count", pruned).Msg("pruned settled operations")
	}
	return flagged
}

func (p *Paymaster) Operation(ctx context.Context, opHash common.Hash) (*domain.SponsoredOperation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settlement.Operation(ctx, opHash)
}

func (p *Paymaster) OperationCounts() map[domain.SettlementState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settlement.Counts()
}

// Deposit is the paymaster's balance in the entry point
func (p *Paymaster) Deposit(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entryPoint.BalanceOf(ctx, p.address)
}

// WithdrawToken moves collected tokens out of the paymaster
func (p *Paymaster) WithdrawToken(ctx context.Context, to common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", domain.ErrInvalidPaymasterData)
	}
	if err := p.token.Transfer(ctx, to, amount); err != nil {
		return fmt.Errorf("failed to withdraw tokens: %w", err)
	}
	p.logger(ctx).Info().Str("to", to.Hex()).Str("amount", amount.String()).Msg("tokens withdrawn")
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
