package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenLedger is the ERC-20 token as seen by the paymaster account
type TokenLedger interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	// TransferFrom moves amount from owner to to using the paymaster's allowance
	TransferFrom(ctx context.Context, owner, to common.Address, amount *big.Int) error
	// Transfer moves amount out of the paymaster's own balance
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// SettlementStore mirrors sponsored operations to durable storage
type SettlementStore interface {
	SaveOperation(ctx context.Context, op *domain.SponsoredOperation) error
	GetOperation(ctx context.Context, opHash string) (*domain.SponsoredOperation, error)
	// ListOpen returns every operation that is not SETTLED
	ListOpen(ctx context.Context) ([]*domain.SponsoredOperation, error)
}

type PrechargeRequest struct {
	OpHash          common.Hash
	Sender          common.Address
	MaxCost         *big.Int
	MaxFeePerGas    *big.Int
	PriceWithMarkup *big.Int
	ClientPrice     *big.Int
}

type SettleRequest struct {
	OpHash          common.Hash
	Mode            domain.PostOpMode
	ActualGasCost   *big.Int
	ActualFeePerGas *big.Int
	PriceWithMarkup *big.Int
}

// SettlementAccount runs the precharge/settle protocol for each operation hash
type SettlementAccount struct {
	token            TokenLedger
	paymaster        common.Address
	converter        *PriceConverter
	refundPostopCost *big.Int
	store            SettlementStore
	now              func() time.Time

	mu  sync.Mutex
	ops map[common.Hash]*domain.SponsoredOperation
}

// NewSettlementAccount builds the account. store may be nil.
func NewSettlementAccount(token TokenLedger, paymaster common.Address, converter *PriceConverter, refundPostopCost uint64, store SettlementStore) *SettlementAccount {
	return &SettlementAccount{
		token:            token,
		paymaster:        paymaster,
		converter:        converter,
		refundPostopCost: new(big.Int).SetUint64(refundPostopCost),
		store:            store,
		now:              time.Now,
		ops:              make(map[common.Hash]*domain.SponsoredOperation),
	}
}

func (s *SettlementAccount) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "settlement").Logger()
	return &l
}

// Restore reloads unsettled operations from the store after a restart
func (s *SettlementAccount) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	open, err := s.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open operations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range open {
		s.ops[op.Hash()] = op
	}
	s.logger(ctx).Info().Int("count", len(open)).Msg("restored open operations")
	return nil
}

// TokenCost is the token amount owed for gasCost plus the refund overhead at feePerGas
func (s *SettlementAccount) TokenCost(gasCost, feePerGas, priceWithMarkup *big.Int) *big.Int {
	overhead := new(big.Int).Mul(s.refundPostopCost, feePerGas)
	return s.converter.NativeToTokenAt(overhead.Add(overhead, gasCost), priceWithMarkup)
}

// Precharge pulls the worst-case token amount from the sender. Nothing is recorded unless
// the transfer succeeded.
func (s *SettlementAccount) Precharge(ctx context.Context, req PrechargeRequest) (*domain.SponsoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.lookup(ctx, req.OpHash)
	if err != nil {
		return nil, err
	}
	if known != nil {
		return nil, fmt.Errorf("%w: operation %s already %s", domain.ErrProtocolViolation, req.OpHash.Hex(), known.State)
	}

	amount := s.TokenCost(req.MaxCost, req.MaxFeePerGas, req.PriceWithMarkup)

	allowance, err := s.token.Allowance(ctx, req.Sender, s.paymaster)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: allowance %s < %s", domain.ErrInsufficientAllowance, allowance, amount)
	}

	balance, err := s.token.BalanceOf(ctx, req.Sender)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: balance %s < %s", domain.ErrInsufficientBalance, balance, amount)
	}

	if err := s.token.TransferFrom(ctx, req.Sender, s.paymaster, amount); err != nil {
		return nil, fmt.Errorf("failed to collect precharge: %w", err)
	}

	now := s.now()
	op := &domain.SponsoredOperation{
		ID:              uuid.New(),
		OpHash:          req.OpHash.Hex(),
		Sender:          req.Sender.Hex(),
		MaxCost:         domain.BigDecimal(req.MaxCost),
		MaxFeePerGas:    domain.BigDecimal(req.MaxFeePerGas),
		TokenPrecharge:  domain.BigDecimal(amount),
		PriceWithMarkup: domain.BigDecimal(req.PriceWithMarkup),
		ClientPrice:     domain.BigDecimal(req.ClientPrice),
		State:           domain.StatePrecharged,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.ops[req.OpHash] = op
	s.persist(ctx, op)

	s.logger(ctx).Info().
		Str("op_hash", op.OpHash).
		Str("sender", op.Sender).
		Str("precharge", amount.String()).
		Msg("operation precharged")

	return op.Clone(), nil
}

// Settle refunds the unused precharge. A shortfall is absorbed by the paymaster.
func (s *SettlementAccount) Settle(ctx context.Context, req SettleRequest) (*domain.SponsoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[req.OpHash]
	if !ok {
		return nil, fmt.Errorf("%w: no precharge for operation %s", domain.ErrProtocolViolation, req.OpHash.Hex())
	}
	if op.State != domain.StatePrecharged {
		return nil, fmt.Errorf("%w: operation %s is %s", domain.ErrProtocolViolation, req.OpHash.Hex(), op.State)
	}

	trueCost := s.TokenCost(req.ActualGasCost, req.ActualFeePerGas, req.PriceWithMarkup)
	err := s.settle(ctx, op, req.ActualGasCost, trueCost, req.Mode.String())
	return op.Clone(), err
}

// ForceSettle closes a PRECHARGED or FLAGGED operation whose post-op never arrived or failed.
// A nil actualGasCost reuses the cost recorded by a post-op whose refund failed, and otherwise
// charges the full MaxCost.
func (s *SettlementAccount) ForceSettle(ctx context.Context, opHash common.Hash, actualGasCost *big.Int) (*domain.SponsoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[opHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOperationNotFound, opHash.Hex())
	}
	if op.State == domain.StateSettled {
		return nil, fmt.Errorf("%w: operation %s already settled", domain.ErrProtocolViolation, opHash.Hex())
	}
	var trueCost *big.Int
	switch {
	case actualGasCost != nil:
		trueCost = s.TokenCost(actualGasCost, op.MaxFeePerGas.BigInt(), op.PriceWithMarkup.BigInt())
	case op.State == domain.StateFlagged && !op.ActualGasCost.IsZero():
		actualGasCost = op.ActualGasCost.BigInt()
		trueCost = op.ActualTokenCost.BigInt()
	default:
		actualGasCost = op.MaxCost.BigInt()
		trueCost = s.TokenCost(actualGasCost, op.MaxFeePerGas.BigInt(), op.PriceWithMarkup.BigInt())
	}

	err := s.settle(ctx, op, actualGasCost, trueCost, "forced")
	return op.Clone(), err
}

func (s *SettlementAccount) settle(ctx context.Context, op *domain.SponsoredOperation, gasCost, trueCost *big.Int, reason string) error {
	precharge := op.TokenPrecharge.BigInt()

	refund := new(big.Int).Sub(precharge, trueCost)
	shortfall := new(big.Int)
	if refund.Sign() < 0 {
		shortfall.Neg(refund)
		refund.SetInt64(0)
	}

	now := s.now()
	op.ActualGasCost = domain.BigDecimal(gasCost)
	op.ActualTokenCost = domain.BigDecimal(trueCost)
	op.Shortfall = domain.BigDecimal(shortfall)
	op.UpdatedAt = now

	if refund.Sign() > 0 {
		if err := s.token.Transfer(ctx, op.SenderAddress(), refund); err != nil {
			op.State = domain.StateFlagged
			op.Note = fmt.Sprintf("refund of %s failed: %v", refund, err)
			s.persist(ctx, op)
			s.logger(ctx).Error().Err(err).
				Str("op_hash", op.OpHash).
				Str("refund", refund.String()).
				Msg("refund failed, operation flagged")
			return fmt.Errorf("failed to refund %s: %w", op.OpHash, err)
		}
	}

	op.Refund = domain.BigDecimal(refund)
	op.State = domain.StateSettled
	op.Note = reason
	op.SettledAt = &now
	s.persist(ctx, op)

	ev := s.logger(ctx).Info().
		Str("op_hash", op.OpHash).
		Str("mode", reason).
		Str("actual_token_cost", trueCost.String()).
		Str("refund", refund.String())
	if shortfall.Sign() > 0 {
		ev = ev.Str("shortfall", shortfall.String())
	}
	ev.Msg("operation settled")

	return nil
}

// FlagStale flags PRECHARGED operations created longer than olderThan ago
func (s *SettlementAccount) FlagStale(ctx context.Context, olderThan time.Duration) []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var flagged []common.Hash
	for hash, op := range s.ops {
		if op.State != domain.StatePrecharged || !op.CreatedAt.Before(cutoff) {
			continue
		}
		op.State = domain.StateFlagged
		op.Note = "post-op not received"
		op.UpdatedAt = s.now()
		s.persist(ctx, op)
		flagged = append(flagged, hash)
	}

	if len(flagged) > 0 {
		s.logger(ctx).Warn().Int("count", len(flagged)).Msg("flagged stale precharged operations")
	}
	return flagged
}

// Prune drops settled operations older than olderThan from memory; the store keeps them
func (s *SettlementAccount) Prune(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	pruned := 0
	for hash, op := range s.ops {
		if op.State == domain.StateSettled && op.SettledAt != nil && op.SettledAt.Before(cutoff) {
			delete(s.ops, hash)
			pruned++
		}
	}
	return pruned
}

// Operation returns the record for opHash, falling back to the store for pruned operations
func (s *SettlementAccount) Operation(ctx context.Context, opHash common.Hash) (*domain.SponsoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.lookup(ctx, opHash)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrOperationNotFound, opHash.Hex())
	}
	return op.Clone(), nil
}

// Counts reports the number of in-memory operations per state
func (s *SettlementAccount) Counts() map[domain.SettlementState]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.SettlementState]int)
	for _, op := range s.ops {
		counts[op.State]++
	}
	return counts
}

func (s *SettlementAccount) lookup(ctx context.Context, opHash common.Hash) (*domain.SponsoredOperation, error) {
	if op, ok := s.ops[opHash]; ok {
		return op, nil
	}
	if s.store == nil {
		return nil, nil
	}
	op, err := s.store.GetOperation(ctx, opHash.Hex())
	if errors.Is(err, domain.ErrOperationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up operation: %w", err)
	}
	return op, nil
}

func (s *SettlementAccount) persist(ctx context.Context, op *domain.SponsoredOperation) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveOperation(ctx, op); err != nil {
		s.logger(ctx).Warn().Err(err).Str("op_hash", op.OpHash).Msg("failed to persist operation")
	}
}
