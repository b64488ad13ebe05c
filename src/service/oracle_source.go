package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/common/math"
)

// PriceFeed is an external oracle quoting one asset pair
type PriceFeed interface {
	ID() string
	LatestRound(ctx context.Context) (*domain.RoundData, error)
}

// OracleSource produces a normalized token-per-native price
type OracleSource interface {
	Fetch(ctx context.Context) (*domain.OracleReading, error)
	Describe() string
}

// DirectPair reads a single token/native feed
type DirectPair struct {
	Feed    PriceFeed
	Reverse bool
}

func (s DirectPair) Describe() string {
	return fmt.Sprintf("direct(%s, reverse=%t)", s.Feed.ID(), s.Reverse)
}

func (s DirectPair) Fetch(ctx context.Context) (*domain.OracleReading, error) {
	round, err := s.Feed.LatestRound(ctx)
	if err != nil {
		return nil, err
	}
	price, err := normalizeRound(round, s.Reverse)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", s.Feed.ID(), err)
	}

	return &domain.OracleReading{
		Price:     price,
		SampledAt: round.UpdatedAt,
		Source:    s.Describe(),
		Reverse:   s.Reverse,
	}, nil
}

// ComposedViaUSD divides a native/USD feed by a token/USD feed
type ComposedViaUSD struct {
	Native        PriceFeed
	NativeReverse bool
	Token         PriceFeed
	TokenReverse  bool
}

func (s ComposedViaUSD) Describe() string {
	return fmt.Sprintf("composed(native=%s, token=%s)", s.Native.ID(), s.Token.ID())
}

func (s ComposedViaUSD) Fetch(ctx context.Context) (*domain.OracleReading, error) {
	nativeRound, err := s.Native.LatestRound(ctx)
	if err != nil {
		return nil, err
	}
	tokenRound, err := s.Token.LatestRound(ctx)
	if err != nil {
		return nil, err
	}

	nativeUSD, err := normalizeRound(nativeRound, s.NativeReverse)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", s.Native.ID(), err)
	}
	tokenUSD, err := normalizeRound(tokenRound, s.TokenReverse)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", s.Token.ID(), err)
	}

	price := new(big.Int).Mul(nativeUSD, domain.PriceDenominator)
	price.Quo(price, tokenUSD)
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("composed price rounds to zero: %w", domain.ErrOracleStale)
	}

	sampledAt := nativeRound.UpdatedAt
	if tokenRound.UpdatedAt.Before(sampledAt) {
		sampledAt = tokenRound.UpdatedAt
	}

	return &domain.OracleReading{
		Price:     price,
		SampledAt: sampledAt,
		Source:    s.Describe(),
	}, nil
}

var errNonPositiveAnswer = errors.New("non-positive answer")

// normalizeRound scales a feed answer to PriceDenominator fixed point
func normalizeRound(round *domain.RoundData, reverse bool) (*big.Int, error) {
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrOracleStale, errNonPositiveAnswer)
	}
	scale := math.BigPow(10, int64(round.Decimals))

	var price *big.Int
	if reverse {
		price = new(big.Int).Mul(scale, domain.PriceDenominator)
		price.Quo(price, round.Answer)
	} else {
		price = new(big.Int).Mul(round.Answer, domain.PriceDenominator)
		price.Quo(price, scale)
	}
	if price.Sign() == 0 {
		return nil, fmt.Errorf("%w: answer rounds to zero", domain.ErrOracleStale)
	}
	return price, nil
}

// NewOracleSource picks the source variant described by cfg
func NewOracleSource(cfg domain.OracleHelperConfig, native, token PriceFeed) OracleSource {
	if cfg.TokenToNativeOracle {
		return DirectPair{Feed: token, Reverse: cfg.TokenOracleReverse}
	}
	return ComposedViaUSD{
		Native:        native,
		NativeReverse: cfg.NativeOracleReverse,
		Token:         token,
		TokenReverse:  cfg.TokenOracleReverse,
	}
}
