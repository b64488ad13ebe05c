package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

const aggregatorABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = erc4337.MustParseABI(aggregatorABI)

// ChainlinkFeed reads an AggregatorV3 price feed
type ChainlinkFeed struct {
	address     common.Address
	contract    *bind.BoundContract
	limiter     *rate.Limiter
	maxRoundAge time.Duration
	now         func() time.Time

	mu       sync.Mutex
	decimals *uint8
}

// NewChainlinkFeed binds the aggregator at address. Calls are throttled to callsPerSecond;
// rounds updated longer ago than maxRoundAge are rejected unless maxRoundAge is zero.
func NewChainlinkFeed(address common.Address, caller bind.ContractCaller, maxRoundAge time.Duration, callsPerSecond float64) *ChainlinkFeed {
	limit := rate.Inf
	if callsPerSecond > 0 {
		limit = rate.Limit(callsPerSecond)
	}

	return &ChainlinkFeed{
		address:     address,
		contract:    bind.NewBoundContract(address, parsedAggregatorABI, caller, nil, nil),
		limiter:     rate.NewLimiter(limit, 1),
		maxRoundAge: maxRoundAge,
		now:         time.Now,
	}
}

func (f *ChainlinkFeed) ID() string {
	return f.address.Hex()
}

func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrOracleUnreachable, err)
	}
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrOracleUnreachable, method, err)
	}
	return out, nil
}

// Decimals is read once and cached
func (f *ChainlinkFeed) Decimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.decimals != nil {
		return *f.decimals, nil
	}
	out, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d := *abiConvert[uint8](out[0])
	f.decimals = &d
	return d, nil
}

func (f *ChainlinkFeed) LatestRound(ctx context.Context) (*domain.RoundData, error) {
	decimals, err := f.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	out, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return nil, err
	}

	round := &domain.RoundData{
		RoundID:         *abiConvert[*big.Int](out[0]),
		Answer:          *abiConvert[*big.Int](out[1]),
		StartedAt:       time.Unix((*abiConvert[*big.Int](out[2])).Int64(), 0),
		UpdatedAt:       time.Unix((*abiConvert[*big.Int](out[3])).Int64(), 0),
		AnsweredInRound: *abiConvert[*big.Int](out[4]),
		Decimals:        decimals,
	}
	if err := f.checkRound(round); err != nil {
		return nil, err
	}
	return round, nil
}

func (f *ChainlinkFeed) checkRound(round *domain.RoundData) error {
	if round.Answer.Sign() <= 0 {
		return fmt.Errorf("%w: feed %s answered %s", domain.ErrOracleStale, f.ID(), round.Answer)
	}
	if round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		return fmt.Errorf("%w: feed %s round %s incomplete", domain.ErrOracleStale, f.ID(), round.RoundID)
	}
	if f.maxRoundAge > 0 && round.UpdatedAt.Before(f.now().Add(-f.maxRoundAge)) {
		return fmt.Errorf("%w: feed %s updated at %s", domain.ErrOracleStale, f.ID(), round.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func abiConvert[T any](v interface{}) *T {
	return abi.ConvertType(v, new(T)).(*T)
}
