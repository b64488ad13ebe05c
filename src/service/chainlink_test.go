package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// abiCaller answers eth_call from canned outputs keyed by method name
type abiCaller struct {
	abi abi.ABI

	mu      sync.Mutex
	outputs map[string][]interface{}
	err     error
	calls   map[string]int
}

func newABICaller(contractABI abi.ABI, outputs map[string][]interface{}) *abiCaller {
	return &abiCaller{abi: contractABI, outputs: outputs, calls: make(map[string]int)}
}

func (c *abiCaller) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (c *abiCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	method, err := c.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	c.calls[method.Name]++
	return method.Outputs.Pack(c.outputs[method.Name]...)
}

func (c *abiCaller) set(method string, values ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[method] = values
}

func roundOutputs(roundID, answer int64, updatedAt time.Time, answeredInRound int64) []interface{} {
	return []interface{}{
		big.NewInt(roundID),
		big.NewInt(answer),
		big.NewInt(updatedAt.Unix()),
		big.NewInt(updatedAt.Unix()),
		big.NewInt(answeredInRound),
	}
}

func newFeedFixture(maxRoundAge time.Duration) (*ChainlinkFeed, *abiCaller, *fakeClock) {
	clock := newFakeClock()
	caller := newABICaller(parsedAggregatorABI, map[string][]interface{}{
		"decimals":        {uint8(8)},
		"latestRoundData": roundOutputs(7, 500000000, clock.Now(), 7),
	})
	feed := NewChainlinkFeed(nativeFeedAddr, caller, maxRoundAge, 0)
	feed.now = clock.Now
	return feed, caller, clock
}

func TestChainlinkFeed_LatestRound(t *testing.T) {
	feed, caller, clock := newFeedFixture(time.Hour)
	ctx := context.Background()

	round, err := feed.LatestRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), round.RoundID.Int64())
	assert.Equal(t, int64(500000000), round.Answer.Int64())
	assert.Equal(t, uint8(8), round.Decimals)
	assert.True(t, round.UpdatedAt.Equal(clock.Now()))
	assert.Equal(t, nativeFeedAddr.Hex(), feed.ID())

	_, err = feed.LatestRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, caller.calls["decimals"], "decimals are cached")
	assert.Equal(t, 2, caller.calls["latestRoundData"])

	price, err := normalizeRound(round, false)
	require.NoError(t, err)
	assert.Equal(t, 0, fivePrice.Cmp(price))
}

func TestChainlinkFeed_RejectsBadRounds(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		output func(now time.Time) []interface{}
	}{
		{"zero answer", func(now time.Time) []interface{} { return roundOutputs(7, 0, now, 7) }},
		{"negative answer", func(now time.Time) []interface{} { return roundOutputs(7, -5, now, 7) }},
		{"incomplete round", func(now time.Time) []interface{} { return roundOutputs(7, 500000000, now, 6) }},
		{"round too old", func(now time.Time) []interface{} {
			return roundOutputs(7, 500000000, now.Add(-2*time.Hour), 7)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed, caller, clock := newFeedFixture(time.Hour)
			caller.set("latestRoundData", tt.output(clock.Now())...)

			_, err := feed.LatestRound(ctx)
			assert.ErrorIs(t, err, domain.ErrOracleStale)
		})
	}
}

func TestChainlinkFeed_AgeCheckDisabled(t *testing.T) {
	feed, caller, clock := newFeedFixture(0)
	caller.set("latestRoundData", roundOutputs(7, 500000000, clock.Now().Add(-30*24*time.Hour), 7)...)

	_, err := feed.LatestRound(context.Background())
	assert.NoError(t, err)
}

func TestChainlinkFeed_Unreachable(t *testing.T) {
	feed, caller, _ := newFeedFixture(time.Hour)
	caller.err = errors.New("connection refused")

	_, err := feed.LatestRound(context.Background())
	assert.ErrorIs(t, err, domain.ErrOracleUnreachable)

	// a cancelled context fails in the rate limiter
	limited := NewChainlinkFeed(nativeFeedAddr, caller, time.Hour, 0.001)
	caller.err = nil
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.LatestRound(ctx)
	assert.ErrorIs(t, err, domain.ErrOracleUnreachable)
}

func TestChainlinkFeed_ComposedSource(t *testing.T) {
	native, _, _ := newFeedFixture(time.Hour)
	token, tokenCaller, clock := newFeedFixture(time.Hour)
	tokenCaller.set("latestRoundData", roundOutputs(3, 100000000, clock.Now(), 3)...)

	reading, err := NewOracleSource(testOracleConfig(), native, token).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fivePrice.Cmp(reading.Price))
}
