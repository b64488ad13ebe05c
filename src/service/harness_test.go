package service

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethaccount/paymaster/src/sim"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/stretchr/testify/require"
)

var (
	ether          = math.BigPow(10, 18)
	gwei           = big.NewInt(1_000_000_000)
	testChainID    = big.NewInt(31337)
	paymasterAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenAddr      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	poolAddr       = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	nativeFeedAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	tokenFeedAddr  = common.HexToAddress("0x00000000000000000000000000000000000000d2")
)

// scenario price: 5 tokens per native unit
var fivePrice = new(big.Int).Mul(big.NewInt(5), domain.PriceDenominator)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ratio(num, den int64) *big.Int {
	r := new(big.Int).Mul(domain.PriceDenominator, big.NewInt(num))
	return r.Quo(r, big.NewInt(den))
}

func testPaymasterConfig() domain.PaymasterConfig {
	return domain.PaymasterConfig{
		PriceMaxAge:          86400 * time.Second,
		RefundPostopCost:     40000,
		MinEntryPointBalance: big.NewInt(1e17),
		PriceMarkup:          ratio(15, 10),
	}
}

func testOracleConfig() domain.OracleHelperConfig {
	return domain.OracleHelperConfig{
		CacheTimeToLive:      0,
		NativeOracle:         nativeFeedAddr,
		TokenOracle:          tokenFeedAddr,
		PriceUpdateThreshold: 200_000,
	}
}

func testUniswapConfig() domain.UniswapHelperConfig {
	return domain.UniswapHelperConfig{
		MinSwapAmount:  big.NewInt(1),
		Slippage:       5,
		UniswapPoolFee: 3,
	}
}

type harness struct {
	clock        *fakeClock
	nativeOracle *sim.Oracle
	tokenOracle  *sim.Oracle
	token        *sim.Token
	entryPoint   *sim.EntryPoint
	venue        *sim.Venue
	converter    *PriceConverter
	cache        *PriceOracleCache
	settlement   *SettlementAccount
	replenisher  *LiquidityReplenisher
	paymaster    *Paymaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:        newFakeClock(),
		nativeOracle: sim.NewOracle("native/usd", 8, 500000000),
		tokenOracle:  sim.NewOracle("token/usd", 8, 100000000),
		token:        sim.NewToken(tokenAddr),
		entryPoint:   sim.NewEntryPoint(paymasterAddr),
	}
	h.venue = sim.NewVenue(h.token, paymasterAddr, poolAddr, fivePrice, new(big.Int).Mul(big.NewInt(100), ether))

	cfg := testPaymasterConfig()
	oracleCfg := testOracleConfig()

	h.converter = NewPriceConverter(cfg.PriceMarkup)
	h.cache = NewPriceOracleCache(NewOracleSource(oracleCfg, h.nativeOracle, h.tokenOracle), nil, oracleCfg, cfg.PriceMaxAge)
	h.cache.now = h.clock.Now

	h.settlement = NewSettlementAccount(h.token.Account(paymasterAddr), paymasterAddr, h.converter, cfg.RefundPostopCost, nil)
	h.settlement.now = h.clock.Now

	h.replenisher = NewLiquidityReplenisher(ReplenisherParams{
		EntryPoint:           h.entryPoint,
		Token:                h.token.Account(paymasterAddr),
		TokenAddress:         tokenAddr,
		Venue:                h.venue,
		Converter:            h.converter,
		Paymaster:            paymasterAddr,
		MinEntryPointBalance: cfg.MinEntryPointBalance,
		Config:               testUniswapConfig(),
	})
	h.replenisher.now = h.clock.Now

	pm, err := NewPaymaster(PaymasterParams{
		Address:     paymasterAddr,
		EntryPoint:  h.entryPoint,
		Config:      cfg,
		Cache:       h.cache,
		Converter:   h.converter,
		Settlement:  h.settlement,
		Replenisher: h.replenisher,
		Token:       h.token.Account(paymasterAddr),
	})
	require.NoError(t, err)
	h.paymaster = pm

	return h
}

// bootstrap funds the paymaster the way the deployment script does
func (h *harness) bootstrap(t *testing.T) {
	t.Helper()
	deposit := new(big.Int).Mul(big.NewInt(10), ether)
	require.NoError(t, h.paymaster.Bootstrap(context.Background(), big.NewInt(1), 1, deposit))
}

// fund mints one token to account and approves the paymaster for everything
func (h *harness) fund(account common.Address) {
	h.token.Mint(account, ether)
	h.token.Approve(account, paymasterAddr, math.MaxBig256)
}

func account(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

func userOp(sender common.Address, nonce int64) *erc4337.UserOperation {
	q := func(v int64) *hexutil.Big { return (*hexutil.Big)(big.NewInt(v)) }
	pm := paymasterAddr
	return &erc4337.UserOperation{
		Sender:                        sender,
		Nonce:                         q(nonce),
		CallData:                      hexutil.MustDecode("0xb61d27f6"),
		CallGasLimit:                  q(100000),
		VerificationGasLimit:          q(100000),
		PreVerificationGas:            q(50000),
		MaxPriorityFeePerGas:          q(1_000_000_000),
		MaxFeePerGas:                  q(1_000_000_000),
		Paymaster:                     &pm,
		PaymasterVerificationGasLimit: q(100000),
		PaymasterPostOpGasLimit:       q(50000),
		Signature:                     hexutil.MustDecode("0x00"),
	}
}

func mustHash(t *testing.T, op *erc4337.UserOperation) common.Hash {
	t.Helper()
	h, err := op.GetUserOpHash(erc4337.EntryPointV07, testChainID)
	require.NoError(t, err)
	return h
}

// fakeSettlementStore records saves in memory
type fakeSettlementStore struct {
	mu    sync.Mutex
	ops   map[string]*domain.SponsoredOperation
	saves int
	err   error
}

func newFakeSettlementStore() *fakeSettlementStore {
	return &fakeSettlementStore{ops: make(map[string]*domain.SponsoredOperation)}
}

func (s *fakeSettlementStore) SaveOperation(_ context.Context, op *domain.SponsoredOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.ops[op.OpHash] = op.Clone()
	return nil
}

func (s *fakeSettlementStore) GetOperation(_ context.Context, opHash string) (*domain.SponsoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opHash]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	return op.Clone(), nil
}

func (s *fakeSettlementStore) ListOpen(_ context.Context) ([]*domain.SponsoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*domain.SponsoredOperation
	for _, op := range s.ops {
		if op.State != domain.StateSettled {
			open = append(open, op.Clone())
		}
	}
	return open, nil
}
