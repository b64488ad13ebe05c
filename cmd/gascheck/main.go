// Command gascheck replays the token paymaster deployment scenario against the in-memory
// entry point, oracles, token and swap pool, and prints what each batch of sponsored
// operations cost.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethaccount/paymaster/src/app"
	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethaccount/paymaster/src/service"
	"github.com/ethaccount/paymaster/src/sim"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ether     = math.BigPow(10, 18)
	chainID   = big.NewInt(1337)
	paymaster = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	pool      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

const accounts = 11

func main() {
	configPath := flag.String("config", "", "paymaster yaml parameters (defaults when empty)")
	gasUsed := flag.Int64("gas", 150000, "gas used by each sponsored operation")
	logLevel := flag.String("log", "warn", "log level")
	flag.Parse()

	logger := app.InitLogger(*logLevel, "")
	ctx := logger.WithContext(context.Background())

	if err := run(ctx, *configPath, *gasUsed, []int{1, 2, 10, 11}); err != nil {
		logger.Error().Err(err).Msg("gas check failed")
		os.Exit(1)
	}
}

type scenario struct {
	paymaster  *service.Paymaster
	entryPoint *sim.EntryPoint
	token      *sim.Token
	nonces     map[common.Address]int64
}

func newScenario(ctx context.Context, configPath string) (*scenario, error) {
	settings, err := app.LoadPaymasterSettings(configPath, common.HexToAddress("0xd1"), common.HexToAddress("0xd2"))
	if err != nil {
		return nil, err
	}

	nativeOracle := sim.NewOracle("native/usd", 8, 500000000)
	tokenOracle := sim.NewOracle("token/usd", 8, 100000000)
	tok := sim.NewToken(token)
	entryPoint := sim.NewEntryPoint(paymaster)
	rate := new(big.Int).Mul(big.NewInt(5), domain.PriceDenominator)
	venue := sim.NewVenue(tok, paymaster, pool, rate, new(big.Int).Mul(big.NewInt(100), ether))

	var native service.PriceFeed = nativeOracle
	if settings.Oracle.TokenToNativeOracle {
		native = nil
	}

	converter := service.NewPriceConverter(settings.Paymaster.PriceMarkup)
	cache := service.NewPriceOracleCache(service.NewOracleSource(settings.Oracle, native, tokenOracle), nil, settings.Oracle, settings.Paymaster.PriceMaxAge)
	settlement := service.NewSettlementAccount(tok.Account(paymaster), paymaster, converter, settings.Paymaster.RefundPostopCost, nil)
	replenisher := service.NewLiquidityReplenisher(service.ReplenisherParams{
		EntryPoint:           entryPoint,
		Token:                tok.Account(paymaster),
		TokenAddress:         token,
		Venue:                venue,
		Converter:            converter,
		Paymaster:            paymaster,
		MinEntryPointBalance: settings.Paymaster.MinEntryPointBalance,
		Config:               settings.Uniswap,
	})

	pm, err := service.NewPaymaster(service.PaymasterParams{
		Address:     paymaster,
		EntryPoint:  entryPoint,
		Config:      settings.Paymaster,
		Cache:       cache,
		Converter:   converter,
		Settlement:  settlement,
		Replenisher: replenisher,
		Token:       tok.Account(paymaster),
	})
	if err != nil {
		return nil, err
	}

	// addStake(1) and depositTo(10 ether) as the deployment script does
	if err := pm.Bootstrap(ctx, big.NewInt(1), 86400, new(big.Int).Mul(big.NewInt(10), ether)); err != nil {
		return nil, err
	}

	for i := 0; i < accounts; i++ {
		tok.Mint(account(i), ether)
		tok.Approve(account(i), paymaster, math.MaxBig256)
	}

	return &scenario{
		paymaster:  pm,
		entryPoint: entryPoint,
		token:      tok,
		nonces:     make(map[common.Address]int64),
	}, nil
}

func account(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

func (s *scenario) userOp(sender common.Address) *erc4337.UserOperation {
	q := func(v int64) *hexutil.Big { return (*hexutil.Big)(big.NewInt(v)) }
	pm := paymaster
	nonce := s.nonces[sender]
	s.nonces[sender] = nonce + 1

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

type batch struct {
	ops     int
	charged *big.Int
	refund  *big.Int
	gasCost *big.Int
	deposit *big.Int
	elapsed time.Duration
}

// sponsor validates and settles n operations, one per account
func (s *scenario) sponsor(ctx context.Context, n int, gasUsed int64) (*batch, error) {
	b := &batch{ops: n, charged: new(big.Int), refund: new(big.Int), gasCost: new(big.Int)}
	start := time.Now()

	for i := 0; i < n; i++ {
		op := s.userOp(account(i % accounts))
		validated, err := s.paymaster.ValidatePaymasterUserOp(ctx, service.ValidationRequest{UserOp: op, ChainID: chainID})
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}

		gasCost := new(big.Int).Mul(big.NewInt(gasUsed), op.MaxFee())
		if err := s.entryPoint.Charge(paymaster, gasCost); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}

		settled, err := s.paymaster.PostOp(ctx, service.PostOpRequest{
			OpHash:                validated.OpHash,
			Mode:                  domain.OpSucceeded,
			ActualGasCost:         gasCost,
			ActualUserOpFeePerGas: op.MaxFee(),
		})
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}

		b.charged.Add(b.charged, settled.ActualTokenCost.BigInt())
		b.refund.Add(b.refund, settled.Refund.BigInt())
		b.gasCost.Add(b.gasCost, gasCost)
	}

	deposit, err := s.paymaster.Deposit(ctx)
	if err != nil {
		return nil, err
	}
	b.deposit = deposit
	b.elapsed = time.Since(start)
	return b, nil
}

func run(ctx context.Context, configPath string, gasUsed int64, runs []int) error {
	s, err := newScenario(ctx, configPath)
	if err != nil {
		return err
	}

	fmt.Printf("%-5s %-22s %-22s %-22s %-22s %s\n", "ops", "gas cost (eth)", "charged (token)", "refund (token)", "deposit (eth)", "elapsed")
	for _, n := range runs {
		b, err := s.sponsor(ctx, n, gasUsed)
		if err != nil {
			return err
		}
		fmt.Printf("%-5d %-22s %-22s %-22s %-22s %s\n",
			b.ops, units(b.gasCost), units(b.charged), units(b.refund), units(b.deposit), b.elapsed.Round(time.Microsecond))
	}

	status := s.paymaster.ReplenishStatus()
	zerolog.Ctx(ctx).Info().
		Int("replenish_attempts", status.Attempts).
		Int("swaps", status.Swaps).
		Msg("gas check complete")
	return nil
}

// units renders an 18-decimal amount
func units(v *big.Int) string {
	return decimal.NewFromBigInt(v, -18).String()
}
