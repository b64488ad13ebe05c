package app

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PaymasterFile is the yaml layout of the paymaster parameters.
// Durations use Go syntax ("24h"), amounts are base-10 integers and the markup is a ratio ("1.5").
type PaymasterFile struct {
	Paymaster struct {
		PriceMaxAge          string `yaml:"priceMaxAge"`
		RefundPostopCost     uint64 `yaml:"refundPostopCost"`
		MinEntryPointBalance string `yaml:"minEntryPointBalance"`
		PriceMarkup          string `yaml:"priceMarkup"`
	} `yaml:"paymaster"`

	Oracle struct {
		CacheTimeToLive      string `yaml:"cacheTimeToLive"`
		MaxOracleRoundAge    string `yaml:"maxOracleRoundAge"`
		TokenToNativeOracle  bool   `yaml:"tokenToNativeOracle"`
		NativeOracleReverse  bool   `yaml:"nativeOracleReverse"`
		TokenOracleReverse   bool   `yaml:"tokenOracleReverse"`
		PriceUpdateThreshold uint64 `yaml:"priceUpdateThreshold"`
	} `yaml:"oracle"`

	Uniswap struct {
		MinSwapAmount  string `yaml:"minSwapAmount"`
		Slippage       uint32 `yaml:"slippage"`
		UniswapPoolFee uint32 `yaml:"uniswapPoolFee"`
	} `yaml:"uniswap"`
}

// PaymasterSettings are the parsed deployment parameters
type PaymasterSettings struct {
	Paymaster domain.PaymasterConfig
	Oracle    domain.OracleHelperConfig
	Uniswap   domain.UniswapHelperConfig
}

func defaultPaymasterFile() PaymasterFile {
	var f PaymasterFile
	f.Paymaster.PriceMaxAge = "24h"
	f.Paymaster.RefundPostopCost = 40000
	f.Paymaster.MinEntryPointBalance = "100000000000000000"
	f.Paymaster.PriceMarkup = "1.5"
	f.Oracle.CacheTimeToLive = "0s"
	f.Oracle.MaxOracleRoundAge = "0s"
	f.Oracle.PriceUpdateThreshold = 200_000
	f.Uniswap.MinSwapAmount = "1"
	f.Uniswap.Slippage = 5
	f.Uniswap.UniswapPoolFee = 3
	return f
}

// LoadPaymasterSettings reads the yaml file at path over the defaults; an empty path uses the defaults.
// Oracle addresses come from the environment, not the file.
func LoadPaymasterSettings(path string, nativeOracle, tokenOracle common.Address) (*PaymasterSettings, error) {
	file := defaultPaymasterFile()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read paymaster config: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse paymaster config: %w", err)
		}
	}
	return file.settings(nativeOracle, tokenOracle)
}

func (f PaymasterFile) settings(nativeOracle, tokenOracle common.Address) (*PaymasterSettings, error) {
	priceMaxAge, err := time.ParseDuration(f.Paymaster.PriceMaxAge)
	if err != nil {
		return nil, fmt.Errorf("invalid priceMaxAge: %w", err)
	}
	minBalance, err := parseAmount(f.Paymaster.MinEntryPointBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid minEntryPointBalance: %w", err)
	}
	markup, err := ParseMarkup(f.Paymaster.PriceMarkup)
	if err != nil {
		return nil, err
	}
	ttl, err := time.ParseDuration(f.Oracle.CacheTimeToLive)
	if err != nil {
		return nil, fmt.Errorf("invalid cacheTimeToLive: %w", err)
	}
	maxRoundAge, err := time.ParseDuration(f.Oracle.MaxOracleRoundAge)
	if err != nil {
		return nil, fmt.Errorf("invalid maxOracleRoundAge: %w", err)
	}
	minSwap, err := parseAmount(f.Uniswap.MinSwapAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid minSwapAmount: %w", err)
	}

	s := &PaymasterSettings{
		Paymaster: domain.PaymasterConfig{
			PriceMaxAge:          priceMaxAge,
			RefundPostopCost:     f.Paymaster.RefundPostopCost,
			MinEntryPointBalance: minBalance,
			PriceMarkup:          markup,
		},
		Oracle: domain.OracleHelperConfig{
			CacheTimeToLive:      ttl,
			MaxOracleRoundAge:    maxRoundAge,
			NativeOracle:         nativeOracle,
			TokenOracle:          tokenOracle,
			TokenToNativeOracle:  f.Oracle.TokenToNativeOracle,
			NativeOracleReverse:  f.Oracle.NativeOracleReverse,
			TokenOracleReverse:   f.Oracle.TokenOracleReverse,
			PriceUpdateThreshold: f.Oracle.PriceUpdateThreshold,
		},
		Uniswap: domain.UniswapHelperConfig{
			MinSwapAmount:  minSwap,
			Slippage:       f.Uniswap.Slippage,
			UniswapPoolFee: f.Uniswap.UniswapPoolFee,
		},
	}

	if err := s.Paymaster.Validate(); err != nil {
		return nil, err
	}
	if err := s.Oracle.Validate(); err != nil {
		return nil, err
	}
	if s.Oracle.CacheTimeToLive > s.Paymaster.PriceMaxAge {
		return nil, fmt.Errorf("cacheTimeToLive %s exceeds priceMaxAge %s", s.Oracle.CacheTimeToLive, s.Paymaster.PriceMaxAge)
	}
	if err := s.Uniswap.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseMarkup converts a ratio such as "1.5" to its fixed-point form over domain.PriceDenominator
func ParseMarkup(s string) (*big.Int, error) {
	ratio, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid priceMarkup %q: %w", s, err)
	}
	scaled := ratio.Mul(decimal.NewFromBigInt(domain.PriceDenominator, 0))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("invalid priceMarkup %q: too many decimals", s)
	}
	return scaled.BigInt(), nil
}

// ParseEther converts an ether amount such as "0.5" to wei
func ParseEther(s string) (*big.Int, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", s, err)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("invalid ether amount %q: negative", s)
	}
	return amount.Shift(18).Truncate(0).BigInt(), nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	return v, nil
}
