package app

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nativeOracle = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
	tokenOracle  = common.HexToAddress("0x8fFfFfd4AfB6115b954Bd326cbe7B4BA576818f6")
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paymaster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPaymasterSettings_Defaults(t *testing.T) {
	s, err := LoadPaymasterSettings("", nativeOracle, tokenOracle)
	require.NoError(t, err)

	markup := new(big.Int).Mul(domain.PriceDenominator, big.NewInt(15))
	markup.Quo(markup, big.NewInt(10))

	assert.Equal(t, 24*time.Hour, s.Paymaster.PriceMaxAge)
	assert.Equal(t, uint64(40000), s.Paymaster.RefundPostopCost)
	assert.Equal(t, "100000000000000000", s.Paymaster.MinEntryPointBalance.String())
	assert.Equal(t, 0, s.Paymaster.PriceMarkup.Cmp(markup))

	assert.Equal(t, time.Duration(0), s.Oracle.CacheTimeToLive)
	assert.Equal(t, uint64(200_000), s.Oracle.PriceUpdateThreshold)
	assert.Equal(t, nativeOracle, s.Oracle.NativeOracle)
	assert.Equal(t, tokenOracle, s.Oracle.TokenOracle)
	assert.False(t, s.Oracle.TokenToNativeOracle)

	assert.Equal(t, "1", s.Uniswap.MinSwapAmount.String())
	assert.Equal(t, uint32(5), s.Uniswap.Slippage)
	assert.Equal(t, uint32(3), s.Uniswap.UniswapPoolFee)
}

func TestLoadPaymasterSettings_File(t *testing.T) {
	path := writeConfig(t, `
paymaster:
  priceMaxAge: 1h
  priceMarkup: "1.1"
oracle:
  cacheTimeToLive: 5m
  maxOracleRoundAge: 2h
  tokenToNativeOracle: true
  tokenOracleReverse: true
uniswap:
  slippage: 50
  uniswapPoolFee: 500
`)

	s, err := LoadPaymasterSettings(path, common.Address{}, tokenOracle)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, s.Paymaster.PriceMaxAge)
	assert.Equal(t, "110000000000000000000000000", s.Paymaster.PriceMarkup.String())
	// unset keys keep their defaults
	assert.Equal(t, uint64(40000), s.Paymaster.RefundPostopCost)

	assert.Equal(t, 5*time.Minute, s.Oracle.CacheTimeToLive)
	assert.Equal(t, 2*time.Hour, s.Oracle.MaxOracleRoundAge)
	assert.True(t, s.Oracle.TokenToNativeOracle)
	assert.True(t, s.Oracle.TokenOracleReverse)

	assert.Equal(t, uint32(50), s.Uniswap.Slippage)
	assert.Equal(t, uint32(500), s.Uniswap.UniswapPoolFee)
}

func TestLoadPaymasterSettings_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"markup above 2x", "paymaster:\n  priceMarkup: \"2.5\"\n"},
		{"markup below 1x", "paymaster:\n  priceMarkup: \"0.9\"\n"},
		{"markup not a number", "paymaster:\n  priceMarkup: abc\n"},
		{"bad duration", "paymaster:\n  priceMaxAge: soon\n"},
		{"zero max age", "paymaster:\n  priceMaxAge: 0s\n"},
		{"bad amount", "paymaster:\n  minEntryPointBalance: 1e17\n"},
		{"threshold above 100%", "oracle:\n  priceUpdateThreshold: 1000001\n"},
		{"zero min swap", "uniswap:\n  minSwapAmount: \"0\"\n"},
		{"slippage above 100%", "uniswap:\n  slippage: 10001\n"},
		{"not yaml", "paymaster: [\n"},
		{"ttl above max age", "paymaster:\n  priceMaxAge: 1h\noracle:\n  cacheTimeToLive: 2h\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPaymasterSettings(writeConfig(t, tt.body), nativeOracle, tokenOracle)
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPaymasterSettings(filepath.Join(t.TempDir(), "missing.yaml"), nativeOracle, tokenOracle)
		assert.Error(t, err)
	})

	t.Run("missing native oracle", func(t *testing.T) {
		_, err := LoadPaymasterSettings("", common.Address{}, tokenOracle)
		assert.Error(t, err)
	})
}

func TestParseMarkup(t *testing.T) {
	markup, err := ParseMarkup("1.5")
	require.NoError(t, err)
	assert.Equal(t, "150000000000000000000000000", markup.String())

	_, err = ParseMarkup("1.000000000000000000000000001")
	assert.Error(t, err)
}

func TestParseEther(t *testing.T) {
	wei, err := ParseEther("10")
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000000", wei.String())

	wei, err = ParseEther("0.25")
	require.NoError(t, err)
	assert.Equal(t, "250000000000000000", wei.String())

	_, err = ParseEther("-1")
	assert.Error(t, err)
	_, err = ParseEther("ten")
	assert.Error(t, err)
}
