package service

import (
	"math/big"

	"github.com/ethaccount/paymaster/src/domain"
)

// PriceConverter turns native gas costs into token amounts.
// All arithmetic is integer; token amounts round up so the paymaster never undercharges.
type PriceConverter struct {
	markup *big.Int
}

func NewPriceConverter(markup *big.Int) *PriceConverter {
	return &PriceConverter{markup: new(big.Int).Set(markup)}
}

// Markup returns a copy of the configured markup
func (c *PriceConverter) Markup() *big.Int {
	return new(big.Int).Set(c.markup)
}

// PriceWithMarkup scales a token-per-native price by the markup, rounding up
func (c *PriceConverter) PriceWithMarkup(price *big.Int) *big.Int {
	return ceilDiv(new(big.Int).Mul(price, c.markup), domain.PriceDenominator)
}

// NativeToToken is ceil(native * price * markup / D^2)
func (c *PriceConverter) NativeToToken(native, price *big.Int) *big.Int {
	num := new(big.Int).Mul(native, price)
	num.Mul(num, c.markup)
	den := new(big.Int).Mul(domain.PriceDenominator, domain.PriceDenominator)
	return ceilDiv(num, den)
}

// NativeToTokenAt converts with a price that already includes the markup
func (c *PriceConverter) NativeToTokenAt(native, priceWithMarkup *big.Int) *big.Int {
	return ceilDiv(new(big.Int).Mul(native, priceWithMarkup), domain.PriceDenominator)
}

// TokenToNative is the unmarked-up inverse, rounded down; used for swap quotes
func (c *PriceConverter) TokenToNative(token, price *big.Int) *big.Int {
	if price.Sign() == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(token, domain.PriceDenominator)
	return num.Quo(num, price)
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
