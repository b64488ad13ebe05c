package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// OracleReading is a cached token/native exchange rate.
// Price is the number of token units per native unit, scaled by PriceDenominator.
type OracleReading struct {
	Price     *big.Int  `json:"price"`
	FetchedAt time.Time `json:"fetched_at"`
	// SampledAt is the oldest feed update time that contributed to Price
	SampledAt time.Time `json:"sampled_at"`
	Source    string    `json:"source"`
	Reverse   bool      `json:"reverse"`
}

// Age returns how old the reading is at now
func (r *OracleReading) Age(now time.Time) time.Duration {
	return now.Sub(r.FetchedAt)
}

// ValidUntil is the last moment the reading may be used for validation
func (r *OracleReading) ValidUntil(maxAge time.Duration) time.Time {
	return r.FetchedAt.Add(maxAge)
}

// Decimal renders Price as a human readable ratio
func (r *OracleReading) Decimal() decimal.Decimal {
	if r == nil || r.Price == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(r.Price, 0).Div(decimal.NewFromBigInt(PriceDenominator, 0))
}

// Clone returns a deep copy so callers cannot mutate the cached reading
func (r *OracleReading) Clone() *OracleReading {
	if r == nil {
		return nil
	}
	c := *r
	if r.Price != nil {
		c.Price = new(big.Int).Set(r.Price)
	}
	return &c
}

// RoundData is one answer of a price feed
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
	Decimals        uint8
}
