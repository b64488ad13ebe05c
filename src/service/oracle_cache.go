package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/rs/zerolog"
)

// ReadingStore persists the last accepted reading across restarts
type ReadingStore interface {
	SaveReading(ctx context.Context, reading *domain.OracleReading) error
	LoadReading(ctx context.Context) (*domain.OracleReading, error)
}

// PriceOracleCache holds the last accepted token/native price and decides when to refresh it
type PriceOracleCache struct {
	source    OracleSource
	store     ReadingStore
	ttl       time.Duration
	maxAge    time.Duration
	threshold uint64
	now       func() time.Time
	mu        sync.Mutex
	reading   *domain.OracleReading
}

// NewPriceOracleCache builds a cache over source. store may be nil.
func NewPriceOracleCache(source OracleSource, store ReadingStore, oracleCfg domain.OracleHelperConfig, priceMaxAge time.Duration) *PriceOracleCache {
	return &PriceOracleCache{
		source:    source,
		store:     store,
		ttl:       oracleCfg.CacheTimeToLive,
		maxAge:    priceMaxAge,
		threshold: oracleCfg.PriceUpdateThreshold,
		now:       time.Now,
	}
}

func (c *PriceOracleCache) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "price_cache").Logger()
	return &l
}

// Restore loads the persisted reading, if any
func (c *PriceOracleCache) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	reading, err := c.store.LoadReading(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cached price: %w", err)
	}
	if reading == nil || reading.Price == nil || reading.Price.Sign() <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reading = reading
	c.logger(ctx).Info().
		Str("price", reading.Decimal().String()).
		Time("fetched_at", reading.FetchedAt).
		Msg("restored cached price")
	return nil
}

// Reading returns the cached reading without touching the oracle
func (c *PriceOracleCache) Reading() *domain.OracleReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reading.Clone()
}

// Price returns a usable reading, refreshing from the oracle when the cache is empty,
// forced, or older than the cache time-to-live. A reading older than PriceMaxAge is never returned.
func (c *PriceOracleCache) Price(ctx context.Context, force bool) (*domain.OracleReading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.reading != nil && !force && c.reading.Age(now) <= c.ttl && c.reading.Age(now) <= c.maxAge {
		return c.reading.Clone(), nil
	}

	fetched, err := c.source.Fetch(ctx)
	if err != nil {
		if c.reading != nil && c.reading.Age(now) <= c.maxAge {
			c.logger(ctx).Warn().Err(err).
				Dur("age", c.reading.Age(now)).
				Msg("oracle fetch failed, using cached price")
			return c.reading.Clone(), nil
		}
		c.logger(ctx).Error().Err(err).Msg("oracle fetch failed and no usable cached price")
		return nil, fmt.Errorf("%w: %w", domain.ErrPriceUnavailable, err)
	}
	fetched.FetchedAt = now

	if !c.shouldReplace(fetched, now, force) {
		c.logger(ctx).Debug().
			Str("cached", c.reading.Decimal().String()).
			Str("fetched", fetched.Decimal().String()).
			Msg("price change below update threshold")
		return c.reading.Clone(), nil
	}

	previous := c.reading
	c.reading = fetched
	c.persist(ctx)

	ev := c.logger(ctx).Info().
		Str("price", fetched.Decimal().String()).
		Str("source", fetched.Source).
		Bool("forced", force)
	if previous != nil {
		ev = ev.Str("previous", previous.Decimal().String())
	}
	ev.Msg("cached price updated")

	return fetched.Clone(), nil
}

func (c *PriceOracleCache) shouldReplace(fetched *domain.OracleReading, now time.Time, force bool) bool {
	if force || c.reading == nil || c.reading.Age(now) > c.maxAge {
		return true
	}
	return exceedsThreshold(c.reading.Price, fetched.Price, c.threshold)
}

// exceedsThreshold reports |new - old| / old > threshold / 1e6
func exceedsThreshold(old, fetched *big.Int, threshold uint64) bool {
	if old.Sign() == 0 {
		return true
	}
	diff := new(big.Int).Sub(fetched, old)
	diff.Abs(diff)
	lhs := diff.Mul(diff, big.NewInt(domain.PriceUpdateThresholdDenominator))
	rhs := new(big.Int).Mul(old, new(big.Int).SetUint64(threshold))
	return lhs.Cmp(rhs) > 0
}

func (c *PriceOracleCache) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveReading(ctx, c.reading); err != nil {
		c.logger(ctx).Warn().Err(err).Msg("failed to persist cached price")
	}
}
