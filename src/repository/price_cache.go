package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// readingTTL bounds how long a persisted price survives without being refreshed
const readingTTL = 7 * 24 * time.Hour

// PriceCacheRepository keeps the cached oracle reading and the last replenish attempt in redis
// so a restarted paymaster resumes with its previous state
type PriceCacheRepository struct {
	redis     *redis.Client
	keyPrefix string
}

func NewPriceCacheRepository(redis *redis.Client, keyPrefix string) *PriceCacheRepository {
	return &PriceCacheRepository{
		redis:     redis,
		keyPrefix: keyPrefix,
	}
}

func (r *PriceCacheRepository) readingKey() string {
	return r.keyPrefix + ":price"
}

func (r *PriceCacheRepository) replenishKey() string {
	return r.keyPrefix + ":replenish"
}

func (r *PriceCacheRepository) SaveReading(ctx context.Context, reading *domain.OracleReading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	return r.redis.Set(ctx, r.readingKey(), data, readingTTL).Err()
}

// LoadReading returns nil without error when no reading was saved
func (r *PriceCacheRepository) LoadReading(ctx context.Context) (*domain.OracleReading, error) {
	data, err := r.redis.Get(ctx, r.readingKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var reading domain.OracleReading
	if err := json.Unmarshal(data, &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	return &reading, nil
}

func (r *PriceCacheRepository) SaveReplenishStatus(ctx context.Context, status *domain.ReplenishStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal replenish status: %w", err)
	}
	return r.redis.Set(ctx, r.replenishKey(), data, 0).Err()
}

// LoadReplenishStatus returns nil without error when no attempt was recorded
func (r *PriceCacheRepository) LoadReplenishStatus(ctx context.Context) (*domain.ReplenishStatus, error) {
	data, err := r.redis.Get(ctx, r.replenishKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status domain.ReplenishStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal replenish status: %w", err)
	}
	return &status, nil
}
