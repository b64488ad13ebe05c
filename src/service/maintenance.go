package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const maintenanceLockKey = "paymaster:maintenance:lock"

type MaintenanceConfig struct {
	// PriceRefreshInterval drives UpdateCachedPrice(false)
	PriceRefreshInterval time.Duration
	// SweepInterval drives stale flagging and replenish
	SweepInterval time.Duration
	// StaleAfter is how long a precharge may wait for its post-op
	StaleAfter time.Duration
}

// MaintenanceWorker runs the periodic paymaster housekeeping.
// When a redis client is given only the instance holding the lock sweeps.
type MaintenanceWorker struct {
	paymaster  *Paymaster
	redis      *redis.Client
	instanceID string
	cfg        MaintenanceConfig
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewMaintenanceWorker(ctx context.Context, paymaster *Paymaster, redisClient *redis.Client, instanceID string, cfg MaintenanceConfig) *MaintenanceWorker {
	ctx, cancel := context.WithCancel(ctx)

	return &MaintenanceWorker{
		paymaster:  paymaster,
		redis:      redisClient,
		instanceID: instanceID,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (w *MaintenanceWorker) logger() *zerolog.Logger {
	l := zerolog.Ctx(w.ctx).With().Str("component", "maintenance").Logger()
	return &l
}

// Start launches the refresh and sweep loops
func (w *MaintenanceWorker) Start() {
	w.logger().Info().
		Dur("price_refresh_interval", w.cfg.PriceRefreshInterval).
		Dur("sweep_interval", w.cfg.SweepInterval).
		Msg("starting maintenance worker")

	if w.cfg.PriceRefreshInterval > 0 {
		w.wg.Add(1)
		go w.loop(w.cfg.PriceRefreshInterval, w.RefreshPrice)
	}
	if w.cfg.SweepInterval > 0 {
		w.wg.Add(1)
		go w.loop(w.cfg.SweepInterval, w.Sweep)
	}
}

// Stop cancels both loops and waits for them to return
func (w *MaintenanceWorker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.logger().Info().Msg("maintenance worker stopped")
}

func (w *MaintenanceWorker) loop(interval time.Duration, tick func(ctx context.Context)) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			tick(w.ctx)
		}
	}
}

// RefreshPrice keeps the cached price inside its time-to-live between operations
func (w *MaintenanceWorker) RefreshPrice(ctx context.Context) {
	if _, err := w.paymaster.UpdateCachedPrice(ctx, false); err != nil {
		w.logger().Error().Err(err).Msg("scheduled price refresh failed")
	}
}

// Sweep flags abandoned precharges and retries the swap-back
func (w *MaintenanceWorker) Sweep(ctx context.Context) {
	if !w.acquire(ctx) {
		return
	}

	if flagged := w.paymaster.FlagStale(ctx, w.cfg.StaleAfter); len(flagged) > 0 {
		for _, hash := range flagged {
			w.logger().Warn().Str("op_hash", hash.Hex()).Msg("precharge without post-op")
		}
	}
	if _, err := w.paymaster.MaybeReplenish(ctx); err != nil {
		w.logger().Error().Err(err).Msg("scheduled replenish failed")
	}
}

// acquire takes the sweep lock for one interval
func (w *MaintenanceWorker) acquire(ctx context.Context) bool {
	if w.redis == nil {
		return true
	}
	ok, err := w.redis.SetNX(ctx, maintenanceLockKey, w.instanceID, w.cfg.SweepInterval).Result()
	if err != nil {
		w.logger().Error().Err(err).Msg("failed to take maintenance lock")
		return false
	}
	if !ok {
		owner, _ := w.redis.Get(ctx, maintenanceLockKey).Result()
		if owner != w.instanceID {
			w.logger().Debug().Str("owner", owner).Msg("maintenance lock held elsewhere")
			return false
		}
	}
	return true
}
