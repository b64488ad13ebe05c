package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethaccount/paymaster/src/handler"
	"github.com/ethaccount/paymaster/src/repository"
	"github.com/ethaccount/paymaster/src/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/rs/zerolog"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Application struct {
	config      AppConfig
	database    *gorm.DB
	redis       *redis.Client
	eth         *ethclient.Client
	chainID     *big.Int
	Paymaster   *service.Paymaster
	Operations  *repository.SettlementRepository
	Maintenance *service.MaintenanceWorker
}

func NewApplication(ctx context.Context, config AppConfig) (*Application, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", "NewApplication").Logger()

	settings, err := LoadPaymasterSettings(*config.PaymasterConfigPath,
		common.HexToAddress(*config.NativeOracle), common.HexToAddress(*config.TokenOracle))
	if err != nil {
		return nil, fmt.Errorf("failed to load paymaster settings: %w", err)
	}

	// Connect to Redis
	redisOpts, err := redis.ParseURL(*config.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(redisOpts)

	// Test Redis connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connection to redis failed: %w", err)
	}
	logger.Info().Msg("Redis connection established")

	// Connect to database
	database, err := gorm.Open(postgresDriver.Open(*config.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connection to database failed: %w", err)
	}

	// Test database connection
	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connection to database failed: %w", err)
	}

	logger.Info().Msg("Database connection established")

	// run migration files
	if err := Migrate(*config.DSN, *config.MigrationPath, true); err != nil {
		return nil, err
	}

	// Connect to the chain
	eth, err := ethclient.DialContext(ctx, *config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	logger.Info().Str("chain_id", chainID.String()).Msg("RPC connection established")

	transactor, err := erc4337.NewTransactor(eth, *config.PrivateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	paymasterAddr := transactor.Address()

	entryPointAddr := common.HexToAddress(*config.EntryPointAddress)
	entryPoint := erc4337.NewEntryPointClient(entryPointAddr, eth, transactor)
	token := service.NewERC20Ledger(common.HexToAddress(*config.TokenAddress), transactor)

	// Price feeds
	maxRoundAge := settings.Oracle.MaxOracleRoundAge
	tokenFeed := service.NewChainlinkFeed(settings.Oracle.TokenOracle, eth, maxRoundAge, *config.OracleCallsPerSecond)
	var nativeFeed service.PriceFeed
	if !settings.Oracle.TokenToNativeOracle {
		nativeFeed = service.NewChainlinkFeed(settings.Oracle.NativeOracle, eth, maxRoundAge, *config.OracleCallsPerSecond)
	}
	source := service.NewOracleSource(settings.Oracle, nativeFeed, tokenFeed)

	priceCacheRepo := repository.NewPriceCacheRepository(rdb, "paymaster:"+paymasterAddr.Hex())
	cache := service.NewPriceOracleCache(source, priceCacheRepo, settings.Oracle, settings.Paymaster.PriceMaxAge)
	if err := cache.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore cached price")
	}

	converter := service.NewPriceConverter(settings.Paymaster.PriceMarkup)

	settlementRepo := repository.NewSettlementRepository(database)
	settlement := service.NewSettlementAccount(token, paymasterAddr, converter, settings.Paymaster.RefundPostopCost, settlementRepo)
	if err := settlement.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore open operations: %w", err)
	}

	venue := service.NewUniswapVenue(common.HexToAddress(*config.UniswapRouter), common.HexToAddress(*config.WETHAddress), token, transactor)
	replenisher := service.NewLiquidityReplenisher(service.ReplenisherParams{
		EntryPoint:           entryPoint,
		Token:                token,
		TokenAddress:         token.Address(),
		Venue:                venue,
		Converter:            converter,
		Paymaster:            paymasterAddr,
		MinEntryPointBalance: settings.Paymaster.MinEntryPointBalance,
		Config:               settings.Uniswap,
		Store:                priceCacheRepo,
	})
	if err := replenisher.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore replenish status")
	}

	paymaster, err := service.NewPaymaster(service.PaymasterParams{
		Address:           paymasterAddr,
		EntryPoint:        entryPoint,
		EntryPointAddress: entryPointAddr,
		Config:            settings.Paymaster,
		Cache:             cache,
		Converter:         converter,
		Settlement:        settlement,
		Replenisher:       replenisher,
		Token:             token,
	})
	if err != nil {
		return nil, fmt.Errorf("creation of paymaster failed: %w", err)
	}

	if err := bootstrap(ctx, paymaster, entryPoint, config); err != nil {
		return nil, err
	}

	if _, err := paymaster.UpdateCachedPrice(ctx, true); err != nil {
		// validation falls back to the restored price until the oracle answers
		logger.Warn().Err(err).Msg("initial price refresh failed")
	}

	maintenance := service.NewMaintenanceWorker(ctx, paymaster, rdb, *config.InstanceID, service.MaintenanceConfig{
		PriceRefreshInterval: *config.PriceRefreshInterval,
		SweepInterval:        *config.SweepInterval,
		StaleAfter:           *config.StaleAfter,
	})

	logger.Info().
		Str("paymaster", paymasterAddr.Hex()).
		Str("entry_point", entryPointAddr.Hex()).
		Str("token", token.Address().Hex()).
		Str("oracle", source.Describe()).
		Msg("Paymaster initialized")

	return &Application{
		config:      config,
		database:    database,
		redis:       rdb,
		eth:         eth,
		chainID:     chainID,
		Paymaster:   paymaster,
		Operations:  settlementRepo,
		Maintenance: maintenance,
	}, nil
}

// bootstrap stakes and funds the paymaster when BOOTSTRAP_DEPOSIT is set
func bootstrap(ctx context.Context, paymaster *service.Paymaster, entryPoint *erc4337.EntryPointClient, config AppConfig) error {
	if *config.BootstrapDeposit == "" {
		return nil
	}
	deposit, err := ParseEther(*config.BootstrapDeposit)
	if err != nil {
		return err
	}
	// the entry point requires a non-zero stake; one wei and a one day delay as in the deployment script
	stake := big.NewInt(1)
	if *config.BootstrapStake != "" {
		if stake, err = ParseEther(*config.BootstrapStake); err != nil {
			return err
		}
	}

	// a restarted service keeps its stake and only tops up the deposit
	info, err := entryPoint.GetDepositInfo(ctx, paymaster.Address())
	if err != nil {
		return fmt.Errorf("failed to read deposit info: %w", err)
	}
	if info.Staked {
		zerolog.Ctx(ctx).Info().
			Str("stake", info.Stake.String()).
			Uint32("unstake_delay_sec", info.UnstakeDelaySec).
			Msg("Paymaster already staked")
		stake = nil
	}
	if err := paymaster.Bootstrap(ctx, stake, 86400, deposit); err != nil {
		return fmt.Errorf("failed to bootstrap paymaster: %w", err)
	}
	return nil
}

func (app *Application) Shutdown(ctx context.Context) {
	logger := zerolog.Ctx(ctx).With().Str("function", "Shutdown").Logger()

	// Close RPC connection
	if app.eth != nil {
		app.eth.Close()
		logger.Info().Msg("RPC connection closed")
	}

	// Close database connection
	if app.database != nil {
		db, err := app.database.DB()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to get underlying database connection")
		} else {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close database connection")
			} else {
				logger.Info().Msg("Database connection closed")
			}
		}
	}

	// Close Redis connection
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close redis connection")
		} else {
			logger.Info().Msg("Redis connection closed")
		}
	}
}

func (app *Application) RunHTTPServer(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := zerolog.Ctx(ctx).With().Str("function", "RunHTTPServer").Logger()

	// Set to release mode to disable Gin logger
	gin.SetMode(gin.ReleaseMode)

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())

	// Register routes
	handler.RegisterRoutes(ctx, ginRouter, handler.RouteConfig{
		AllowOrigins:  *app.config.AllowOrigins,
		APISecret:     *app.config.APISecret,
		EnableSwagger: true,
	}, handler.NewPaymasterHandler(app.Paymaster, app.Operations, app.chainID))

	// Build HTTP server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *app.config.Port),
		Handler:           ginRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Msgf("HTTP server is on http://localhost:%s/api/v1/health", *app.config.Port)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panic().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	logger.Info().Msg("Gracefully shutting down HTTP server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to shutdown HTTP server gracefully")
	} else {
		logger.Info().Msg("HTTP server shutdown complete")
	}
}

func (app *Application) RunMaintenanceWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := zerolog.Ctx(ctx).With().Str("function", "RunMaintenanceWorker").Logger()
	logger.Info().Msg("Starting maintenance worker")

	app.Maintenance.Start()

	<-ctx.Done()
	logger.Info().Msg("Stopping maintenance worker...")

	app.Maintenance.Stop()

	logger.Info().Msg("Maintenance worker stopped")
}
