package app

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethaccount/paymaster/erc4337"
)

type AppConfig struct {
	// =========================== REQUIRED ===========================

	// Database configuration (required)
	DSN *string
	// Redis configuration (required)
	RedisAddr *string
	// Private key of the paymaster owner; it signs deposits, stakes, transfers and swaps (required)
	PrivateKey *string
	// API secret for the admin endpoints (required)
	APISecret *string
	// JSON-RPC endpoint of the chain the paymaster serves (required)
	RPCURL *string
	// ERC-20 token accepted as payment (required)
	TokenAddress *string
	// Token price feed (required)
	TokenOracle *string

	// =========================== OPTIONAL ===========================

	// Logging configuration
	LogLevel *string
	LogFile  *string

	// HTTP server configuration
	Port        *string
	Host        *string
	Environment *string

	// CORS configuration
	AllowOrigins *[]string

	// Migration configuration
	MigrationPath *string

	// Paymaster parameter file (yaml)
	PaymasterConfigPath *string

	// Contracts
	EntryPointAddress *string
	NativeOracle      *string
	UniswapRouter     *string
	WETHAddress       *string

	// Oracle RPC throttle
	OracleCallsPerSecond *float64

	// Maintenance configuration
	InstanceID           *string
	PriceRefreshInterval *time.Duration
	SweepInterval        *time.Duration
	StaleAfter           *time.Duration

	// Deposit made at startup, in ether; empty skips the bootstrap
	BootstrapDeposit *string
	BootstrapStake   *string
}

func NewAppConfig() *AppConfig {
	config := &AppConfig{}

	// Load required configuration
	loadRequiredConfig(config)

	// Load optional configuration with defaults
	loadOptionalConfig(config)

	return config
}

// loadRequiredConfig loads all required configuration values and fails fast if any are missing
func loadRequiredConfig(config *AppConfig) {
	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		log.Fatalf("REQUIRED: DB_URL not set in environment")
	}
	config.DSN = &dsn

	redisAddr := os.Getenv("REDIS_URL")
	if redisAddr == "" {
		log.Fatalf("REQUIRED: REDIS_URL not set in environment")
	}
	config.RedisAddr = &redisAddr

	privateKey := os.Getenv("PRIVATE_KEY")
	if privateKey == "" {
		log.Fatalf("REQUIRED: PRIVATE_KEY not set in environment")
	}
	// Remove 0x prefix if it exists
	privateKey = strings.TrimPrefix(privateKey, "0x")
	config.PrivateKey = &privateKey

	apiSecret := os.Getenv("API_SECRET")
	if apiSecret == "" {
		log.Fatalf("REQUIRED: API_SECRET not set in environment")
	}
	config.APISecret = &apiSecret

	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		log.Fatalf("REQUIRED: RPC_URL not set in environment")
	}
	config.RPCURL = &rpcURL

	tokenAddress := os.Getenv("TOKEN_ADDRESS")
	if tokenAddress == "" {
		log.Fatalf("REQUIRED: TOKEN_ADDRESS not set in environment")
	}
	config.TokenAddress = &tokenAddress

	tokenOracle := os.Getenv("TOKEN_ORACLE")
	if tokenOracle == "" {
		log.Fatalf("REQUIRED: TOKEN_ORACLE not set in environment")
	}
	config.TokenOracle = &tokenOracle

	// CORS origins (required in production, optional in development)
	loadCORSConfig(config)
}

// loadOptionalConfig loads all optional configuration values with sensible defaults
func loadOptionalConfig(config *AppConfig) {
	port := getEnvWithDefault("PORT", "8080")
	config.Port = &port

	host := getEnvWithDefault("HOST", "localhost:"+port)
	config.Host = &host

	environment := getEnvWithDefault("ENVIRONMENT", "dev")
	config.Environment = &environment

	// Available levels: "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled"
	logLevel := getEnvWithDefault("LOG_LEVEL", "debug")
	config.LogLevel = &logLevel

	// Rotating JSON log file, disabled when empty
	logFile := os.Getenv("LOG_FILE")
	config.LogFile = &logFile

	migrationPath := getEnvWithDefault("MIGRATION_PATH", "file://migrations")
	config.MigrationPath = &migrationPath

	paymasterConfigPath := os.Getenv("PAYMASTER_CONFIG")
	config.PaymasterConfigPath = &paymasterConfigPath

	loadContractConfig(config)
	loadMaintenanceConfig(config)

	bootstrapDeposit := os.Getenv("BOOTSTRAP_DEPOSIT")
	config.BootstrapDeposit = &bootstrapDeposit

	bootstrapStake := os.Getenv("BOOTSTRAP_STAKE")
	config.BootstrapStake = &bootstrapStake
}

// loadCORSConfig handles CORS origins configuration with environment-specific behavior
func loadCORSConfig(config *AppConfig) {
	allowOriginsStr := os.Getenv("ALLOW_ORIGINS")
	var allowOrigins []string

	if allowOriginsStr != "" {
		allowOrigins = splitList(allowOriginsStr)
	} else {
		environment := os.Getenv("ENVIRONMENT")
		if environment == "" || environment == "development" || environment == "dev" {
			allowOrigins = []string{"http://localhost:5173"}
		} else {
			log.Fatalf("REQUIRED: ALLOW_ORIGINS not set in environment (required in production)")
		}
	}

	config.AllowOrigins = &allowOrigins
}

// loadContractConfig loads contract addresses; an empty native oracle means the token oracle quotes native directly
func loadContractConfig(config *AppConfig) {
	entryPoint := getEnvWithDefault("ENTRY_POINT_ADDRESS", erc4337.EntryPointV07.Hex())
	config.EntryPointAddress = &entryPoint

	nativeOracle := os.Getenv("NATIVE_ORACLE")
	config.NativeOracle = &nativeOracle

	// Uniswap SwapRouter02 and WETH9 on mainnet
	uniswapRouter := getEnvWithDefault("UNISWAP_ROUTER", "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45")
	config.UniswapRouter = &uniswapRouter

	weth := getEnvWithDefault("WETH_ADDRESS", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	config.WETHAddress = &weth

	callsPerSecond := getFloatEnv("ORACLE_CALLS_PER_SECOND", 5)
	config.OracleCallsPerSecond = &callsPerSecond
}

func loadMaintenanceConfig(config *AppConfig) {
	hostname, _ := os.Hostname()
	instanceID := getEnvWithDefault("INSTANCE_ID", hostname)
	config.InstanceID = &instanceID

	priceRefresh := getDurationEnv("PRICE_REFRESH_INTERVAL", time.Minute)
	config.PriceRefreshInterval = &priceRefresh

	sweep := getDurationEnv("SWEEP_INTERVAL", 5*time.Minute)
	config.SweepInterval = &sweep

	staleAfter := getDurationEnv("STALE_AFTER", 30*time.Minute)
	config.StaleAfter = &staleAfter
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getDurationEnv parses a Go duration such as "90s" with default fallback
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}

	log.Printf("Warning: Invalid %s value '%s', using default %s", key, value, defaultValue)
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		return parsed
	}

	log.Printf("Warning: Invalid %s value '%s', using default %v", key, value, defaultValue)
	return defaultValue
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
