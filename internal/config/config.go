package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rdobbeck/quaipump/internal/constants"
)

type Config struct {
	// Chain settings
	RPCUrl         string
	ChainID        int64
	PrivateKey     string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration

	// Market registry
	MarketsPath string

	// Trade policy
	MaxChunkTokens     *big.Int
	FeeBps             uint16
	PoolFeeBps         uint16
	DefaultSlippageBps uint16
	AutoApprove        bool

	// Risk limits, in whole QUAI; zero disables a limit
	MaxTradeQuai      decimal.Decimal
	DailyLimitQuai    decimal.Decimal
	MinGasBalanceQuai decimal.Decimal
	MaxPriceImpactBps uint16
	AllowedMarkets    []string

	// Redis settings
	RedisAddr string

	// ClickHouse settings
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	// HTTP API settings
	APIAddr   string
	APIKey    string
	DevMode   bool
	RateRPS   float64
	RateBurst int

	// HTTP client settings
	HTTPTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func Load() *Config {
	return &Config{
		// Chain
		RPCUrl:         getEnv("QUAI_RPC_URL", "https://rpc.quai.network/cyprus1"),
		ChainID:        int64(getIntEnv("QUAI_CHAIN_ID", 9)),
		PrivateKey:     getEnv("WALLET_PRIVATE_KEY", ""),
		PollInterval:   getDurationEnv("POLL_INTERVAL", constants.CurvePollInterval),
		ConfirmTimeout: getDurationEnv("CONFIRM_TIMEOUT", 2*time.Minute),

		// Markets
		MarketsPath: getEnv("MARKETS_PATH", "markets.yaml"),

		// Policy
		MaxChunkTokens:     getBigEnv("MAX_CHUNK_TOKENS", constants.DefaultMaxChunkTokens()),
		FeeBps:             uint16(getIntEnv("FEE_BPS", int(constants.CurveFeeBps))),
		PoolFeeBps:         uint16(getIntEnv("POOL_FEE_BPS", int(constants.PoolFeeBps))),
		DefaultSlippageBps: uint16(getIntEnv("DEFAULT_SLIPPAGE_BPS", int(constants.DefaultSlippageBps))),
		AutoApprove:        getBoolEnv("AUTO_APPROVE", true),

		// Risk
		MaxTradeQuai:      getDecimalEnv("MAX_TRADE_QUAI", decimal.NewFromInt(1_000)),
		DailyLimitQuai:    getDecimalEnv("DAILY_LIMIT_QUAI", decimal.NewFromInt(10_000)),
		MinGasBalanceQuai: getDecimalEnv("MIN_GAS_BALANCE_QUAI", decimal.RequireFromString("0.01")),
		MaxPriceImpactBps: uint16(getIntEnv("MAX_PRICE_IMPACT_BPS", 0)),
		AllowedMarkets:    getListEnv("ALLOWED_MARKETS"),

		// Redis
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),

		// ClickHouse
		ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "quaipump"),
		ClickHouseUsername: getEnv("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),

		// API
		APIAddr:   getEnv("API_ADDR", ":8080"),
		APIKey:    getEnv("API_KEY", ""),
		DevMode:   getBoolEnv("DEV_MODE", false),
		RateRPS:   getFloatEnv("API_RATE_RPS", 5),
		RateBurst: getIntEnv("API_RATE_BURST", 10),

		// HTTP
		HTTPTimeout:  getDurationEnv("HTTP_TIMEOUT", 30*time.Second),
		MaxRetries:   getIntEnv("MAX_RETRIES", 5),
		RetryBackoff: getDurationEnv("RETRY_BACKOFF", 2*time.Second),
	}
}

// Validate checks the trade-policy values that would make the engine unsafe.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCUrl) == "" {
		return fmt.Errorf("QUAI_RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("QUAI_CHAIN_ID must be > 0")
	}
	if c.MaxChunkTokens == nil || c.MaxChunkTokens.Sign() <= 0 {
		return fmt.Errorf("MAX_CHUNK_TOKENS must be > 0")
	}
	if c.FeeBps >= 10000 || c.PoolFeeBps >= 10000 {
		return fmt.Errorf("fee bps must be < 10000")
	}
	if c.DefaultSlippageBps == 0 || c.DefaultSlippageBps > constants.MaxSlippageBps {
		return fmt.Errorf("DEFAULT_SLIPPAGE_BPS must be in (0, %d]", constants.MaxSlippageBps)
	}
	if c.MaxTradeQuai.IsNegative() || c.DailyLimitQuai.IsNegative() || c.MinGasBalanceQuai.IsNegative() {
		return fmt.Errorf("risk limits must be >= 0")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getBigEnv reads a base-unit integer such as "16000000000000000000000000".
func getBigEnv(key string, defaultVal *big.Int) *big.Int {
	if val := os.Getenv(key); val != "" {
		if b, ok := new(big.Int).SetString(strings.TrimSpace(val), 10); ok {
			return b
		}
	}
	return defaultVal
}

func getDecimalEnv(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return defaultVal
}

// getListEnv splits a comma separated value, dropping empty items.
func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
