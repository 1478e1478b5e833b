package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdobbeck/quaipump/internal/constants"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MAX_CHUNK_TOKENS", "")
	t.Setenv("FEE_BPS", "")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, constants.DefaultMaxChunkTokens().String(), cfg.MaxChunkTokens.String())
	assert.Equal(t, uint16(100), cfg.FeeBps)
	assert.Equal(t, uint16(30), cfg.PoolFeeBps)
	assert.Equal(t, uint16(100), cfg.DefaultSlippageBps)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MAX_CHUNK_TOKENS", "16000000")
	t.Setenv("FEE_BPS", "250")
	t.Setenv("CONFIRM_TIMEOUT", "45s")
	t.Setenv("AUTO_APPROVE", "false")

	cfg := Load()
	assert.Equal(t, "16000000", cfg.MaxChunkTokens.String())
	assert.Equal(t, uint16(250), cfg.FeeBps)
	assert.Equal(t, "45s", cfg.ConfirmTimeout.String())
	assert.False(t, cfg.AutoApprove)
}

func TestValidate(t *testing.T) {
	t.Setenv("MAX_CHUNK_TOKENS", "not-a-number")
	cfg := Load()
	// Unparseable values fall back to the default.
	require.NoError(t, cfg.Validate())

	cfg.DefaultSlippageBps = 5001
	assert.Error(t, cfg.Validate())

	cfg.DefaultSlippageBps = 100
	cfg.FeeBps = 10000
	assert.Error(t, cfg.Validate())

	cfg.FeeBps = 100
	cfg.MaxChunkTokens.SetInt64(0)
	assert.Error(t, cfg.Validate())
}

func TestLoad_RiskLimits(t *testing.T) {
	t.Setenv("MAX_TRADE_QUAI", "2.5")
	t.Setenv("DAILY_LIMIT_QUAI", "garbage")
	t.Setenv("ALLOWED_MARKETS", " PUMP, ,moon ")

	cfg := Load()
	assert.Equal(t, "2.5", cfg.MaxTradeQuai.String())
	assert.Equal(t, "10000", cfg.DailyLimitQuai.String())
	assert.Equal(t, []string{"PUMP", "moon"}, cfg.AllowedMarkets)

	cfg.MinGasBalanceQuai = cfg.MinGasBalanceQuai.Neg()
	assert.Error(t, cfg.Validate())
}
