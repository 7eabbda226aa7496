package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/finance"
	"github.com/warp/ledger-engine/saka"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, saka.DefaultConfig().BaseRewards, cfg.SAKA.BaseRewards)
	assert.Equal(t, saka.DefaultConfig().DailyCaps, cfg.SAKA.DailyCaps)
	assert.Equal(t, time.UTC, cfg.SAKA.Location)
	assert.True(t, cfg.Compost.Rate.Equal(saka.DefaultCompostConfig().Rate))
	assert.True(t, cfg.Finance.CommissionRate.Equal(finance.DefaultConfig().CommissionRate))
	assert.Equal(t, finance.DefaultConfig().CommissionOwner, cfg.Finance.CommissionOwner)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DB_DSN", "postgres://ledger@localhost/ledger")
	t.Setenv("SAKA_BASE_REWARDS", "content_read=12, poll_vote=7")
	t.Setenv("COMPOST_RATE", "0.25")
	t.Setenv("FINANCE_EQUITY_ENABLED", "true")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SAKA_TIMEZONE", "Europe/Paris")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.Database.DSN)
	assert.Equal(t, map[saka.Reason]int64{saka.ReasonContentRead: 12, saka.ReasonPollVote: 7}, cfg.SAKA.BaseRewards)
	assert.Equal(t, "0.25", cfg.Compost.Rate.String())
	assert.True(t, cfg.Finance.EquityEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "Europe/Paris", cfg.SAKA.Location.String())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_driver: memory\nretry_max_attempts: 5\nsaka_manual_window: 12h\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 12*time.Hour, cfg.SAKA.ManualWindow)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad duration", "RETRY_BASE_DELAY", "soon"},
		{"bad decimal", "FINANCE_COMMISSION_RATE", "five percent"},
		{"bad pair", "SAKA_DAILY_CAPS", "content_read"},
		{"unknown driver", "DB_DRIVER", "oracle"},
		{"rate above one", "COMPOST_RATE", "1.5"},
		{"fees above one", "FINANCE_ESTIMATED_FEE_RATE", "0.99"},
		{"no attempts", "RETRY_MAX_ATTEMPTS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadEnv_MissingFileIsFine(t *testing.T) {
	assert.NoError(t, config.LoadEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_TEST_VALUE=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LEDGER_TEST_VALUE") })

	require.NoError(t, config.LoadEnv(path))
	assert.Equal(t, "from-dotenv", os.Getenv("LEDGER_TEST_VALUE"))
}
