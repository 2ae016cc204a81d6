package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/config"
	"github.com/layer-3/tollgate/core"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, config.BackendRedis, cfg.Store.Backend)
	assert.Equal(t, 90*24*time.Hour, cfg.Store.UsageRetention)
	assert.Equal(t, 5*time.Minute, cfg.Auth.ChallengeTTL)
	assert.True(t, cfg.Registration.AllowUnverifiedBurn)
	assert.True(t, cfg.Registration.RequiredBalance.Equal(decimal.NewFromInt(1000)))

	assert.True(t, cfg.RateLimits[core.ActionLogin].FailClosed)
	assert.True(t, cfg.RateLimits[core.ActionRegistration].FailClosed)
	assert.False(t, cfg.RateLimits[core.ActionInfo].FailClosed)
	assert.Equal(t, int64(20), cfg.RateLimits[core.ActionAnonymous].MaxRequests)
	assert.Equal(t, 24*time.Hour, cfg.RateLimits[core.ActionAnonymous].Window)

	assert.Len(t, cfg.Tiers.Tiers(), 5)
}

func TestLoad_Overrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("RATE_LIMIT_LOGIN_MAX", "3")
	t.Setenv("RATE_LIMIT_LOGIN_WINDOW", "30s")
	t.Setenv("REGISTRATION_BURN_AMOUNT", "250.5")
	t.Setenv("REGISTRATION_ALLOW_UNVERIFIED_BURN", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, int64(3), cfg.RateLimits[core.ActionLogin].MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimits[core.ActionLogin].Window)
	assert.True(t, cfg.Registration.BurnAmount.Equal(decimal.RequireFromString("250.5")))
	assert.False(t, cfg.Registration.AllowUnverifiedBurn)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HTTP_ADDR=:7777\n"), 0o600))
	t.Setenv("HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("HTTP_ADDR"))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.HTTPAddr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"SESSION_TTL":                   "forever",
		"REGISTRATION_REQUIRED_BALANCE": "lots",
		"STORE_BACKEND":                 "mongo",
		"EVENTS_BACKEND":                "kafka",
		"RATE_LIMIT_INFO_MAX":           "0",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(key, value)

			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestParseTierTable(t *testing.T) {
	table, err := config.ParseTierTable([]byte(`
tiers:
  - name: free
    threshold: 0
    daily_cap: 3
  - name: Pro
    threshold: "2500.5"
    daily_cap: 100
  - name: whale
    threshold: 1000000
    daily_cap: unlimited
`))
	require.NoError(t, err)

	tiers := table.Tiers()
	require.Len(t, tiers, 3)
	assert.Equal(t, "pro", tiers[1].Name)
	assert.True(t, tiers[1].Threshold.Equal(decimal.RequireFromString("2500.5")))
	assert.True(t, tiers[2].IsUnlimited())
	assert.Equal(t, "pro", table.Resolve(decimal.NewFromInt(3000)).Name)
}

func TestParseTierTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", `tiers: []`},
		{"nonzero floor", "tiers:\n  - {name: a, threshold: 5, daily_cap: 1}"},
		{"decreasing", "tiers:\n  - {name: a, threshold: 0, daily_cap: 1}\n  - {name: b, threshold: 10, daily_cap: 2}\n  - {name: c, threshold: 5, daily_cap: 3}"},
		{"duplicate", "tiers:\n  - {name: a, threshold: 0, daily_cap: 1}\n  - {name: a, threshold: 10, daily_cap: 2}"},
		{"bad cap", "tiers:\n  - {name: a, threshold: 0, daily_cap: lots}"},
		{"bad threshold", "tiers:\n  - {name: a, threshold: zero, daily_cap: 1}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseTierTable([]byte(tt.yaml))
			assert.ErrorIs(t, err, core.ErrInvalidTierTable)
		})
	}
}

func TestLoadTierTable_Default(t *testing.T) {
	table, err := config.LoadTierTable("")
	require.NoError(t, err)
	assert.Equal(t, core.TierFree, table.Lowest().Name)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
