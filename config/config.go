package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/layer-3/tollgate/core"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	Store        StoreConfig
	Database     DatabaseConfig
	Events       EventsConfig
	Auth         AuthConfig
	Cookie       CookieConfig
	CORS         CORSConfig
	Chain        ChainConfig
	Registration RegistrationConfig
	RateLimits   map[core.Action]core.RatePolicy
	Tiers        core.TierTable
}

type StoreConfig struct {
	Backend        string
	RedisURL       string
	UsageRetention time.Duration
}

type DatabaseConfig struct {
	Driver string
	URL    string
}

type EventsConfig struct {
	Backend string
}

type AuthConfig struct {
	SigningKeyFile string
	Issuer         string
	SessionTTL     time.Duration
	ChallengeTTL   time.Duration
}

// CookieConfig defines the cookies issued by the server. Both are HttpOnly.
type CookieConfig struct {
	Name     string
	AnonName string
	Domain   string
	Secure   bool
}

type CORSConfig struct {
	AllowedOrigins []string
}

type ChainConfig struct {
	SolanaRPCURL      string
	SolanaTokenMint   string
	SolanaDecimals    int32
	EVMRPCURL         string
	EVMTokenContract  string
	EVMDecimals       int32
	OracleTimeout     time.Duration
	BurnVerifyTimeout time.Duration
}

type RegistrationConfig struct {
	RequiredBalance     decimal.Decimal
	BurnAmount          decimal.Decimal
	AllowUnverifiedBurn bool
}

// Load reads the configuration from the environment, after loading an optional .env file
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		d, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	amount := func(key string, def decimal.Decimal) decimal.Decimal {
		d, err := getEnvDecimal(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	cfg := &Config{
		HTTPAddr:  getEnvString("HTTP_ADDR", ":9000"),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		Store: StoreConfig{
			Backend:        getEnvString("STORE_BACKEND", BackendRedis),
			RedisURL:       getEnvString("REDIS_URL", "redis://localhost:6379/0"),
			UsageRetention: duration("USAGE_RETENTION", 90*24*time.Hour),
		},
		Database: DatabaseConfig{
			Driver: getEnvString("DATABASE_DRIVER", "sqlite3"),
			URL:    getEnvString("DATABASE_URL", "tollgate.db"),
		},
		Events: EventsConfig{
			Backend: getEnvString("EVENTS_BACKEND", BackendRedis),
		},
		Auth: AuthConfig{
			SigningKeyFile: getEnvString("SIGNING_KEY_FILE", ""),
			Issuer:         getEnvString("TOKEN_ISSUER", "tollgate"),
			SessionTTL:     duration("SESSION_TTL", 24*time.Hour),
			ChallengeTTL:   duration("CHALLENGE_TTL", 5*time.Minute),
		},
		Cookie: CookieConfig{
			Name:     getEnvString("COOKIE_NAME", "tollgate_session"),
			AnonName: getEnvString("ANON_COOKIE_NAME", "tollgate_anon"),
			Domain:   getEnvString("COOKIE_DOMAIN", ""),
			Secure:   getEnvBool("COOKIE_SECURE", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
		},
		Chain: ChainConfig{
			SolanaRPCURL:      getEnvString("SOLANA_RPC_URL", ""),
			SolanaTokenMint:   getEnvString("SOLANA_TOKEN_MINT", ""),
			SolanaDecimals:    int32(getEnvInt("SOLANA_TOKEN_DECIMALS", 6)),
			EVMRPCURL:         getEnvString("EVM_RPC_URL", ""),
			EVMTokenContract:  getEnvString("EVM_TOKEN_CONTRACT", ""),
			EVMDecimals:       int32(getEnvInt("EVM_TOKEN_DECIMALS", 18)),
			OracleTimeout:     duration("ORACLE_TIMEOUT", 3*time.Second),
			BurnVerifyTimeout: duration("BURN_VERIFY_TIMEOUT", 5*time.Second),
		},
		Registration: RegistrationConfig{
			RequiredBalance:     amount("REGISTRATION_REQUIRED_BALANCE", decimal.NewFromInt(1_000)),
			BurnAmount:          amount("REGISTRATION_BURN_AMOUNT", decimal.NewFromInt(100)),
			AllowUnverifiedBurn: getEnvBool("REGISTRATION_ALLOW_UNVERIFIED_BURN", true),
		},
		RateLimits: map[core.Action]core.RatePolicy{
			core.ActionLogin: {
				MaxRequests: int64(getEnvInt("RATE_LIMIT_LOGIN_MAX", 10)),
				Window:      duration("RATE_LIMIT_LOGIN_WINDOW", time.Minute),
				FailClosed:  true,
			},
			core.ActionRegistration: {
				MaxRequests: int64(getEnvInt("RATE_LIMIT_REGISTRATION_MAX", 5)),
				Window:      duration("RATE_LIMIT_REGISTRATION_WINDOW", time.Hour),
				FailClosed:  true,
			},
			core.ActionAccess: {
				MaxRequests: int64(getEnvInt("RATE_LIMIT_ACCESS_MAX", 60)),
				Window:      duration("RATE_LIMIT_ACCESS_WINDOW", time.Minute),
				FailClosed:  true,
			},
			core.ActionInfo: {
				MaxRequests: int64(getEnvInt("RATE_LIMIT_INFO_MAX", 120)),
				Window:      duration("RATE_LIMIT_INFO_WINDOW", time.Minute),
				FailClosed:  false,
			},
			core.ActionAnonymous: {
				MaxRequests: int64(getEnvInt("RATE_LIMIT_ANONYMOUS_MAX", 20)),
				Window:      duration("RATE_LIMIT_ANONYMOUS_WINDOW", 24*time.Hour),
				FailClosed:  false,
			},
		},
	}

	if len(errs) > 0 {
		return nil, errs[0]
	}

	tiers, err := LoadTierTable(getEnvString("TIERS_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Tiers = tiers

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Events.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid EVENTS_BACKEND %q", c.Events.Backend)
	}

	for action, policy := range c.RateLimits {
		if policy.MaxRequests <= 0 || policy.Window <= 0 {
			return fmt.Errorf("rate limit for %s must have a positive max and window", action)
		}
	}

	if c.Auth.SessionTTL <= 0 || c.Auth.ChallengeTTL <= 0 {
		return fmt.Errorf("SESSION_TTL and CHALLENGE_TTL must be positive")
	}

	if c.Registration.RequiredBalance.IsNegative() || c.Registration.BurnAmount.IsNegative() {
		return fmt.Errorf("registration amounts must not be negative")
	}

	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount for %s: %q (%w)", key, value, err)
		}
		return amount, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
