package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// LemonSqueezyAPIKey authenticates requests against the LemonSqueezy API.
	LemonSqueezyAPIKey string

	// LemonSqueezyAPIURL overrides the API base URL (tests, proxies).
	LemonSqueezyAPIURL string

	// LemonSqueezyWebhookSecret is the signing secret configured on the LemonSqueezy webhook.
	// The webhook route rejects every delivery when it is empty.
	LemonSqueezyWebhookSecret string

	// LemonSqueezyRateLimit is the outbound request budget per minute.
	LemonSqueezyRateLimit int

	// AnnualSeatPrice is the price of one seat for a full year, used for proration.
	AnnualSeatPrice decimal.Decimal

	// RedisURL enables the shared seat lock when set (redis://host:port/db).
	RedisURL string

	// SeatLockTTL bounds how long a seat-change lock may be held, and so how
	// long the LemonSqueezy calls of one change may take.
	SeatLockTTL time.Duration

	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress      = ":18111"
	defaultLemonSqueezyAPIURL = "https://api.lemonsqueezy.com/v1"
	defaultLemonSqueezyRate   = 300
	defaultAnnualSeatPrice    = "1200"
	defaultSeatLockTTL        = 2 * time.Minute
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"

	envServerAddress      = "BACKEND_ADDR"
	envDatabaseURL        = "DATABASE_URL"
	envLemonSqueezyAPIKey = "LEMONSQUEEZY_API_KEY"
	envLemonSqueezyAPIURL = "LEMONSQUEEZY_API_URL"
	envLemonSqueezySecret = "LEMONSQUEEZY_WEBHOOK_SECRET"
	envLemonSqueezyRate   = "LEMONSQUEEZY_RATE_LIMIT"
	envAnnualSeatPrice    = "SEAT_PRICE_ANNUAL"
	envRedisURL           = "REDIS_URL"
	envSeatLockTTL        = "SEAT_LOCK_TTL"
	envLogLevel           = "LOG_LEVEL"
	envLogFormat          = "LOG_FORMAT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:             firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:               os.Getenv(envDatabaseURL),
		LemonSqueezyAPIKey:        os.Getenv(envLemonSqueezyAPIKey),
		LemonSqueezyAPIURL:        firstNonEmpty(os.Getenv(envLemonSqueezyAPIURL), defaultLemonSqueezyAPIURL),
		LemonSqueezyWebhookSecret: os.Getenv(envLemonSqueezySecret),
		LemonSqueezyRateLimit:     defaultLemonSqueezyRate,
		RedisURL:                  os.Getenv(envRedisURL),
		SeatLockTTL:               defaultSeatLockTTL,
		LogLevel:                  firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:                 firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errMissingDatabaseURL
	}
	if cfg.LemonSqueezyAPIKey == "" {
		return Config{}, fmt.Errorf("%s is required", envLemonSqueezyAPIKey)
	}

	price, err := decimal.NewFromString(firstNonEmpty(os.Getenv(envAnnualSeatPrice), defaultAnnualSeatPrice))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAnnualSeatPrice, err)
	}
	if price.IsNegative() {
		return Config{}, fmt.Errorf("invalid %s: must not be negative", envAnnualSeatPrice)
	}
	cfg.AnnualSeatPrice = price

	if value := os.Getenv(envLemonSqueezyRate); value != "" {
		rate, err := strconv.Atoi(value)
		if err != nil || rate <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envLemonSqueezyRate, value)
		}
		cfg.LemonSqueezyRateLimit = rate
	}

	if value := os.Getenv(envSeatLockTTL); value != "" {
		ttl, err := time.ParseDuration(value)
		if err != nil || ttl <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envSeatLockTTL, value)
		}
		cfg.SeatLockTTL = ttl
	}

	return cfg, nil
}

var errMissingDatabaseURL = fmt.Errorf("%s is required", envDatabaseURL)

// DatabaseURL returns only the database DSN, for tools that do not talk to
// LemonSqueezy.
func DatabaseURL() (string, error) {
	dsn := os.Getenv(envDatabaseURL)
	if dsn == "" {
		return "", errMissingDatabaseURL
	}
	return dsn, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
