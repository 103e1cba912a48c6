package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/promo-ledger/internal/domain/loyalty"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (PROMO_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (PROMO_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Storage     StorageConfig
	Cache       CacheConfig
	Loyalty     LoyaltyConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	Driver         string        `default:"postgres" usage:"Store backend: postgres or memory"`
	ConnectTimeout time.Duration `default:"30s" usage:"Budget for the startup database ping" flag:"connect-timeout"`
}

// CacheConfig controls the advisory coupon-by-code cache.
type CacheConfig struct {
	Enabled         bool          `default:"true" usage:"Cache coupon lookups"`
	TTL             time.Duration `default:"5m" usage:"Coupon cache entry lifetime"`
	CleanupInterval time.Duration `default:"10m" usage:"Coupon cache eviction interval" flag:"cache-cleanup"`
}

// LoyaltyConfig holds the program constants.
type LoyaltyConfig struct {
	PointsPerUnit      int64 `default:"1" usage:"Points earned per spend unit"`
	UnitAmount         int64 `default:"1000" usage:"Spend unit in minor currency units"`
	PointValue         int64 `default:"10" usage:"Currency value of one point"`
	MinRedeem          int64 `default:"100" usage:"Minimum points per redemption"`
	ExpiryDays         int   `default:"365" usage:"Days until earned points expire"`
	ExpiringWindowDays int   `default:"30" usage:"Dashboard expiring-soon window"`
	ReviewPoints       int64 `default:"50" usage:"Points for a product review"`
	ReviewPhotoPoints  int64 `default:"100" usage:"Points for a review with photo"`
	ReferralPoints     int64 `default:"200" usage:"Points for a referral"`
	SignupPoints       int64 `default:"100" usage:"Points for signing up"`
	HistoryLimit       int   `default:"5" usage:"Recent activity entries on the dashboard"`
}

// Policy maps the configuration onto the ledger policy.
func (c LoyaltyConfig) Policy() loyalty.Policy {
	return loyalty.Policy{
		PointsPerUnit:      c.PointsPerUnit,
		UnitAmount:         c.UnitAmount,
		PointValue:         c.PointValue,
		MinRedeem:          c.MinRedeem,
		ExpiryDays:         c.ExpiryDays,
		ExpiringWindowDays: c.ExpiringWindowDays,
		ReviewPoints:       c.ReviewPoints,
		ReviewPhotoPoints:  c.ReviewPhotoPoints,
		ReferralPoints:     c.ReferralPoints,
		SignupPoints:       c.SignupPoints,
		HistoryLimit:       c.HistoryLimit,
	}
}

// RateLimitConfig controls the per-caller sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PROMO",
		Files:     []string{"config.yaml", "/etc/promo/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set PROMO_DATABASE_URL or DATABASE_URL")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Loyalty.UnitAmount <= 0 {
		return errors.New("loyalty unit amount must be positive")
	}
	if c.Loyalty.MinRedeem <= 0 {
		return errors.New("loyalty minimum redemption must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's PROMO_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
