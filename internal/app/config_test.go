package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promo-ledger/internal/domain/loyalty"
)

func validConfig() Config {
	return Config{
		Addr:        "0.0.0.0:8080",
		DatabaseURL: "postgres://localhost/promo",
		Storage:     StorageConfig{Driver: DriverPostgres},
		Loyalty: LoyaltyConfig{
			PointsPerUnit:      1,
			UnitAmount:         1000,
			PointValue:         10,
			MinRedeem:          100,
			ExpiryDays:         365,
			ExpiringWindowDays: 30,
			ReviewPoints:       50,
			ReviewPhotoPoints:  100,
			ReferralPoints:     200,
			SignupPoints:       100,
			HistoryLimit:       5,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "Valid", mutate: func(*Config) {}},
		{name: "MemoryNeedsNoDatabase", mutate: func(c *Config) {
			c.Storage.Driver = DriverMemory
			c.DatabaseURL = ""
		}},
		{name: "PostgresNeedsDatabase", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "database URL is required"},
		{name: "UnknownDriver", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, wantErr: `unknown storage driver "sqlite"`},
		{name: "ZeroUnit", mutate: func(c *Config) { c.Loyalty.UnitAmount = 0 }, wantErr: "unit amount"},
		{name: "ZeroMinRedeem", mutate: func(c *Config) { c.Loyalty.MinRedeem = 0 }, wantErr: "minimum redemption"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoyaltyConfig_PolicyMatchesDefaults(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, loyalty.DefaultPolicy(), cfg.Loyalty.Policy())
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9090")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)

	cfg = Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}
