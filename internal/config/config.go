// Package config loads the engine's tunables from defaults, an optional
// config.yaml, and environment variables (highest precedence).
package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/tokensim/trade-engine/internal/ledger"
)

// Config is the full configuration surface. Freshness thresholds trade
// price accuracy against upstream load; they are tunables, not constants.
type Config struct {
	Port        string `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	Freshness        time.Duration `mapstructure:"freshness"`
	MaxAge           time.Duration `mapstructure:"max_age"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
	CacheCapacity    int           `mapstructure:"cache_capacity"`
	SharedCacheTTL   time.Duration `mapstructure:"shared_cache_ttl"`

	FillFreshness      time.Duration      `mapstructure:"fill_freshness"`
	FeeRates           map[string]float64 `mapstructure:"fee_rates"`
	StartingBalanceUSD float64            `mapstructure:"starting_balance_usd"`

	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshWindow   time.Duration `mapstructure:"refresh_window"`
	PortfolioTTL    time.Duration `mapstructure:"portfolio_ttl"`
}

// Load reads configuration. A missing config file is fine; env vars
// (e.g. ENGINE_DATABASE_URL) override file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("freshness", 10*time.Second)
	v.SetDefault("max_age", 60*time.Second)
	v.SetDefault("fetch_timeout", 8*time.Second)
	v.SetDefault("breaker_threshold", 5)
	v.SetDefault("breaker_cooldown", 60*time.Second)
	v.SetDefault("batch_concurrency", 5)
	v.SetDefault("cache_capacity", 1024)
	v.SetDefault("shared_cache_ttl", 60*time.Second)
	v.SetDefault("fill_freshness", 5*time.Minute)
	v.SetDefault("fee_rates", map[string]float64{"platform": 0.01})
	v.SetDefault("starting_balance_usd", 10000)
	v.SetDefault("refresh_interval", 15*time.Second)
	v.SetDefault("refresh_window", 10*time.Minute)
	v.SetDefault("portfolio_ttl", 5*time.Second)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FeeSchedule builds the ledger fee schedule from the configured rates.
func (c *Config) FeeSchedule() ledger.FeeSchedule {
	if len(c.FeeRates) == 0 {
		return ledger.DefaultFeeSchedule()
	}
	schedule := make(ledger.FeeSchedule, 0, len(c.FeeRates))
	for name, rate := range c.FeeRates {
		schedule = append(schedule, ledger.FeeComponent{
			Name: name,
			Rate: decimal.NewFromFloat(rate),
		})
	}
	return schedule
}

// StartingBalance returns the paper-account starting balance as a decimal.
func (c *Config) StartingBalance() decimal.Decimal {
	return decimal.NewFromFloat(c.StartingBalanceUSD)
}
