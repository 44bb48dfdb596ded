package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig
	Chain    ChainConfig
	Pricing  PricingConfig
	Provider ProviderConfig
	Redeemer RedeemerConfig
	Server   ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	// RPCURL must be a websocket endpoint: the event ingestor uses
	// eth_subscribe, which is not available over plain HTTP.
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	OwnerPrivateKey string `mapstructure:"owner_private_key"`
	ChainID         int64  `mapstructure:"chain_id"`
}

type PricingConfig struct {
	USDCentsPerPOL int64 `mapstructure:"usd_cents_per_pol"`
}

type ProviderConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	TimeoutSec int64  `mapstructure:"timeout_sec"`
}

type RedeemerConfig struct {
	IntervalSec         int64 `mapstructure:"interval_sec"`
	ConfirmTimeoutSec   int64 `mapstructure:"confirm_timeout_sec"`
	MaxAttempts         int64 `mapstructure:"max_attempts"`
	StaleReservationSec int64 `mapstructure:"stale_reservation_sec"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 3001)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("pricing.usd_cents_per_pol", 19)
	v.SetDefault("provider.timeout_sec", 120)
	v.SetDefault("redeemer.interval_sec", 3600)
	v.SetDefault("redeemer.confirm_timeout_sec", 180)
	v.SetDefault("redeemer.max_attempts", 5)
	v.SetDefault("redeemer.stale_reservation_sec", 600)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"chain.rpc_url":                  "RPC_URL",
		"chain.contract_address":         "CHANNEL_CONTRACT",
		"chain.owner_private_key":        "OWNER_PRIVATE_KEY",
		"chain.chain_id":                 "CHAIN_ID",
		"pricing.usd_cents_per_pol":      "USD_CENTS_PER_POL",
		"provider.api_key":               "OPENAI_API_KEY",
		"provider.base_url":              "OPENAI_BASE_URL",
		"provider.timeout_sec":           "PROVIDER_TIMEOUT_SEC",
		"redeemer.interval_sec":          "REDEEM_INTERVAL_SEC",
		"redeemer.confirm_timeout_sec":   "REDEEM_CONFIRM_TIMEOUT_SEC",
		"redeemer.max_attempts":          "REDEEM_MAX_ATTEMPTS",
		"redeemer.stale_reservation_sec": "STALE_RESERVATION_SEC",
		"server.port":                    "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.ContractAddress, "CHANNEL_CONTRACT"},
		{c.Chain.OwnerPrivateKey, "OWNER_PRIVATE_KEY"},
		{c.Provider.APIKey, "OPENAI_API_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Pricing.USDCentsPerPOL <= 0 {
		return fmt.Errorf("USD_CENTS_PER_POL must be positive")
	}
	return nil
}
