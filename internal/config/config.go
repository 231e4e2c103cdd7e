package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full service configuration, loaded from TOML with
// LEND_*-prefixed environment overrides for deploy-time knobs.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	NATS     NATSConfig     `toml:"nats"`
	Core     CoreConfig     `toml:"core"`
	Risk     RiskConfig     `toml:"risk"`
	Rates    RatesConfig    `toml:"rates"`
	Markets  []MarketConfig `toml:"markets"`
}

type ServerConfig struct {
	HTTPAddr string `toml:"http_addr"`
}

type PostgresConfig struct {
	URL            string `toml:"url"`
	BatchSize      int    `toml:"batch_size"`
	FlushTimeoutMs int    `toml:"flush_timeout_ms"`
}

func (p PostgresConfig) FlushTimeout() time.Duration {
	return time.Duration(p.FlushTimeoutMs) * time.Millisecond
}

type NATSConfig struct {
	URL     string `toml:"url"`
	Enabled bool   `toml:"enabled"`
}

type CoreConfig struct {
	Authority       string `toml:"authority"`
	OracleAuthority string `toml:"oracle_authority"`
	DedupCapacity   int    `toml:"dedup_capacity"`
	PersistBuffer   int    `toml:"persist_buffer"`
	PublishBuffer   int    `toml:"publish_buffer"`
}

type RiskConfig struct {
	// 1e18 mantissa decimal strings.
	CloseFactor          string `toml:"close_factor"`
	LiquidationIncentive string `toml:"liquidation_incentive"`
}

type RatesConfig struct {
	// Per-second rates as 1e18 mantissa decimal strings.
	BasePerSecond       string `toml:"base_per_second"`
	MultiplierPerSecond string `toml:"multiplier_per_second"`
}

type MarketConfig struct {
	Symbol              string `toml:"symbol"`
	UnderlyingSymbol    string `toml:"underlying_symbol"`
	UnderlyingDecimals  uint8  `toml:"underlying_decimals"`
	InitialExchangeRate string `toml:"initial_exchange_rate"`
	ReserveFactor       string `toml:"reserve_factor"`
	CollateralFactor    string `toml:"collateral_factor"`
}

// Load reads the TOML file, applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
		},
		Postgres: PostgresConfig{
			URL:            "postgres://localhost:5432/lendledger?sslmode=disable",
			BatchSize:      500,
			FlushTimeoutMs: 50,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Enabled: true,
		},
		Core: CoreConfig{
			Authority:       "governance",
			OracleAuthority: "oracle-feeder",
			DedupCapacity:   1_000_000,
			PersistBuffer:   4096,
			PublishBuffer:   4096,
		},
		Risk: RiskConfig{
			CloseFactor:          "500000000000000000",  // 0.5
			LiquidationIncentive: "1080000000000000000", // 1.08
		},
		Rates: RatesConfig{
			BasePerSecond:       "0",
			MultiplierPerSecond: "0",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEND_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("LEND_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("LEND_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LEND_AUTHORITY"); v != "" {
		cfg.Core.Authority = v
	}
	if v := os.Getenv("LEND_ORACLE_AUTHORITY"); v != "" {
		cfg.Core.OracleAuthority = v
	}
}

// Validate rejects configurations the core would refuse at runtime anyway;
// failing here gives an operator a line number instead of a startup crash.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Postgres.BatchSize <= 0 {
		return fmt.Errorf("postgres.batch_size must be positive")
	}
	if c.Postgres.FlushTimeoutMs <= 0 {
		return fmt.Errorf("postgres.flush_timeout_ms must be positive")
	}
	if c.Core.DedupCapacity <= 0 {
		return fmt.Errorf("core.dedup_capacity must be positive")
	}

	if _, err := c.MantissaField("risk.close_factor", c.Risk.CloseFactor); err != nil {
		return err
	}
	if _, err := c.MantissaField("risk.liquidation_incentive", c.Risk.LiquidationIncentive); err != nil {
		return err
	}
	if _, err := c.MantissaField("rates.base_per_second", c.Rates.BasePerSecond); err != nil {
		return err
	}
	if _, err := c.MantissaField("rates.multiplier_per_second", c.Rates.MultiplierPerSecond); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("markets[%d].symbol is required", i)
		}
		if seen[m.Symbol] {
			return fmt.Errorf("markets[%d]: duplicate symbol %q", i, m.Symbol)
		}
		seen[m.Symbol] = true
		if m.UnderlyingSymbol == "" {
			return fmt.Errorf("markets[%d].underlying_symbol is required", i)
		}
		if m.UnderlyingDecimals > 18 {
			return fmt.Errorf("markets[%d].underlying_decimals must be <= 18", i)
		}
		if _, err := c.MantissaField(fmt.Sprintf("markets[%d].initial_exchange_rate", i), m.InitialExchangeRate); err != nil {
			return err
		}
		if _, err := c.MantissaField(fmt.Sprintf("markets[%d].reserve_factor", i), m.ReserveFactor); err != nil {
			return err
		}
		if _, err := c.MantissaField(fmt.Sprintf("markets[%d].collateral_factor", i), m.CollateralFactor); err != nil {
			return err
		}
	}

	return nil
}

// MantissaField parses a decimal-string config value into a big.Int.
func (c *Config) MantissaField(name, value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%s: not a base-10 integer: %q", name, value)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s: must not be negative", name)
	}
	return v, nil
}
