// Package config loads service configuration from the environment, with an
// optional YAML file (CONFIG_FILE) underneath. Environment variables win.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Balance seeds the in-memory ledger for development.
type Balance struct {
	Token   string `yaml:"token"`
	Account string `yaml:"account"`
	Amount  uint64 `yaml:"amount"`
}

// Config is the full service configuration.
type Config struct {
	Port                 string
	DatabaseURL          string
	RedisURL             string
	CacheTTL             time.Duration
	LogLevel             string
	Migrate              bool
	MaxBidsPerAuction    int
	MaxOpenBidsPerBidder int
	MinFillFraction      decimal.Decimal
	Custodian            string
	FHEMasterKey         []byte // nil draws a random key at startup
	Balances             []Balance
}

// fileConfig mirrors Config in YAML form.
type fileConfig struct {
	Port                 string        `yaml:"port"`
	DatabaseURL          string        `yaml:"database_url"`
	RedisURL             string        `yaml:"redis_url"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	LogLevel             string        `yaml:"log_level"`
	Migrate              *bool         `yaml:"migrate"`
	MaxBidsPerAuction    *int          `yaml:"max_bids_per_auction"`
	MaxOpenBidsPerBidder *int          `yaml:"max_open_bids_per_bidder"`
	MinFillFraction      string        `yaml:"min_fill_fraction"`
	Custodian            string        `yaml:"custodian"`
	FHEMasterKey         string        `yaml:"fhe_master_key"`
	Balances             []Balance     `yaml:"balances"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Port:              "8080",
		CacheTTL:          30 * time.Second,
		LogLevel:          "info",
		MaxBidsPerAuction: 256,
		MinFillFraction:   decimal.New(1, -2),
		Custodian:         "engine",
	}
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from defaults, the YAML file named by
// CONFIG_FILE, then the environment as seen through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Default()

	if path := getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyYAML(data []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	setString(&c.Port, f.Port)
	setString(&c.DatabaseURL, f.DatabaseURL)
	setString(&c.RedisURL, f.RedisURL)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.Custodian, f.Custodian)
	if f.CacheTTL != 0 {
		c.CacheTTL = f.CacheTTL
	}
	if f.Migrate != nil {
		c.Migrate = *f.Migrate
	}
	if f.MaxBidsPerAuction != nil {
		c.MaxBidsPerAuction = *f.MaxBidsPerAuction
	}
	if f.MaxOpenBidsPerBidder != nil {
		c.MaxOpenBidsPerBidder = *f.MaxOpenBidsPerBidder
	}
	if f.MinFillFraction != "" {
		d, err := decimal.NewFromString(f.MinFillFraction)
		if err != nil {
			return fmt.Errorf("min_fill_fraction: %w", err)
		}
		c.MinFillFraction = d
	}
	if f.FHEMasterKey != "" {
		key, err := hex.DecodeString(f.FHEMasterKey)
		if err != nil {
			return fmt.Errorf("fhe_master_key: %w", err)
		}
		c.FHEMasterKey = key
	}
	c.Balances = append(c.Balances, f.Balances...)
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString(&c.Port, getenv("PORT"))
	setString(&c.DatabaseURL, getenv("DATABASE_URL"))
	setString(&c.RedisURL, getenv("REDIS_URL"))
	setString(&c.LogLevel, getenv("LOG_LEVEL"))
	setString(&c.Custodian, getenv("CUSTODIAN_ACCOUNT"))

	if v := getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		c.CacheTTL = d
	}
	if v := getenv("MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MIGRATE: %w", err)
		}
		c.Migrate = b
	}
	if v := getenv("MAX_BIDS_PER_AUCTION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_BIDS_PER_AUCTION: %w", err)
		}
		c.MaxBidsPerAuction = n
	}
	if v := getenv("MAX_OPEN_BIDS_PER_BIDDER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_OPEN_BIDS_PER_BIDDER: %w", err)
		}
		c.MaxOpenBidsPerBidder = n
	}
	if v := getenv("MIN_FILL_FRACTION"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("MIN_FILL_FRACTION: %w", err)
		}
		c.MinFillFraction = d
	}
	if v := getenv("FHE_MASTER_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return fmt.Errorf("FHE_MASTER_KEY: %w", err)
		}
		c.FHEMasterKey = key
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("port %q is not a valid TCP port", c.Port))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive"))
	}
	if c.MaxBidsPerAuction < 0 || c.MaxOpenBidsPerBidder < 0 {
		errs = append(errs, errors.New("bid limits must not be negative"))
	}
	if !c.MinFillFraction.IsPositive() || c.MinFillFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("min fill fraction %s must be in (0, 1)", c.MinFillFraction))
	}
	if c.Custodian == "" {
		errs = append(errs, errors.New("custodian account is required"))
	}
	if c.FHEMasterKey != nil && len(c.FHEMasterKey) < 16 {
		errs = append(errs, errors.New("fhe master key must be at least 16 bytes"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
