// Package config loads service settings from SETTLE_* environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"SettleLedger/internal/autobuy"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/vault"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Storage. An empty DSN runs on the in-memory store.
	PostgresURL   string
	MigrationsDir string

	// Optional transports
	NATSURL  string
	RedisURL string

	// gRPC/HTTP/Metrics
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string

	QuoteAsset string

	// Execution
	SlippageBps    int64
	ChunkTimeout   time.Duration
	MaxChunkAmount string
	MaxChunks      int
	OrderLockTTL   time.Duration
	// AutoBuyResumeWindow bounds how far back the startup sweep looks for
	// credited deposits with unfinished auto-buys. Zero disables it.
	AutoBuyResumeWindow time.Duration

	// Oracle guard
	OracleEnabled bool
	MaxSpreadBps  int64
	OracleMaxAge  time.Duration

	// Webhooks
	PaymentProvider  string
	WebhookSecret    string
	WebhookTolerance time.Duration
	WebhookRPS       float64
	WebhookBurst     int

	// LRU
	IdempotencyLRUCapacity int
	PublishBuffer          int

	File File
}

// File is the optional YAML document named by SETTLE_CONFIG_FILE.
type File struct {
	Products []ProductConfig  `yaml:"products"`
	Decimals DecimalsConfig   `yaml:"decimals"`
	Vaults   []VaultConfig    `yaml:"vaults"`
	Oracle   OracleFileConfig `yaml:"oracle"`
	Venue    []PriceConfig    `yaml:"venue"`
}

// ProductConfig is an auto-buy product template.
type ProductConfig struct {
	ID          string             `yaml:"id"`
	Allocations []AllocationConfig `yaml:"allocations"`
}

type AllocationConfig struct {
	Symbol string `yaml:"symbol"`
	Weight string `yaml:"weight"`
}

// DecimalsConfig overrides the registry. Symbols maps a symbol to its
// decimals; Assets pins a chain/symbol/contract triple.
type DecimalsConfig struct {
	Symbols map[string]int     `yaml:"symbols"`
	Assets  []AssetDecimalsCfg `yaml:"assets"`
}

type AssetDecimalsCfg struct {
	Chain    string `yaml:"chain"`
	Symbol   string `yaml:"symbol"`
	Contract string `yaml:"contract"`
	Decimals int    `yaml:"decimals"`
}

type VaultConfig struct {
	ID             string `yaml:"id"`
	Asset          string `yaml:"asset"`
	NativeDecimals int    `yaml:"native_decimals"`
}

// OracleFileConfig seeds reference prices and overrides guard tuning.
type OracleFileConfig struct {
	MaxAge Duration      `yaml:"max_age"`
	Prices []PriceConfig `yaml:"prices"`
}

// PriceConfig is a base/quote price list. The venue section uses one entry
// per consecutive chunk; the oracle uses the first.
type PriceConfig struct {
	Base   string   `yaml:"base"`
	Quote  string   `yaml:"quote"`
	Prices []string `yaml:"prices"`
}

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Load reads the environment and, when SETTLE_CONFIG_FILE is set, the
// YAML file it names.
func Load() (Config, error) {
	cfg := Config{
		PostgresURL:            os.Getenv("SETTLE_POSTGRES_DSN"),
		MigrationsDir:          envOrDefault("SETTLE_MIGRATIONS_DIR", "migrations"),
		NATSURL:                os.Getenv("SETTLE_NATS_URL"),
		RedisURL:               os.Getenv("SETTLE_REDIS_URL"),
		GRPCAddr:               envOrDefault("SETTLE_GRPC_ADDR", ":9090"),
		HTTPAddr:               envOrDefault("SETTLE_HTTP_ADDR", ":8080"),
		MetricsAddr:            envOrDefault("SETTLE_METRICS_ADDR", ":9091"),
		QuoteAsset:             strings.ToUpper(envOrDefault("SETTLE_QUOTE_ASSET", "BRL")),
		SlippageBps:            int64(envIntOrDefault("SETTLE_SLIPPAGE_BPS", 50)),
		ChunkTimeout:           envDurationOrDefault("SETTLE_CHUNK_TIMEOUT", 30*time.Second),
		MaxChunkAmount:         envOrDefault("SETTLE_MAX_CHUNK_AMOUNT", "5000"),
		MaxChunks:              envIntOrDefault("SETTLE_MAX_CHUNKS", autobuy.DefaultMaxChunks),
		OrderLockTTL:           envDurationOrDefault("SETTLE_ORDER_LOCK_TTL", 2*time.Minute),
		AutoBuyResumeWindow:    envDurationOrDefault("SETTLE_AUTOBUY_RESUME_WINDOW", 24*time.Hour),
		OracleEnabled:          envBoolOrDefault("SETTLE_ORACLE_ENABLED", true),
		MaxSpreadBps:           int64(envIntOrDefault("SETTLE_MAX_SPREAD_BPS", 75)),
		OracleMaxAge:           envDurationOrDefault("SETTLE_ORACLE_MAX_AGE", 2*time.Minute),
		PaymentProvider:        strings.ToLower(envOrDefault("SETTLE_PAYMENT_PROVIDER", "pix")),
		WebhookSecret:          os.Getenv("SETTLE_WEBHOOK_SECRET"),
		WebhookTolerance:       envDurationOrDefault("SETTLE_WEBHOOK_TOLERANCE", 5*time.Minute),
		WebhookRPS:             envFloatOrDefault("SETTLE_WEBHOOK_RPS", 50),
		WebhookBurst:           envIntOrDefault("SETTLE_WEBHOOK_BURST", 100),
		IdempotencyLRUCapacity: envIntOrDefault("SETTLE_IDEMPOTENCY_LRU", 100_000),
		PublishBuffer:          envIntOrDefault("SETTLE_PUBLISH_BUFFER", 4096),
	}
	if path := os.Getenv("SETTLE_CONFIG_FILE"); path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg.File = f
		if f.Oracle.MaxAge.Duration > 0 {
			cfg.OracleMaxAge = f.Oracle.MaxAge.Duration
		}
	}
	if cfg.WebhookSecret == "" {
		return cfg, fmt.Errorf("SETTLE_WEBHOOK_SECRET is required")
	}
	return cfg, nil
}

// LoadFile decodes the YAML document at path.
func LoadFile(path string) (File, error) {
	var f File
	file, err := os.Open(path)
	if err != nil {
		return f, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return f, fmt.Errorf("decode config: %w", err)
	}
	return f, nil
}

// Products converts the product templates, validating weights.
func (f File) ProductList() ([]autobuy.Product, error) {
	out := make([]autobuy.Product, 0, len(f.Products))
	for _, p := range f.Products {
		prod := autobuy.Product{ID: p.ID}
		for _, a := range p.Allocations {
			w, err := decimal.NewFromString(strings.TrimSpace(a.Weight))
			if err != nil {
				return nil, fmt.Errorf("product %s: weight for %s: %w", p.ID, a.Symbol, err)
			}
			prod.Allocations = append(prod.Allocations, autobuy.Weight{Symbol: a.Symbol, Weight: w})
		}
		if err := prod.Validate(); err != nil {
			return nil, err
		}
		out = append(out, prod)
	}
	return out, nil
}

// ApplyDecimals installs the file's overrides on reg.
func (f File) ApplyDecimals(reg *fpmath.Registry) error {
	for sym, d := range f.Decimals.Symbols {
		if err := reg.Set(sym, d); err != nil {
			return err
		}
	}
	for _, a := range f.Decimals.Assets {
		key := fpmath.AssetKey{Chain: a.Chain, Symbol: a.Symbol, Contract: a.Contract}
		if err := reg.SetAssetOverride(key, a.Decimals); err != nil {
			return err
		}
	}
	return nil
}

func (f File) VaultList() []vault.Vault {
	out := make([]vault.Vault, 0, len(f.Vaults))
	for _, v := range f.Vaults {
		out = append(out, vault.Vault{ID: v.ID, Asset: v.Asset, NativeDecimals: v.NativeDecimals})
	}
	return out
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return b
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return d
}
