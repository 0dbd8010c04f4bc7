package math

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"SettleLedger/internal/errs"
)

const (
	// FallbackDecimals applies to symbols no tier knows about.
	FallbackDecimals = 7
	MaxDecimals      = 18

	// EnvPrefix is the environment override prefix, e.g. SETTLE_DECIMALS_USDC=6.
	EnvPrefix = "SETTLE_DECIMALS_"
)

// DefaultDecimals is the business default table. These are ledger
// conventions per symbol and need not match a network's native precision.
var DefaultDecimals = map[string]int{
	"BRL":  2,
	"USD":  2,
	"USDC": 7,
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
	"XLM":  7,
}

// AssetKey identifies an asset that exists under the same symbol on several
// networks with different precision.
type AssetKey struct {
	Chain    string
	Symbol   string
	Contract string
}

func (k AssetKey) normalized() AssetKey {
	return AssetKey{
		Chain:    strings.ToLower(strings.TrimSpace(k.Chain)),
		Symbol:   normalizeSymbol(k.Symbol),
		Contract: strings.ToLower(strings.TrimSpace(k.Contract)),
	}
}

// Registry maps symbols to decimal places. Lookup order: runtime override,
// environment override, default table, fallback.
type Registry struct {
	mu        sync.RWMutex
	overrides map[string]int
	assets    map[AssetKey]int
	defaults  map[string]int
	lookupEnv func(string) (string, bool)
}

type RegistryOption func(*Registry)

// WithEnvLookup replaces os.LookupEnv, mainly for tests.
func WithEnvLookup(fn func(string) (string, bool)) RegistryOption {
	return func(r *Registry) { r.lookupEnv = fn }
}

// WithDefaults replaces the business default table.
func WithDefaults(table map[string]int) RegistryOption {
	return func(r *Registry) {
		r.defaults = make(map[string]int, len(table))
		for sym, d := range table {
			r.defaults[normalizeSymbol(sym)] = d
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		overrides: make(map[string]int),
		assets:    make(map[AssetKey]int),
		lookupEnv: os.LookupEnv,
	}
	WithDefaults(DefaultDecimals)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the decimal places for symbol.
func (r *Registry) Get(symbol string) int {
	sym := normalizeSymbol(symbol)

	r.mu.RLock()
	d, ok := r.overrides[sym]
	r.mu.RUnlock()
	if ok {
		return d
	}

	if r.lookupEnv != nil {
		if raw, ok := r.lookupEnv(EnvPrefix + envSuffix(sym)); ok {
			// Malformed env values fall through to the next tier.
			if d, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && validDecimals(d) {
				return d
			}
		}
	}

	if d, ok := r.defaults[sym]; ok {
		return d
	}
	return FallbackDecimals
}

// Set installs a runtime override for symbol.
func (r *Registry) Set(symbol string, decimals int) error {
	if !validDecimals(decimals) {
		return errs.E(errs.KindInvalidDecimals, "%s: decimals %d outside [0, %d]", symbol, decimals, MaxDecimals)
	}
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return errs.E(errs.KindValidation, "empty symbol")
	}
	r.mu.Lock()
	r.overrides[sym] = decimals
	r.mu.Unlock()
	return nil
}

// SetAssetOverride pins decimals for one (chain, symbol, contract) triple.
func (r *Registry) SetAssetOverride(key AssetKey, decimals int) error {
	if !validDecimals(decimals) {
		return errs.E(errs.KindInvalidDecimals, "%s/%s: decimals %d outside [0, %d]", key.Chain, key.Symbol, decimals, MaxDecimals)
	}
	r.mu.Lock()
	r.assets[key.normalized()] = decimals
	r.mu.Unlock()
	return nil
}

// GetAsset resolves a network-qualified asset, falling back to the symbol.
func (r *Registry) GetAsset(key AssetKey) int {
	r.mu.RLock()
	d, ok := r.assets[key.normalized()]
	r.mu.RUnlock()
	if ok {
		return d
	}
	return r.Get(key.Symbol)
}

func validDecimals(d int) bool {
	return d >= 0 && d <= MaxDecimals
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// envSuffix maps a symbol to an env-safe name ("USDC.E" -> "USDC_E").
func envSuffix(sym string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, sym)
}
