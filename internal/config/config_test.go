package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"SettleLedger/internal/config"
	fpmath "SettleLedger/internal/math"

	"github.com/stretchr/testify/require"
)

const sample = `
products:
  - id: usdc-btc
    allocations:
      - {symbol: USDC, weight: "0.7"}
      - {symbol: BTC, weight: "0.3"}
decimals:
  symbols:
    FOO: 4
  assets:
    - {chain: polygon, symbol: USDC, contract: "0xabc", decimals: 6}
vaults:
  - {id: usdc-yield, asset: USDC, native_decimals: 6}
oracle:
  max_age: 90s
  prices:
    - {base: BTC, quote: BRL, prices: ["350000"]}
venue:
  - {base: BTC, quote: BRL, prices: ["350000", "351000"]}
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	f, err := config.LoadFile(writeFile(t, sample))
	require.NoError(t, err)

	products, err := f.ProductList()
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, products[0].Allocations, 2)
	require.Equal(t, "0.7", products[0].Allocations[0].Weight.String())

	reg := fpmath.NewRegistry(fpmath.WithEnvLookup(func(string) (string, bool) { return "", false }))
	require.NoError(t, f.ApplyDecimals(reg))
	require.Equal(t, 4, reg.Get("foo"))
	require.Equal(t, 6, reg.GetAsset(fpmath.AssetKey{Chain: "Polygon", Symbol: "usdc", Contract: "0xABC"}))

	vaults := f.VaultList()
	require.Len(t, vaults, 1)
	require.Equal(t, 6, vaults[0].NativeDecimals)
	require.Equal(t, 90*time.Second, f.Oracle.MaxAge.Duration)
	require.Len(t, f.Venue[0].Prices, 2)
}

func TestLoadFile_Rejects(t *testing.T) {
	_, err := config.LoadFile(writeFile(t, "oracle:\n  max_age: soon\n"))
	require.Error(t, err)

	_, err = config.LoadFile(writeFile(t, "unknown_key: 1\n"))
	require.Error(t, err)

	f, err := config.LoadFile(writeFile(t, "products:\n  - id: p\n    allocations:\n      - {symbol: BTC, weight: \"1.5\"}\n"))
	require.NoError(t, err)
	_, err = f.ProductList()
	require.Error(t, err)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("SETTLE_WEBHOOK_SECRET", "s3cret")
	t.Setenv("SETTLE_SLIPPAGE_BPS", "25")
	t.Setenv("SETTLE_CHUNK_TIMEOUT", "5s")
	t.Setenv("SETTLE_ORACLE_ENABLED", "false")
	t.Setenv("SETTLE_QUOTE_ASSET", "brl")
	t.Setenv("SETTLE_AUTOBUY_RESUME_WINDOW", "6h")
	t.Setenv("SETTLE_CONFIG_FILE", writeFile(t, sample))

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, int64(25), cfg.SlippageBps)
	require.Equal(t, 5*time.Second, cfg.ChunkTimeout)
	require.False(t, cfg.OracleEnabled)
	require.Equal(t, "BRL", cfg.QuoteAsset)
	require.Equal(t, int64(75), cfg.MaxSpreadBps)
	require.Equal(t, 90*time.Second, cfg.OracleMaxAge)
	require.Equal(t, 6*time.Hour, cfg.AutoBuyResumeWindow)
	require.Len(t, cfg.File.Products, 1)
}

func TestLoad_RequiresWebhookSecret(t *testing.T) {
	t.Setenv("SETTLE_WEBHOOK_SECRET", "")
	t.Setenv("SETTLE_CONFIG_FILE", "")
	_, err := config.Load()
	require.Error(t, err)
}
