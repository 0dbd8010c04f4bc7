package query_test

import (
	"context"
	"math/big"
	"testing"

	"SettleLedger/internal/errs"
	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/query"
	"SettleLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*query.QueryService, *persistence.MemoryStore, *fpmath.Codec) {
	t.Helper()
	store := persistence.NewMemoryStore()
	codec := fpmath.NewCodec(fpmath.NewRegistry(fpmath.WithEnvLookup(func(string) (string, bool) { return "", false })))
	return query.NewQueryService(store, codec), store, codec
}

func credit(t *testing.T, store *persistence.MemoryStore, user uuid.UUID, asset string, units *big.Int, ref string) {
	t.Helper()
	err := store.InTx(context.Background(), func(tx persistence.Tx) error {
		_, err := ledger.NewSettlementLedger().CreditLocked(context.Background(), tx, ledger.Posting{
			Wallet:       ledger.NewWalletKey(user, asset),
			Amount:       units,
			Counterparty: ledger.BoundaryPaymentProvider.Path(asset),
			Reason:       ledger.ReasonDepositCredit,
			Reference:    ref,
		})
		return err
	})
	require.NoError(t, err)
}

func TestGetBalances(t *testing.T) {
	qs, store, _ := newService(t)
	user := uuid.New()
	credit(t, store, user, "BRL", big.NewInt(10_050), "tx-1")
	credit(t, store, user, "BTC", big.NewInt(8_571), "tx-2")

	resp, err := qs.GetBalances(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, resp.Balances, 2)

	byAsset := map[string]query.BalanceEntry{}
	for _, b := range resp.Balances {
		byAsset[b.Asset] = b
	}
	require.Equal(t, "100.5", byAsset["BRL"].Balance)
	require.Equal(t, "10050", byAsset["BRL"].BalanceMinor)
	require.Equal(t, 2, byAsset["BRL"].Decimals)
	require.Equal(t, "0.00008571", byAsset["BTC"].Balance)
	require.Equal(t, 8, byAsset["BTC"].Decimals)
}

func TestGetOrder_NestsTrades(t *testing.T) {
	qs, store, _ := newService(t)
	user := uuid.New()
	o, err := state.NewOrder(user, state.SideBuy, "BTC", "BRL", big.NewInt(35_000), 1, state.SourceAPI)
	require.NoError(t, err)
	trade := &state.Trade{
		ID:        uuid.New(),
		OrderID:   o.ID,
		ChunkRef:  o.ChunkRef(0),
		AmountIn:  big.NewInt(35_000),
		AmountOut: big.NewInt(100_000),
		MinOut:    big.NewInt(99_500),
		Fee:       new(big.Int),
		Price:     fpmath.Pow10(fpmath.PriceDecimals),
	}
	err = store.InTx(context.Background(), func(tx persistence.Tx) error {
		if err := tx.InsertOrder(context.Background(), o); err != nil {
			return err
		}
		_, err := tx.InsertTrade(context.Background(), trade)
		return err
	})
	require.NoError(t, err)

	resp, err := qs.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, "buy", resp.Side)
	require.Equal(t, "350", resp.RequestedAmount)
	require.Len(t, resp.Trades, 1)
	require.Equal(t, "350", resp.Trades[0].AmountIn)
	require.Equal(t, "0.001", resp.Trades[0].AmountOut)
	require.Empty(t, resp.Trades[0].Fee)

	_, err = qs.GetOrder(context.Background(), uuid.New())
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetJournalHistoryAndIntegrity(t *testing.T) {
	qs, store, _ := newService(t)
	user := uuid.New()
	credit(t, store, user, "BRL", big.NewInt(1_000), "tx-1")
	credit(t, store, user, "BRL", big.NewInt(500), "tx-2")

	history, err := qs.GetJournalHistory(context.Background(), user, "BRL")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "10", history[0].Delta)
	require.Equal(t, "15", history[1].BalanceAfter)
	require.Equal(t, string(ledger.ReasonDepositCredit), history[1].Reason)

	report, err := qs.VerifyIntegrity(context.Background(), user)
	require.NoError(t, err)
	require.True(t, report.IsHealthy)
	require.Equal(t, 1, report.WalletsChecked)
	require.Equal(t, "15", report.Totals["BRL"])
	require.Empty(t, report.UnbalancedWallets)
}

func TestGetDepositNotFound(t *testing.T) {
	qs, _, _ := newService(t)
	_, err := qs.GetDeposit(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
