package query

import (
	"context"
	"fmt"
	"math/big"

	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/state"

	"github.com/google/uuid"
)

// QueryService provides read-only views over the store. Amounts are
// rendered with the decimal registry the service was built with.
type QueryService struct {
	store persistence.Reader
	codec *fpmath.Codec
}

func NewQueryService(store persistence.Reader, codec *fpmath.Codec) *QueryService {
	return &QueryService{store: store, codec: codec}
}

// GetBalances returns every wallet of a user.
func (qs *QueryService) GetBalances(ctx context.Context, userID uuid.UUID) (*BalancesResponse, error) {
	wallets, err := qs.store.ListWallets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	resp := &BalancesResponse{UserID: userID, Balances: make([]BalanceEntry, 0, len(wallets))}
	for _, w := range wallets {
		resp.Balances = append(resp.Balances, BalanceEntry{
			Asset:        w.Key.Asset,
			Balance:      qs.human(w.Key.Asset, w.Balance),
			BalanceMinor: w.Balance.String(),
			Decimals:     qs.codec.Decimals(w.Key.Asset),
			UpdatedAt:    w.UpdatedAt,
		})
	}
	return resp, nil
}

// GetOrder returns an order and its trades.
func (qs *QueryService) GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderResponse, error) {
	o, err := qs.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	trades, err := qs.store.ListTrades(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return qs.Order(o, trades), nil
}

// Order renders an order with its trades.
func (qs *QueryService) Order(o *state.Order, trades []state.Trade) *OrderResponse {
	in, out := o.InputAsset(), o.OutputAsset()
	resp := &OrderResponse{
		ID:                   o.ID,
		UserID:               o.UserID,
		Side:                 string(o.Side),
		Symbol:               o.Symbol,
		QuoteSymbol:          o.QuoteSymbol,
		Source:               string(o.Source),
		ClientRef:            o.ClientRef,
		DepositTxID:          o.DepositTxID,
		Status:               string(o.Status),
		RequestedAmount:      qs.human(in, o.RequestedAmount),
		RequestedAmountMinor: o.RequestedAmount.String(),
		FilledAmount:         qs.human(in, o.FilledAmount),
		FilledAmountMinor:    o.FilledAmount.String(),
		FilledCounter:        qs.human(out, o.FilledCounter),
		FilledCounterMinor:   o.FilledCounter.String(),
		AvgPrice:             fpmath.FormatPrice(o.AvgPrice),
		ChunkCount:           o.ChunkCount,
		Trades:               make([]TradeResponse, 0, len(trades)),
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
	for _, t := range trades {
		tr := TradeResponse{
			ID:             t.ID,
			ChunkIndex:     t.ChunkIndex,
			ChunkRef:       t.ChunkRef,
			ProviderRef:    t.ProviderRef,
			AmountIn:       qs.human(in, t.AmountIn),
			AmountInMinor:  t.AmountIn.String(),
			AmountOut:      qs.human(out, t.AmountOut),
			AmountOutMinor: t.AmountOut.String(),
			MinOutMinor:    t.MinOut.String(),
			FeeAsset:       t.FeeAsset,
			Price:          fpmath.FormatPrice(t.Price),
			CreatedAt:      t.CreatedAt,
		}
		if t.Fee != nil && t.Fee.Sign() > 0 && t.FeeAsset != "" {
			tr.Fee = qs.human(t.FeeAsset, t.Fee)
		}
		resp.Trades = append(resp.Trades, tr)
	}
	return resp
}

// GetDeposit returns a deposit by provider transaction id.
func (qs *QueryService) GetDeposit(ctx context.Context, txid string) (*DepositResponse, error) {
	d, err := qs.store.GetDeposit(ctx, txid)
	if err != nil {
		return nil, err
	}
	return qs.Deposit(d), nil
}

func (qs *QueryService) Deposit(d *state.Deposit) *DepositResponse {
	return &DepositResponse{
		TxID:        d.TxID,
		Provider:    d.Provider,
		UserID:      d.UserID,
		Asset:       d.Asset,
		Amount:      qs.human(d.Asset, d.Amount),
		AmountMinor: d.Amount.String(),
		Status:      string(d.Status),
		ProductID:   d.ProductID,
		PSPRef:      d.PSPRef,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// GetVaultPositions returns a user's vault positions.
func (qs *QueryService) GetVaultPositions(ctx context.Context, userID uuid.UUID) ([]VaultPositionResponse, error) {
	positions, err := qs.store.ListVaultPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list vault positions: %w", err)
	}
	out := make([]VaultPositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, VaultPositionResponse{
			VaultID:        p.VaultID,
			Asset:          p.Asset,
			Shares:         p.Shares.String(),
			Principal:      qs.human(p.Asset, p.Principal),
			PrincipalMinor: p.Principal.String(),
			UpdatedAt:      p.UpdatedAt,
		})
	}
	return out, nil
}

// GetJournalHistory returns the journal of one wallet, oldest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, userID uuid.UUID, asset string) ([]JournalHistoryEntry, error) {
	key := ledger.NewWalletKey(userID, asset)
	journals, err := qs.store.ListJournal(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	out := make([]JournalHistoryEntry, 0, len(journals))
	for _, j := range journals {
		out = append(out, JournalHistoryEntry{
			JournalID:    j.JournalID.String(),
			BatchID:      j.BatchID.String(),
			Account:      j.Wallet.AccountPath(),
			Counterparty: j.Counterparty,
			Delta:        qs.human(key.Asset, j.Delta),
			DeltaMinor:   j.Delta.String(),
			BalanceAfter: qs.human(key.Asset, j.BalanceAfter),
			Reason:       string(j.Reason),
			Reference:    j.Reference,
			CreatedAt:    j.CreatedAt,
		})
	}
	return out, nil
}

// VerifyIntegrity reconciles every wallet of a user against its journal.
// Each balance must be non-negative and equal the sum of its deltas, and
// replaying the journal must reproduce every recorded balance_after.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, userID uuid.UUID) (*IntegrityReport, error) {
	wallets, err := qs.store.ListWallets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	stored := ledger.NewBalanceTracker()
	replayed := ledger.NewBalanceTracker()
	breaks := make(map[ledger.WalletKey]bool)
	var journals []ledger.Journal
	for _, w := range wallets {
		stored.SetBalance(w.Key, w.Balance)
		js, err := qs.store.ListJournal(ctx, w.Key)
		if err != nil {
			return nil, fmt.Errorf("list journal: %w", err)
		}
		for _, j := range js {
			replayed.ApplyJournal(j)
			if replayed.GetBalance(j.Wallet).Cmp(j.BalanceAfter) != 0 {
				breaks[j.Wallet] = true
			}
		}
		journals = append(journals, js...)
	}

	report := &IntegrityReport{IsHealthy: true, Totals: make(map[string]string)}
	validator := ledger.NewInvariantValidator(stored)
	for _, key := range stored.UserWallets(userID) {
		report.WalletsChecked++
		if breaks[key] || validator.ValidateWallet(key, journals) != nil {
			report.IsHealthy = false
			report.UnbalancedWallets = append(report.UnbalancedWallets, key.AccountPath())
		}
	}
	for asset, total := range stored.ComputeTotals() {
		report.Totals[asset] = qs.human(asset, total)
	}
	return report, nil
}

func (qs *QueryService) human(asset string, v *big.Int) string {
	return qs.codec.FromUnits(fpmath.NewAmount(asset, v))
}
