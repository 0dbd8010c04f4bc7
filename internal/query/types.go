package query

import (
	"time"

	"github.com/google/uuid"
)

// Amounts are returned twice: the canonical human string and the
// minor-unit integer as a string.

// BalanceEntry is one wallet of a user.
type BalanceEntry struct {
	Asset        string    `json:"asset"`
	Balance      string    `json:"balance"`
	BalanceMinor string    `json:"balance_minor"`
	Decimals     int       `json:"decimals"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BalancesResponse represents all wallets of a user.
type BalancesResponse struct {
	UserID   uuid.UUID      `json:"user_id"`
	Balances []BalanceEntry `json:"balances"`
}

// TradeResponse is one executed chunk.
type TradeResponse struct {
	ID             uuid.UUID `json:"id"`
	ChunkIndex     int       `json:"chunk_index"`
	ChunkRef       string    `json:"chunk_ref"`
	ProviderRef    string    `json:"provider_ref"`
	AmountIn       string    `json:"amount_in"`
	AmountInMinor  string    `json:"amount_in_minor"`
	AmountOut      string    `json:"amount_out"`
	AmountOutMinor string    `json:"amount_out_minor"`
	MinOutMinor    string    `json:"min_out_minor"`
	Fee            string    `json:"fee,omitempty"`
	FeeAsset       string    `json:"fee_asset,omitempty"`
	Price          string    `json:"price"`
	CreatedAt      time.Time `json:"created_at"`
}

// OrderResponse is an order with its nested trades.
type OrderResponse struct {
	ID                   uuid.UUID       `json:"id"`
	UserID               uuid.UUID       `json:"user_id"`
	Side                 string          `json:"side"`
	Symbol               string          `json:"symbol"`
	QuoteSymbol          string          `json:"quote_symbol"`
	Source               string          `json:"source"`
	ClientRef            string          `json:"client_ref,omitempty"`
	DepositTxID          string          `json:"deposit_txid,omitempty"`
	Status               string          `json:"status"`
	RequestedAmount      string          `json:"requested_amount"`
	RequestedAmountMinor string          `json:"requested_amount_minor"`
	FilledAmount         string          `json:"filled_amount"`
	FilledAmountMinor    string          `json:"filled_amount_minor"`
	FilledCounter        string          `json:"filled_counter"`
	FilledCounterMinor   string          `json:"filled_counter_minor"`
	AvgPrice             string          `json:"avg_price"`
	ChunkCount           int             `json:"chunk_count"`
	Trades               []TradeResponse `json:"trades"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// DepositResponse represents a fiat deposit.
type DepositResponse struct {
	TxID        string    `json:"txid"`
	Provider    string    `json:"provider"`
	UserID      uuid.UUID `json:"user_id"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"`
	AmountMinor string    `json:"amount_minor"`
	Status      string    `json:"status"`
	ProductID   string    `json:"product_id,omitempty"`
	PSPRef      string    `json:"psp_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// VaultPositionResponse represents a user's stake in one vault.
type VaultPositionResponse struct {
	VaultID        string    `json:"vault_id"`
	Asset          string    `json:"asset"`
	Shares         string    `json:"shares"`
	Principal      string    `json:"principal"`
	PrincipalMinor string    `json:"principal_minor"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID    string    `json:"journal_id"`
	BatchID      string    `json:"batch_id"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty"`
	Delta        string    `json:"delta"`
	DeltaMinor   string    `json:"delta_minor"`
	BalanceAfter string    `json:"balance_after"`
	Reason       string    `json:"reason"`
	Reference    string    `json:"reference"`
	CreatedAt    time.Time `json:"created_at"`
}

// IntegrityReport is the result of a wallet reconciliation check.
type IntegrityReport struct {
	IsHealthy         bool              `json:"is_healthy"`
	WalletsChecked    int               `json:"wallets_checked"`
	Totals            map[string]string `json:"totals"`
	UnbalancedWallets []string          `json:"unbalanced_wallets,omitempty"`
}
