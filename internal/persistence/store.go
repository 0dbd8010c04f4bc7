package persistence

import (
	"context"
	"math/big"
	"time"

	"SettleLedger/internal/core"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/state"

	"github.com/google/uuid"
)

// Wallet is a balance row.
type Wallet struct {
	Key       ledger.WalletKey
	Balance   *big.Int
	UpdatedAt time.Time
}

// Store is the relational store. All ledger mutations go through InTx; the
// transaction commits when fn returns nil and rolls back otherwise.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Reader serves queries outside any transaction. Missing rows return an
// errs.KindNotFound error.
type Reader interface {
	Ping(ctx context.Context) error
	GetOrder(ctx context.Context, id uuid.UUID) (*state.Order, error)
	FindOrderByClientRef(ctx context.Context, userID uuid.UUID, clientRef string) (*state.Order, error)
	ListTrades(ctx context.Context, orderID uuid.UUID) ([]state.Trade, error)
	GetDeposit(ctx context.Context, txid string) (*state.Deposit, error)
	// ListCreditedDeposits returns credited deposits updated at or after
	// since, oldest first.
	ListCreditedDeposits(ctx context.Context, since time.Time) ([]state.Deposit, error)
	ListWallets(ctx context.Context, userID uuid.UUID) ([]Wallet, error)
	ListJournal(ctx context.Context, key ledger.WalletKey) ([]ledger.Journal, error)
	ListVaultPositions(ctx context.Context, userID uuid.UUID) ([]state.VaultPosition, error)
	ListProviderEvents(ctx context.Context, eventType string) ([]state.ProviderEvent, error)
	RecentProviderEvents(ctx context.Context, limit int) ([]state.ProviderEvent, error)
}

// Tx is one atomic unit. Lock* and *ForUpdate methods hold row locks until
// the transaction ends.
type Tx interface {
	ledger.WalletTx
	core.EventRecorder

	GetDepositForUpdate(ctx context.Context, txid string) (*state.Deposit, error)
	InsertDeposit(ctx context.Context, d *state.Deposit) error
	UpdateDepositStatus(ctx context.Context, d *state.Deposit) error

	InsertOrder(ctx context.Context, o *state.Order) error
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*state.Order, error)
	UpdateOrder(ctx context.Context, o *state.Order) error

	// InsertTrade is insert-or-ignore on (order_id, chunk_ref).
	InsertTrade(ctx context.Context, t *state.Trade) (inserted bool, err error)

	// AddVaultPosition adds shares and principal to the position, creating
	// it when missing, and returns the accumulated row.
	AddVaultPosition(ctx context.Context, delta state.VaultPosition) (*state.VaultPosition, error)
	LockVaultPosition(ctx context.Context, userID uuid.UUID, vaultID string) (*state.VaultPosition, error)
	SaveVaultPosition(ctx context.Context, p *state.VaultPosition) error
}
