package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"SettleLedger/internal/errs"

	"github.com/google/uuid"
)

// WalletTx is the slice of a storage transaction the ledger needs.
// LockWallet must hold an exclusive lock on the row until the transaction
// ends and create a zero row when none exists.
type WalletTx interface {
	LockWallet(ctx context.Context, key WalletKey) (*big.Int, error)
	SetWalletBalance(ctx context.Context, key WalletKey, balance *big.Int) error
	InsertJournal(ctx context.Context, j Journal) error
}

// Posting describes one wallet mutation.
type Posting struct {
	Wallet       WalletKey
	Amount       *big.Int // always positive
	Counterparty string
	Reason       JournalReason
	Reference    string
	BatchID      uuid.UUID
}

// SettlementLedger performs locked read-check-mutate sequences on wallets.
type SettlementLedger struct {
	now func() time.Time
}

func NewSettlementLedger() *SettlementLedger {
	return &SettlementLedger{now: time.Now}
}

// CreditLocked adds p.Amount to the wallet and returns the new balance.
func (l *SettlementLedger) CreditLocked(ctx context.Context, tx WalletTx, p Posting) (*big.Int, error) {
	return l.apply(ctx, tx, p, 1)
}

// DebitLocked subtracts p.Amount. The sufficiency check runs under the same
// row lock as the write.
func (l *SettlementLedger) DebitLocked(ctx context.Context, tx WalletTx, p Posting) (*big.Int, error) {
	return l.apply(ctx, tx, p, -1)
}

func (l *SettlementLedger) apply(ctx context.Context, tx WalletTx, p Posting, sign int) (*big.Int, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "posting to %s: amount must be positive", p.Wallet.AccountPath())
	}

	balance, err := tx.LockWallet(ctx, p.Wallet)
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", p.Wallet.AccountPath(), err)
	}

	delta := new(big.Int).Set(p.Amount)
	if sign < 0 {
		if balance.Cmp(p.Amount) < 0 {
			return nil, errs.E(errs.KindInsufficientBalance,
				"%s: have=%s need=%s", p.Wallet.AccountPath(), balance, p.Amount)
		}
		delta.Neg(delta)
	}
	after := new(big.Int).Add(balance, delta)

	if err := tx.SetWalletBalance(ctx, p.Wallet, after); err != nil {
		return nil, fmt.Errorf("set wallet %s: %w", p.Wallet.AccountPath(), err)
	}

	batchID := p.BatchID
	if batchID == uuid.Nil {
		batchID = uuid.New()
	}
	j := Journal{
		JournalID:    uuid.New(),
		BatchID:      batchID,
		Wallet:       p.Wallet,
		Counterparty: p.Counterparty,
		Delta:        delta,
		BalanceAfter: new(big.Int).Set(after),
		Reason:       p.Reason,
		Reference:    p.Reference,
		CreatedAt:    l.now().UTC(),
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	if err := tx.InsertJournal(ctx, j); err != nil {
		return nil, fmt.Errorf("insert journal: %w", err)
	}
	return after, nil
}

// SwapLegs builds the debit/credit pair for one executed swap chunk.
func SwapLegs(userID uuid.UUID, chunkRef string, inAsset string, amountIn *big.Int, outAsset string, amountOut *big.Int) (debit, credit Posting) {
	batch := uuid.New()
	debit = Posting{
		Wallet:       NewWalletKey(userID, inAsset),
		Amount:       amountIn,
		Counterparty: BoundarySwapVenue.Path(inAsset),
		Reason:       ReasonSwapDebit,
		Reference:    chunkRef,
		BatchID:      batch,
	}
	credit = Posting{
		Wallet:       NewWalletKey(userID, outAsset),
		Amount:       amountOut,
		Counterparty: BoundarySwapVenue.Path(outAsset),
		Reason:       ReasonSwapCredit,
		Reference:    chunkRef,
		BatchID:      batch,
	}
	return debit, credit
}
