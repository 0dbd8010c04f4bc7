package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// JournalReason records why a wallet moved.
type JournalReason string

const (
	ReasonDepositCredit JournalReason = "deposit_credit"
	ReasonSwapDebit     JournalReason = "swap_debit"
	ReasonSwapCredit    JournalReason = "swap_credit"
	ReasonSwapFee       JournalReason = "swap_fee"
	ReasonVaultDeposit  JournalReason = "vault_deposit"
	ReasonVaultRedeem   JournalReason = "vault_redeem"
)

// Journal is one audit row per wallet mutation. Legs of the same operation
// (debit of the input asset, credit of the output asset) share a BatchID.
type Journal struct {
	JournalID    uuid.UUID
	BatchID      uuid.UUID
	Wallet       WalletKey
	Counterparty string
	Delta        *big.Int // signed; negative for debits
	BalanceAfter *big.Int
	Reason       JournalReason
	Reference    string // provider txid or chunk reference
	CreatedAt    time.Time
}

// Validate ensures the entry is well-formed.
func (j *Journal) Validate() error {
	if j.Delta == nil || j.Delta.Sign() == 0 {
		return fmt.Errorf("journal %s has zero delta", j.JournalID)
	}
	if j.BalanceAfter == nil || j.BalanceAfter.Sign() < 0 {
		return fmt.Errorf("journal %s leaves %s negative", j.JournalID, j.Wallet.AccountPath())
	}
	if j.Reference == "" {
		return fmt.Errorf("journal %s has no reference", j.JournalID)
	}
	if j.Counterparty == j.Wallet.AccountPath() {
		return fmt.Errorf("journal %s has same wallet and counterparty", j.JournalID)
	}
	return nil
}
