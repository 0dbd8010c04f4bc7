package ledger

import (
	"fmt"
	"math/big"
)

// InvariantValidator checks ledger invariants against the journal.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateWallet verifies the wallet is non-negative and equals the sum of
// its journal deltas.
func (v *InvariantValidator) ValidateWallet(key WalletKey, journals []Journal) error {
	if err := v.tracker.ValidateNonNegative(key); err != nil {
		return err
	}
	sum := new(big.Int)
	for _, j := range journals {
		if j.Wallet == key {
			sum.Add(sum, j.Delta)
		}
	}
	if balance := v.tracker.GetBalance(key); balance.Cmp(sum) != 0 {
		return fmt.Errorf("wallet %s balance %s != journal sum %s", key.AccountPath(), balance, sum)
	}
	return nil
}

// ValidateAll runs ValidateWallet over every tracked wallet.
func (v *InvariantValidator) ValidateAll(journals []Journal) error {
	for key := range v.tracker.balances {
		if err := v.ValidateWallet(key, journals); err != nil {
			return err
		}
	}
	return nil
}
