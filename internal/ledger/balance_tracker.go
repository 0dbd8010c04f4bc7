package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory wallet balances. It is not safe for
// concurrent use; callers serialize access.
type BalanceTracker struct {
	balances map[WalletKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[WalletKey]*big.Int),
	}
}

// GetBalance returns a copy of the balance, zero for unknown wallets.
func (bt *BalanceTracker) GetBalance(key WalletKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (bt *BalanceTracker) Exists(key WalletKey) bool {
	_, ok := bt.balances[key]
	return ok
}

func (bt *BalanceTracker) SetBalance(key WalletKey, balance *big.Int) {
	bt.balances[key] = new(big.Int).Set(balance)
}

// ApplyJournal adds the entry's delta to its wallet.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	cur := bt.GetBalance(j.Wallet)
	bt.balances[j.Wallet] = cur.Add(cur, j.Delta)
}

// UserWallets returns the user's wallets ordered by asset.
func (bt *BalanceTracker) UserWallets(userID uuid.UUID) []WalletKey {
	var keys []WalletKey
	for k := range bt.balances {
		if k.UserID == userID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Asset < keys[j].Asset })
	return keys
}

// ValidateNonNegative checks that a specific wallet balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key WalletKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("wallet %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ComputeTotals sums balances per asset.
func (bt *BalanceTracker) ComputeTotals() map[string]*big.Int {
	totals := make(map[string]*big.Int)
	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(big.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}
	return totals
}

// Clone returns a deep copy, used for transaction rollback.
func (bt *BalanceTracker) Clone() *BalanceTracker {
	out := NewBalanceTracker()
	for k, v := range bt.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	return out
}
