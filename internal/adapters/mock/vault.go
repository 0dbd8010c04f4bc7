package mock

import (
	"context"
	"fmt"
	"sync"

	"SettleLedger/internal/capability"
	"SettleLedger/internal/errs"

	"github.com/holiman/uint256"
)

// Vault mints shares 1:1 with deposited base units and replays receipts
// for repeated idempotency keys.
type Vault struct {
	mu          sync.Mutex
	receipts    map[string]capability.VaultReceipt
	redemptions map[string]capability.VaultRedemption
	err         error
	deposits    int
}

func NewVault() *Vault {
	return &Vault{
		receipts:    make(map[string]capability.VaultReceipt),
		redemptions: make(map[string]capability.VaultRedemption),
	}
}

func (v *Vault) FailWith(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
}

// Deposits returns how many distinct deposits were executed.
func (v *Vault) Deposits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deposits
}

func (v *Vault) Deposit(_ context.Context, vaultID string, amount *uint256.Int, key string) (capability.VaultReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return capability.VaultReceipt{}, v.err
	}
	if r, ok := v.receipts[key]; ok {
		return r, nil
	}
	if amount.IsZero() {
		return capability.VaultReceipt{}, errs.E(errs.KindValidation, "zero vault deposit")
	}
	v.deposits++
	r := capability.VaultReceipt{
		ExternalID: fmt.Sprintf("%s-dep-%d", vaultID, v.deposits),
		Shares:     new(uint256.Int).Set(amount),
	}
	v.receipts[key] = r
	return r, nil
}

func (v *Vault) Withdraw(_ context.Context, vaultID string, shares *uint256.Int, key string) (capability.VaultRedemption, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return capability.VaultRedemption{}, v.err
	}
	if r, ok := v.redemptions[key]; ok {
		return r, nil
	}
	r := capability.VaultRedemption{
		ExternalID: fmt.Sprintf("%s-wd-%d", vaultID, len(v.redemptions)+1),
		Redeemed:   new(uint256.Int).Set(shares),
	}
	v.redemptions[key] = r
	return r, nil
}
