package state

import (
	"math/big"
	"time"

	"SettleLedger/internal/errs"
	fpmath "SettleLedger/internal/math"

	"github.com/google/uuid"
)

// VaultPosition is a user's accumulated stake in one vault. Principal is in
// the ledger units of Asset; Shares are vault-native.
type VaultPosition struct {
	UserID    uuid.UUID
	VaultID   string
	Asset     string
	Shares    *big.Int
	Principal *big.Int
	UpdatedAt time.Time
}

func NewVaultPosition(userID uuid.UUID, vaultID, asset string) *VaultPosition {
	return &VaultPosition{
		UserID:    userID,
		VaultID:   vaultID,
		Asset:     asset,
		Shares:    new(big.Int),
		Principal: new(big.Int),
	}
}

// Add accumulates a deposit. Positions are never overwritten.
func (p *VaultPosition) Add(shares, principal *big.Int) {
	p.Shares = new(big.Int).Add(p.Shares, shares)
	p.Principal = new(big.Int).Add(p.Principal, principal)
	p.UpdatedAt = time.Now().UTC()
}

// Redeem removes shares and the proportional principal (floored), returning
// the principal released.
func (p *VaultPosition) Redeem(shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "redeem shares must be positive")
	}
	if shares.Cmp(p.Shares) > 0 {
		return nil, errs.E(errs.KindInsufficientBalance, "vault %s: have %s shares, redeem %s", p.VaultID, p.Shares, shares)
	}
	released := new(big.Int).Set(p.Principal)
	if shares.Cmp(p.Shares) < 0 {
		released, _ = fpmath.MulDiv(p.Principal, shares, p.Shares, fpmath.RoundFloor)
	}
	p.Shares = new(big.Int).Sub(p.Shares, shares)
	p.Principal = new(big.Int).Sub(p.Principal, released)
	p.UpdatedAt = time.Now().UTC()
	return released, nil
}
