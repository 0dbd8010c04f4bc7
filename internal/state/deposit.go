package state

import (
	"math/big"
	"time"

	"SettleLedger/internal/errs"

	"github.com/google/uuid"
)

type DepositStatus string

const (
	DepositStarted        DepositStatus = "started"
	DepositConfirmed      DepositStatus = "confirmed"
	DepositCredited       DepositStatus = "credited"
	DepositAmountMismatch DepositStatus = "amount_mismatch"
)

// CanTransitionTo validates state transitions. credited and
// amount_mismatch are terminal.
func (s DepositStatus) CanTransitionTo(next DepositStatus) bool {
	switch s {
	case DepositStarted:
		return next == DepositConfirmed || next == DepositAmountMismatch
	case DepositConfirmed:
		return next == DepositCredited || next == DepositAmountMismatch
	default:
		return false
	}
}

// Deposit is a fiat payment identified by the provider transaction id.
type Deposit struct {
	TxID      string
	Provider  string
	UserID    uuid.UUID
	Asset     string
	Amount    *big.Int
	Status    DepositStatus
	ProductID string
	PSPRef    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Advance moves the deposit forward or fails with InvalidTransition.
func (d *Deposit) Advance(next DepositStatus) error {
	if !d.Status.CanTransitionTo(next) {
		return errs.E(errs.KindInvalidTransition, "deposit %s: %s -> %s", d.TxID, d.Status, next)
	}
	d.Status = next
	d.UpdatedAt = time.Now().UTC()
	return nil
}
