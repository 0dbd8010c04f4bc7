package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// WalletKey identifies one balance row: a user's holding of one asset.
type WalletKey struct {
	UserID uuid.UUID
	Asset  string
}

func NewWalletKey(userID uuid.UUID, asset string) WalletKey {
	return WalletKey{UserID: userID, Asset: strings.ToUpper(strings.TrimSpace(asset))}
}

// AccountPath returns the string representation for storage/logging
func (k WalletKey) AccountPath() string {
	return fmt.Sprintf("user:%s:wallet:%s", k.UserID.String(), k.Asset)
}

// Boundary accounts are the external side of a posting. They carry no
// balance in this ledger; they name where value entered or left.
type Boundary string

const (
	BoundaryPaymentProvider Boundary = "external:payment_provider"
	BoundarySwapVenue       Boundary = "external:swap_venue"
	BoundaryVault           Boundary = "external:vault"
)

func (b Boundary) Path(asset string) string {
	return string(b) + ":" + strings.ToUpper(asset)
}
