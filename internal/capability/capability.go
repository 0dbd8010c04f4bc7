// Package capability declares the external collaborators the settlement
// core calls: swap venue, yield vault, price oracle and payment provider.
package capability

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Pair orients a price as Quote units per one Base unit.
type Pair struct {
	Base  string
	Quote string
}

func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// SwapQuote amounts are minor units: AmountOut in the output asset.
// MinOut is the venue's proposed bound and is only used when it is at
// least as protective as the locally computed one.
type SwapQuote struct {
	AmountOut *big.Int
	MinOut    *big.Int
	Route     string
}

// SwapResult reports what the venue executed.
type SwapResult struct {
	TxHash    string
	AmountOut *big.Int
	FeeNative *big.Int
	FeeAsset  string
}

type SwapProvider interface {
	Quote(ctx context.Context, fromAsset, toAsset string, amountIn *big.Int) (SwapQuote, error)
	Swap(ctx context.Context, route string, amountIn, minOut *big.Int) (SwapResult, error)
}

type VaultReceipt struct {
	ExternalID string
	Shares     *uint256.Int
}

type VaultRedemption struct {
	ExternalID string
	Redeemed   *uint256.Int
}

// VaultProvider amounts are in the vault's native base units.
// Implementations must honor idempotencyKey: a repeated key returns the
// original receipt without a second deposit.
type VaultProvider interface {
	Deposit(ctx context.Context, vaultID string, amount *uint256.Int, idempotencyKey string) (VaultReceipt, error)
	Withdraw(ctx context.Context, vaultID string, shares *uint256.Int, idempotencyKey string) (VaultRedemption, error)
}

type Price struct {
	Value     decimal.Decimal
	Timestamp time.Time
}

type PriceOracle interface {
	GetPrice(ctx context.Context, pair Pair) (Price, error)
}

type ChargeRequest struct {
	UserID      uuid.UUID
	AmountCents *big.Int
	Reference   string
}

type Charge struct {
	TxID       string
	PSPRef     string
	PaymentURI string
	ExpiresAt  time.Time
}

type PaymentProvider interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	// VerifySignature fails with errs.KindUnauthorized on a bad or stale
	// signature.
	VerifySignature(body []byte, signature, timestamp string) error
}
