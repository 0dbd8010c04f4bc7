package event

import (
	"math/big"

	"github.com/google/uuid"
)

// PaymentTypeConfirmed is the provider type value that triggers settlement.
const PaymentTypeConfirmed = "payment.confirmed"

// Inbound is a normalized provider event. The set of variants is closed:
// PaymentConfirmed and PaymentIgnored.
type Inbound interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string
	ProviderName() string
	isInbound()
}

// PaymentConfirmed reports funds received for a charge. AmountCents is BRL
// minor units as sent by the provider.
type PaymentConfirmed struct {
	Provider    string
	TxID        string
	AmountCents *big.Int
	PSPRef      string
	// Optional routing hints used when no deposit was registered for TxID.
	UserID    uuid.UUID
	ProductID string
	Metadata  map[string]string

	PayloadHash string
}

func (p *PaymentConfirmed) IdempotencyKey() string { return p.TxID }
func (p *PaymentConfirmed) ProviderName() string   { return p.Provider }
func (*PaymentConfirmed) isInbound()               {}

// PaymentIgnored is any other event type from a known provider. It is
// acknowledged without side effects.
type PaymentIgnored struct {
	Provider string
	Type     string
	TxID     string
}

func (p *PaymentIgnored) IdempotencyKey() string { return p.TxID }
func (p *PaymentIgnored) ProviderName() string   { return p.Provider }
func (*PaymentIgnored) isInbound()               {}
