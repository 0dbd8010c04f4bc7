package ingestion

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"

	"SettleLedger/internal/core"
	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"

	"github.com/google/uuid"
)

// Parser converts provider webhook bodies into normalized event variants.
// Unknown providers and malformed payloads are rejected here, before
// anything reaches the settlement pipeline.
type Parser struct {
	providers map[string]struct{}
}

func NewParser(providers ...string) *Parser {
	p := &Parser{providers: make(map[string]struct{}, len(providers))}
	for _, name := range providers {
		p.providers[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return p
}

// Known reports whether provider is accepted.
func (p *Parser) Known(provider string) bool {
	_, ok := p.providers[strings.ToLower(provider)]
	return ok
}

// --- JSON wire format ---
// Field names match the provider payload.

type paymentJSON struct {
	Type          string            `json:"type"`
	TxID          string            `json:"txid"`
	ValorCentavos json.Number       `json:"valor_centavos"`
	PSPRef        string            `json:"psp_ref"`
	Metadata      map[string]string `json:"metadata"`
}

// Parse returns *event.PaymentConfirmed for the confirmation type and
// *event.PaymentIgnored for any other type from a known provider.
func (p *Parser) Parse(provider string, body []byte) (event.Inbound, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !p.Known(provider) {
		return nil, errs.E(errs.KindValidation, "unknown provider %q", provider)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var j paymentJSON
	if err := dec.Decode(&j); err != nil {
		return nil, errs.E(errs.KindValidation, "parse %s event: %w", provider, err)
	}
	j.Type = strings.TrimSpace(j.Type)
	j.TxID = strings.TrimSpace(j.TxID)
	if j.Type == "" {
		return nil, errs.E(errs.KindValidation, "%s event without type", provider)
	}
	if j.TxID == "" {
		return nil, errs.E(errs.KindValidation, "%s event without txid", provider)
	}

	if j.Type != event.PaymentTypeConfirmed {
		return &event.PaymentIgnored{Provider: provider, Type: j.Type, TxID: j.TxID}, nil
	}

	cents, err := parseCents(j.ValorCentavos)
	if err != nil {
		return nil, err
	}
	ev := &event.PaymentConfirmed{
		Provider:    provider,
		TxID:        j.TxID,
		AmountCents: cents,
		PSPRef:      strings.TrimSpace(j.PSPRef),
		Metadata:    j.Metadata,
		PayloadHash: core.PayloadHash(body),
	}
	if raw := strings.TrimSpace(j.Metadata["user_id"]); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return nil, errs.E(errs.KindValidation, "parse metadata.user_id: %w", err)
		}
		ev.UserID = userID
	}
	ev.ProductID = strings.TrimSpace(j.Metadata["product_id"])
	return ev, nil
}

// parseCents accepts a positive JSON integer only.
func parseCents(n json.Number) (*big.Int, error) {
	s := n.String()
	if s == "" {
		return nil, errs.E(errs.KindValidation, "valor_centavos is required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errs.E(errs.KindValidation, "valor_centavos must be an integer, got %s", s)
	}
	if v.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "valor_centavos must be positive, got %s", s)
	}
	return v, nil
}
