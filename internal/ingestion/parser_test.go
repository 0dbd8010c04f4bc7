package ingestion_test

import (
	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"
	"SettleLedger/internal/ingestion"
	"encoding/json"
	"errors"
	"testing"
)

func bodyFromJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParsePaymentConfirmed(t *testing.T) {
	p := ingestion.NewParser("pix")
	body := bodyFromJSON(t, map[string]interface{}{
		"type":           "payment.confirmed",
		"txid":           "E2E123",
		"valor_centavos": 1000,
		"psp_ref":        "psp-9",
		"metadata": map[string]string{
			"user_id":    "660e8400-e29b-41d4-a716-446655440001",
			"product_id": "usdc-btc",
		},
	})

	evt, err := p.Parse("PIX", body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pc, ok := evt.(*event.PaymentConfirmed)
	if !ok {
		t.Fatalf("expected *event.PaymentConfirmed, got %T", evt)
	}
	if pc.Provider != "pix" {
		t.Errorf("provider: got %s, want pix", pc.Provider)
	}
	if pc.AmountCents.String() != "1000" {
		t.Errorf("amount: got %s, want 1000", pc.AmountCents)
	}
	if pc.UserID.String() != "660e8400-e29b-41d4-a716-446655440001" {
		t.Errorf("user_id: got %s", pc.UserID)
	}
	if pc.ProductID != "usdc-btc" || pc.PSPRef != "psp-9" {
		t.Errorf("routing: got product=%q psp=%q", pc.ProductID, pc.PSPRef)
	}
	if pc.IdempotencyKey() != "E2E123" {
		t.Errorf("idempotency key: got %s", pc.IdempotencyKey())
	}
	if len(pc.PayloadHash) != 64 {
		t.Errorf("payload hash should be hex sha256, got %q", pc.PayloadHash)
	}
}

func TestParseLargeAmountStaysExact(t *testing.T) {
	p := ingestion.NewParser("pix")
	body := []byte(`{"type":"payment.confirmed","txid":"t","valor_centavos":123456789012345678901234567890}`)
	evt, err := p.Parse("pix", body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := evt.(*event.PaymentConfirmed).AmountCents.String(); got != "123456789012345678901234567890" {
		t.Errorf("amount: got %s", got)
	}
}

func TestParseOtherTypeIsIgnored(t *testing.T) {
	p := ingestion.NewParser("pix")
	evt, err := p.Parse("pix", []byte(`{"type":"payment.expired","txid":"t1"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ig, ok := evt.(*event.PaymentIgnored)
	if !ok {
		t.Fatalf("expected *event.PaymentIgnored, got %T", evt)
	}
	if ig.Type != "payment.expired" || ig.TxID != "t1" {
		t.Errorf("got %+v", ig)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	p := ingestion.NewParser("pix")
	cases := []struct {
		name     string
		provider string
		body     string
	}{
		{"unknown provider", "stripe", `{"type":"payment.confirmed","txid":"t","valor_centavos":1}`},
		{"not json", "pix", `valor=10`},
		{"missing txid", "pix", `{"type":"payment.confirmed","valor_centavos":1}`},
		{"missing type", "pix", `{"txid":"t","valor_centavos":1}`},
		{"fractional cents", "pix", `{"type":"payment.confirmed","txid":"t","valor_centavos":10.5}`},
		{"zero cents", "pix", `{"type":"payment.confirmed","txid":"t","valor_centavos":0}`},
		{"negative cents", "pix", `{"type":"payment.confirmed","txid":"t","valor_centavos":-5}`},
		{"missing cents", "pix", `{"type":"payment.confirmed","txid":"t"}`},
		{"bad user id", "pix", `{"type":"payment.confirmed","txid":"t","valor_centavos":1,"metadata":{"user_id":"x"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Parse(tc.provider, []byte(tc.body))
			if !errors.Is(err, errs.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}
