package ingestion_test

import (
	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"
	"SettleLedger/internal/ingestion"
	"SettleLedger/internal/observability"
	"context"
	"errors"
	"testing"
	"time"
)

type acks struct{ ack, nak, term int }

func (a *acks) raw(subject, body string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      []byte(body),
		Timestamp: time.Now(),
		AckFunc:   func() { a.ack++ },
		NakFunc:   func() { a.nak++ },
		TermFunc:  func() { a.term++ },
	}
}

func TestDispatchAcknowledgement(t *testing.T) {
	confirmedBody := `{"type":"payment.confirmed","txid":"t1","valor_centavos":1000}`
	cases := []struct {
		name      string
		subject   string
		body      string
		handleErr error
		want      acks
	}{
		{"settled", "settle.webhooks.pix", confirmedBody, nil, acks{ack: 1}},
		{"unknown provider", "settle.webhooks.other", confirmedBody, nil, acks{term: 1}},
		{"malformed body", "settle.webhooks.pix", `{`, nil, acks{term: 1}},
		{"validation in pipeline", "settle.webhooks.pix", confirmedBody, errs.E(errs.KindValidation, "no user"), acks{term: 1}},
		{"transient failure", "settle.webhooks.pix", confirmedBody, errors.New("db down"), acks{nak: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got acks
			var handled []event.Inbound
			sub := ingestion.NewNATSSubscriber(nil, ingestion.NewParser("pix"),
				func(_ context.Context, ev event.Inbound) error {
					handled = append(handled, ev)
					return tc.handleErr
				}, nil, observability.NopLogger())

			sub.Dispatch(context.Background(), got.raw(tc.subject, tc.body))
			if got != tc.want {
				t.Errorf("acks: got %+v, want %+v", got, tc.want)
			}
			if tc.want.ack == 1 && len(handled) != 1 {
				t.Errorf("expected the event to reach the handler once, got %d", len(handled))
			}
		})
	}
}
