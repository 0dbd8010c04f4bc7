// Package provider holds the payment-provider adapter: webhook signature
// checks and charge creation.
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"SettleLedger/internal/capability"
	"SettleLedger/internal/errs"

	"github.com/google/uuid"
)

const DefaultTolerance = 5 * time.Minute

// HMACProvider verifies webhooks signed as hex(HMAC-SHA256(secret,
// timestamp + "." + body)) with a unix-seconds timestamp. Charges are
// issued locally with a provider-style txid; the provider's network API is
// outside this service.
type HMACProvider struct {
	name      string
	secret    []byte
	tolerance time.Duration
	chargeTTL time.Duration
	nowFn     func() time.Time
}

func NewHMACProvider(name, secret string, tolerance time.Duration) *HMACProvider {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &HMACProvider{
		name:      name,
		secret:    []byte(secret),
		tolerance: tolerance,
		chargeTTL: 30 * time.Minute,
		nowFn:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (p *HMACProvider) WithClock(now func() time.Time) *HMACProvider {
	p.nowFn = now
	return p
}

func (p *HMACProvider) Name() string { return p.name }

func (p *HMACProvider) CreateCharge(_ context.Context, req capability.ChargeRequest) (capability.Charge, error) {
	if req.AmountCents == nil || req.AmountCents.Sign() <= 0 {
		return capability.Charge{}, errs.E(errs.KindValidation, "charge amount must be positive")
	}
	txid := strings.ReplaceAll(uuid.NewString(), "-", "")
	return capability.Charge{
		TxID:       txid,
		PSPRef:     req.Reference,
		PaymentURI: "pix://" + p.name + "/" + txid,
		ExpiresAt:  p.nowFn().Add(p.chargeTTL).UTC(),
	}, nil
}

func (p *HMACProvider) VerifySignature(body []byte, signature, timestamp string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" || strings.TrimSpace(timestamp) == "" {
		return errs.E(errs.KindUnauthorized, "missing signature or timestamp")
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return errs.E(errs.KindUnauthorized, "malformed timestamp")
	}
	skew := p.nowFn().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > p.tolerance {
		return errs.E(errs.KindUnauthorized, "signature timestamp outside tolerance")
	}

	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return errs.E(errs.KindUnauthorized, "malformed signature")
	}
	if !hmac.Equal(decoded, p.mac(timestamp, body)) {
		return errs.E(errs.KindUnauthorized, "signature mismatch")
	}
	return nil
}

// Sign produces the header value for timestamp and body.
func (p *HMACProvider) Sign(timestamp string, body []byte) string {
	return hex.EncodeToString(p.mac(timestamp, body))
}

func (p *HMACProvider) mac(timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(strings.TrimSpace(timestamp)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
