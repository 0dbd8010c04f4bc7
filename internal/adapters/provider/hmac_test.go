package provider_test

import (
	"SettleLedger/internal/adapters/provider"
	"SettleLedger/internal/capability"
	"SettleLedger/internal/errs"
	"context"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := provider.NewHMACProvider("pix", "s3cret", 5*time.Minute).WithClock(func() time.Time { return now })
	body := []byte(`{"type":"payment.confirmed","txid":"abc","valor_centavos":1000}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	require.NoError(t, p.VerifySignature(body, p.Sign(ts, body), ts))

	err := p.VerifySignature(append(body, ' '), p.Sign(ts, body), ts)
	require.ErrorIs(t, err, errs.ErrUnauthorized, "tampered body")

	stale := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)
	err = p.VerifySignature(body, p.Sign(stale, body), stale)
	require.ErrorIs(t, err, errs.ErrUnauthorized, "stale timestamp")

	other := provider.NewHMACProvider("pix", "other", 0).WithClock(func() time.Time { return now })
	require.ErrorIs(t, p.VerifySignature(body, other.Sign(ts, body), ts), errs.ErrUnauthorized)

	require.ErrorIs(t, p.VerifySignature(body, "zz", ts), errs.ErrUnauthorized)
	require.ErrorIs(t, p.VerifySignature(body, "", ts), errs.ErrUnauthorized)
}

func TestCreateCharge(t *testing.T) {
	p := provider.NewHMACProvider("pix", "s3cret", 0)
	charge, err := p.CreateCharge(context.Background(), capability.ChargeRequest{UserID: uuid.New(), AmountCents: big.NewInt(1000), Reference: "r"})
	require.NoError(t, err)
	require.Len(t, charge.TxID, 32)
	require.Equal(t, "r", charge.PSPRef)

	_, err = p.CreateCharge(context.Background(), capability.ChargeRequest{AmountCents: big.NewInt(0)})
	require.ErrorIs(t, err, errs.ErrValidation)
}
