package vault_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"SettleLedger/internal/adapters/mock"
	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/state"
	"SettleLedger/internal/vault"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *persistence.MemoryStore
	codec    *fpmath.Codec
	provider *mock.Vault
	sink     *event.Recorder
	settle   *vault.Settlement
	user     uuid.UUID
}

func newFixture(t *testing.T, vaults ...vault.Vault) *fixture {
	t.Helper()
	if len(vaults) == 0 {
		vaults = []vault.Vault{{ID: "usdc-yield", Asset: "USDC", NativeDecimals: 6}}
	}
	f := &fixture{
		store:    persistence.NewMemoryStore(),
		codec:    fpmath.NewCodec(fpmath.NewRegistry(fpmath.WithEnvLookup(func(string) (string, bool) { return "", false }))),
		provider: mock.NewVault(),
		sink:     &event.Recorder{},
		user:     uuid.New(),
	}
	s, err := vault.NewSettlement(vault.Deps{
		Store:    f.store,
		Codec:    f.codec,
		Provider: f.provider,
		Sink:     f.sink,
		Logger:   observability.NopLogger(),
	}, vaults)
	require.NoError(t, err)
	f.settle = s
	return f
}

func (f *fixture) fund(t *testing.T, asset, human string) *big.Int {
	t.Helper()
	units := f.codec.MustUnits(asset, human).Units
	err := f.store.InTx(context.Background(), func(tx persistence.Tx) error {
		_, err := ledger.NewSettlementLedger().CreditLocked(context.Background(), tx, ledger.Posting{
			Wallet:       ledger.NewWalletKey(f.user, asset),
			Amount:       units,
			Counterparty: ledger.BoundarySwapVenue.Path(asset),
			Reason:       ledger.ReasonSwapCredit,
			Reference:    "seed",
		})
		return err
	})
	require.NoError(t, err)
	return units
}

func (f *fixture) balance(t *testing.T, asset string) string {
	t.Helper()
	wallets, err := f.store.ListWallets(context.Background(), f.user)
	require.NoError(t, err)
	for _, w := range wallets {
		if w.Key.Asset == asset {
			return f.codec.FromUnits(fpmath.NewAmount(asset, w.Balance))
		}
	}
	return "0"
}

func TestDeposit_RescalesAndKeepsDust(t *testing.T) {
	f := newFixture(t)
	amount := f.fund(t, "USDC", "10.1234567")

	res, err := f.settle.Deposit(context.Background(), f.user, "USDC", amount, "order-0")
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, "10123456", res.Native.String())
	require.Equal(t, "101234560", res.Debited.String())
	require.Equal(t, "10123456", res.Position.Shares.String())
	require.Equal(t, "101234560", res.Position.Principal.String())

	require.Equal(t, "0.0000007", f.balance(t, "USDC"))
	require.Len(t, f.sink.OfType(event.EventVaultDeposited), 1)
}

func TestDeposit_SameRefIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "USDC", "20")
	amount := f.codec.MustUnits("USDC", "5").Units

	_, err := f.settle.Deposit(context.Background(), f.user, "USDC", amount, "order-0")
	require.NoError(t, err)
	again, err := f.settle.Deposit(context.Background(), f.user, "USDC", amount, "order-0")
	require.NoError(t, err)
	require.True(t, again.Duplicate)

	require.Equal(t, 1, f.provider.Deposits())
	require.Equal(t, "15", f.balance(t, "USDC"))
}

func TestDeposit_AccumulatesPosition(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "USDC", "20")
	amount := f.codec.MustUnits("USDC", "5").Units

	_, err := f.settle.Deposit(context.Background(), f.user, "USDC", amount, "order-0")
	require.NoError(t, err)
	res, err := f.settle.Deposit(context.Background(), f.user, "USDC", amount, "order-1")
	require.NoError(t, err)

	require.Equal(t, "10000000", res.Position.Shares.String())
	require.Equal(t, "100000000", res.Position.Principal.String())

	positions, err := f.store.ListVaultPositions(context.Background(), f.user)
	require.NoError(t, err)
	require.Len(t, positions, 1)
}

func TestDeposit_ProviderFailureLeavesWalletUntouched(t *testing.T) {
	f := newFixture(t)
	amount := f.fund(t, "USDC", "3")
	f.provider.FailWith(errs.E(errs.KindUnavailable, "vault paused"))

	_, err := f.settle.Deposit(context.Background(), f.user, "USDC", amount, "order-0")
	require.ErrorIs(t, err, errs.ErrUnavailable)
	require.Equal(t, "3", f.balance(t, "USDC"))

	failed, err := f.store.ListProviderEvents(context.Background(), state.EventVaultFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Len(t, f.sink.OfType(event.EventVaultFailed), 1)
}

func TestDeposit_RejectsIneligibleAndOverflow(t *testing.T) {
	f := newFixture(t, vault.Vault{ID: "wide", Asset: "USDC", NativeDecimals: 77})
	require.False(t, f.settle.Eligible("BTC"))
	require.True(t, f.settle.Eligible("usdc"))

	_, err := f.settle.Deposit(context.Background(), f.user, "BTC", big.NewInt(1), "r")
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.settle.Deposit(context.Background(), f.user, "USDC", big.NewInt(10_000_000_000), "r")
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Zero(t, f.provider.Deposits())
}

func TestWithdraw_ProportionalPrincipal(t *testing.T) {
	f := newFixture(t)
	amount := f.fund(t, "USDC", "10.1234567")
	_, err := f.settle.Deposit(context.Background(), f.user, "USDC", amount, "order-0")
	require.NoError(t, err)

	res, err := f.settle.Withdraw(context.Background(), f.user, "usdc-yield", big.NewInt(5_061_728), "wd-1")
	require.NoError(t, err)
	require.Equal(t, "50617280", res.Released.String())
	require.Equal(t, "50617280", res.Credited.String())
	require.Equal(t, "5061728", res.Position.Shares.String())
	require.Equal(t, "50617280", res.Position.Principal.String())
	require.Equal(t, "5.0617287", f.balance(t, "USDC"))

	again, err := f.settle.Withdraw(context.Background(), f.user, "usdc-yield", big.NewInt(5_061_728), "wd-1")
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, "5.0617287", f.balance(t, "USDC"))
}

func TestWithdraw_NeverDrivesSharesNegative(t *testing.T) {
	f := newFixture(t)
	amount := f.fund(t, "USDC", "1")
	_, err := f.settle.Deposit(context.Background(), f.user, "USDC", amount, "order-0")
	require.NoError(t, err)

	_, err = f.settle.Withdraw(context.Background(), f.user, "usdc-yield", big.NewInt(1_000_001), "wd-1")
	require.True(t, errors.Is(err, errs.ErrInsufficientBalance))

	_, err = f.settle.Withdraw(context.Background(), f.user, "missing", big.NewInt(1), "wd-2")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
