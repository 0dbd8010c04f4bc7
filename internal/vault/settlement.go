// Package vault moves swap proceeds into yield vaults and back.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"SettleLedger/internal/capability"
	"SettleLedger/internal/core"
	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Vault describes one vault-eligible asset. NativeDecimals is the vault's
// base-unit convention, which may differ from the ledger's.
type Vault struct {
	ID             string
	Asset          string
	NativeDecimals int
}

type Deps struct {
	Store    persistence.Store
	Ledger   *ledger.SettlementLedger
	Codec    *fpmath.Codec
	Provider capability.VaultProvider
	Idem     *core.IdempotencyStore
	Sink     event.Sink
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// Settlement books vault deposits and withdrawals against wallets.
type Settlement struct {
	store    persistence.Store
	ledger   *ledger.SettlementLedger
	codec    *fpmath.Codec
	provider capability.VaultProvider
	idem     *core.IdempotencyStore
	sink     event.Sink
	metrics  *observability.Metrics
	logger   zerolog.Logger

	byAsset map[string]Vault
	byID    map[string]Vault
}

func NewSettlement(d Deps, vaults []Vault) (*Settlement, error) {
	s := &Settlement{
		store:    d.Store,
		ledger:   d.Ledger,
		codec:    d.Codec,
		provider: d.Provider,
		idem:     d.Idem,
		sink:     d.Sink,
		metrics:  d.Metrics,
		logger:   d.Logger,
		byAsset:  make(map[string]Vault, len(vaults)),
		byID:     make(map[string]Vault, len(vaults)),
	}
	if s.ledger == nil {
		s.ledger = ledger.NewSettlementLedger()
	}
	if s.idem == nil {
		s.idem = core.NewIdempotencyStore(10_000, d.Metrics)
	}
	if s.sink == nil {
		s.sink = event.Discard{}
	}
	for _, v := range vaults {
		v.Asset = strings.ToUpper(strings.TrimSpace(v.Asset))
		if v.ID == "" || v.Asset == "" {
			return nil, errs.E(errs.KindValidation, "vault needs an id and an asset")
		}
		if v.NativeDecimals < 0 || v.NativeDecimals > 77 {
			return nil, errs.E(errs.KindInvalidDecimals, "vault %s: native decimals %d", v.ID, v.NativeDecimals)
		}
		if _, dup := s.byAsset[v.Asset]; dup {
			return nil, errs.E(errs.KindValidation, "asset %s mapped to more than one vault", v.Asset)
		}
		s.byAsset[v.Asset] = v
		s.byID[v.ID] = v
	}
	return s, nil
}

// Eligible reports whether proceeds in asset go to a vault.
func (s *Settlement) Eligible(asset string) bool {
	if s == nil || s.provider == nil {
		return false
	}
	_, ok := s.byAsset[strings.ToUpper(asset)]
	return ok
}

// DepositResult is the position after a deposit. Duplicate is set when the
// reference had already been booked.
type DepositResult struct {
	Position  *state.VaultPosition
	Native    *big.Int
	Debited   *big.Int
	Receipt   capability.VaultReceipt
	Duplicate bool
}

// Deposit moves amount (ledger units of asset) from the user's wallet into
// the asset's vault. The vault call carries an idempotency key derived from
// ref, so a retried deposit never mints twice. Sub-unit dust that cannot be
// expressed in the vault's decimals stays in the wallet.
func (s *Settlement) Deposit(ctx context.Context, userID uuid.UUID, asset string, amount *big.Int, ref string) (*DepositResult, error) {
	asset = strings.ToUpper(asset)
	v, ok := s.byAsset[asset]
	if !ok {
		return nil, errs.E(errs.KindValidation, "asset %s is not vault eligible", asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "vault deposit amount must be positive")
	}
	log := s.logger.With().Str("user_id", userID.String()).Str("vault", v.ID).Str("ref", ref).Logger()

	ledgerDec := s.codec.Decimals(asset)
	native := fpmath.Rescale(amount, ledgerDec, v.NativeDecimals, fpmath.RoundFloor)
	if native.Sign() == 0 {
		return nil, errs.E(errs.KindValidation, "amount %s %s is below the vault's smallest unit", amount, asset)
	}
	nativeU, overflow := uint256.FromBig(native)
	if overflow {
		return nil, errs.E(errs.KindValidation, "amount %s %s overflows vault units", amount, asset)
	}
	debit := fpmath.Rescale(native, v.NativeDecimals, ledgerDec, fpmath.RoundFloor)
	key := depositKey(ref)

	receipt, err := s.provider.Deposit(ctx, v.ID, nativeU, key)
	if err != nil {
		s.recordFailure(ctx, log, userID, v, ref, amount, err)
		return nil, fmt.Errorf("vault %s deposit: %w", v.ID, err)
	}
	if receipt.Shares == nil {
		receipt.Shares = new(uint256.Int)
	}

	res := &DepositResult{Native: native, Debited: debit, Receipt: receipt}
	err = s.store.InTx(ctx, func(tx persistence.Tx) error {
		first, err := s.idem.Record(ctx, tx, state.ProviderEvent{
			Provider:   state.ProviderInternal,
			EventType:  state.EventVaultDeposited,
			ExternalID: key,
			Detail:     receipt.ExternalID,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !first {
			res.Duplicate = true
			return nil
		}
		if _, err := s.ledger.DebitLocked(ctx, tx, ledger.Posting{
			Wallet:       ledger.NewWalletKey(userID, asset),
			Amount:       debit,
			Counterparty: ledger.BoundaryVault.Path(asset),
			Reason:       ledger.ReasonVaultDeposit,
			Reference:    ref,
		}); err != nil {
			return err
		}
		pos, err := tx.AddVaultPosition(ctx, state.VaultPosition{
			UserID:    userID,
			VaultID:   v.ID,
			Asset:     asset,
			Shares:    receipt.Shares.ToBig(),
			Principal: debit,
		})
		if err != nil {
			return fmt.Errorf("add vault position: %w", err)
		}
		res.Position = pos
		return nil
	})
	if err != nil {
		s.metrics.RecordVault("deposit", "error")
		log.Error().Err(err).Str("external_id", receipt.ExternalID).Msg("vault deposit not booked")
		return nil, err
	}
	s.idem.MarkProcessed(state.ProviderInternal, state.EventVaultDeposited, key)
	if res.Duplicate {
		s.metrics.RecordVault("deposit", "duplicate")
		return res, nil
	}

	s.metrics.RecordVault("deposit", "ok")
	s.metrics.RecordPosting(string(ledger.ReasonVaultDeposit))
	log.Info().Str("native", native.String()).Str("shares", receipt.Shares.Dec()).Msg("vault deposit booked")
	s.sink.Publish(event.SettlementEvent{
		IdempotencyKey: string(event.EventVaultDeposited) + ":" + key,
		Type:           event.EventVaultDeposited,
		UserID:         userID,
		ChunkRef:       ref,
		Asset:          asset,
		Amount:         debit.String(),
		Detail:         receipt.ExternalID,
		Timestamp:      time.Now().UTC(),
	})
	return res, nil
}

// WithdrawResult is the position after a withdrawal.
type WithdrawResult struct {
	Position  *state.VaultPosition
	Released  *big.Int
	Credited  *big.Int
	Duplicate bool
}

// Withdraw redeems shares from a position and credits the redeemed amount
// back to the wallet. Principal is reduced proportionally, floored.
func (s *Settlement) Withdraw(ctx context.Context, userID uuid.UUID, vaultID string, shares *big.Int, key string) (*WithdrawResult, error) {
	v, ok := s.byID[vaultID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "vault %s", vaultID)
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "withdraw shares must be positive")
	}
	sharesU, overflow := uint256.FromBig(shares)
	if overflow {
		return nil, errs.E(errs.KindValidation, "shares %s overflow vault units", shares)
	}
	pos, err := s.position(ctx, userID, vaultID)
	if err != nil {
		return nil, err
	}
	if pos.Shares.Cmp(shares) < 0 {
		return nil, errs.E(errs.KindInsufficientBalance, "vault %s: have %s shares, redeem %s", vaultID, pos.Shares, shares)
	}
	wkey := withdrawKey(key)
	log := s.logger.With().Str("user_id", userID.String()).Str("vault", v.ID).Str("key", key).Logger()

	redemption, err := s.provider.Withdraw(ctx, v.ID, sharesU, wkey)
	if err != nil {
		s.metrics.RecordVault("withdraw", "error")
		return nil, fmt.Errorf("vault %s withdraw: %w", v.ID, err)
	}
	redeemed := new(big.Int)
	if redemption.Redeemed != nil {
		redeemed = redemption.Redeemed.ToBig()
	}
	credit := fpmath.Rescale(redeemed, v.NativeDecimals, s.codec.Decimals(v.Asset), fpmath.RoundFloor)

	res := &WithdrawResult{Credited: credit}
	err = s.store.InTx(ctx, func(tx persistence.Tx) error {
		first, err := s.idem.Record(ctx, tx, state.ProviderEvent{
			Provider:   state.ProviderInternal,
			EventType:  state.EventVaultWithdrawn,
			ExternalID: wkey,
			Detail:     redemption.ExternalID,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !first {
			res.Duplicate = true
			return nil
		}
		locked, err := tx.LockVaultPosition(ctx, userID, vaultID)
		if err != nil {
			return err
		}
		released, err := locked.Redeem(shares)
		if err != nil {
			return err
		}
		if err := tx.SaveVaultPosition(ctx, locked); err != nil {
			return fmt.Errorf("save vault position: %w", err)
		}
		if credit.Sign() > 0 {
			if _, err := s.ledger.CreditLocked(ctx, tx, ledger.Posting{
				Wallet:       ledger.NewWalletKey(userID, v.Asset),
				Amount:       credit,
				Counterparty: ledger.BoundaryVault.Path(v.Asset),
				Reason:       ledger.ReasonVaultRedeem,
				Reference:    key,
			}); err != nil {
				return err
			}
		}
		res.Position, res.Released = locked, released
		return nil
	})
	if err != nil {
		s.metrics.RecordVault("withdraw", "error")
		log.Error().Err(err).Str("external_id", redemption.ExternalID).Msg("vault withdrawal not booked")
		return nil, err
	}
	s.idem.MarkProcessed(state.ProviderInternal, state.EventVaultWithdrawn, wkey)
	if res.Duplicate {
		s.metrics.RecordVault("withdraw", "duplicate")
		return res, nil
	}

	s.metrics.RecordVault("withdraw", "ok")
	s.metrics.RecordPosting(string(ledger.ReasonVaultRedeem))
	log.Info().Str("shares", shares.String()).Str("credited", credit.String()).Msg("vault withdrawal booked")
	s.sink.Publish(event.SettlementEvent{
		IdempotencyKey: string(event.EventVaultWithdrawn) + ":" + wkey,
		Type:           event.EventVaultWithdrawn,
		UserID:         userID,
		Asset:          v.Asset,
		Amount:         credit.String(),
		Detail:         redemption.ExternalID,
		Timestamp:      time.Now().UTC(),
	})
	return res, nil
}

func (s *Settlement) position(ctx context.Context, userID uuid.UUID, vaultID string) (*state.VaultPosition, error) {
	positions, err := s.store.ListVaultPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].VaultID == vaultID {
			return &positions[i], nil
		}
	}
	return nil, errs.E(errs.KindNotFound, "vault position %s/%s", userID, vaultID)
}

func (s *Settlement) recordFailure(ctx context.Context, log zerolog.Logger, userID uuid.UUID, v Vault, ref string, amount *big.Int, cause error) {
	s.metrics.RecordVault("deposit", "error")
	log.Warn().Err(cause).Msg("vault deposit failed")
	err := s.store.InTx(ctx, func(tx persistence.Tx) error {
		_, err := tx.InsertProviderEvent(ctx, state.ProviderEvent{
			Provider:   state.ProviderInternal,
			EventType:  state.EventVaultFailed,
			ExternalID: depositKey(ref),
			Detail:     cause.Error(),
			ReceivedAt: time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record vault failure")
	}
	s.sink.Publish(event.SettlementEvent{
		IdempotencyKey: string(event.EventVaultFailed) + ":" + ref,
		Type:           event.EventVaultFailed,
		UserID:         userID,
		ChunkRef:       ref,
		Asset:          v.Asset,
		Amount:         amount.String(),
		Detail:         cause.Error(),
		Timestamp:      time.Now().UTC(),
	})
}

func depositKey(ref string) string  { return "vault-deposit:" + ref }
func withdrawKey(key string) string { return "vault-withdraw:" + key }
