package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"SettleLedger/internal/errs"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store on database/sql with lib/pq. Minor-unit
// columns are NUMERIC(78,0); values cross the driver as decimal text.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E(errs.KindUnavailable, "begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// decodeNumeric converts the text form of a NUMERIC column. This is the
// only place database numerics become integers.
func decodeNumeric(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("decode numeric %q", raw)
	}
	return v, nil
}

func encodeNumeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.E(errs.KindNotFound, format, args...)
	}
	return err
}

// --- reads ---

const orderColumns = `id, user_id, side, symbol, quote_symbol, source, client_ref, deposit_txid,
	requested_amount::text, filled_amount::text, filled_counter::text, avg_price::text,
	status, chunk_count, created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*state.Order, error) {
	var (
		o                                 state.Order
		requested, filled, counter, price string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Side, &o.Symbol, &o.QuoteSymbol, &o.Source, &o.ClientRef, &o.DepositTxID,
		&requested, &filled, &counter, &price, &o.Status, &o.ChunkCount, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.RequestedAmount, err = decodeNumeric(requested); err != nil {
		return nil, err
	}
	if o.FilledAmount, err = decodeNumeric(filled); err != nil {
		return nil, err
	}
	if o.FilledCounter, err = decodeNumeric(counter); err != nil {
		return nil, err
	}
	if o.AvgPrice, err = decodeNumeric(price); err != nil {
		return nil, err
	}
	return &o, nil
}

func getOrder(ctx context.Context, q queryer, id uuid.UUID, forUpdate bool) (*state.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "order %s", id)
	}
	return o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id uuid.UUID) (*state.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

func (s *PostgresStore) FindOrderByClientRef(ctx context.Context, userID uuid.UUID, clientRef string) (*state.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND client_ref = $2 AND client_ref <> ''`,
		userID, clientRef))
	if err != nil {
		return nil, notFound(err, "order with client_ref %q", clientRef)
	}
	return o, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, orderID uuid.UUID) ([]state.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, chunk_index, chunk_ref, provider_ref, route,
		       amount_in::text, amount_out::text, min_out::text, fee::text, fee_asset, price::text, created_at
		FROM trades WHERE order_id = $1 ORDER BY chunk_index`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []state.Trade
	for rows.Next() {
		var (
			t                           state.Trade
			in, outAmt, minOut, fee, px string
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.ChunkIndex, &t.ChunkRef, &t.ProviderRef, &t.Route,
			&in, &outAmt, &minOut, &fee, &t.FeeAsset, &px, &t.CreatedAt); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			dst **big.Int
			raw string
		}{{&t.AmountIn, in}, {&t.AmountOut, outAmt}, {&t.MinOut, minOut}, {&t.Fee, fee}, {&t.Price, px}} {
			if *f.dst, err = decodeNumeric(f.raw); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const depositColumns = `txid, provider, user_id, asset, amount::text, status, product_id, psp_ref, created_at, updated_at`

func scanDeposit(row interface{ Scan(...interface{}) error }) (*state.Deposit, error) {
	var (
		d      state.Deposit
		amount string
	)
	if err := row.Scan(&d.TxID, &d.Provider, &d.UserID, &d.Asset, &amount, &d.Status,
		&d.ProductID, &d.PSPRef, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if d.Amount, err = decodeNumeric(amount); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetDeposit(ctx context.Context, txid string) (*state.Deposit, error) {
	d, err := scanDeposit(s.db.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM deposits WHERE txid = $1`, txid))
	if err != nil {
		return nil, notFound(err, "deposit %s", txid)
	}
	return d, nil
}

func (s *PostgresStore) ListCreditedDeposits(ctx context.Context, since time.Time) ([]state.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+depositColumns+` FROM deposits
		WHERE status = $1 AND updated_at >= $2 ORDER BY updated_at, txid`, string(state.DepositCredited), since)
	if err != nil {
		return nil, fmt.Errorf("list credited deposits: %w", err)
	}
	defer rows.Close()

	var out []state.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListWallets(ctx context.Context, userID uuid.UUID) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset, balance::text, updated_at FROM wallets WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var (
			w   Wallet
			raw string
		)
		w.Key.UserID = userID
		if err := rows.Scan(&w.Key.Asset, &raw, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if w.Balance, err = decodeNumeric(raw); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListJournal(ctx context.Context, key ledger.WalletKey) ([]ledger.Journal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, counterparty, delta::text, balance_after::text, reason, reference, created_at
		FROM ledger_journal WHERE user_id = $1 AND asset = $2 ORDER BY seq`, key.UserID, key.Asset)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []ledger.Journal
	for rows.Next() {
		var (
			j            ledger.Journal
			delta, after string
		)
		j.Wallet = key
		if err := rows.Scan(&j.JournalID, &j.BatchID, &j.Counterparty, &delta, &after, &j.Reason, &j.Reference, &j.CreatedAt); err != nil {
			return nil, err
		}
		if j.Delta, err = decodeNumeric(delta); err != nil {
			return nil, err
		}
		if j.BalanceAfter, err = decodeNumeric(after); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanVault(row interface{ Scan(...interface{}) error }) (*state.VaultPosition, error) {
	var (
		p                 state.VaultPosition
		shares, principal string
	)
	if err := row.Scan(&p.UserID, &p.VaultID, &p.Asset, &shares, &principal, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Shares, err = decodeNumeric(shares); err != nil {
		return nil, err
	}
	if p.Principal, err = decodeNumeric(principal); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListVaultPositions(ctx context.Context, userID uuid.UUID) ([]state.VaultPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, vault_id, asset, shares::text, principal::text, updated_at
		FROM vault_positions WHERE user_id = $1 ORDER BY vault_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list vault positions: %w", err)
	}
	defer rows.Close()

	var out []state.VaultPosition
	for rows.Next() {
		p, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- transaction ---

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, key ledger.WalletKey) (*big.Int, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, asset, balance) VALUES ($1, $2, 0) ON CONFLICT (user_id, asset) DO NOTHING`,
		key.UserID, key.Asset); err != nil {
		return nil, err
	}
	var raw string
	if err := t.tx.QueryRowContext(ctx,
		`SELECT balance::text FROM wallets WHERE user_id = $1 AND asset = $2 FOR UPDATE`,
		key.UserID, key.Asset).Scan(&raw); err != nil {
		return nil, err
	}
	return decodeNumeric(raw)
}

func (t *pgTx) SetWalletBalance(ctx context.Context, key ledger.WalletKey, balance *big.Int) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = $3::numeric, updated_at = NOW() WHERE user_id = $1 AND asset = $2`,
		key.UserID, key.Asset, encodeNumeric(balance))
	return err
}

func (t *pgTx) InsertJournal(ctx context.Context, j ledger.Journal) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_journal
			(journal_id, batch_id, user_id, asset, counterparty, delta, balance_after, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10)`,
		j.JournalID, j.BatchID, j.Wallet.UserID, j.Wallet.Asset, j.Counterparty,
		encodeNumeric(j.Delta), encodeNumeric(j.BalanceAfter), string(j.Reason), j.Reference, j.CreatedAt)
	return err
}

func (t *pgTx) InsertProviderEvent(ctx context.Context, ev state.ProviderEvent) (bool, error) {
	return insertProviderEvent(ctx, t.tx, ev)
}

func (t *pgTx) GetDepositForUpdate(ctx context.Context, txid string) (*state.Deposit, error) {
	d, err := scanDeposit(t.tx.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE txid = $1 FOR UPDATE`, txid))
	if err != nil {
		return nil, notFound(err, "deposit %s", txid)
	}
	return d, nil
}

func (t *pgTx) InsertDeposit(ctx context.Context, d *state.Deposit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deposits (txid, provider, user_id, asset, amount, status, product_id, psp_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)`,
		d.TxID, d.Provider, d.UserID, d.Asset, encodeNumeric(d.Amount), string(d.Status),
		d.ProductID, d.PSPRef, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.E(errs.KindConflict, "deposit %s already exists", d.TxID)
	}
	return err
}

func (t *pgTx) UpdateDepositStatus(ctx context.Context, d *state.Deposit) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE deposits SET status = $2, updated_at = $3 WHERE txid = $1`, d.TxID, string(d.Status), d.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.KindNotFound, "deposit %s", d.TxID)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *state.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, side, symbol, quote_symbol, source, client_ref, deposit_txid,
			requested_amount, filled_amount, filled_counter, avg_price, status, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13, $14, $15, $16)`,
		o.ID, o.UserID, string(o.Side), o.Symbol, o.QuoteSymbol, string(o.Source), o.ClientRef, o.DepositTxID,
		encodeNumeric(o.RequestedAmount), encodeNumeric(o.FilledAmount), encodeNumeric(o.FilledCounter),
		encodeNumeric(o.AvgPrice), string(o.Status), o.ChunkCount, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.E(errs.KindConflict, "order %s or client_ref %q already exists", o.ID, o.ClientRef)
	}
	return err
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*state.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *state.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET filled_amount = $2::numeric, filled_counter = $3::numeric, avg_price = $4::numeric,
			status = $5, updated_at = $6
		WHERE id = $1`,
		o.ID, encodeNumeric(o.FilledAmount), encodeNumeric(o.FilledCounter), encodeNumeric(o.AvgPrice),
		string(o.Status), o.UpdatedAt)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *state.Trade) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, chunk_index, chunk_ref, provider_ref, route,
			amount_in, amount_out, min_out, fee, fee_asset, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11, $12::numeric, $13)
		ON CONFLICT (order_id, chunk_ref) DO NOTHING`,
		tr.ID, tr.OrderID, tr.ChunkIndex, tr.ChunkRef, tr.ProviderRef, tr.Route,
		encodeNumeric(tr.AmountIn), encodeNumeric(tr.AmountOut), encodeNumeric(tr.MinOut),
		encodeNumeric(tr.Fee), tr.FeeAsset, encodeNumeric(tr.Price), tr.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) AddVaultPosition(ctx context.Context, delta state.VaultPosition) (*state.VaultPosition, error) {
	p, err := scanVault(t.tx.QueryRowContext(ctx, `
		INSERT INTO vault_positions (user_id, vault_id, asset, shares, principal, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, NOW())
		ON CONFLICT (user_id, vault_id) DO UPDATE SET
			shares = vault_positions.shares + EXCLUDED.shares,
			principal = vault_positions.principal + EXCLUDED.principal,
			updated_at = NOW()
		RETURNING user_id, vault_id, asset, shares::text, principal::text, updated_at`,
		delta.UserID, delta.VaultID, delta.Asset, encodeNumeric(delta.Shares), encodeNumeric(delta.Principal)))
	if err != nil {
		return nil, fmt.Errorf("upsert vault position: %w", err)
	}
	return p, nil
}

func (t *pgTx) LockVaultPosition(ctx context.Context, userID uuid.UUID, vaultID string) (*state.VaultPosition, error) {
	p, err := scanVault(t.tx.QueryRowContext(ctx, `
		SELECT user_id, vault_id, asset, shares::text, principal::text, updated_at
		FROM vault_positions WHERE user_id = $1 AND vault_id = $2 FOR UPDATE`, userID, vaultID))
	if err != nil {
		return nil, notFound(err, "vault position %s/%s", userID, vaultID)
	}
	return p, nil
}

func (t *pgTx) SaveVaultPosition(ctx context.Context, p *state.VaultPosition) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE vault_positions SET shares = $3::numeric, principal = $4::numeric, updated_at = $5
		WHERE user_id = $1 AND vault_id = $2`,
		p.UserID, p.VaultID, encodeNumeric(p.Shares), encodeNumeric(p.Principal), time.Now().UTC())
	return err
}
