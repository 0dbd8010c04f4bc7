package persistence

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"SettleLedger/internal/errs"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/state"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local runs without
// Postgres. Transactions are serialized by one mutex and applied to a copy
// of the data that replaces the live copy on commit.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

type memData struct {
	wallets      *ledger.BalanceTracker
	walletTimes  map[ledger.WalletKey]time.Time
	journals     []ledger.Journal
	events       []state.ProviderEvent
	eventKeys    map[string]bool
	eventHashes  map[string]bool
	deposits     map[string]*state.Deposit
	orders       map[uuid.UUID]*state.Order
	trades       map[uuid.UUID][]state.Trade
	tradeRefs    map[string]bool
	vaults       map[string]*state.VaultPosition
	vaultOrdered []string
}

func newMemData() *memData {
	return &memData{
		wallets:     ledger.NewBalanceTracker(),
		walletTimes: make(map[ledger.WalletKey]time.Time),
		eventKeys:   make(map[string]bool),
		eventHashes: make(map[string]bool),
		deposits:    make(map[string]*state.Deposit),
		orders:      make(map[uuid.UUID]*state.Order),
		trades:      make(map[uuid.UUID][]state.Trade),
		tradeRefs:   make(map[string]bool),
		vaults:      make(map[string]*state.VaultPosition),
	}
}

func (d *memData) clone() *memData {
	out := newMemData()
	out.wallets = d.wallets.Clone()
	for k, v := range d.walletTimes {
		out.walletTimes[k] = v
	}
	out.journals = append([]ledger.Journal(nil), d.journals...)
	out.events = append([]state.ProviderEvent(nil), d.events...)
	for k := range d.eventKeys {
		out.eventKeys[k] = true
	}
	for k := range d.eventHashes {
		out.eventHashes[k] = true
	}
	for k, v := range d.deposits {
		cp := *v
		cp.Amount = new(big.Int).Set(v.Amount)
		out.deposits[k] = &cp
	}
	for k, v := range d.orders {
		out.orders[k] = v.Clone()
	}
	for k, v := range d.trades {
		out.trades[k] = append([]state.Trade(nil), v...)
	}
	for k := range d.tradeRefs {
		out.tradeRefs[k] = true
	}
	for k, v := range d.vaults {
		out.vaults[k] = cloneVault(v)
	}
	out.vaultOrdered = append([]string(nil), d.vaultOrdered...)
	return out
}

func cloneVault(v *state.VaultPosition) *state.VaultPosition {
	cp := *v
	cp.Shares = new(big.Int).Set(v.Shares)
	cp.Principal = new(big.Int).Set(v.Principal)
	return &cp
}

func vaultKey(userID uuid.UUID, vaultID string) string {
	return userID.String() + "|" + vaultID
}

// InTx runs fn against a private copy and publishes it when fn succeeds
// and every touched wallet still reconciles with its journal.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{d: s.data.clone(), touched: make(map[ledger.WalletKey]bool)}
	if err := fn(tx); err != nil {
		return err
	}

	validator := ledger.NewInvariantValidator(tx.d.wallets)
	for key := range tx.touched {
		if err := validator.ValidateWallet(key, tx.d.journals); err != nil {
			return fmt.Errorf("invariant: %w", err)
		}
	}
	s.data = tx.d
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*state.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data.orders[id]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "order %s", id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) FindOrderByClientRef(_ context.Context, userID uuid.UUID, clientRef string) (*state.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.data.findClientRef(userID, clientRef); o != nil {
		return o.Clone(), nil
	}
	return nil, errs.E(errs.KindNotFound, "order with client_ref %q", clientRef)
}

func (d *memData) findClientRef(userID uuid.UUID, clientRef string) *state.Order {
	if clientRef == "" {
		return nil
	}
	for _, o := range d.orders {
		if o.UserID == userID && o.ClientRef == clientRef {
			return o
		}
	}
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, orderID uuid.UUID) ([]state.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trades := append([]state.Trade(nil), s.data.trades[orderID]...)
	sort.Slice(trades, func(i, j int) bool { return trades[i].ChunkIndex < trades[j].ChunkIndex })
	return trades, nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, txid string) (*state.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.deposits[txid]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "deposit %s", txid)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListCreditedDeposits(_ context.Context, since time.Time) ([]state.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.Deposit
	for _, d := range s.data.deposits {
		if d.Status == state.DepositCredited && !d.UpdatedAt.Before(since) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].TxID < out[j].TxID
	})
	return out, nil
}

func (s *MemoryStore) ListWallets(_ context.Context, userID uuid.UUID) ([]Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Wallet
	for _, key := range s.data.wallets.UserWallets(userID) {
		out = append(out, Wallet{Key: key, Balance: s.data.wallets.GetBalance(key), UpdatedAt: s.data.walletTimes[key]})
	}
	return out, nil
}

func (s *MemoryStore) ListJournal(_ context.Context, key ledger.WalletKey) ([]ledger.Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Journal
	for _, j := range s.data.journals {
		if j.Wallet == key {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListVaultPositions(_ context.Context, userID uuid.UUID) ([]state.VaultPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.VaultPosition
	for _, k := range s.data.vaultOrdered {
		if p := s.data.vaults[k]; p.UserID == userID {
			out = append(out, *cloneVault(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListProviderEvents(_ context.Context, eventType string) ([]state.ProviderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.ProviderEvent
	for _, ev := range s.data.events {
		if eventType == "" || ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecentProviderEvents(_ context.Context, limit int) ([]state.ProviderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.data.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]state.ProviderEvent(nil), events...), nil
}

// memTx operates on the private copy owned by one InTx call.
type memTx struct {
	d       *memData
	touched map[ledger.WalletKey]bool
}

func (tx *memTx) LockWallet(_ context.Context, key ledger.WalletKey) (*big.Int, error) {
	if !tx.d.wallets.Exists(key) {
		tx.d.wallets.SetBalance(key, new(big.Int))
	}
	return tx.d.wallets.GetBalance(key), nil
}

func (tx *memTx) SetWalletBalance(_ context.Context, key ledger.WalletKey, balance *big.Int) error {
	if balance.Sign() < 0 {
		return fmt.Errorf("wallet %s: negative balance %s", key.AccountPath(), balance)
	}
	tx.d.wallets.SetBalance(key, balance)
	tx.d.walletTimes[key] = time.Now().UTC()
	tx.touched[key] = true
	return nil
}

func (tx *memTx) InsertJournal(_ context.Context, j ledger.Journal) error {
	tx.d.journals = append(tx.d.journals, j)
	return nil
}

func (tx *memTx) InsertProviderEvent(_ context.Context, ev state.ProviderEvent) (bool, error) {
	key := ev.Provider + "|" + ev.EventType + "|" + ev.ExternalID
	hashKey := ev.Provider + "|" + ev.PayloadHash
	if tx.d.eventKeys[key] || (ev.PayloadHash != "" && tx.d.eventHashes[hashKey]) {
		return false, nil
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	tx.d.eventKeys[key] = true
	if ev.PayloadHash != "" {
		tx.d.eventHashes[hashKey] = true
	}
	tx.d.events = append(tx.d.events, ev)
	return true, nil
}

func (tx *memTx) GetDepositForUpdate(_ context.Context, txid string) (*state.Deposit, error) {
	d, ok := tx.d.deposits[txid]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "deposit %s", txid)
	}
	cp := *d
	return &cp, nil
}

func (tx *memTx) InsertDeposit(_ context.Context, d *state.Deposit) error {
	if _, ok := tx.d.deposits[d.TxID]; ok {
		return errs.E(errs.KindConflict, "deposit %s already exists", d.TxID)
	}
	cp := *d
	tx.d.deposits[d.TxID] = &cp
	return nil
}

func (tx *memTx) UpdateDepositStatus(_ context.Context, d *state.Deposit) error {
	cur, ok := tx.d.deposits[d.TxID]
	if !ok {
		return errs.E(errs.KindNotFound, "deposit %s", d.TxID)
	}
	cur.Status = d.Status
	cur.UpdatedAt = d.UpdatedAt
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *state.Order) error {
	if _, ok := tx.d.orders[o.ID]; ok {
		return errs.E(errs.KindConflict, "order %s already exists", o.ID)
	}
	if tx.d.findClientRef(o.UserID, o.ClientRef) != nil {
		return errs.E(errs.KindConflict, "client_ref %q already used", o.ClientRef)
	}
	tx.d.orders[o.ID] = o.Clone()
	return nil
}

func (tx *memTx) GetOrderForUpdate(_ context.Context, id uuid.UUID) (*state.Order, error) {
	o, ok := tx.d.orders[id]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "order %s", id)
	}
	return o.Clone(), nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o *state.Order) error {
	if _, ok := tx.d.orders[o.ID]; !ok {
		return errs.E(errs.KindNotFound, "order %s", o.ID)
	}
	tx.d.orders[o.ID] = o.Clone()
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *state.Trade) (bool, error) {
	key := t.OrderID.String() + "|" + t.ChunkRef
	if tx.d.tradeRefs[key] {
		return false, nil
	}
	tx.d.tradeRefs[key] = true
	tx.d.trades[t.OrderID] = append(tx.d.trades[t.OrderID], *t)
	return true, nil
}

func (tx *memTx) AddVaultPosition(_ context.Context, delta state.VaultPosition) (*state.VaultPosition, error) {
	key := vaultKey(delta.UserID, delta.VaultID)
	p, ok := tx.d.vaults[key]
	if !ok {
		p = state.NewVaultPosition(delta.UserID, delta.VaultID, delta.Asset)
		tx.d.vaults[key] = p
		tx.d.vaultOrdered = append(tx.d.vaultOrdered, key)
	}
	p.Add(delta.Shares, delta.Principal)
	return cloneVault(p), nil
}

func (tx *memTx) LockVaultPosition(_ context.Context, userID uuid.UUID, vaultID string) (*state.VaultPosition, error) {
	p, ok := tx.d.vaults[vaultKey(userID, vaultID)]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "vault position %s/%s", userID, vaultID)
	}
	return cloneVault(p), nil
}

func (tx *memTx) SaveVaultPosition(_ context.Context, p *state.VaultPosition) error {
	key := vaultKey(p.UserID, p.VaultID)
	if _, ok := tx.d.vaults[key]; !ok {
		return errs.E(errs.KindNotFound, "vault position %s/%s", p.UserID, p.VaultID)
	}
	tx.d.vaults[key] = cloneVault(p)
	return nil
}
