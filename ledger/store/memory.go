// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	wallets       map[ledger.WalletID]ledger.Wallet
	entries       map[ledger.EntryID]ledger.Entry
	sequence      int64
	pending       map[pendingKey]ledger.PendingSync
	notifications []ledger.Notification
	audit         []ledger.AuditEntry
	integrations  map[integrationKey]ledger.WalletID
}

type pendingKey struct {
	Source     string
	ExternalID string
}

type integrationKey struct {
	UserID ledger.UserID
	Source string
}

func NewMemory() *Memory {
	return &Memory{state: memoryState{
		wallets:      make(map[ledger.WalletID]ledger.Wallet),
		entries:      make(map[ledger.EntryID]ledger.Entry),
		pending:      make(map[pendingKey]ledger.PendingSync),
		integrations: make(map[integrationKey]ledger.WalletID),
	}}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) read() *memoryTx  { m.mu.RLock(); return &memoryTx{s: &m.state} }
func (m *Memory) write() *memoryTx { m.mu.Lock(); return &memoryTx{s: &m.state} }

func (m *Memory) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	defer m.mu.Unlock()
	return m.write().CreateWallet(ctx, w)
}

func (m *Memory) GetWallet(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	defer m.mu.RUnlock()
	return m.read().GetWallet(ctx, id)
}

func (m *Memory) ListWallets(ctx context.Context, userID ledger.UserID) ([]ledger.Wallet, error) {
	defer m.mu.RUnlock()
	return m.read().ListWallets(ctx, userID)
}

func (m *Memory) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, balance decimal.Decimal, expectedVersion int64) (int64, error) {
	defer m.mu.Unlock()
	return m.write().UpdateWalletBalance(ctx, id, balance, expectedVersion)
}

func (m *Memory) InsertEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	defer m.mu.Unlock()
	return m.write().InsertEntry(ctx, e)
}

func (m *Memory) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	defer m.mu.Unlock()
	return m.write().UpdateEntry(ctx, e)
}

func (m *Memory) VoidEntry(ctx context.Context, id, supersededBy ledger.EntryID) error {
	defer m.mu.Unlock()
	return m.write().VoidEntry(ctx, id, supersededBy)
}

func (m *Memory) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	defer m.mu.RUnlock()
	return m.read().GetEntry(ctx, id)
}

func (m *Memory) FindByExternalKey(ctx context.Context, key ledger.ExternalKey) (ledger.Entry, error) {
	defer m.mu.RUnlock()
	return m.read().FindByExternalKey(ctx, key)
}

func (m *Memory) ListEntries(ctx context.Context, walletID ledger.WalletID) ([]ledger.Entry, error) {
	defer m.mu.RUnlock()
	return m.read().ListEntries(ctx, walletID)
}

func (m *Memory) ListAccountEntries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	defer m.mu.RUnlock()
	return m.read().ListAccountEntries(ctx, userID)
}

func (m *Memory) ListSaleEntries(ctx context.Context, source, saleID string) ([]ledger.Entry, error) {
	defer m.mu.RUnlock()
	return m.read().ListSaleEntries(ctx, source, saleID)
}

func (m *Memory) ListByReconciliationCode(ctx context.Context, userID ledger.UserID, code string) ([]ledger.Entry, error) {
	defer m.mu.RUnlock()
	return m.read().ListByReconciliationCode(ctx, userID, code)
}

func (m *Memory) UpsertPendingSync(ctx context.Context, p ledger.PendingSync) error {
	defer m.mu.Unlock()
	return m.write().UpsertPendingSync(ctx, p)
}

func (m *Memory) GetPendingSync(ctx context.Context, source, externalID string) (ledger.PendingSync, error) {
	defer m.mu.RUnlock()
	return m.read().GetPendingSync(ctx, source, externalID)
}

func (m *Memory) ListDuePendingSyncs(ctx context.Context, now time.Time, limit int) ([]ledger.PendingSync, error) {
	defer m.mu.RUnlock()
	return m.read().ListDuePendingSyncs(ctx, now, limit)
}

func (m *Memory) DeletePendingSync(ctx context.Context, source, externalID string) error {
	defer m.mu.Unlock()
	return m.write().DeletePendingSync(ctx, source, externalID)
}

func (m *Memory) CreateNotification(ctx context.Context, n ledger.Notification) error {
	defer m.mu.Unlock()
	return m.write().CreateNotification(ctx, n)
}

func (m *Memory) ListNotifications(ctx context.Context, userID ledger.UserID) ([]ledger.Notification, error) {
	defer m.mu.RUnlock()
	return m.read().ListNotifications(ctx, userID)
}

func (m *Memory) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	defer m.mu.Unlock()
	return m.write().AppendAudit(ctx, entry)
}

func (m *Memory) ListAudit(ctx context.Context, walletID ledger.WalletID) ([]ledger.AuditEntry, error) {
	defer m.mu.RUnlock()
	return m.read().ListAudit(ctx, walletID)
}

func (m *Memory) SetIntegrationWallet(ctx context.Context, userID ledger.UserID, source string, walletID ledger.WalletID) error {
	defer m.mu.Unlock()
	return m.write().SetIntegrationWallet(ctx, userID, source, walletID)
}

func (m *Memory) GetIntegrationWallet(ctx context.Context, userID ledger.UserID, source string) (ledger.WalletID, error) {
	defer m.mu.RUnlock()
	return m.read().GetIntegrationWallet(ctx, userID, source)
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryTx{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Reset drops every record. Used by the demo scenario loader.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = NewMemory().state
	return nil
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		wallets:       make(map[ledger.WalletID]ledger.Wallet, len(s.wallets)),
		entries:       make(map[ledger.EntryID]ledger.Entry, len(s.entries)),
		sequence:      s.sequence,
		pending:       make(map[pendingKey]ledger.PendingSync, len(s.pending)),
		notifications: append([]ledger.Notification{}, s.notifications...),
		audit:         append([]ledger.AuditEntry{}, s.audit...),
		integrations:  make(map[integrationKey]ledger.WalletID, len(s.integrations)),
	}
	for k, v := range s.wallets {
		out.wallets[k] = v
	}
	for k, v := range s.entries {
		out.entries[k] = cloneEntry(v)
	}
	for k, v := range s.pending {
		out.pending[k] = v
	}
	for k, v := range s.integrations {
		out.integrations[k] = v
	}
	return out
}

// =============================================================================
// UNLOCKED VIEW - Used directly inside WithTx
// =============================================================================

type memoryTx struct {
	s *memoryState
}

func (tx *memoryTx) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(tx)
}

func (tx *memoryTx) CreateWallet(_ context.Context, w ledger.Wallet) error {
	if _, ok := tx.s.wallets[w.ID]; ok {
		return ledger.ErrPersistenceConflict
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	tx.s.wallets[w.ID] = w
	return nil
}

func (tx *memoryTx) GetWallet(_ context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	w, ok := tx.s.wallets[id]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return w, nil
}

func (tx *memoryTx) ListWallets(_ context.Context, userID ledger.UserID) ([]ledger.Wallet, error) {
	var result []ledger.Wallet
	for _, w := range tx.s.wallets {
		if w.UserID == userID {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tx *memoryTx) UpdateWalletBalance(_ context.Context, id ledger.WalletID, balance decimal.Decimal, expectedVersion int64) (int64, error) {
	w, ok := tx.s.wallets[id]
	if !ok {
		return 0, ledger.ErrWalletNotFound
	}
	if w.Version != expectedVersion {
		return 0, ledger.ErrPersistenceConflict
	}
	w.Balance = balance
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	tx.s.wallets[id] = w
	return w.Version, nil
}

func (tx *memoryTx) InsertEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	if _, ok := tx.s.entries[e.ID]; ok {
		return ledger.Entry{}, ledger.ErrPersistenceConflict
	}
	if _, ok := tx.s.wallets[e.WalletID]; !ok {
		return ledger.Entry{}, ledger.ErrWalletNotFound
	}
	if key := e.Key(); !key.IsZero() && !e.IsVoided() {
		if _, err := tx.FindByExternalKey(context.Background(), key); err == nil {
			return ledger.Entry{}, ledger.ErrDuplicateExternalID
		}
	}
	tx.s.sequence++
	now := time.Now().UTC()
	e.Sequence = tx.s.sequence
	e.CreatedAt = now
	e.UpdatedAt = now
	tx.s.entries[e.ID] = cloneEntry(e)
	return cloneEntry(e), nil
}

func (tx *memoryTx) UpdateEntry(_ context.Context, e ledger.Entry) error {
	cur, ok := tx.s.entries[e.ID]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	cur.Name = e.Name
	cur.Description = e.Description
	cur.Category = e.Category
	cur.OccurredAt = e.OccurredAt
	cur.Status = e.Status
	cur.PaymentDate = e.PaymentDate
	cur.Reconciled = e.Reconciled
	cur.ReconciliationCode = e.ReconciliationCode
	cur.Meta = e.Meta
	cur.UpdatedAt = time.Now().UTC()
	tx.s.entries[e.ID] = cloneEntry(cur)
	return nil
}

func (tx *memoryTx) VoidEntry(_ context.Context, id, supersededBy ledger.EntryID) error {
	cur, ok := tx.s.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	cur.Status = ledger.StatusVoided
	cur.Meta.SupersededBy = supersededBy
	cur.UpdatedAt = time.Now().UTC()
	tx.s.entries[id] = cur
	return nil
}

func (tx *memoryTx) GetEntry(_ context.Context, id ledger.EntryID) (ledger.Entry, error) {
	e, ok := tx.s.entries[id]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (tx *memoryTx) FindByExternalKey(_ context.Context, key ledger.ExternalKey) (ledger.Entry, error) {
	for _, e := range tx.s.entries {
		if !e.IsVoided() && e.Key() == key {
			return cloneEntry(e), nil
		}
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

func (tx *memoryTx) ListEntries(_ context.Context, walletID ledger.WalletID) ([]ledger.Entry, error) {
	return tx.filter(func(e ledger.Entry) bool { return e.WalletID == walletID }), nil
}

func (tx *memoryTx) ListAccountEntries(_ context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	return tx.filter(func(e ledger.Entry) bool {
		w, ok := tx.s.wallets[e.WalletID]
		return ok && w.UserID == userID
	}), nil
}

func (tx *memoryTx) ListSaleEntries(_ context.Context, source, saleID string) ([]ledger.Entry, error) {
	return tx.filter(func(e ledger.Entry) bool {
		return !e.IsVoided() && e.Meta.Source == source && e.Meta.SaleID == saleID
	}), nil
}

func (tx *memoryTx) ListByReconciliationCode(_ context.Context, userID ledger.UserID, code string) ([]ledger.Entry, error) {
	return tx.filter(func(e ledger.Entry) bool {
		return e.UserID == userID && e.ReconciliationCode == code
	}), nil
}

func (tx *memoryTx) filter(keep func(ledger.Entry) bool) []ledger.Entry {
	var result []ledger.Entry
	for _, e := range tx.s.entries {
		if keep(e) {
			result = append(result, cloneEntry(e))
		}
	}
	return ledger.SortEntries(result)
}

func (tx *memoryTx) UpsertPendingSync(_ context.Context, p ledger.PendingSync) error {
	k := pendingKey{Source: p.Source, ExternalID: p.ExternalID}
	now := time.Now().UTC()
	if cur, ok := tx.s.pending[k]; ok {
		p.ID = cur.ID
		p.CreatedAt = cur.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	tx.s.pending[k] = p
	return nil
}

func (tx *memoryTx) GetPendingSync(_ context.Context, source, externalID string) (ledger.PendingSync, error) {
	p, ok := tx.s.pending[pendingKey{Source: source, ExternalID: externalID}]
	if !ok {
		return ledger.PendingSync{}, ledger.ErrPendingSyncNotFound
	}
	return p, nil
}

func (tx *memoryTx) ListDuePendingSyncs(_ context.Context, now time.Time, limit int) ([]ledger.PendingSync, error) {
	var result []ledger.PendingSync
	for _, p := range tx.s.pending {
		if !p.NextRunAt.After(now) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextRunAt.Equal(result[j].NextRunAt) {
			return result[i].NextRunAt.Before(result[j].NextRunAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (tx *memoryTx) DeletePendingSync(_ context.Context, source, externalID string) error {
	delete(tx.s.pending, pendingKey{Source: source, ExternalID: externalID})
	return nil
}

func (tx *memoryTx) CreateNotification(_ context.Context, n ledger.Notification) error {
	tx.s.notifications = append(tx.s.notifications, n)
	return nil
}

func (tx *memoryTx) ListNotifications(_ context.Context, userID ledger.UserID) ([]ledger.Notification, error) {
	var result []ledger.Notification
	for i := len(tx.s.notifications) - 1; i >= 0; i-- {
		if n := tx.s.notifications[i]; n.UserID == userID {
			result = append(result, n)
		}
	}
	return result, nil
}

func (tx *memoryTx) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	tx.s.audit = append(tx.s.audit, entry)
	return nil
}

func (tx *memoryTx) ListAudit(_ context.Context, walletID ledger.WalletID) ([]ledger.AuditEntry, error) {
	var result []ledger.AuditEntry
	for _, a := range tx.s.audit {
		if walletID == "" || a.WalletID == walletID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (tx *memoryTx) SetIntegrationWallet(_ context.Context, userID ledger.UserID, source string, walletID ledger.WalletID) error {
	tx.s.integrations[integrationKey{UserID: userID, Source: source}] = walletID
	return nil
}

func (tx *memoryTx) GetIntegrationWallet(_ context.Context, userID ledger.UserID, source string) (ledger.WalletID, error) {
	id, ok := tx.s.integrations[integrationKey{UserID: userID, Source: source}]
	if !ok {
		return "", ledger.ErrWalletNotFound
	}
	return id, nil
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	if e.PaymentDate != nil {
		d := *e.PaymentDate
		e.PaymentDate = &d
	}
	if e.Meta.Transfer != nil {
		t := *e.Meta.Transfer
		e.Meta.Transfer = &t
	}
	return e
}
