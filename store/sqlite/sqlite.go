/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Default persistence for the wallet ledger. The PostgreSQL store in
  store/postgres follows the same schema with dialect differences only.

KEY TABLES:
  wallets:             Wallet rows; balance is a replay cache, version is the
                       optimistic lock counter
  entries:             Ledger entries; seq is the insertion sequence
  pending_syncs:       Retry stubs for external records, polled by next_run_at
  notifications:       User-facing notifications
  audit_log:           Append-only audit trail
  integration_wallets: (user, source) -> wallet routing

INDEXES:
  - idx_entries_external: At most one active entry per (source, external_id)
  - idx_entries_wallet_order: Replay order per wallet (hot path)
  - idx_pending_due: Process-due polling

CONCURRENCY:
  The pool is limited to one connection, so statements and transactions
  are serialized. This is also what makes ":memory:" databases usable: every
  sqlite connection to ":memory:" would otherwise see its own empty database.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for file databases.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
)

// timeLayout is fixed-width so that text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex // Guards Reset against concurrent transactions
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'checking',
		balance TEXT NOT NULL DEFAULT '0',
		allow_negative BOOLEAN NOT NULL DEFAULT FALSE,
		credit_limit TEXT NOT NULL DEFAULT '0',
		due_day INTEGER NOT NULL DEFAULT 0,
		closing_day INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_user
		ON wallets(user_id);

	-- Entries: kind and amount are never updated, entries are voided instead
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		user_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'paid',
		payment_date TEXT,
		reconciled BOOLEAN NOT NULL DEFAULT FALSE,
		reconciliation_code TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		sale_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: idempotent upserts of externally sourced entries
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_external
		ON entries(source, external_id)
		WHERE external_id != '' AND status != 'voided';

	CREATE INDEX IF NOT EXISTS idx_entries_wallet_order
		ON entries(wallet_id, occurred_at, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_sale
		ON entries(source, sale_id) WHERE sale_id != '';
	CREATE INDEX IF NOT EXISTS idx_entries_reconciliation
		ON entries(user_id, reconciliation_code) WHERE reconciliation_code != '';

	CREATE TABLE IF NOT EXISTS pending_syncs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		event TEXT NOT NULL DEFAULT '',
		payload TEXT,
		reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_run_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(source, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_pending_due
		ON pending_syncs(next_run_at);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		data_json TEXT,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		wallet_id TEXT NOT NULL DEFAULT '',
		entry_id TEXT NOT NULL DEFAULT '',
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_wallet
		ON audit_log(wallet_id, ts);

	CREATE TABLE IF NOT EXISTS integration_wallets (
		user_id TEXT NOT NULL,
		source TEXT NOT NULL,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		PRIMARY KEY (user_id, source)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	queries
}

// WithTx inside a transaction joins the outer one.
func (ts *txStore) WithTx(_ context.Context, fn func(store ledger.Store) error) error {
	return fn(ts)
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "notifications", "pending_syncs", "integration_wallets", "entries", "wallets"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by Store (on *sql.DB) and txStore (on *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// -----------------------------------------------------------------------------
// Wallets
// -----------------------------------------------------------------------------

func (s queries) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.Type == "" {
		w.Type = ledger.WalletChecking
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wallets
		(id, user_id, name, type, balance, allow_negative, credit_limit, due_day, closing_day,
		 version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID, w.UserID, w.Name, w.Type, w.Balance.String(), w.AllowNegative, w.CreditLimit.String(),
		w.DueDay, w.ClosingDay, w.Version, formatTime(w.CreatedAt), formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("wallet %s: %w", w.ID, ledger.ErrPersistenceConflict)
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

const walletColumns = `id, user_id, name, type, balance, allow_negative, credit_limit,
	due_day, closing_day, version, created_at, updated_at`

func (s queries) GetWallet(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to query wallet: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Wallet{}, err
		}
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return scanWallet(rows)
}

func (s queries) ListWallets(ctx context.Context, userID ledger.UserID) ([]ledger.Wallet, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s queries) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, balance decimal.Decimal, expectedVersion int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE wallets SET balance = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, balance.String(), formatTime(time.Now().UTC()), id, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to update wallet balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if _, err := s.GetWallet(ctx, id); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("wallet %s version %d: %w", id, expectedVersion, ledger.ErrPersistenceConflict)
	}
	return expectedVersion + 1, nil
}

func scanWallet(rows *sql.Rows) (ledger.Wallet, error) {
	var (
		w                  ledger.Wallet
		balance, limit     string
		createdAt, updated string
	)
	err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.Type, &balance, &w.AllowNegative, &limit,
		&w.DueDay, &w.ClosingDay, &w.Version, &createdAt, &updated)
	if err != nil {
		return w, fmt.Errorf("failed to scan wallet: %w", err)
	}
	w.Balance = parseDecimal(balance)
	w.CreditLimit = parseDecimal(limit)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updated)
	return w, nil
}

// -----------------------------------------------------------------------------
// Entries
// -----------------------------------------------------------------------------

func (s queries) InsertEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	metadataJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to encode entry metadata: %w", err)
	}
	now := time.Now().UTC()

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO entries
		(id, wallet_id, user_id, kind, amount, occurred_at, name, description, category, status,
		 payment_date, reconciled, reconciliation_code, source, external_id, sale_id, metadata_json,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.WalletID, e.UserID, e.Kind, e.Amount.String(), formatTime(e.OccurredAt),
		e.Name, e.Description, e.Category, e.Status, nullTime(e.PaymentDate),
		e.Reconciled, e.ReconciliationCode, e.Meta.Source, e.Meta.ExternalID, e.Meta.SaleID,
		string(metadataJSON), formatTime(now), formatTime(now),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err) && strings.Contains(err.Error(), "entries.source"):
			return ledger.Entry{}, fmt.Errorf("%s: %w", e.Key(), ledger.ErrDuplicateExternalID)
		case isUniqueConstraintError(err):
			return ledger.Entry{}, fmt.Errorf("entry %s: %w", e.ID, ledger.ErrPersistenceConflict)
		case isForeignKeyError(err):
			return ledger.Entry{}, fmt.Errorf("entry %s: %w", e.ID, ledger.ErrWalletNotFound)
		}
		return ledger.Entry{}, fmt.Errorf("failed to insert entry: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.Entry{}, err
	}
	e.Sequence = seq
	e.CreatedAt = now
	e.UpdatedAt = now
	return e, nil
}

func (s queries) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	metadataJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode entry metadata: %w", err)
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE entries SET
			occurred_at = ?, name = ?, description = ?, category = ?, status = ?,
			payment_date = ?, reconciled = ?, reconciliation_code = ?,
			source = ?, external_id = ?, sale_id = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?
	`,
		formatTime(e.OccurredAt), e.Name, e.Description, e.Category, e.Status,
		nullTime(e.PaymentDate), e.Reconciled, e.ReconciliationCode,
		e.Meta.Source, e.Meta.ExternalID, e.Meta.SaleID, string(metadataJSON),
		formatTime(time.Now().UTC()), e.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%s: %w", e.Key(), ledger.ErrDuplicateExternalID)
		}
		return fmt.Errorf("failed to update entry: %w", err)
	}
	return requireAffected(res, ledger.ErrEntryNotFound)
}

func (s queries) VoidEntry(ctx context.Context, id, supersededBy ledger.EntryID) error {
	e, err := s.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	e.Status = ledger.StatusVoided
	e.Meta.SupersededBy = supersededBy
	return s.UpdateEntry(ctx, e)
}

const entryColumns = `seq, id, wallet_id, user_id, kind, amount, occurred_at, name, description,
	category, status, payment_date, reconciled, reconciliation_code, metadata_json,
	created_at, updated_at`

func (s queries) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	if err != nil {
		return ledger.Entry{}, err
	}
	if len(entries) == 0 {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return entries[0], nil
}

func (s queries) FindByExternalKey(ctx context.Context, key ledger.ExternalKey) (ledger.Entry, error) {
	entries, err := s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE source = ? AND external_id = ? AND status != 'voided'
	`, key.Source, key.ExternalID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if len(entries) == 0 {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return entries[0], nil
}

func (s queries) ListEntries(ctx context.Context, walletID ledger.WalletID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE wallet_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`, walletID)
}

func (s queries) ListAccountEntries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+prefixed("e.", entryColumns)+` FROM entries e
		JOIN wallets w ON w.id = e.wallet_id
		WHERE w.user_id = ?
		ORDER BY e.occurred_at ASC, e.seq ASC
	`, userID)
}

func (s queries) ListSaleEntries(ctx context.Context, source, saleID string) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE source = ? AND sale_id = ? AND status != 'voided'
		ORDER BY occurred_at ASC, seq ASC
	`, source, saleID)
}

func (s queries) ListByReconciliationCode(ctx context.Context, userID ledger.UserID, code string) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE user_id = ? AND reconciliation_code = ?
		ORDER BY occurred_at ASC, seq ASC
	`, userID, code)
}

func (s queries) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ledger.SortEntries(entries), nil
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e                    ledger.Entry
		amount, occurredAt   string
		paymentDate          sql.NullString
		metadataJSON         sql.NullString
		createdAt, updatedAt string
	)

	err := rows.Scan(
		&e.Sequence, &e.ID, &e.WalletID, &e.UserID, &e.Kind, &amount, &occurredAt,
		&e.Name, &e.Description, &e.Category, &e.Status, &paymentDate,
		&e.Reconciled, &e.ReconciliationCode, &metadataJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Amount = parseDecimal(amount)
	e.OccurredAt = parseTime(occurredAt)
	if paymentDate.Valid {
		t := parseTime(paymentDate.String)
		e.PaymentDate = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Meta); err != nil {
			return e, fmt.Errorf("failed to decode metadata of entry %s: %w", e.ID, err)
		}
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

// -----------------------------------------------------------------------------
// Pending syncs
// -----------------------------------------------------------------------------

func (s queries) UpsertPendingSync(ctx context.Context, p ledger.PendingSync) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pending_syncs
		(id, user_id, source, external_id, event, payload, reason, attempts, next_run_at,
		 last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, external_id) DO UPDATE SET
			user_id = excluded.user_id,
			event = excluded.event,
			payload = excluded.payload,
			reason = excluded.reason,
			attempts = excluded.attempts,
			next_run_at = excluded.next_run_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`,
		p.ID, p.UserID, p.Source, p.ExternalID, p.Event, string(p.Payload), p.Reason, p.Attempts,
		formatTime(p.NextRunAt), p.LastError, formatTime(p.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pending sync: %w", err)
	}
	return nil
}

const pendingColumns = `id, user_id, source, external_id, event, payload, reason, attempts,
	next_run_at, last_error, created_at, updated_at`

func (s queries) GetPendingSync(ctx context.Context, source, externalID string) (ledger.PendingSync, error) {
	items, err := s.queryPending(ctx, `SELECT `+pendingColumns+` FROM pending_syncs WHERE source = ? AND external_id = ?`,
		source, externalID)
	if err != nil {
		return ledger.PendingSync{}, err
	}
	if len(items) == 0 {
		return ledger.PendingSync{}, ledger.ErrPendingSyncNotFound
	}
	return items[0], nil
}

func (s queries) ListDuePendingSyncs(ctx context.Context, now time.Time, limit int) ([]ledger.PendingSync, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryPending(ctx, `
		SELECT `+pendingColumns+` FROM pending_syncs
		WHERE next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?
	`, formatTime(now.UTC()), limit)
}

func (s queries) DeletePendingSync(ctx context.Context, source, externalID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM pending_syncs WHERE source = ? AND external_id = ?`, source, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete pending sync: %w", err)
	}
	return nil
}

func (s queries) queryPending(ctx context.Context, query string, args ...any) ([]ledger.PendingSync, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending syncs: %w", err)
	}
	defer rows.Close()

	var result []ledger.PendingSync
	for rows.Next() {
		var (
			p                           ledger.PendingSync
			payload                     sql.NullString
			nextRun, created, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Source, &p.ExternalID, &p.Event, &payload, &p.Reason,
			&p.Attempts, &nextRun, &p.LastError, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending sync: %w", err)
		}
		if payload.Valid && payload.String != "" {
			p.Payload = json.RawMessage(payload.String)
		}
		p.NextRunAt = parseTime(nextRun)
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updatedAt)
		result = append(result, p)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

func (s queries) CreateNotification(ctx context.Context, n ledger.Notification) error {
	dataJSON, _ := json.Marshal(n.Data)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, message, data_json, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Message, string(dataJSON), n.Read, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (s queries) ListNotifications(ctx context.Context, userID ledger.UserID) ([]ledger.Notification, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, kind, title, message, data_json, read, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var result []ledger.Notification
	for rows.Next() {
		var (
			n         ledger.Notification
			dataJSON  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &dataJSON, &n.Read, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if dataJSON.Valid && dataJSON.String != "" {
			json.Unmarshal([]byte(dataJSON.String), &n.Data)
		}
		n.CreatedAt = parseTime(createdAt)
		result = append(result, n)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

func (s queries) AppendAudit(ctx context.Context, a ledger.AuditEntry) error {
	payloadJSON, _ := json.Marshal(a.Payload)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, actor, action, wallet_id, entry_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, formatTime(a.Timestamp), a.Actor, a.Action, a.WalletID, a.EntryID, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s queries) ListAudit(ctx context.Context, walletID ledger.WalletID) ([]ledger.AuditEntry, error) {
	query := `SELECT id, ts, actor, action, wallet_id, entry_id, payload_json FROM audit_log`
	var args []any
	if walletID != "" {
		query += ` WHERE wallet_id = ?`
		args = append(args, walletID)
	}
	query += ` ORDER BY ts ASC, id ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var result []ledger.AuditEntry
	for rows.Next() {
		var (
			a           ledger.AuditEntry
			ts          string
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&a.ID, &ts, &a.Actor, &a.Action, &a.WalletID, &a.EntryID, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		a.Timestamp = parseTime(ts)
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &a.Payload)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Integration wallets
// -----------------------------------------------------------------------------

func (s queries) SetIntegrationWallet(ctx context.Context, userID ledger.UserID, source string, walletID ledger.WalletID) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO integration_wallets (user_id, source, wallet_id) VALUES (?, ?, ?)
		ON CONFLICT(user_id, source) DO UPDATE SET wallet_id = excluded.wallet_id
	`, userID, source, walletID)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("integration wallet %s: %w", walletID, ledger.ErrWalletNotFound)
		}
		return fmt.Errorf("failed to set integration wallet: %w", err)
	}
	return nil
}

func (s queries) GetIntegrationWallet(ctx context.Context, userID ledger.UserID, source string) (ledger.WalletID, error) {
	var id ledger.WalletID
	err := s.q.QueryRowContext(ctx, `SELECT wallet_id FROM integration_wallets WHERE user_id = ? AND source = ?`,
		userID, source).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ledger.ErrWalletNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query integration wallet: %w", err)
	}
	return id, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
