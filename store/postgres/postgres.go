/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Production persistence using pgx. Same schema as store/sqlite with native
  types: NUMERIC amounts, TIMESTAMPTZ timestamps, JSONB metadata.

CONCURRENCY:
  - WithTx runs at REPEATABLE READ, so a replay sees one consistent snapshot
    of the account's entries.
  - UpdateWalletBalance locks the wallet row (SELECT ... FOR UPDATE) and
    checks the version before writing.
  - Serialization failures (SQLSTATE 40001) and version mismatches both
    surface as ledger.ErrPersistenceConflict, which callers retry.

SEE ALSO:
  - store/sqlite/sqlite.go: Default implementation, same semantics
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
)

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	queries
	Pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects to databaseURL, verifies the connection and migrates the
// schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{queries: queries{q: pool, pool: pool}, Pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'checking',
			balance NUMERIC(20, 2) NOT NULL DEFAULT 0,
			allow_negative BOOLEAN NOT NULL DEFAULT FALSE,
			credit_limit NUMERIC(20, 2) NOT NULL DEFAULT 0,
			due_day INTEGER NOT NULL DEFAULT 0,
			closing_day INTEGER NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_id)`,

		`CREATE TABLE IF NOT EXISTS entries (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			wallet_id TEXT NOT NULL REFERENCES wallets(id),
			user_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL CHECK (kind IN ('expense', 'income', 'deposit', 'investment', 'transfer')),
			amount NUMERIC(20, 2) NOT NULL CHECK (amount > 0),
			occurred_at TIMESTAMPTZ NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'paid',
			payment_date TIMESTAMPTZ,
			reconciled BOOLEAN NOT NULL DEFAULT FALSE,
			reconciliation_code TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			sale_id TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_external
			ON entries(source, external_id)
			WHERE external_id <> '' AND status <> 'voided'`,
		`CREATE INDEX IF NOT EXISTS idx_entries_wallet_order ON entries(wallet_id, occurred_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_sale ON entries(source, sale_id) WHERE sale_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_entries_reconciliation
			ON entries(user_id, reconciliation_code) WHERE reconciliation_code <> ''`,

		`CREATE TABLE IF NOT EXISTS pending_syncs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			external_id TEXT NOT NULL,
			event TEXT NOT NULL DEFAULT '',
			payload JSONB,
			reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_run_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (source, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_due ON pending_syncs(next_run_at)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			data JSONB,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			wallet_id TEXT NOT NULL DEFAULT '',
			entry_id TEXT NOT NULL DEFAULT '',
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_wallet ON audit_log(wallet_id, ts)`,

		`CREATE TABLE IF NOT EXISTS integration_wallets (
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			wallet_id TEXT NOT NULL REFERENCES wallets(id),
			PRIMARY KEY (user_id, source)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.Pool.Exec(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn in a REPEATABLE READ transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{queries: queries{q: tx, tx: tx}}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txStore struct {
	queries
}

func (ts *txStore) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(ts)
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `TRUNCATE audit_log, notifications, pending_syncs, integration_wallets, entries, wallets`)
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q    querier
	tx   pgx.Tx        // Set inside WithTx
	pool *pgxpool.Pool // Set outside WithTx
}

// atomic runs fn in the current transaction, or in a new one.
func (s queries) atomic(ctx context.Context, fn func(q querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error { return fn(tx) })
}

// -----------------------------------------------------------------------------
// Wallets
// -----------------------------------------------------------------------------

func (s queries) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	if w.Type == "" {
		w.Type = ledger.WalletChecking
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO wallets
		(id, user_id, name, type, balance, allow_negative, credit_limit, due_day, closing_day,
		 version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9, $10, $11, now())
	`,
		string(w.ID), string(w.UserID), w.Name, string(w.Type), w.Balance.String(), w.AllowNegative,
		w.CreditLimit.String(), w.DueDay, w.ClosingDay, w.Version, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", mapError(err))
	}
	return nil
}

const walletColumns = `id, user_id, name, type, balance::text, allow_negative, credit_limit::text,
	due_day, closing_day, version, created_at, updated_at`

func (s queries) GetWallet(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	w, err := scanWallet(s.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return w, err
}

func (s queries) ListWallets(ctx context.Context, userID ledger.UserID) ([]ledger.Wallet, error) {
	rows, err := s.q.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 ORDER BY id`, string(userID))
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

// UpdateWalletBalance locks the wallet row, checks the version and writes.
func (s queries) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, balance decimal.Decimal, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := s.atomic(ctx, func(q querier) error {
		var current int64
		err := q.QueryRow(ctx, `SELECT version FROM wallets WHERE id = $1 FOR UPDATE`, string(id)).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrWalletNotFound
		}
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return fmt.Errorf("wallet %s version %d != %d: %w", id, current, expectedVersion, ledger.ErrPersistenceConflict)
		}
		return q.QueryRow(ctx, `
			UPDATE wallets SET balance = $2::numeric, version = version + 1, updated_at = now()
			WHERE id = $1
			RETURNING version
		`, string(id), balance.String()).Scan(&newVersion)
	})
	if err != nil {
		return 0, mapError(err)
	}
	return newVersion, nil
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		w                      ledger.Wallet
		id, userID, name, kind string
		balance, limit         string
	)
	err := row.Scan(&id, &userID, &name, &kind, &balance, &w.AllowNegative, &limit,
		&w.DueDay, &w.ClosingDay, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	w.ID = ledger.WalletID(id)
	w.UserID = ledger.UserID(userID)
	w.Name = name
	w.Type = ledger.WalletType(kind)
	w.Balance = decimal.RequireFromString(balance)
	w.CreditLimit = decimal.RequireFromString(limit)
	return w, nil
}

// -----------------------------------------------------------------------------
// Entries
// -----------------------------------------------------------------------------

func (s queries) InsertEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to encode entry metadata: %w", err)
	}

	err = s.q.QueryRow(ctx, `
		INSERT INTO entries
		(id, wallet_id, user_id, kind, amount, occurred_at, name, description, category, status,
		 payment_date, reconciled, reconciliation_code, source, external_id, sale_id, metadata)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17::jsonb)
		RETURNING seq, created_at, updated_at
	`,
		string(e.ID), string(e.WalletID), string(e.UserID), string(e.Kind), e.Amount.String(), e.OccurredAt.UTC(),
		e.Name, e.Description, e.Category, string(e.Status), e.PaymentDate, e.Reconciled,
		e.ReconciliationCode, e.Meta.Source, e.Meta.ExternalID, e.Meta.SaleID, string(meta),
	).Scan(&e.Sequence, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23505" && pgErr.ConstraintName == "idx_entries_external":
				return ledger.Entry{}, fmt.Errorf("%s: %w", e.Key(), ledger.ErrDuplicateExternalID)
			case pgErr.Code == "23503":
				return ledger.Entry{}, fmt.Errorf("entry %s: %w", e.ID, ledger.ErrWalletNotFound)
			}
		}
		return ledger.Entry{}, fmt.Errorf("failed to insert entry: %w", mapError(err))
	}
	return e, nil
}

func (s queries) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode entry metadata: %w", err)
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE entries SET
			occurred_at = $2, name = $3, description = $4, category = $5, status = $6,
			payment_date = $7, reconciled = $8, reconciliation_code = $9,
			source = $10, external_id = $11, sale_id = $12, metadata = $13::jsonb, updated_at = now()
		WHERE id = $1
	`,
		string(e.ID), e.OccurredAt.UTC(), e.Name, e.Description, e.Category, string(e.Status),
		e.PaymentDate, e.Reconciled, e.ReconciliationCode, e.Meta.Source, e.Meta.ExternalID,
		e.Meta.SaleID, string(meta),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", e.Key(), ledger.ErrDuplicateExternalID)
		}
		return fmt.Errorf("failed to update entry: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (s queries) VoidEntry(ctx context.Context, id, supersededBy ledger.EntryID) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE entries SET
			status = 'voided',
			metadata = jsonb_set(metadata, '{superseded_by}', to_jsonb($2::text)),
			updated_at = now()
		WHERE id = $1
	`, string(id), string(supersededBy))
	if err != nil {
		return fmt.Errorf("failed to void entry: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

const entryColumns = `seq, id, wallet_id, user_id, kind, amount::text, occurred_at, name, description,
	category, status, payment_date, reconciled, reconciliation_code, metadata::text,
	created_at, updated_at`

func (s queries) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, string(id))
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
		WHERE source = $1 AND external_id = $2 AND status <> 'voided'
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
		SELECT `+entryColumns+` FROM entries WHERE wallet_id = $1 ORDER BY occurred_at, seq
	`, string(walletID))
}

// ListAccountEntries reads every entry of the user's wallets. Inside WithTx
// the wallet rows are share-locked so a concurrent wallet change waits.
func (s queries) ListAccountEntries(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT e.seq, e.id, e.wallet_id, e.user_id, e.kind, e.amount::text, e.occurred_at, e.name,
		       e.description, e.category, e.status, e.payment_date, e.reconciled,
		       e.reconciliation_code, e.metadata::text, e.created_at, e.updated_at
		FROM entries e
		JOIN wallets w ON w.id = e.wallet_id
		WHERE w.user_id = $1
		ORDER BY e.occurred_at, e.seq
	`, string(userID))
}

func (s queries) ListSaleEntries(ctx context.Context, source, saleID string) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE source = $1 AND sale_id = $2 AND status <> 'voided'
		ORDER BY occurred_at, seq
	`, source, saleID)
}

func (s queries) ListByReconciliationCode(ctx context.Context, userID ledger.UserID, code string) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE user_id = $1 AND reconciliation_code = $2
		ORDER BY occurred_at, seq
	`, string(userID), code)
}

func (s queries) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                                  ledger.Entry
			id, walletID, userID, kind, status string
			amount, meta                       string
		)
		if err := rows.Scan(&e.Sequence, &id, &walletID, &userID, &kind, &amount, &e.OccurredAt,
			&e.Name, &e.Description, &e.Category, &status, &e.PaymentDate, &e.Reconciled,
			&e.ReconciliationCode, &meta, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.ID = ledger.EntryID(id)
		e.WalletID = ledger.WalletID(walletID)
		e.UserID = ledger.UserID(userID)
		e.Kind = ledger.Kind(kind)
		e.Status = ledger.EntryStatus(status)
		e.Amount = decimal.RequireFromString(amount)
		e.OccurredAt = e.OccurredAt.UTC()
		if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of entry %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ledger.SortEntries(entries), nil
}

// -----------------------------------------------------------------------------
// Pending syncs
// -----------------------------------------------------------------------------

func (s queries) UpsertPendingSync(ctx context.Context, p ledger.PendingSync) error {
	var payload any
	if len(p.Payload) > 0 {
		payload = string(p.Payload)
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO pending_syncs
		(id, user_id, source, external_id, event, payload, reason, attempts, next_run_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
		ON CONFLICT (source, external_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			event = EXCLUDED.event,
			payload = EXCLUDED.payload,
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			next_run_at = EXCLUDED.next_run_at,
			last_error = EXCLUDED.last_error,
			updated_at = now()
	`, p.ID, string(p.UserID), p.Source, p.ExternalID, p.Event, payload, p.Reason, p.Attempts,
		p.NextRunAt.UTC(), p.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert pending sync: %w", mapError(err))
	}
	return nil
}

const pendingColumns = `id, user_id, source, external_id, event, COALESCE(payload::text, ''), reason,
	attempts, next_run_at, last_error, created_at, updated_at`

func (s queries) GetPendingSync(ctx context.Context, source, externalID string) (ledger.PendingSync, error) {
	items, err := s.queryPending(ctx, `SELECT `+pendingColumns+` FROM pending_syncs WHERE source = $1 AND external_id = $2`,
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
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.queryPending(ctx, `
		SELECT `+pendingColumns+` FROM pending_syncs
		WHERE next_run_at <= $1
		ORDER BY next_run_at, id
		LIMIT $2
	`, now.UTC(), lim)
}

func (s queries) DeletePendingSync(ctx context.Context, source, externalID string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM pending_syncs WHERE source = $1 AND external_id = $2`, source, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete pending sync: %w", mapError(err))
	}
	return nil
}

func (s queries) queryPending(ctx context.Context, query string, args ...any) ([]ledger.PendingSync, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending syncs: %w", err)
	}
	defer rows.Close()

	var result []ledger.PendingSync
	for rows.Next() {
		var (
			p               ledger.PendingSync
			userID, payload string
		)
		if err := rows.Scan(&p.ID, &userID, &p.Source, &p.ExternalID, &p.Event, &payload, &p.Reason,
			&p.Attempts, &p.NextRunAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending sync: %w", err)
		}
		p.UserID = ledger.UserID(userID)
		if payload != "" {
			p.Payload = json.RawMessage(payload)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

func (s queries) CreateNotification(ctx context.Context, n ledger.Notification) error {
	data, _ := json.Marshal(n.Data)
	_, err := s.q.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, message, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
	`, n.ID, string(n.UserID), string(n.Kind), n.Title, n.Message, string(data), n.Read, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", mapError(err))
	}
	return nil
}

func (s queries) ListNotifications(ctx context.Context, userID ledger.UserID) ([]ledger.Notification, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_id, kind, title, message, COALESCE(data::text, ''), read, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var result []ledger.Notification
	for rows.Next() {
		var (
			n                  ledger.Notification
			user, kind, data string
		)
		if err := rows.Scan(&n.ID, &user, &kind, &n.Title, &n.Message, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.UserID = ledger.UserID(user)
		n.Kind = ledger.NotificationKind(kind)
		if data != "" {
			json.Unmarshal([]byte(data), &n.Data)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

func (s queries) AppendAudit(ctx context.Context, a ledger.AuditEntry) error {
	payload, _ := json.Marshal(a.Payload)
	_, err := s.q.Exec(ctx, `
		INSERT INTO audit_log (id, ts, actor, action, wallet_id, entry_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, a.ID, a.Timestamp.UTC(), a.Actor, string(a.Action), string(a.WalletID), string(a.EntryID), string(payload))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", mapError(err))
	}
	return nil
}

func (s queries) ListAudit(ctx context.Context, walletID ledger.WalletID) ([]ledger.AuditEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, ts, actor, action, wallet_id, entry_id, COALESCE(payload::text, '')
		FROM audit_log
		WHERE $1 = '' OR wallet_id = $1
		ORDER BY ts, id
	`, string(walletID))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var result []ledger.AuditEntry
	for rows.Next() {
		var (
			a                                ledger.AuditEntry
			action, wallet, entry, payload string
		)
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.Actor, &action, &wallet, &entry, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		a.Action = ledger.AuditAction(action)
		a.WalletID = ledger.WalletID(wallet)
		a.EntryID = ledger.EntryID(entry)
		if payload != "" {
			json.Unmarshal([]byte(payload), &a.Payload)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Integration wallets
// -----------------------------------------------------------------------------

func (s queries) SetIntegrationWallet(ctx context.Context, userID ledger.UserID, source string, walletID ledger.WalletID) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO integration_wallets (user_id, source, wallet_id) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, source) DO UPDATE SET wallet_id = EXCLUDED.wallet_id
	`, string(userID), source, string(walletID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("integration wallet %s: %w", walletID, ledger.ErrWalletNotFound)
		}
		return fmt.Errorf("failed to set integration wallet: %w", mapError(err))
	}
	return nil
}

func (s queries) GetIntegrationWallet(ctx context.Context, userID ledger.UserID, source string) (ledger.WalletID, error) {
	var id string
	err := s.q.QueryRow(ctx, `SELECT wallet_id FROM integration_wallets WHERE user_id = $1 AND source = $2`,
		string(userID), source).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ledger.ErrWalletNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query integration wallet: %w", err)
	}
	return ledger.WalletID(id), nil
}

// =============================================================================
// ERRORS
// =============================================================================

// mapError turns serialization failures and deadlocks into
// ErrPersistenceConflict so callers retry the whole operation.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ledger.ErrPersistenceConflict, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", ledger.ErrPersistenceConflict, pgErr.Message)
		}
	}
	return err
}
