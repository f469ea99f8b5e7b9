/*
store.go - Persistence interfaces for wallets, entries and side records

PURPOSE:
  Defines the interface between the ledger services and the database.
  Different implementations use SQLite, PostgreSQL or in-memory storage.

KEY INTERFACES:
  WalletStore:       Wallet rows, balance written under a version check
  EntryStore:        Entries; kind/amount never updated, entries are voided
  PendingSyncStore:  Durable retry stubs polled by the process-due entry point
  NotificationStore: User-facing notifications
  AuditLog:          Append-only record of who changed what
  IntegrationStore:  Which wallet receives an external system's records
  Store:             All of the above plus WithTx

OPTIMISTIC LOCKING:
  UpdateWalletBalance(id, balance, expectedVersion) succeeds only if the
  row's version still equals expectedVersion, and bumps it. Otherwise it
  returns ErrPersistenceConflict and the caller re-runs the whole replay.

IDEMPOTENCY:
  At most one non-voided entry may hold a given (source, external id).
  InsertEntry returns ErrDuplicateExternalID when the key is taken.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
  - ledger/store/memory.go: In-memory for tests and local runs

SEE ALSO:
  - wallet/service.go: Recompute and repair on top of Store
  - ingest/reconciler.go: Webhook upserts on top of Store
*/
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WALLETS
// =============================================================================

type WalletStore interface {
	CreateWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, id WalletID) (Wallet, error)
	ListWallets(ctx context.Context, userID UserID) ([]Wallet, error)

	// UpdateWalletBalance writes the balance if the stored version equals
	// expectedVersion. Returns the new version or ErrPersistenceConflict.
	UpdateWalletBalance(ctx context.Context, id WalletID, balance decimal.Decimal, expectedVersion int64) (int64, error)
}

// =============================================================================
// ENTRIES
// =============================================================================

type EntryStore interface {
	// InsertEntry persists a new entry and assigns its Sequence.
	InsertEntry(ctx context.Context, e Entry) (Entry, error)

	// UpdateEntry rewrites the mutable fields of an entry (status, payment
	// date, texts, occurred-at, reconciliation, provenance). Kind, amount and
	// wallet are left untouched.
	UpdateEntry(ctx context.Context, e Entry) error

	// VoidEntry marks an entry voided and records its replacement, if any.
	VoidEntry(ctx context.Context, id EntryID, supersededBy EntryID) error

	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// FindByExternalKey returns the active entry holding key, or
	// ErrEntryNotFound.
	FindByExternalKey(ctx context.Context, key ExternalKey) (Entry, error)

	// ListEntries returns a wallet's entries, voided ones included, in
	// replay order.
	ListEntries(ctx context.Context, walletID WalletID) ([]Entry, error)

	// ListAccountEntries returns the entries of every wallet of a user.
	ListAccountEntries(ctx context.Context, userID UserID) ([]Entry, error)

	// ListSaleEntries returns the active entries mirrored from one sale.
	ListSaleEntries(ctx context.Context, source, saleID string) ([]Entry, error)

	// ListByReconciliationCode returns the entries tagged with code.
	ListByReconciliationCode(ctx context.Context, userID UserID, code string) ([]Entry, error)
}

// =============================================================================
// PENDING SYNC - Durable retry stubs
// =============================================================================

// PendingSync is an external record that could not be fully obtained. The
// process-due entry point retries it once NextRunAt has passed.
type PendingSync struct {
	ID         string
	UserID     UserID
	Source     string
	ExternalID string // Sale or transaction id in the external system
	Event      string
	Payload    json.RawMessage
	Reason     string
	Attempts   int
	NextRunAt  time.Time
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type PendingSyncStore interface {
	// UpsertPendingSync creates the stub or replaces the existing one with
	// the same (source, external id).
	UpsertPendingSync(ctx context.Context, p PendingSync) error
	GetPendingSync(ctx context.Context, source, externalID string) (PendingSync, error)
	ListDuePendingSyncs(ctx context.Context, now time.Time, limit int) ([]PendingSync, error)
	DeletePendingSync(ctx context.Context, source, externalID string) error
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationKind string

const (
	NotifyPartialFailure NotificationKind = "ingestion_partial_failure"
	NotifyFailed         NotificationKind = "ingestion_failed"
	NotifyMinimalRecord  NotificationKind = "minimal_record_created"
	NotifyBalanceDrift   NotificationKind = "balance_drift"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    UserID           `json:"user_id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, userID UserID) ([]Notification, error)
}

// Notifier delivers a notification to the user. Implementations live in
// package notify (store-backed, Kafka, fan-out).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// =============================================================================
// AUDIT LOG - Append-only, tracks who changed what
// =============================================================================

type AuditAction string

const (
	AuditEntryRecorded        AuditAction = "entry_recorded"
	AuditEntrySuperseded      AuditAction = "entry_superseded"
	AuditEntryVoided          AuditAction = "entry_voided"
	AuditCorrectionApplied    AuditAction = "correction_applied"
	AuditBalanceRecomputed    AuditAction = "balance_recomputed"
	AuditReconciliationTagged AuditAction = "reconciliation_tagged"
)

type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    AuditAction
	WalletID  WalletID
	EntryID   EntryID
	Payload   map[string]any
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, walletID WalletID) ([]AuditEntry, error)
}

// =============================================================================
// INTEGRATION WALLETS - Routing of external records
// =============================================================================

type IntegrationStore interface {
	SetIntegrationWallet(ctx context.Context, userID UserID, source string, walletID WalletID) error

	// GetIntegrationWallet returns ErrWalletNotFound when no mapping exists.
	GetIntegrationWallet(ctx context.Context, userID UserID, source string) (WalletID, error)
}

// =============================================================================
// STORE - Everything, with transactions
// =============================================================================

type Store interface {
	WalletStore
	EntryStore
	PendingSyncStore
	NotificationStore
	AuditLog
	IntegrationStore

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
