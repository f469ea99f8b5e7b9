/*
Package ledger provides the wallet ledger engine.

PURPOSE:
  This package contains the domain types and pure algorithms that turn a
  heterogeneous, append-mostly log of monetary postings into wallet
  balances. Expenses, incomes, deposits, investments and wallet-to-wallet
  transfers all live in the same log, possibly mirrored from an external
  ERP, possibly duplicated or mis-typed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: The closed set of posting kinds (expense, income, ...)
  - Entry: A single posting against a wallet, amount stored as magnitude
  - Provenance: Where an entry came from (external system, ids, transfer link)
  - Wallet: The balance-holding account; its Balance is a cache of Replay

DESIGN PRINCIPLES:
  1. Magnitudes only: Amount is never negative, sign comes from Kind
  2. Precision: Uses decimal.Decimal, money never touches float64
  3. Immutability: Kind and Amount never change in place, entries are
     superseded instead (void + replacement)
  4. Determinism: Replay, resolution and diagnostics are pure functions

USAGE:
  entry, err := ledger.NewEntry(ledger.EntryInput{
      WalletID:   "wal-1",
      Kind:       ledger.KindExpense,
      Amount:     decimal.NewFromInt(200),
      OccurredAt: time.Now(),
  })

SEE ALSO:
  - entry.go: Construction and validation
  - replay.go: Balance replay
  - transfer.go: Transfer leg pairing
  - diagnostics.go: Anomaly detection
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type EntryID string
type UserID string

// =============================================================================
// KIND - Closed enum of posting kinds
// =============================================================================

type Kind string

const (
	KindExpense    Kind = "expense"
	KindIncome     Kind = "income"
	KindDeposit    Kind = "deposit"
	KindInvestment Kind = "investment"
	KindTransfer   Kind = "transfer"
)

// Kinds lists every valid kind in a stable order.
var Kinds = []Kind{KindExpense, KindIncome, KindDeposit, KindInvestment, KindTransfer}

func (k Kind) Valid() bool {
	switch k {
	case KindExpense, KindIncome, KindDeposit, KindInvestment, KindTransfer:
		return true
	}
	return false
}

// IsCredit reports whether the kind always increases a balance.
func (k Kind) IsCredit() bool { return k == KindIncome || k == KindDeposit }

// IsDebit reports whether the kind always decreases a balance.
func (k Kind) IsDebit() bool { return k == KindExpense || k == KindInvestment }

// Opposite returns the kind with the opposite sign that a mis-classified
// entry most likely should have been. Transfers have no opposite.
func (k Kind) Opposite() Kind {
	switch k {
	case KindExpense:
		return KindIncome
	case KindInvestment:
		return KindDeposit
	case KindIncome:
		return KindExpense
	case KindDeposit:
		return KindExpense
	}
	return k
}

// =============================================================================
// STATUS
// =============================================================================

type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusPaid    EntryStatus = "paid"
	StatusVoided  EntryStatus = "voided" // Excluded from replay; kept for audit
)

// =============================================================================
// TRANSFER DIRECTION
// =============================================================================

type Direction string

const (
	DirectionUnspecified Direction = ""
	DirectionOut         Direction = "out"
	DirectionIn          Direction = "in"
)

// TransferRef carries the explicit link data of a transfer leg.
type TransferRef struct {
	Direction           Direction `json:"direction,omitempty"`
	CounterpartWalletID WalletID  `json:"counterpart_wallet_id,omitempty"`
	CounterpartEntryID  EntryID   `json:"counterpart_entry_id,omitempty"`
}

// HasCounterpart reports whether the leg names its other side explicitly.
func (t *TransferRef) HasCounterpart() bool {
	return t != nil && (t.CounterpartWalletID != "" || t.CounterpartEntryID != "")
}

// =============================================================================
// PROVENANCE - Typed metadata blob
// =============================================================================

// Provenance is the typed metadata stored alongside an entry. It is the only
// part of an entry (besides status fields) that may change after creation.
type Provenance struct {
	Source        string       `json:"source,omitempty"`      // External system, e.g. "gestao_click"
	ExternalID    string       `json:"external_id,omitempty"` // Upsert key together with Source
	SaleID        string       `json:"sale_id,omitempty"`
	InstallmentID string       `json:"installment_id,omitempty"`
	Transfer      *TransferRef `json:"transfer,omitempty"`

	MinimalRecord    bool `json:"minimal_record,omitempty"`
	NeedsSync        bool `json:"needs_sync,omitempty"`
	UnlinkedTransfer bool `json:"unlinked_transfer,omitempty"`

	SupersededBy EntryID `json:"superseded_by,omitempty"`
}

// ExternalKey identifies an externally sourced entry for idempotent upserts.
type ExternalKey struct {
	Source     string
	ExternalID string
}

func (k ExternalKey) IsZero() bool { return k.Source == "" || k.ExternalID == "" }

func (k ExternalKey) String() string { return k.Source + ":" + k.ExternalID }

// =============================================================================
// ENTRY - A single posting
// =============================================================================

type Entry struct {
	ID         EntryID
	WalletID   WalletID
	UserID     UserID
	Kind       Kind
	Amount     decimal.Decimal // Non-negative magnitude
	OccurredAt time.Time
	Sequence   int64 // Insertion order, assigned by the store

	Name        string
	Description string
	Category    string

	Status             EntryStatus
	PaymentDate        *time.Time
	Reconciled         bool
	ReconciliationCode string

	Meta Provenance

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e Entry) Key() ExternalKey {
	return ExternalKey{Source: e.Meta.Source, ExternalID: e.Meta.ExternalID}
}

func (e Entry) IsVoided() bool { return e.Status == StatusVoided }

func (e Entry) IsTransfer() bool { return e.Kind == KindTransfer }

// Direction returns the transfer direction recorded on the entry.
func (e Entry) Direction() Direction {
	if e.Meta.Transfer == nil {
		return DirectionUnspecified
	}
	return e.Meta.Transfer.Direction
}

// =============================================================================
// WALLET - Balance holder
// =============================================================================

type WalletType string

const (
	WalletChecking   WalletType = "checking"
	WalletSavings    WalletType = "savings"
	WalletCash       WalletType = "cash"
	WalletCreditCard WalletType = "credit_card"
	WalletInvestment WalletType = "investment"
	WalletOther      WalletType = "other"
)

type Wallet struct {
	ID      WalletID
	UserID  UserID
	Name    string
	Type    WalletType
	Balance decimal.Decimal // Cache of Replay; written only by the wallet service

	AllowNegative bool
	CreditLimit   decimal.Decimal
	DueDay        int // Credit instruments only
	ClosingDay    int

	Version   int64 // Optimistic lock counter, bumped on every balance write
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Floor returns the lowest balance the wallet may reach, or nil when any
// balance is allowed.
func (w Wallet) Floor() *decimal.Decimal {
	if w.AllowNegative {
		return nil
	}
	floor := w.CreditLimit.Neg()
	return &floor
}
