package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

// EntryInput holds the fields a caller supplies for a new entry.
type EntryInput struct {
	ID          EntryID // Optional; a UUID is generated when empty
	WalletID    WalletID
	UserID      UserID
	Kind        Kind
	Amount      decimal.Decimal
	OccurredAt  time.Time
	Name        string
	Description string
	Category    string
	Status      EntryStatus
	PaymentDate *time.Time
	Meta        Provenance
}

// NewEntry validates the input and builds an Entry.
//
// Rules:
//   - Amount must be > 0 (ErrInvalidAmount)
//   - Kind must be in the closed enum (ErrUnknownEntryKind)
//   - Transfers without any counterpart reference are flagged UnlinkedTransfer
func NewEntry(in EntryInput) (Entry, error) {
	if in.WalletID == "" {
		return Entry{}, fmt.Errorf("%w: wallet id is required", ErrInvalidInput)
	}
	if !in.Kind.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownEntryKind, in.Kind)
	}
	if !in.Amount.IsPositive() {
		return Entry{}, fmt.Errorf("%w: got %s", ErrInvalidAmount, in.Amount)
	}

	id := in.ID
	if id == "" {
		id = EntryID(uuid.NewString())
	}
	status := in.Status
	if status == "" {
		status = StatusPaid
	}
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	meta := in.Meta
	if in.Kind == KindTransfer {
		meta.UnlinkedTransfer = !meta.Transfer.HasCounterpart()
	} else {
		meta.Transfer = nil
		meta.UnlinkedTransfer = false
	}

	return Entry{
		ID:          id,
		WalletID:    in.WalletID,
		UserID:      in.UserID,
		Kind:        in.Kind,
		Amount:      in.Amount,
		OccurredAt:  occurred.UTC(),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Category:    strings.TrimSpace(in.Category),
		Status:      status,
		PaymentDate: in.PaymentDate,
		Meta:        meta,
	}, nil
}

// Validate re-checks the construction invariants on an entry that came from
// storage or from a caller that built the struct by hand.
func (e Entry) Validate() error {
	if !e.Kind.Valid() {
		return &EntryError{EntryID: e.ID, Err: fmt.Errorf("%w: %q", ErrUnknownEntryKind, e.Kind)}
	}
	if !e.Amount.IsPositive() {
		return &EntryError{EntryID: e.ID, Err: fmt.Errorf("%w: got %s", ErrInvalidAmount, e.Amount)}
	}
	return nil
}

// ParseKind maps a free-form kind name to a Kind. Upper-case names used by
// older clients ("EXPENSE", "DEPOSIT", ...) are accepted.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntryKind, s)
	}
	return k, nil
}

// =============================================================================
// ORDERING
// =============================================================================

// Less orders entries by occurred-at, then insertion sequence, then id.
// This is the canonical replay order.
func Less(a, b Entry) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.ID < b.ID
}

// SortEntries returns a copy of entries in canonical replay order.
func SortEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Active returns the entries that are not voided.
func Active(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsVoided() {
			out = append(out, e)
		}
	}
	return out
}
