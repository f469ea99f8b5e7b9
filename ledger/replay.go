/*
replay.go - Balance replay

PURPOSE:
  The wallet's stored balance is only a cache. The source of truth is the
  entry log: replaying a wallet's entries, in canonical order, with the
  transfer roles decided by the resolver, yields the balance.

EFFECT RULES:
  Expense, Investment        -> -amount
  Income, Deposit            -> +amount
  Transfer, outgoing         -> -amount
  Transfer, incoming+resolved-> +amount
  Transfer, unresolved       -> -amount
  Virtual inbound leg        -> +amount

ATOMICITY:
  Replay never returns a partial balance. One bad entry (unknown kind,
  non-positive amount, foreign wallet) fails the whole replay, and the
  caller keeps the last known-good stored balance.

EXAMPLE:
  Deposit 500, Expense 200, unlinked Transfer 100
  Replay = 500 - 200 - 100 = 200

SEE ALSO:
  - transfer.go: produces the Resolution
  - wallet/service.go: writes the result back under an optimistic lock
*/
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REPLAY INPUT / OUTPUT
// =============================================================================

type ReplayInput struct {
	WalletID   WalletID
	Entries    []Entry
	Resolution Resolution
}

// ReplayStep is one point of the running balance timeline.
type ReplayStep struct {
	EntryID    EntryID         `json:"entry_id"` // Source entry id for virtual legs
	At         time.Time       `json:"at"`
	Kind       Kind            `json:"kind"`
	Effect     decimal.Decimal `json:"effect"`
	Balance    decimal.Decimal `json:"balance"`
	Virtual    bool            `json:"virtual,omitempty"`
	Unresolved bool            `json:"unresolved,omitempty"`
}

// Totals breaks the balance down by kind. All values are magnitudes.
type Totals struct {
	Income       decimal.Decimal `json:"income"`
	Deposits     decimal.Decimal `json:"deposits"`
	Expenses     decimal.Decimal `json:"expenses"`
	Investments  decimal.Decimal `json:"investments"`
	TransfersIn  decimal.Decimal `json:"transfers_in"`
	TransfersOut decimal.Decimal `json:"transfers_out"`
}

type ReplayResult struct {
	WalletID   WalletID
	Balance    decimal.Decimal
	Totals     Totals
	Steps      []ReplayStep
	Unresolved []EntryID // Transfer entries replayed as unlinked outgoing legs
}

// ReplayError reports the entry that made a replay fail.
type ReplayError struct {
	WalletID WalletID
	EntryID  EntryID
	Err      error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay of wallet %s failed at entry %s: %v", e.WalletID, e.EntryID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// =============================================================================
// EFFECT
// =============================================================================

// Effect returns the signed balance change of an entry under a resolution.
func Effect(e Entry, res Resolution) (decimal.Decimal, error) {
	if err := e.Validate(); err != nil {
		return decimal.Zero, err
	}
	switch e.Kind {
	case KindExpense, KindInvestment:
		return e.Amount.Neg(), nil
	case KindIncome, KindDeposit:
		return e.Amount, nil
	case KindTransfer:
		leg := res.Leg(e.ID)
		if leg.Direction == DirectionIn && leg.Resolved {
			return e.Amount, nil
		}
		return e.Amount.Neg(), nil
	}
	return decimal.Zero, &EntryError{EntryID: e.ID, Err: fmt.Errorf("%w: %q", ErrUnknownEntryKind, e.Kind)}
}

// =============================================================================
// REPLAY
// =============================================================================

// Replay folds the wallet's entries into a balance. Input order does not
// matter; entries are sorted canonically first. Voided entries are skipped.
func Replay(in ReplayInput) (ReplayResult, error) {
	type item struct {
		entry   Entry
		virtual *VirtualLeg
	}

	var items []item
	for _, e := range in.Entries {
		if e.IsVoided() {
			continue
		}
		if in.WalletID != "" && e.WalletID != in.WalletID {
			return ReplayResult{}, &ReplayError{WalletID: in.WalletID, EntryID: e.ID, Err: ErrWalletMismatch}
		}
		items = append(items, item{entry: e})
	}
	for _, v := range in.Resolution.InboundFor(in.WalletID) {
		v := v
		items = append(items, item{
			entry: Entry{ID: v.SourceEntryID, Kind: KindTransfer, Amount: v.Amount, OccurredAt: v.OccurredAt},
			virtual: &v,
		})
	}

	// Canonical order; virtual legs sort with their source entry.
	sorted := make([]item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if Less(a.entry, b.entry) {
			return true
		}
		if Less(b.entry, a.entry) {
			return false
		}
		return a.virtual == nil && b.virtual != nil
	})

	result := ReplayResult{
		WalletID: in.WalletID,
		Balance:  decimal.Zero,
		Totals: Totals{
			Income: decimal.Zero, Deposits: decimal.Zero, Expenses: decimal.Zero,
			Investments: decimal.Zero, TransfersIn: decimal.Zero, TransfersOut: decimal.Zero,
		},
		Steps: make([]ReplayStep, 0, len(sorted)),
	}

	for _, it := range sorted {
		e := it.entry
		var (
			effect     decimal.Decimal
			unresolved bool
		)
		if it.virtual != nil {
			if !e.Amount.IsPositive() {
				return ReplayResult{}, &ReplayError{WalletID: in.WalletID, EntryID: e.ID, Err: ErrInvalidAmount}
			}
			effect = e.Amount
		} else {
			var err error
			effect, err = Effect(e, in.Resolution)
			if err != nil {
				return ReplayResult{}, &ReplayError{WalletID: in.WalletID, EntryID: e.ID, Err: err}
			}
			if e.IsTransfer() && !in.Resolution.Leg(e.ID).Resolved {
				unresolved = true
				result.Unresolved = append(result.Unresolved, e.ID)
			}
		}

		switch {
		case e.Kind == KindIncome:
			result.Totals.Income = result.Totals.Income.Add(e.Amount)
		case e.Kind == KindDeposit:
			result.Totals.Deposits = result.Totals.Deposits.Add(e.Amount)
		case e.Kind == KindExpense:
			result.Totals.Expenses = result.Totals.Expenses.Add(e.Amount)
		case e.Kind == KindInvestment:
			result.Totals.Investments = result.Totals.Investments.Add(e.Amount)
		case effect.IsPositive():
			result.Totals.TransfersIn = result.Totals.TransfersIn.Add(e.Amount)
		default:
			result.Totals.TransfersOut = result.Totals.TransfersOut.Add(e.Amount)
		}

		result.Balance = result.Balance.Add(effect)
		result.Steps = append(result.Steps, ReplayStep{
			EntryID:    e.ID,
			At:         e.OccurredAt,
			Kind:       e.Kind,
			Effect:     effect,
			Balance:    result.Balance,
			Virtual:    it.virtual != nil,
			Unresolved: unresolved,
		})
	}

	return result, nil
}

// ReplayWallet resolves transfers across the account's entries and replays
// one wallet. accountEntries must include every wallet of the account so
// that transfer legs in other wallets are visible.
func ReplayWallet(walletID WalletID, accountEntries []Entry, wallets []Wallet, resolver *TransferResolver) (ReplayResult, Resolution, error) {
	if resolver == nil {
		resolver = NewTransferResolver()
	}
	res := resolver.Resolve(accountEntries, wallets)
	own := make([]Entry, 0, len(accountEntries))
	for _, e := range accountEntries {
		if e.WalletID == walletID {
			own = append(own, e)
		}
	}
	result, err := Replay(ReplayInput{WalletID: walletID, Entries: own, Resolution: res})
	return result, res, err
}
