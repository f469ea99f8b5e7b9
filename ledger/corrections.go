package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CORRECTION PLAN - Selected findings turned into concrete mutations
// =============================================================================

// CorrectionPlan lists what a repair would do. Building a plan has no side
// effects; wallet.Service.Repair applies it inside one transaction.
type CorrectionPlan struct {
	WalletID         WalletID
	Voids            []EntryID
	Replacements     []Replacement
	Applied          []Finding
	Skipped          []Finding
	ProjectedBalance decimal.Decimal
}

// Replacement supersedes a voided entry with a reclassified copy.
type Replacement struct {
	Replaces EntryID
	Entry    Entry
}

// IsEmpty reports whether the plan changes nothing.
func (p CorrectionPlan) IsEmpty() bool {
	return len(p.Voids) == 0 && len(p.Replacements) == 0
}

// DefaultSelection picks the findings a repair applies when the caller names
// none: the primary discrepancy finding when an expected balance was given,
// otherwise every duplicate removal.
func DefaultSelection(r Report) []string {
	var ids []string
	for _, f := range r.Findings {
		if f.Primary {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) > 0 || r.ExpectedBalance != nil {
		return ids
	}
	for _, f := range r.Findings {
		if f.Kind == FindingDuplicate {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// PlanCorrections turns the selected findings of a report into a plan.
//
// Rules:
//   - Unknown finding ids fail the whole plan (ErrFindingNotFound)
//   - review/link findings are skipped, they need a human
//   - An entry is touched at most once; later findings on it are skipped
//   - ProjectedBalance is the replayed balance plus the applied deltas
func PlanCorrections(report Report, entries []Entry, selection []string) (CorrectionPlan, error) {
	byID := make(map[EntryID]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	plan := CorrectionPlan{WalletID: report.WalletID, ProjectedBalance: report.ReplayedBalance}
	touched := make(map[EntryID]bool)
	seen := make(map[string]bool)

	for _, id := range selection {
		if seen[id] {
			continue
		}
		seen[id] = true

		f, ok := report.Finding(id)
		if !ok {
			return CorrectionPlan{}, fmt.Errorf("%w: %s", ErrFindingNotFound, id)
		}
		if !f.Actionable() || touched[f.EntryID] {
			plan.Skipped = append(plan.Skipped, f)
			continue
		}
		e, ok := byID[f.EntryID]
		if !ok || e.IsVoided() {
			return CorrectionPlan{}, fmt.Errorf("finding %s: %w: %s", id, ErrEntryNotFound, f.EntryID)
		}

		switch f.Suggestion {
		case SuggestRemove:
			plan.Voids = append(plan.Voids, e.ID)
		case SuggestReclassify:
			plan.Voids = append(plan.Voids, e.ID)
			plan.Replacements = append(plan.Replacements, Replacement{Replaces: e.ID, Entry: reclassified(e, f.ProposedKind)})
		}
		touched[e.ID] = true
		plan.Applied = append(plan.Applied, f)
		plan.ProjectedBalance = plan.ProjectedBalance.Add(f.Delta)
	}
	return plan, nil
}

// reclassified copies e under a new id with the given kind. The external
// key moves to the copy so later webhook deliveries update the replacement.
func reclassified(e Entry, kind Kind) Entry {
	if !kind.Valid() || kind == KindTransfer {
		kind = e.Kind.Opposite()
	}
	out := e
	out.ID = EntryID(uuid.NewString())
	out.Kind = kind
	out.Sequence = 0
	out.Meta.SupersededBy = ""
	out.Meta.Transfer = nil
	out.Meta.UnlinkedTransfer = false
	return out
}
