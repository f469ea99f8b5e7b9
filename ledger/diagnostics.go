/*
diagnostics.go - Anomaly detection over a wallet's entries

PURPOSE:
  Finds the entries most likely responsible for a wrong balance without the
  caller knowing the root cause. Every pass produces findings, never
  mutations. Applying a finding is a separate, audited step (see
  corrections.go and wallet.Service.Repair).

PASSES:
  duplicate       Same UTC day, amount and kind. Earliest kept.
  outlier         Non-transfer amount above the configured thresholds.
  kind_mismatch   Wording of the opposite kind in the name/description.
  discrepancy     Entry whose effect explains replay - expected exactly.
  unlinked        Transfer leg without a counterpart (warning).

DETERMINISM:
  Diagnose is pure. Findings are sorted by pass priority then entry id, and
  finding ids are derived from the pass and the entry id, so two runs over
  the same input produce identical reports.

SEE ALSO:
  - corrections.go: Turns selected findings into a plan
  - config/config.go: diagnostics.* keys
*/
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FINDINGS
// =============================================================================

type FindingKind string

const (
	FindingDiscrepancy  FindingKind = "discrepancy"
	FindingDuplicate    FindingKind = "duplicate"
	FindingKindMismatch FindingKind = "kind_mismatch"
	FindingOutlier      FindingKind = "outlier"
	FindingUnlinked     FindingKind = "unlinked_transfer"
)

// findingPriority orders findings in a report.
var findingPriority = map[FindingKind]int{
	FindingDiscrepancy:  0,
	FindingDuplicate:    1,
	FindingKindMismatch: 2,
	FindingOutlier:      3,
	FindingUnlinked:     4,
}

type Suggestion string

const (
	SuggestRemove     Suggestion = "remove"
	SuggestReclassify Suggestion = "reclassify"
	SuggestReview     Suggestion = "review"
	SuggestLink       Suggestion = "link"
)

// Finding is one candidate correction.
type Finding struct {
	ID             string          `json:"id"`
	Kind           FindingKind     `json:"kind"`
	EntryID        EntryID         `json:"entry_id"`
	RelatedEntryID EntryID         `json:"related_entry_id,omitempty"` // Kept entry for duplicates
	Suggestion     Suggestion      `json:"suggestion"`
	ProposedKind   Kind            `json:"proposed_kind,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Delta          decimal.Decimal `json:"delta"` // Balance change if applied
	Primary        bool            `json:"primary,omitempty"`
	Message        string          `json:"message"`
}

// Actionable reports whether the finding can be applied automatically.
func (f Finding) Actionable() bool {
	return f.Suggestion == SuggestRemove || f.Suggestion == SuggestReclassify
}

// Report is the output of one diagnostic pass over a wallet.
type Report struct {
	WalletID        WalletID         `json:"wallet_id"`
	StoredBalance   decimal.Decimal  `json:"stored_balance"`
	ReplayedBalance decimal.Decimal  `json:"replayed_balance"`
	ExpectedBalance *decimal.Decimal `json:"expected_balance,omitempty"`
	Discrepancy     *decimal.Decimal `json:"discrepancy,omitempty"` // replayed - expected
	Drift           decimal.Decimal  `json:"drift"`                 // stored - replayed
	Findings        []Finding        `json:"findings"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// Finding looks up a finding by id.
func (r Report) Finding(id string) (Finding, bool) {
	for _, f := range r.Findings {
		if f.ID == id {
			return f, true
		}
	}
	return Finding{}, false
}

// Count returns the number of findings of one kind.
func (r Report) Count(kind FindingKind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// DiagnosticsConfig holds the thresholds of the detection passes. Zero
// thresholds disable the corresponding outlier test.
type DiagnosticsConfig struct {
	OutlierFactor             decimal.Decimal // Multiple of the median amount
	OutlierAbsolute           decimal.Decimal // Fixed ceiling
	MinSamples                int             // Entries needed before the median test runs
	IgnoreDistinctExternalIDs bool            // Distinct external ids are never duplicates
	DebitKeywords             []string        // Suspicious on income/deposit
	CreditKeywords            []string        // Suspicious on expense/investment
}

var DefaultDebitKeywords = []string{
	"pagamento", "payment", "debito", "débito", "debit", "compra", "tarifa", "boleto", "saque",
}

var DefaultCreditKeywords = []string{
	"recebimento", "receipt", "credito", "crédito", "credit", "venda", "deposito", "depósito",
	"estorno", "rendimento",
}

func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		OutlierFactor:             decimal.NewFromInt(10),
		MinSamples:                5,
		IgnoreDistinctExternalIDs: true,
		DebitKeywords:             DefaultDebitKeywords,
		CreditKeywords:            DefaultCreditKeywords,
	}
}

// =============================================================================
// DIAGNOSE
// =============================================================================

type DiagnosticsInput struct {
	Wallet          Wallet
	Entries         []Entry // The wallet's entries
	Resolution      Resolution
	ExpectedBalance *decimal.Decimal
	Now             time.Time
}

type Diagnostics struct {
	Config DiagnosticsConfig
}

func NewDiagnostics(cfg DiagnosticsConfig) *Diagnostics {
	return &Diagnostics{Config: cfg}
}

// Diagnose replays the wallet and runs every detection pass. It fails only
// when the replay itself fails.
func (d *Diagnostics) Diagnose(in DiagnosticsInput) (Report, error) {
	replay, err := Replay(ReplayInput{WalletID: in.Wallet.ID, Entries: in.Entries, Resolution: in.Resolution})
	if err != nil {
		return Report{}, err
	}

	report := Report{
		WalletID:        in.Wallet.ID,
		StoredBalance:   in.Wallet.Balance,
		ReplayedBalance: replay.Balance,
		Drift:           in.Wallet.Balance.Sub(replay.Balance),
		GeneratedAt:     in.Now,
	}

	active := SortEntries(Active(in.Entries))
	effects := make(map[EntryID]decimal.Decimal, len(active))
	for _, e := range active {
		// Replay already validated every entry.
		eff, _ := Effect(e, in.Resolution)
		effects[e.ID] = eff
	}

	var findings []Finding
	if in.ExpectedBalance != nil {
		expected := *in.ExpectedBalance
		discrepancy := replay.Balance.Sub(expected)
		report.ExpectedBalance = &expected
		report.Discrepancy = &discrepancy
		findings = append(findings, d.discrepancies(active, effects, discrepancy)...)
	}
	findings = append(findings, d.duplicates(active, effects)...)
	findings = append(findings, d.kindMismatches(active)...)
	findings = append(findings, d.outliers(active, effects)...)
	findings = append(findings, d.unlinked(active, in.Resolution)...)

	sort.SliceStable(findings, func(i, j int) bool {
		pi, pj := findingPriority[findings[i].Kind], findingPriority[findings[j].Kind]
		if pi != pj {
			return pi < pj
		}
		return findings[i].EntryID < findings[j].EntryID
	})
	if findings == nil {
		findings = []Finding{}
	}
	report.Findings = findings
	return report, nil
}

func newFinding(kind FindingKind, e Entry, s Suggestion, delta decimal.Decimal, msg string) Finding {
	return Finding{
		ID:         fmt.Sprintf("%s:%s", kind, e.ID),
		Kind:       kind,
		EntryID:    e.ID,
		Suggestion: s,
		Amount:     e.Amount,
		Delta:      delta,
		Message:    msg,
	}
}

// -----------------------------------------------------------------------------
// Exact discrepancy
// -----------------------------------------------------------------------------

// discrepancies looks for single entries that explain replay - expected:
//   - effect == discrepancy: removing the entry closes the gap
//   - effect == discrepancy/2: flipping the entry's kind closes the gap
//   - effect == -discrepancy: same magnitude, wrong direction, review it
//
// The first removal (or, failing that, reclassification) in replay order is
// marked primary.
func (d *Diagnostics) discrepancies(active []Entry, effects map[EntryID]decimal.Decimal, discrepancy decimal.Decimal) []Finding {
	if discrepancy.IsZero() {
		return nil
	}
	half := discrepancy.Div(decimal.NewFromInt(2))

	var out []Finding
	primaryRemove, primaryFlip := -1, -1
	for _, e := range active {
		eff := effects[e.ID]
		switch {
		case eff.Equal(discrepancy):
			if primaryRemove < 0 {
				primaryRemove = len(out)
			}
			out = append(out, newFinding(FindingDiscrepancy, e, SuggestRemove, eff.Neg(),
				fmt.Sprintf("removing this %s of %s matches the discrepancy of %s", e.Kind, e.Amount, discrepancy)))
		case !e.IsTransfer() && eff.Equal(half):
			f := newFinding(FindingDiscrepancy, e, SuggestReclassify, eff.Mul(decimal.NewFromInt(-2)),
				fmt.Sprintf("reclassifying this %s as %s matches the discrepancy of %s", e.Kind, e.Kind.Opposite(), discrepancy))
			f.ProposedKind = e.Kind.Opposite()
			if primaryFlip < 0 {
				primaryFlip = len(out)
			}
			out = append(out, f)
		case eff.Neg().Equal(discrepancy):
			out = append(out, newFinding(FindingDiscrepancy, e, SuggestReview, decimal.Zero,
				fmt.Sprintf("amount %s matches the discrepancy but with the opposite sign", e.Amount)))
		}
	}
	switch {
	case primaryRemove >= 0:
		out[primaryRemove].Primary = true
	case primaryFlip >= 0:
		out[primaryFlip].Primary = true
	}
	return out
}

// -----------------------------------------------------------------------------
// Duplicates
// -----------------------------------------------------------------------------

type dupKey struct {
	day    time.Time
	amount string
	kind   Kind
}

func (d *Diagnostics) duplicates(active []Entry, effects map[EntryID]decimal.Decimal) []Finding {
	groups := make(map[dupKey][]Entry)
	var order []dupKey
	for _, e := range active {
		k := dupKey{day: DayOf(e.OccurredAt), amount: e.Amount.String(), kind: e.Kind}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var out []Finding
	for _, k := range order {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		// group is already in replay order; the first entry of each cluster
		// is the one kept.
		var kept []Entry
		for _, e := range group {
			var original *Entry
			for i := range kept {
				if d.sameRecord(kept[i], e) {
					original = &kept[i]
					break
				}
			}
			if original == nil {
				kept = append(kept, e)
				continue
			}
			f := newFinding(FindingDuplicate, e, SuggestRemove, effects[e.ID].Neg(),
				fmt.Sprintf("same day, amount and kind as entry %s", original.ID))
			f.RelatedEntryID = original.ID
			out = append(out, f)
		}
	}
	return out
}

// sameRecord reports whether two entries of one duplicate group may be the
// same posting recorded twice.
func (d *Diagnostics) sameRecord(a, b Entry) bool {
	if !d.Config.IgnoreDistinctExternalIDs {
		return true
	}
	if a.Meta.ExternalID == "" || b.Meta.ExternalID == "" || a.Meta.Source != b.Meta.Source {
		return true
	}
	return a.Meta.ExternalID == b.Meta.ExternalID
}

// -----------------------------------------------------------------------------
// Kind mismatch
// -----------------------------------------------------------------------------

func (d *Diagnostics) kindMismatches(active []Entry) []Finding {
	var out []Finding
	for _, e := range active {
		if e.IsTransfer() {
			continue
		}
		text := e.Name + " " + e.Description
		debitWord, hasDebit := ContainsAny(text, d.Config.DebitKeywords)
		creditWord, hasCredit := ContainsAny(text, d.Config.CreditKeywords)
		if hasDebit == hasCredit {
			continue
		}

		var word string
		switch {
		case e.Kind.IsCredit() && hasDebit:
			word = debitWord
		case e.Kind.IsDebit() && hasCredit:
			word = creditWord
		default:
			continue
		}
		f := newFinding(FindingKindMismatch, e, SuggestReclassify, flipDelta(e),
			fmt.Sprintf("%s entry mentions %q", e.Kind, word))
		f.ProposedKind = e.Kind.Opposite()
		out = append(out, f)
	}
	return out
}

// flipDelta is the balance change of swapping a non-transfer entry's kind
// for its opposite.
func flipDelta(e Entry) decimal.Decimal {
	twice := e.Amount.Mul(decimal.NewFromInt(2))
	if e.Kind.IsCredit() {
		return twice.Neg()
	}
	return twice
}

// -----------------------------------------------------------------------------
// Outliers
// -----------------------------------------------------------------------------

func (d *Diagnostics) outliers(active []Entry, effects map[EntryID]decimal.Decimal) []Finding {
	var sample []decimal.Decimal
	for _, e := range active {
		if !e.IsTransfer() {
			sample = append(sample, e.Amount)
		}
	}

	var relative decimal.Decimal
	useRelative := d.Config.OutlierFactor.IsPositive() && len(sample) >= d.Config.MinSamples && len(sample) > 0
	if useRelative {
		relative = Median(sample).Mul(d.Config.OutlierFactor)
	}
	useAbsolute := d.Config.OutlierAbsolute.IsPositive()
	if !useRelative && !useAbsolute {
		return nil
	}

	var out []Finding
	for _, e := range active {
		if e.IsTransfer() {
			continue
		}
		var reasons []string
		if useRelative && e.Amount.GreaterThan(relative) {
			reasons = append(reasons, fmt.Sprintf("above %s x median (%s)", d.Config.OutlierFactor, relative))
		}
		if useAbsolute && e.Amount.GreaterThan(d.Config.OutlierAbsolute) {
			reasons = append(reasons, fmt.Sprintf("above absolute threshold %s", d.Config.OutlierAbsolute))
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, newFinding(FindingOutlier, e, SuggestReview, decimal.Zero,
			fmt.Sprintf("amount %s is %s", e.Amount, strings.Join(reasons, " and "))))
	}
	return out
}

// Median returns the median of values. The input is not modified.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// -----------------------------------------------------------------------------
// Unlinked transfers
// -----------------------------------------------------------------------------

func (d *Diagnostics) unlinked(active []Entry, res Resolution) []Finding {
	var out []Finding
	for _, e := range active {
		if !e.IsTransfer() || res.Leg(e.ID).Resolved {
			continue
		}
		out = append(out, newFinding(FindingUnlinked, e, SuggestLink, decimal.Zero,
			fmt.Sprintf("%v: counted as outgoing %s", ErrUnresolvedTransfer, e.Amount)))
	}
	return out
}
