/*
transfer.go - Pairing of wallet-to-wallet transfer legs

PURPOSE:
  A transfer moves money between two wallets of the same account. It may be
  stored as two entries (one per wallet), as a single outgoing entry that
  names the destination wallet, or as loose entries mirrored from a bank
  feed with no link at all. The resolver decides, for every transfer entry,
  whether it is an outgoing or a resolved incoming leg.

MATCHING POLICY (first match wins, per outgoing leg):
  1. Explicit:   counterpart entry id, or counterpart wallet id. Trusted
                 as-is, no heuristics.
  2. Amount/date: same amount, opposite leg in another wallet within the
                 window (default +-2 days).
  3. Name:       same amount, the candidate's text mentions the source
                 wallet's name (or the reverse) next to a transfer keyword.

  Ties: closest timestamp, then earliest occurred-at, then lowest id.

INVARIANTS:
  - A leg participates in at most one link.
  - An incoming leg only credits its wallet when resolved.
  - An unresolved transfer is outgoing-only. The resolver never invents an
    inbound leg except for an explicit counterpart wallet reference.
  - Resolve is pure: same entries and wallets, same Resolution.

SEE ALSO:
  - replay.go: consumes Resolution
  - diagnostics.go: reports Resolution.Unlinked
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESOLUTION TYPES
// =============================================================================

type MatchRule string

const (
	RuleExplicitEntry  MatchRule = "explicit_entry"
	RuleExplicitWallet MatchRule = "explicit_wallet"
	RuleAmountDate     MatchRule = "amount_date"
	RuleName           MatchRule = "name"
)

// LegState is the resolved role of one transfer entry.
type LegState struct {
	EntryID             EntryID
	Direction           Direction // DirectionOut or DirectionIn after resolution
	Resolved            bool
	Rule                MatchRule
	CounterpartWalletID WalletID
	CounterpartEntryID  EntryID
}

// TransferLink pairs an outgoing leg with its incoming side. IncomingID is
// empty for a virtual inbound leg (explicit destination wallet, no entry).
type TransferLink struct {
	OutgoingID EntryID
	IncomingID EntryID
	FromWallet WalletID
	ToWallet   WalletID
	Amount     decimal.Decimal
	Rule       MatchRule
}

// VirtualLeg is a credit owed to a wallet by an explicit outgoing transfer
// that has no materialized incoming entry.
type VirtualLeg struct {
	SourceEntryID EntryID
	FromWallet    WalletID
	ToWallet      WalletID
	Amount        decimal.Decimal
	OccurredAt    time.Time
}

type Resolution struct {
	Legs     map[EntryID]LegState
	Links    []TransferLink
	Virtual  []VirtualLeg
	Unlinked []EntryID
}

// Leg returns the state of a transfer entry. Entries unknown to the
// resolution are reported as unresolved outgoing legs.
func (r Resolution) Leg(id EntryID) LegState {
	if r.Legs != nil {
		if leg, ok := r.Legs[id]; ok {
			return leg
		}
	}
	return LegState{EntryID: id, Direction: DirectionOut}
}

// InboundFor returns the virtual legs credited to a wallet.
func (r Resolution) InboundFor(walletID WalletID) []VirtualLeg {
	var out []VirtualLeg
	for _, v := range r.Virtual {
		if v.ToWallet == walletID {
			out = append(out, v)
		}
	}
	return out
}

// IsUnlinked reports whether the entry ended up without a counterpart.
func (r Resolution) IsUnlinked(id EntryID) bool {
	for _, u := range r.Unlinked {
		if u == id {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSFER RESOLVER
// =============================================================================

// DefaultTransferKeywords are the words that make a free-text name look like
// a transfer. Matched accent-insensitively on word boundaries.
var DefaultTransferKeywords = []string{
	"transferencia", "transferência", "transf", "transfer", "pix", "ted", "doc",
	"envio", "enviado", "recebido de", "resgate", "aplicacao", "aplicação",
}

// TransferResolver pairs transfer legs across all wallets of one account.
type TransferResolver struct {
	Window     time.Duration // Rule 2 window; default 48h
	NameWindow time.Duration // Rule 3 window; 0 = unbounded
	Keywords   []string      // Rule 3 keywords; default DefaultTransferKeywords
}

// NewTransferResolver returns a resolver with the default windows.
func NewTransferResolver() *TransferResolver {
	return &TransferResolver{
		Window:     48 * time.Hour,
		NameWindow: 30 * 24 * time.Hour,
		Keywords:   DefaultTransferKeywords,
	}
}

type resolveState struct {
	byID    map[EntryID]Entry
	names   map[WalletID]string
	paired  map[EntryID]bool
	res     Resolution
}

// Resolve computes the role of every transfer entry in entries. Entries of
// other kinds are only considered as rule 3 candidates. Voided entries are
// ignored.
func (tr *TransferResolver) Resolve(entries []Entry, wallets []Wallet) Resolution {
	st := &resolveState{
		byID:    make(map[EntryID]Entry, len(entries)),
		names:   make(map[WalletID]string, len(wallets)),
		paired:  make(map[EntryID]bool),
		res:     Resolution{Legs: make(map[EntryID]LegState)},
	}
	for _, w := range wallets {
		st.names[w.ID] = Fold(w.Name)
	}

	ordered := SortEntries(Active(entries))
	var transfers []Entry
	for _, e := range ordered {
		st.byID[e.ID] = e
		if e.IsTransfer() {
			transfers = append(transfers, e)
		}
	}

	tr.resolveExplicitEntries(st, transfers)
	tr.resolveExplicitWallets(st, transfers)
	tr.resolveHeuristics(st, transfers, ordered)

	// Whatever is left is an unlinked, outgoing-only leg.
	for _, t := range transfers {
		if _, ok := st.res.Legs[t.ID]; ok {
			continue
		}
		st.res.Legs[t.ID] = LegState{EntryID: t.ID, Direction: DirectionOut}
		st.res.Unlinked = append(st.res.Unlinked, t.ID)
	}
	return st.res
}

// Rule 1a: counterpart entry ids.
func (tr *TransferResolver) resolveExplicitEntries(st *resolveState, transfers []Entry) {
	for _, t := range transfers {
		if st.paired[t.ID] || t.Meta.Transfer == nil || t.Meta.Transfer.CounterpartEntryID == "" {
			continue
		}
		c, ok := st.byID[t.Meta.Transfer.CounterpartEntryID]
		if !ok || c.ID == t.ID || c.WalletID == t.WalletID || st.paired[c.ID] {
			continue
		}
		if c.IsTransfer() || c.Kind.IsCredit() {
			out, in := orientPair(t, c)
			st.link(out, in, RuleExplicitEntry)
		}
	}
}

// orientPair decides which of two explicitly linked entries is the source.
func orientPair(a, b Entry) (out, in Entry) {
	switch {
	case !b.IsTransfer():
		// A credit-kind counterpart can only be the incoming side.
		return a, b
	case !a.IsTransfer():
		return b, a
	case a.Direction() == DirectionIn || b.Direction() == DirectionOut:
		return b, a
	case a.Direction() == DirectionOut || b.Direction() == DirectionIn:
		return a, b
	case Less(b, a):
		return b, a
	default:
		return a, b
	}
}

// Rule 1b: counterpart wallet ids.
func (tr *TransferResolver) resolveExplicitWallets(st *resolveState, transfers []Entry) {
	for _, out := range transfers {
		ref := out.Meta.Transfer
		if st.paired[out.ID] || ref == nil || ref.CounterpartWalletID == "" || out.Direction() == DirectionIn {
			continue
		}
		if ref.CounterpartWalletID == out.WalletID {
			continue
		}
		in, ok := tr.best(out, transfers, func(c Entry) bool {
			cref := c.Meta.Transfer
			return c.Direction() == DirectionIn &&
				cref != nil && cref.CounterpartWalletID == out.WalletID &&
				c.WalletID == ref.CounterpartWalletID &&
				c.Amount.Equal(out.Amount)
		}, st, 0)
		if ok {
			st.link(out, in, RuleExplicitWallet)
			continue
		}

		st.paired[out.ID] = true
		st.res.Legs[out.ID] = LegState{
			EntryID:             out.ID,
			Direction:           DirectionOut,
			Resolved:            true,
			Rule:                RuleExplicitWallet,
			CounterpartWalletID: ref.CounterpartWalletID,
		}
		st.res.Links = append(st.res.Links, TransferLink{
			OutgoingID: out.ID,
			FromWallet: out.WalletID,
			ToWallet:   ref.CounterpartWalletID,
			Amount:     out.Amount,
			Rule:       RuleExplicitWallet,
		})
		st.res.Virtual = append(st.res.Virtual, VirtualLeg{
			SourceEntryID: out.ID,
			FromWallet:    out.WalletID,
			ToWallet:      ref.CounterpartWalletID,
			Amount:        out.Amount,
			OccurredAt:    out.OccurredAt,
		})
	}

	// Explicit incoming legs whose source never showed up are still trusted.
	for _, in := range transfers {
		if st.paired[in.ID] || in.Direction() != DirectionIn || !in.Meta.Transfer.HasCounterpart() {
			continue
		}
		st.paired[in.ID] = true
		st.res.Legs[in.ID] = LegState{
			EntryID:             in.ID,
			Direction:           DirectionIn,
			Resolved:            true,
			Rule:                RuleExplicitWallet,
			CounterpartWalletID: in.Meta.Transfer.CounterpartWalletID,
			CounterpartEntryID:  in.Meta.Transfer.CounterpartEntryID,
		}
	}
}

// Rules 2 and 3: heuristics for legs without explicit references. Legs
// marked outgoing pick first; a leg of unknown direction becomes a source
// only once it pairs, and stays a candidate for later sources otherwise.
func (tr *TransferResolver) resolveHeuristics(st *resolveState, transfers, all []Entry) {
	window := tr.Window
	if window <= 0 {
		window = 48 * time.Hour
	}
	keywords := tr.Keywords
	if keywords == nil {
		keywords = DefaultTransferKeywords
	}

	var outgoing, loose []Entry
	for _, src := range transfers {
		if st.paired[src.ID] || src.Meta.Transfer.HasCounterpart() || src.Direction() == DirectionIn {
			continue
		}
		if src.Direction() == DirectionOut {
			outgoing = append(outgoing, src)
		} else {
			loose = append(loose, src)
		}
	}

	for _, src := range append(outgoing, loose...) {
		if st.paired[src.ID] {
			continue
		}

		in, ok := tr.best(src, transfers, func(c Entry) bool {
			return c.Direction() != DirectionOut &&
				!c.Meta.Transfer.HasCounterpart() &&
				c.Amount.Equal(src.Amount)
		}, st, window)
		if ok {
			st.link(src, in, RuleAmountDate)
			continue
		}

		in, ok = tr.best(src, all, func(c Entry) bool {
			if !c.Amount.Equal(src.Amount) {
				return false
			}
			if c.IsTransfer() {
				if c.Direction() == DirectionOut || c.Meta.Transfer.HasCounterpart() {
					return false
				}
			} else if !c.Kind.IsCredit() {
				return false
			}
			return tr.namesMatch(st, src, c, keywords)
		}, st, tr.NameWindow)
		if ok {
			st.link(src, in, RuleName)
		}
	}
}

func (tr *TransferResolver) namesMatch(st *resolveState, src, cand Entry, keywords []string) bool {
	srcText := Fold(src.Name + " " + src.Description)
	candText := Fold(cand.Name + " " + cand.Description)

	mentions := ContainsPhrase(candText, st.names[src.WalletID]) ||
		ContainsPhrase(srcText, st.names[cand.WalletID])
	if !mentions {
		return false
	}
	for _, k := range keywords {
		fk := Fold(k)
		if ContainsPhrase(candText, fk) || ContainsPhrase(srcText, fk) {
			return true
		}
	}
	return false
}

// best returns the best unpaired candidate in another wallet accepted by ok
// and within window of src, ranked by closest timestamp, then earliest
// occurred-at, then lowest id.
func (tr *TransferResolver) best(src Entry, pool []Entry, ok func(Entry) bool, st *resolveState, window time.Duration) (Entry, bool) {
	var (
		found  bool
		chosen Entry
	)
	for _, c := range pool {
		if c.ID == src.ID || c.WalletID == src.WalletID || st.paired[c.ID] {
			continue
		}
		if !Within(src.OccurredAt, c.OccurredAt, window) || !ok(c) {
			continue
		}
		if !found || betterCandidate(src, c, chosen) {
			chosen, found = c, true
		}
	}
	return chosen, found
}

func betterCandidate(src, a, b Entry) bool {
	da, db := AbsDiff(src.OccurredAt, a.OccurredAt), AbsDiff(src.OccurredAt, b.OccurredAt)
	if da != db {
		return da < db
	}
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.ID < b.ID
}

func (st *resolveState) link(out, in Entry, rule MatchRule) {
	st.paired[out.ID] = true
	st.paired[in.ID] = true
	st.res.Legs[out.ID] = LegState{
		EntryID:             out.ID,
		Direction:           DirectionOut,
		Resolved:            true,
		Rule:                rule,
		CounterpartWalletID: in.WalletID,
		CounterpartEntryID:  in.ID,
	}
	st.res.Legs[in.ID] = LegState{
		EntryID:             in.ID,
		Direction:           DirectionIn,
		Resolved:            true,
		Rule:                rule,
		CounterpartWalletID: out.WalletID,
		CounterpartEntryID:  out.ID,
	}
	st.res.Links = append(st.res.Links, TransferLink{
		OutgoingID: out.ID,
		IncomingID: in.ID,
		FromWallet: out.WalletID,
		ToWallet:   in.WalletID,
		Amount:     out.Amount,
		Rule:       rule,
	})
}
