package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// RULE 1 - Explicit references
// =============================================================================

func TestResolve_ExplicitEntryID(t *testing.T) {
	// GIVEN: Two transfers ten days apart, one naming the other
	// WHEN: Resolving
	// THEN: They are paired despite being outside the amount/date window

	entries := []ledger.Entry{
		transfer("out", "w1", "80", day(1), &ledger.TransferRef{Direction: ledger.DirectionOut, CounterpartEntryID: "in"}),
		transfer("in", "w2", "80", day(11), nil),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	require.Len(t, res.Links, 1)
	assert.Equal(t, ledger.RuleExplicitEntry, res.Links[0].Rule)
	assert.Equal(t, ledger.EntryID("out"), res.Links[0].OutgoingID)
	assert.Equal(t, ledger.EntryID("in"), res.Links[0].IncomingID)
	assert.Equal(t, ledger.DirectionIn, res.Leg("in").Direction)
	assert.True(t, res.Leg("in").Resolved)
	assert.Empty(t, res.Unlinked)
}

func TestResolve_ExplicitWalletPairsWithPointingBackLeg(t *testing.T) {
	entries := []ledger.Entry{
		transfer("out", "w1", "50", day(1), &ledger.TransferRef{Direction: ledger.DirectionOut, CounterpartWalletID: "w2"}),
		transfer("in", "w2", "50", day(20), &ledger.TransferRef{Direction: ledger.DirectionIn, CounterpartWalletID: "w1"}),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	require.Len(t, res.Links, 1)
	assert.Equal(t, ledger.RuleExplicitWallet, res.Links[0].Rule)
	assert.Empty(t, res.Virtual)
}

func TestResolve_ExplicitIncomingWithoutSourceIsTrusted(t *testing.T) {
	entries := []ledger.Entry{
		transfer("in", "w2", "50", day(1), &ledger.TransferRef{Direction: ledger.DirectionIn, CounterpartWalletID: "w9"}),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	leg := res.Leg("in")
	assert.True(t, leg.Resolved)
	assert.Equal(t, ledger.DirectionIn, leg.Direction)
}

// =============================================================================
// RULE 2 - Amount and date window
// =============================================================================

func TestResolve_AmountDateWindow(t *testing.T) {
	// GIVEN: Outgoing 100 on day 1, candidate 100 in w2 on day 2, one on day 9
	// WHEN: Resolving with the default 48h window
	// THEN: The day-2 candidate is paired, the day-9 one stays unlinked

	entries := []ledger.Entry{
		transfer("out", "w1", "100", day(1), &ledger.TransferRef{Direction: ledger.DirectionOut}),
		transfer("near", "w2", "100", day(2), nil),
		transfer("far", "w3", "100", day(9), &ledger.TransferRef{Direction: ledger.DirectionIn}),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	assert.Equal(t, ledger.EntryID("near"), res.Leg("out").CounterpartEntryID)
	assert.Equal(t, ledger.RuleAmountDate, res.Leg("out").Rule)
	assert.Contains(t, res.Unlinked, ledger.EntryID("far"))
}

func TestResolve_TieGoesToClosestThenLowestID(t *testing.T) {
	// GIVEN: Three equal candidates, two equally close to the source
	// WHEN: Resolving
	// THEN: The closest wins; among equals the lowest id wins

	src := day(10)
	entries := []ledger.Entry{
		transfer("out", "w1", "60", src, &ledger.TransferRef{Direction: ledger.DirectionOut}),
		transfer("c-far", "w2", "60", src.Add(30*time.Hour), &ledger.TransferRef{Direction: ledger.DirectionIn}),
		transfer("c-b", "w3", "60", src.Add(2*time.Hour), &ledger.TransferRef{Direction: ledger.DirectionIn}),
		transfer("c-a", "w4", "60", src.Add(2*time.Hour), &ledger.TransferRef{Direction: ledger.DirectionIn}),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	assert.Equal(t, ledger.EntryID("c-a"), res.Leg("out").CounterpartEntryID)
}

func TestResolve_LegUsedAtMostOnce(t *testing.T) {
	// GIVEN: Two outgoing transfers of 30 and a single incoming 30
	// WHEN: Resolving
	// THEN: Only the earlier outgoing leg is paired

	entries := []ledger.Entry{
		transfer("out-1", "w1", "30", day(1), &ledger.TransferRef{Direction: ledger.DirectionOut}),
		transfer("out-2", "w3", "30", day(1).Add(time.Hour), &ledger.TransferRef{Direction: ledger.DirectionOut}),
		transfer("in", "w2", "30", day(2), &ledger.TransferRef{Direction: ledger.DirectionIn}),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	require.Len(t, res.Links, 1)
	assert.Equal(t, ledger.EntryID("out-1"), res.Links[0].OutgoingID)
	assert.True(t, res.IsUnlinked("out-2"))
	assert.False(t, res.Leg("out-2").Resolved)
}

func TestResolve_OutgoingLegPairsWithEarlierLooseLeg(t *testing.T) {
	// GIVEN: A leg of unknown direction in w2 that sorts before an outgoing
	//        leg of the same amount and day in w1
	// WHEN: Resolving and replaying both wallets
	// THEN: The outgoing leg takes the loose one and the pair nets to zero

	entries := []ledger.Entry{
		transfer("in", "w2", "100", day(3), nil),
		transfer("out", "w1", "100", day(3), &ledger.TransferRef{Direction: ledger.DirectionOut}),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	require.Len(t, res.Links, 1)
	assert.Equal(t, ledger.EntryID("out"), res.Links[0].OutgoingID)
	assert.Equal(t, ledger.EntryID("in"), res.Links[0].IncomingID)
	assert.Equal(t, ledger.RuleAmountDate, res.Links[0].Rule)
	assert.Empty(t, res.Unlinked)

	a, err := replayOne("w1", entries)
	require.NoError(t, err)
	b, err := replayOne("w2", entries)
	require.NoError(t, err)
	assert.True(t, a.Balance.Add(b.Balance).IsZero(), "w1 %s + w2 %s", a.Balance, b.Balance)
}

func TestResolve_EarlierLooseLegIsSource(t *testing.T) {
	// GIVEN: Two legs of unknown direction in different wallets, a day apart
	// WHEN: Resolving
	// THEN: The earlier one becomes the source

	entries := []ledger.Entry{
		transfer("a", "w1", "40", day(1), nil),
		transfer("b", "w2", "40", day(2), nil),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	require.Len(t, res.Links, 1)
	assert.Equal(t, ledger.EntryID("a"), res.Links[0].OutgoingID)
	assert.Equal(t, ledger.DirectionIn, res.Leg("b").Direction)
}

func TestResolve_SameWalletNeverPairs(t *testing.T) {
	entries := []ledger.Entry{
		transfer("a", "w1", "10", day(1), nil),
		transfer("b", "w1", "10", day(1), nil),
	}

	res := ledger.NewTransferResolver().Resolve(entries, nil)

	assert.Empty(t, res.Links)
	assert.Len(t, res.Unlinked, 2)
}

// =============================================================================
// RULE 3 - Name containment
// =============================================================================

func TestResolve_NameHeuristic(t *testing.T) {
	// GIVEN: Outgoing 500 from "Nubank", an income of 500 in "Itaú" five days
	//        later described as "Transferência recebida Nubank"
	// WHEN: Resolving
	// THEN: Rule 2 misses (outside 48h and not a transfer), rule 3 pairs them

	entries := []ledger.Entry{
		transfer("out", "w1", "500", day(1), &ledger.TransferRef{Direction: ledger.DirectionOut}),
		func() ledger.Entry {
			e := entry("inc", "w2", ledger.KindIncome, "500", day(6))
			e.Name = "Transferência recebida NUBANK"
			return e
		}(),
	}
	ws := wallets(map[ledger.WalletID]string{"w1": "Nubank", "w2": "Itaú"})

	res := ledger.NewTransferResolver().Resolve(entries, ws)

	assert.Equal(t, ledger.RuleName, res.Leg("out").Rule)
	assert.Equal(t, ledger.EntryID("inc"), res.Leg("out").CounterpartEntryID)
}

func TestResolve_NameHeuristicNeedsKeyword(t *testing.T) {
	entries := []ledger.Entry{
		transfer("out", "w1", "500", day(1), &ledger.TransferRef{Direction: ledger.DirectionOut}),
		func() ledger.Entry {
			e := entry("inc", "w2", ledger.KindIncome, "500", day(6))
			e.Name = "Nubank cashback"
			return e
		}(),
	}
	ws := wallets(map[ledger.WalletID]string{"w1": "Nubank", "w2": "Itaú"})

	res := ledger.NewTransferResolver().Resolve(entries, ws)

	assert.True(t, res.IsUnlinked("out"))
}

func TestResolve_IsPure(t *testing.T) {
	entries := []ledger.Entry{
		transfer("a", "w1", "10", day(1), nil),
		transfer("b", "w2", "10", day(1), nil),
		transfer("c", "w3", "10", day(2), nil),
	}
	r := ledger.NewTransferResolver()

	assert.Equal(t, r.Resolve(entries, nil), r.Resolve(entries, nil))
}
