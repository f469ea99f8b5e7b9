package ledger_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
)

func TestPlanCorrections_RemoveAndReclassify(t *testing.T) {
	// GIVEN: A duplicate expense and a mis-typed income
	// WHEN: Planning both findings
	// THEN: Two voids, one replacement, projected balance reflects both

	w := ledger.Wallet{ID: "w1"}
	inc := entry("inc", "w1", ledger.KindIncome, "20", day(4))
	inc.Name = "Pagamento fornecedor"
	entries := []ledger.Entry{
		entry("d", "w1", ledger.KindDeposit, "300", day(1)),
		entry("a", "w1", ledger.KindExpense, "50", day(2)),
		entry("b", "w1", ledger.KindExpense, "50", day(2)),
		inc,
	}
	report := diagnose(t, ledger.DefaultDiagnosticsConfig(), w, entries, nil)
	require.True(t, report.ReplayedBalance.Equal(money("220")))

	plan, err := ledger.PlanCorrections(report, entries, []string{"duplicate:b", "kind_mismatch:inc"})

	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{"b", "inc"}, plan.Voids)
	require.Len(t, plan.Replacements, 1)
	assert.Equal(t, ledger.EntryID("inc"), plan.Replacements[0].Replaces)
	assert.Equal(t, ledger.KindExpense, plan.Replacements[0].Entry.Kind)
	assert.NotEqual(t, ledger.EntryID("inc"), plan.Replacements[0].Entry.ID)
	assert.True(t, plan.ProjectedBalance.Equal(money("230")), "got %s", plan.ProjectedBalance)
	assert.Len(t, plan.Applied, 2)
}

func TestPlanCorrections_UnknownFindingFails(t *testing.T) {
	report := ledger.Report{WalletID: "w1"}

	_, err := ledger.PlanCorrections(report, nil, []string{"duplicate:nope"})

	assert.True(t, errors.Is(err, ledger.ErrFindingNotFound))
	assert.True(t, ledger.IsClientError(err))
}

func TestPlanCorrections_SkipsReviewAndDoubleTouch(t *testing.T) {
	// GIVEN: An entry that is both a duplicate and the discrepancy match
	// WHEN: Selecting both findings
	// THEN: The first applies, the second is skipped

	w := ledger.Wallet{ID: "w1"}
	entries := []ledger.Entry{
		entry("d", "w1", ledger.KindDeposit, "100", day(1)),
		entry("a", "w1", ledger.KindIncome, "10", day(2)),
		entry("b", "w1", ledger.KindIncome, "10", day(2)),
		transfer("t", "w1", "5", day(3), nil),
	}
	report := diagnose(t, ledger.DefaultDiagnosticsConfig(), w, entries, nil)
	report2 := diagnose(t, ledger.DefaultDiagnosticsConfig(), w, entries, ptr(report.ReplayedBalance.Sub(money("10"))))

	plan, err := ledger.PlanCorrections(report2, entries, []string{"discrepancy:b", "duplicate:b", "unlinked_transfer:t"})

	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{"b"}, plan.Voids)
	require.Len(t, plan.Skipped, 2)
	assert.Equal(t, ledger.FindingDuplicate, plan.Skipped[0].Kind)
	assert.Equal(t, ledger.FindingUnlinked, plan.Skipped[1].Kind)
	assert.True(t, plan.ProjectedBalance.Equal(money("105")))
}

func TestDefaultSelection(t *testing.T) {
	w := ledger.Wallet{ID: "w1"}
	entries := []ledger.Entry{
		entry("d", "w1", ledger.KindDeposit, "100", day(1)),
		entry("a", "w1", ledger.KindExpense, "10", day(2)),
		entry("b", "w1", ledger.KindExpense, "10", day(2)),
	}

	// No expected balance: every duplicate.
	report := diagnose(t, ledger.DefaultDiagnosticsConfig(), w, entries, nil)
	assert.Equal(t, []string{"duplicate:b"}, ledger.DefaultSelection(report))

	// Expected balance: primary discrepancy finding only.
	report = diagnose(t, ledger.DefaultDiagnosticsConfig(), w, entries, ptr(money("90")))
	assert.Equal(t, []string{"discrepancy:a"}, ledger.DefaultSelection(report))

	plan, err := ledger.PlanCorrections(report, entries, ledger.DefaultSelection(report))
	require.NoError(t, err)
	assert.True(t, plan.ProjectedBalance.Equal(money("90")))
	assert.False(t, plan.IsEmpty())
}
