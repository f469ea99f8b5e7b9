package wallet_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/store"
	"github.com/warp/wallet-ledger/notify"
	"github.com/warp/wallet-ledger/wallet"
)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(d int) time.Time { return time.Date(2024, 1, d, 12, 0, 0, 0, time.UTC) }

type fixture struct {
	store *store.Memory
	svc   *wallet.Service
	hook  *test.Hook
}

func newFixture(t *testing.T, wallets ...ledger.Wallet) fixture {
	t.Helper()
	mem := store.NewMemory()
	for _, w := range wallets {
		if w.UserID == "" {
			w.UserID = "user-1"
		}
		require.NoError(t, mem.CreateWallet(context.Background(), w))
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return fixture{store: mem, svc: wallet.NewService(mem, wallet.DefaultConfig(), nil, logger), hook: hook}
}

func (f fixture) insert(t *testing.T, id string, w ledger.WalletID, kind ledger.Kind, amount string, at time.Time) ledger.Entry {
	t.Helper()
	e, err := ledger.NewEntry(ledger.EntryInput{
		ID: ledger.EntryID(id), WalletID: w, UserID: "user-1", Kind: kind, Amount: money(amount), OccurredAt: at,
	})
	require.NoError(t, err)
	saved, err := f.store.InsertEntry(context.Background(), e)
	require.NoError(t, err)
	return saved
}

// =============================================================================
// RECOMPUTE
// =============================================================================

func TestRecompute_WritesReplayedBalance(t *testing.T) {
	// GIVEN: Deposit 500, expense 200, unlinked transfer 100
	// WHEN: Recomputing
	// THEN: Balance 200 is stored, version bumped, audit written

	ctx := context.Background()
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta", AllowNegative: true})
	f.insert(t, "d", "w1", ledger.KindDeposit, "500", day(1))
	f.insert(t, "e", "w1", ledger.KindExpense, "200", day(2))
	f.insert(t, "t", "w1", ledger.KindTransfer, "100", day(3))

	result, err := f.svc.Recompute(ctx, "w1")

	require.NoError(t, err)
	assert.True(t, result.Balance.Equal(money("200")))
	assert.True(t, result.Changed)
	assert.Equal(t, int64(1), result.Version)
	assert.Equal(t, []ledger.EntryID{"t"}, result.Unresolved)

	w, err := f.store.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(money("200")))

	audit, err := f.store.ListAudit(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, ledger.AuditBalanceRecomputed, audit[0].Action)

	// Second run: nothing changes, no write.
	again, err := f.svc.Recompute(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, int64(1), again.Version)
}

// conflictStore fails the first n balance writes with a version conflict.
type conflictStore struct {
	ledger.Store
	remaining int
}

func (c *conflictStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return c.Store.WithTx(ctx, func(tx ledger.Store) error {
		return fn(&conflictTx{Store: tx, parent: c})
	})
}

type conflictTx struct {
	ledger.Store
	parent *conflictStore
}

func (c *conflictTx) UpdateWalletBalance(ctx context.Context, id ledger.WalletID, b decimal.Decimal, v int64) (int64, error) {
	if c.parent.remaining > 0 {
		c.parent.remaining--
		return 0, ledger.ErrPersistenceConflict
	}
	return c.Store.UpdateWalletBalance(ctx, id, b, v)
}

func TestRecompute_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		conflicts int
		wantErr   bool
		attempts  int
	}{
		{"succeeds on third attempt", 2, false, 3},
		{"gives up after max attempts", 3, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			require.NoError(t, mem.CreateWallet(ctx, ledger.Wallet{ID: "w1", UserID: "user-1", Name: "Conta"}))
			e, err := ledger.NewEntry(ledger.EntryInput{ID: "d", WalletID: "w1", UserID: "user-1", Kind: ledger.KindDeposit, Amount: money("10")})
			require.NoError(t, err)
			_, err = mem.InsertEntry(ctx, e)
			require.NoError(t, err)

			cs := &conflictStore{Store: mem, remaining: tt.conflicts}
			logger, _ := test.NewNullLogger()
			svc := wallet.NewService(cs, wallet.DefaultConfig(), nil, logger)

			result, err := svc.Recompute(ctx, "w1")

			if tt.wantErr {
				assert.True(t, errors.Is(err, ledger.ErrPersistenceConflict))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.attempts, result.Attempts)
			assert.True(t, result.Balance.Equal(money("10")))
		})
	}
}

func TestRecompute_ReplayFailureKeepsStoredBalance(t *testing.T) {
	// GIVEN: A stored balance and an entry with an unknown kind
	// WHEN: Recomputing
	// THEN: The replay error surfaces, the balance is untouched, an alert is logged

	ctx := context.Background()
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta"})
	_, err := f.store.UpdateWalletBalance(ctx, "w1", money("42"), 0)
	require.NoError(t, err)
	f.insert(t, "d", "w1", ledger.KindDeposit, "10", day(1))
	_, err = f.store.InsertEntry(ctx, ledger.Entry{
		ID: "x", WalletID: "w1", UserID: "user-1", Kind: "refund", Amount: money("5"),
		OccurredAt: day(2), Status: ledger.StatusPaid,
	})
	require.NoError(t, err)

	_, err = f.svc.Recompute(ctx, "w1")

	var replayErr *ledger.ReplayError
	require.True(t, errors.As(err, &replayErr))
	assert.Equal(t, ledger.EntryID("x"), replayErr.EntryID)

	w, err := f.store.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(money("42")))
	require.NotNil(t, f.hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, f.hook.LastEntry().Level)
}

func TestRecomputeAll_TransferPairAcrossWallets(t *testing.T) {
	// GIVEN: An outgoing transfer naming the destination wallet
	// WHEN: Recomputing both wallets
	// THEN: Source -100, destination +100 via the virtual leg

	ctx := context.Background()
	f := newFixture(t,
		ledger.Wallet{ID: "w1", Name: "Itaú", AllowNegative: true},
		ledger.Wallet{ID: "w2", Name: "Nubank", AllowNegative: true},
	)
	e, err := ledger.NewEntry(ledger.EntryInput{
		ID: "t", WalletID: "w1", UserID: "user-1", Kind: ledger.KindTransfer, Amount: money("100"), OccurredAt: day(1),
		Meta: ledger.Provenance{Transfer: &ledger.TransferRef{Direction: ledger.DirectionOut, CounterpartWalletID: "w2"}},
	})
	require.NoError(t, err)
	_, err = f.store.InsertEntry(ctx, e)
	require.NoError(t, err)

	results, err := f.svc.RecomputeAll(ctx, []ledger.WalletID{"w2", "w1", "w2", ""})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Balance.Equal(money("-100")))
	assert.True(t, results[1].Balance.Equal(money("100")))
	assert.True(t, results[0].Balance.Add(results[1].Balance).IsZero())
}

// =============================================================================
// DIAGNOSE & REPAIR
// =============================================================================

func TestRepair_RemovesDuplicateAndRecomputes(t *testing.T) {
	// GIVEN: A duplicated expense
	// WHEN: Repairing with the default selection
	// THEN: The later duplicate is voided and the balance corrected

	ctx := context.Background()
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta"})
	f.insert(t, "d", "w1", ledger.KindDeposit, "300", day(1))
	f.insert(t, "a", "w1", ledger.KindExpense, "50", day(2))
	f.insert(t, "b", "w1", ledger.KindExpense, "50", day(2))

	report, err := f.svc.Diagnose(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ledger.FindingDuplicate))

	result, err := f.svc.Repair(ctx, wallet.RepairRequest{WalletID: "w1", Actor: "ops"})

	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{"b"}, result.Plan.Voids)
	assert.True(t, result.Recompute.Balance.Equal(money("250")))

	b, err := f.store.GetEntry(ctx, "b")
	require.NoError(t, err)
	assert.True(t, b.IsVoided())

	audit, err := f.store.ListAudit(ctx, "w1")
	require.NoError(t, err)
	var actions []ledger.AuditAction
	for _, a := range audit {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, ledger.AuditCorrectionApplied)
}

func TestRepair_ReclassifySupersedes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta"})
	f.insert(t, "d", "w1", ledger.KindDeposit, "100", day(1))
	inc := f.insert(t, "x", "w1", ledger.KindIncome, "20", day(2))

	// Expected 80: the 20 income should have been an expense.
	expected := money("80")
	result, err := f.svc.Repair(ctx, wallet.RepairRequest{
		WalletID: "w1", ExpectedBalance: &expected, FindingIDs: []string{"discrepancy:x"}, Actor: "ops",
	})

	require.NoError(t, err)
	require.Len(t, result.Plan.Replacements, 1)
	assert.True(t, result.Recompute.Balance.Equal(expected))

	old, err := f.store.GetEntry(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Plan.Replacements[0].Entry.ID, old.Meta.SupersededBy)
}

func TestDiagnose_DriftNotifiedOncePerVersion(t *testing.T) {
	// GIVEN: A wallet whose stored balance lags the replay
	// WHEN: Diagnosing twice, then again after the balance moved on
	// THEN: One drift notification per stored version

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWallet(ctx, ledger.Wallet{ID: "w1", UserID: "user-1", Name: "Conta", AllowNegative: true}))
	logger, _ := test.NewNullLogger()
	svc := wallet.NewService(mem, wallet.DefaultConfig(), notify.NewStore(mem), logger)
	f := fixture{store: mem, svc: svc}
	f.insert(t, "d", "w1", ledger.KindDeposit, "100", day(1))

	_, err := svc.Diagnose(ctx, "w1", nil)
	require.NoError(t, err)
	_, err = svc.Diagnose(ctx, "w1", nil)
	require.NoError(t, err)

	sent, err := mem.ListNotifications(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	_, err = mem.UpdateWalletBalance(ctx, "w1", money("10"), 0)
	require.NoError(t, err)
	_, err = svc.Diagnose(ctx, "w1", nil)
	require.NoError(t, err)

	sent, err = mem.ListNotifications(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, sent, 2)
}

func TestRepair_UnknownFinding(t *testing.T) {
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta"})

	_, err := f.svc.Repair(context.Background(), wallet.RepairRequest{WalletID: "w1", FindingIDs: []string{"duplicate:zz"}})

	assert.True(t, ledger.IsClientError(err))
}

// =============================================================================
// RECORD / VOID / RECONCILIATION
// =============================================================================

func TestRecord_EnforcesFloor(t *testing.T) {
	// GIVEN: A wallet with 100 and a credit limit of 50
	// WHEN: Recording an expense of 200, then one of 120
	// THEN: The first is rejected, the second accepted (balance -20)

	ctx := context.Background()
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta", CreditLimit: money("50")})
	f.insert(t, "d", "w1", ledger.KindDeposit, "100", day(1))

	_, err := f.svc.Record(ctx, wallet.RecordRequest{EntryInput: ledger.EntryInput{
		WalletID: "w1", Kind: ledger.KindExpense, Amount: money("200"), OccurredAt: day(2),
	}})
	assert.True(t, errors.Is(err, ledger.ErrInsufficientFunds))

	result, err := f.svc.Record(ctx, wallet.RecordRequest{EntryInput: ledger.EntryInput{
		WalletID: "w1", Kind: ledger.KindExpense, Amount: money("120"), OccurredAt: day(2),
	}, Actor: "ana"})
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("user-1"), result.Entry.UserID)
	require.Len(t, result.Recompute, 1)
	assert.True(t, result.Recompute[0].Balance.Equal(money("-20")))
}

func TestVoid_RecomputesWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta"})
	f.insert(t, "d", "w1", ledger.KindDeposit, "100", day(1))
	f.insert(t, "e", "w1", ledger.KindExpense, "30", day(2))

	results, err := f.svc.Void(ctx, "e", "ana")

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Balance.Equal(money("100")))

	audit, err := f.store.ListAudit(ctx, "w1")
	require.NoError(t, err)
	var actions []ledger.AuditAction
	for _, a := range audit {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, ledger.AuditEntryVoided)
	assert.NotContains(t, actions, ledger.AuditEntrySuperseded)

	_, err = f.svc.Void(ctx, "missing", "ana")
	assert.True(t, ledger.IsNotFound(err))
}

func TestVoid_RecomputesCounterpartWallet(t *testing.T) {
	// GIVEN: A recorded transfer of 100 from a to b, naming b explicitly
	// WHEN: Voiding the transfer
	// THEN: b is recomputed too; its stored balance matches the replay

	ctx := context.Background()
	f := newFixture(t,
		ledger.Wallet{ID: "a", Name: "Itaú", AllowNegative: true},
		ledger.Wallet{ID: "b", Name: "Nubank"},
	)
	recorded, err := f.svc.Record(ctx, wallet.RecordRequest{EntryInput: ledger.EntryInput{
		WalletID: "a", Kind: ledger.KindTransfer, Amount: money("100"), OccurredAt: day(1),
		Meta: ledger.Provenance{Transfer: &ledger.TransferRef{Direction: ledger.DirectionOut, CounterpartWalletID: "b"}},
	}})
	require.NoError(t, err)
	require.Len(t, recorded.Recompute, 2)

	results, err := f.svc.Void(ctx, recorded.Entry.ID, "ana")

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ledger.WalletID("a"), results[0].WalletID)
	for _, id := range []ledger.WalletID{"a", "b"} {
		view, err := f.svc.Balance(ctx, id)
		require.NoError(t, err)
		assert.True(t, view.Stored.IsZero(), "wallet %s stored %s", id, view.Stored)
		assert.True(t, view.InSync, "wallet %s", id)
	}
}

func TestRecord_LooseLegFlipsOtherWallet(t *testing.T) {
	// GIVEN: A loose transfer leg of 40 in b, stored as an outgoing leg
	// WHEN: Recording a matching outgoing leg in a
	// THEN: b's leg becomes incoming and b is recomputed to +40

	ctx := context.Background()
	f := newFixture(t,
		ledger.Wallet{ID: "a", Name: "Itaú", AllowNegative: true},
		ledger.Wallet{ID: "b", Name: "Nubank", AllowNegative: true},
	)
	f.insert(t, "loose", "b", ledger.KindTransfer, "40", day(2))
	_, err := f.svc.RecomputeAccount(ctx, "user-1")
	require.NoError(t, err)

	_, err = f.svc.Record(ctx, wallet.RecordRequest{EntryInput: ledger.EntryInput{
		WalletID: "a", Kind: ledger.KindTransfer, Amount: money("40"), OccurredAt: day(2),
		Meta: ledger.Provenance{Transfer: &ledger.TransferRef{Direction: ledger.DirectionOut}},
	}})
	require.NoError(t, err)

	view, err := f.svc.Balance(ctx, "b")
	require.NoError(t, err)
	assert.True(t, view.Stored.Equal(money("40")), "stored %s", view.Stored)
	assert.True(t, view.InSync)
}

func TestTagReconciliation(t *testing.T) {
	// GIVEN: Two entries
	// WHEN: Tagging them under one code
	// THEN: Both are reconciled, the group lists them, balance unchanged

	ctx := context.Background()
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta"})
	f.insert(t, "a", "w1", ledger.KindDeposit, "10", day(1))
	f.insert(t, "b", "w1", ledger.KindDeposit, "20", day(2))
	before, err := f.svc.Balance(ctx, "w1")
	require.NoError(t, err)

	tagged, err := f.svc.TagReconciliation(ctx, "user-1", "REC-7", []ledger.EntryID{"a", "b"}, "ana")
	require.NoError(t, err)
	assert.Len(t, tagged, 2)

	group, err := f.svc.ReconciliationGroup(ctx, "user-1", "REC-7")
	require.NoError(t, err)
	assert.Len(t, group, 2)
	assert.True(t, group[0].Reconciled)

	after, err := f.svc.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, before.Replayed.Equal(after.Replayed))

	_, err = f.svc.TagReconciliation(ctx, "user-2", "REC-8", []ledger.EntryID{"a"}, "eve")
	assert.True(t, ledger.IsNotFound(err))
	_, err = f.svc.TagReconciliation(ctx, "user-1", "", []ledger.EntryID{"a"}, "eve")
	assert.True(t, ledger.IsClientError(err))
}

func TestBalance_ReportsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Wallet{ID: "w1", Name: "Conta"})
	f.insert(t, "d", "w1", ledger.KindDeposit, "100", day(1))

	view, err := f.svc.Balance(ctx, "w1")

	require.NoError(t, err)
	assert.False(t, view.InSync)
	assert.True(t, view.Drift.Equal(money("-100")))
	assert.Len(t, view.Steps, 1)
}
