package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedWallet(t *testing.T, store *sqlite.Store, id ledger.WalletID) ledger.Wallet {
	t.Helper()
	w := ledger.Wallet{ID: id, UserID: "user-1", Name: "Conta " + string(id), Type: ledger.WalletChecking}
	require.NoError(t, store.CreateWallet(context.Background(), w))
	return w
}

func TestSQLite_EntryRoundTrip(t *testing.T) {
	// GIVEN: A wallet and an entry with full provenance
	// WHEN: Inserting and reading it back
	// THEN: Every field survives, the sequence is assigned

	ctx := context.Background()
	store := newStore(t)
	seedWallet(t, store, "w1")

	paid := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	in := ledger.Entry{
		ID:          "e1",
		WalletID:    "w1",
		UserID:      "user-1",
		Kind:        ledger.KindTransfer,
		Amount:      decimal.RequireFromString("123.45"),
		OccurredAt:  time.Date(2024, 3, 1, 10, 30, 0, 123, time.UTC),
		Name:        "Transferência",
		Status:      ledger.StatusPaid,
		PaymentDate: &paid,
		Meta: ledger.Provenance{
			Source:     "gestao_click",
			ExternalID: "transaction:9",
			Transfer:   &ledger.TransferRef{Direction: ledger.DirectionOut, CounterpartWalletID: "w2"},
		},
	}

	saved, err := store.InsertEntry(ctx, in)
	require.NoError(t, err)
	assert.Positive(t, saved.Sequence)

	got, err := store.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(in.Amount))
	assert.True(t, got.OccurredAt.Equal(in.OccurredAt))
	require.NotNil(t, got.PaymentDate)
	assert.True(t, got.PaymentDate.Equal(paid))
	require.NotNil(t, got.Meta.Transfer)
	assert.Equal(t, ledger.WalletID("w2"), got.Meta.Transfer.CounterpartWalletID)
	assert.Equal(t, saved.Sequence, got.Sequence)

	byKey, err := store.FindByExternalKey(ctx, ledger.ExternalKey{Source: "gestao_click", ExternalID: "transaction:9"})
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryID("e1"), byKey.ID)
}

func TestSQLite_ExternalKeyUniqueAmongActiveEntries(t *testing.T) {
	// GIVEN: An active entry holding an external key
	// WHEN: Inserting a second entry with the same key, then voiding the first
	// THEN: The first insert fails, after voiding it succeeds (supersede)

	ctx := context.Background()
	store := newStore(t)
	seedWallet(t, store, "w1")

	e := ledger.Entry{
		ID: "e1", WalletID: "w1", Kind: ledger.KindDeposit, Amount: decimal.NewFromInt(50),
		OccurredAt: time.Now(), Status: ledger.StatusPaid,
		Meta: ledger.Provenance{Source: "gestao_click", ExternalID: "sale:S1:single"},
	}
	_, err := store.InsertEntry(ctx, e)
	require.NoError(t, err)

	dup := e
	dup.ID = "e2"
	_, err = store.InsertEntry(ctx, dup)
	assert.True(t, errors.Is(err, ledger.ErrDuplicateExternalID), "got %v", err)

	require.NoError(t, store.VoidEntry(ctx, "e1", "e2"))
	_, err = store.InsertEntry(ctx, dup)
	require.NoError(t, err)

	old, err := store.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, old.IsVoided())
	assert.Equal(t, ledger.EntryID("e2"), old.Meta.SupersededBy)
}

func TestSQLite_OptimisticBalanceUpdate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedWallet(t, store, "w1")

	v, err := store.UpdateWalletBalance(ctx, "w1", decimal.NewFromInt(10), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = store.UpdateWalletBalance(ctx, "w1", decimal.NewFromInt(20), 0)
	assert.True(t, errors.Is(err, ledger.ErrPersistenceConflict))

	_, err = store.UpdateWalletBalance(ctx, "missing", decimal.NewFromInt(20), 0)
	assert.True(t, errors.Is(err, ledger.ErrWalletNotFound))

	w, err := store.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(10)))
}

func TestSQLite_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedWallet(t, store, "w1")

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.InsertEntry(ctx, ledger.Entry{
			ID: "e1", WalletID: "w1", Kind: ledger.KindExpense, Amount: decimal.NewFromInt(1),
			OccurredAt: time.Now(), Status: ledger.StatusPaid,
		})
		require.NoError(t, err)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = store.GetEntry(ctx, "e1")
	assert.True(t, errors.Is(err, ledger.ErrEntryNotFound))
}

func TestSQLite_PendingSyncsDueOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"S1", "S2", "S3"} {
		require.NoError(t, store.UpsertPendingSync(ctx, ledger.PendingSync{
			ID: "p-" + id, Source: "gestao_click", ExternalID: id,
			NextRunAt: now.Add(time.Duration(i-1) * time.Hour),
			Payload:   []byte(`{"id":"` + id + `"}`),
		}))
	}

	due, err := store.ListDuePendingSyncs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "S1", due[0].ExternalID)
	assert.JSONEq(t, `{"id":"S1"}`, string(due[0].Payload))

	// Upsert keeps one row per key.
	require.NoError(t, store.UpsertPendingSync(ctx, ledger.PendingSync{
		ID: "p-other", Source: "gestao_click", ExternalID: "S1", Attempts: 3, NextRunAt: now.Add(time.Hour),
	}))
	p, err := store.GetPendingSync(ctx, "gestao_click", "S1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, "p-S1", p.ID)

	require.NoError(t, store.DeletePendingSync(ctx, "gestao_click", "S2"))
	due, err = store.ListDuePendingSyncs(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSQLite_AccountEntriesAndSideTables(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedWallet(t, store, "w1")
	seedWallet(t, store, "w2")
	require.NoError(t, store.CreateWallet(ctx, ledger.Wallet{ID: "other", UserID: "user-2", Name: "x"}))

	for i, w := range []ledger.WalletID{"w1", "w2", "other"} {
		_, err := store.InsertEntry(ctx, ledger.Entry{
			ID: ledger.EntryID("e" + string(w)), WalletID: w, UserID: "user-1", Kind: ledger.KindIncome,
			Amount: decimal.NewFromInt(int64(i + 1)), OccurredAt: time.Now(), Status: ledger.StatusPaid,
			ReconciliationCode: "REC-1",
		})
		require.NoError(t, err)
	}

	entries, err := store.ListAccountEntries(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	tagged, err := store.ListByReconciliationCode(ctx, "user-1", "REC-1")
	require.NoError(t, err)
	assert.Len(t, tagged, 3)

	require.NoError(t, store.SetIntegrationWallet(ctx, "user-1", "gestao_click", "w2"))
	id, err := store.GetIntegrationWallet(ctx, "user-1", "gestao_click")
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletID("w2"), id)
	_, err = store.GetIntegrationWallet(ctx, "user-9", "gestao_click")
	assert.True(t, ledger.IsNotFound(err))

	require.NoError(t, store.CreateNotification(ctx, ledger.Notification{
		ID: "n1", UserID: "user-1", Kind: ledger.NotifyPartialFailure, Title: "t", Message: "m",
		Data: map[string]any{"sale_id": "S1"}, CreatedAt: time.Now(),
	}))
	notes, err := store.ListNotifications(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "S1", notes[0].Data["sale_id"])

	require.NoError(t, store.AppendAudit(ctx, ledger.AuditEntry{
		ID: "a1", Timestamp: time.Now(), Actor: "tester", Action: ledger.AuditCorrectionApplied, WalletID: "w1",
	}))
	audit, err := store.ListAudit(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	require.NoError(t, store.Reset(ctx))
	entries, err = store.ListAccountEntries(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
