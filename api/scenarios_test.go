/*
scenarios_test.go - Tests for demo scenario loading

Tests verify each scenario:
- Loads without error through the HTTP API
- Leaves every wallet with a stored balance equal to its replay
- Produces the anomalies it is meant to demonstrate
*/
package api_test

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/api"
	"github.com/warp/wallet-ledger/ingest"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/wallet"
)

func (s *testServer) load(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) balance(walletID string) wallet.BalanceView {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/wallets/"+walletID+"/balance", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[wallet.BalanceView](s.t, rec)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.ScenarioDTO](t, rec)
	require.Len(t, list, 3)

	for _, sc := range list {
		s.load(sc.ID)

		rec := s.do(http.MethodGet, "/api/wallets?userId=demo-user", nil)
		wallets := decode[[]api.WalletDTO](t, rec)
		require.NotEmpty(t, wallets, sc.ID)
		for _, w := range wallets {
			assert.True(t, s.balance(w.ID).InSync, "%s: wallet %s", sc.ID, w.ID)
		}

		rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
		assert.Equal(t, sc.ID, decode[api.ScenarioDTO](t, rec).ID)
	}
}

func TestScenario_LoadResetsPreviousData(t *testing.T) {
	// GIVEN: The duplicate-import scenario
	// WHEN: Loading transfer-pair afterwards
	// THEN: Only the transfer-pair entries remain

	s := newTestServer(t)
	s.load("duplicate-import")
	s.load("transfer-pair")

	rec := s.do(http.MethodGet, "/api/wallets/demo-checking/entries", nil)
	entries := decode[[]api.EntryDTO](t, rec)
	assert.Len(t, entries, 4)
}

func TestScenario_TransferPair(t *testing.T) {
	s := newTestServer(t)
	s.load("transfer-pair")

	checking := s.balance("demo-checking")
	savings := s.balance("demo-savings")

	// 5000 - 1450.90 - 1000 on checking; 1000 + 6.12 on savings, before the
	// 250 pair moves between them.
	total := checking.Replayed.Add(savings.Replayed)
	assert.True(t, total.Equal(decimal.RequireFromString("3555.22")), total.String())
	assert.True(t, checking.Totals.TransfersOut.GreaterThanOrEqual(decimal.NewFromInt(1000)))
	assert.True(t, savings.Totals.TransfersIn.GreaterThanOrEqual(decimal.NewFromInt(1000)))
}

func TestScenario_DuplicateImport(t *testing.T) {
	// GIVEN: A statement imported twice plus two suspicious entries
	// WHEN: Diagnosing without an expected balance
	// THEN: Four duplicates, the outlier and the misclassified payment are reported

	s := newTestServer(t)
	s.load("duplicate-import")

	rec := s.do(http.MethodPost, "/api/wallets/demo-checking/diagnostics", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[ledger.Report](t, rec)

	counts := map[ledger.FindingKind]int{}
	var mismatch ledger.Finding
	for _, f := range report.Findings {
		counts[f.Kind]++
		if f.Kind == ledger.FindingKindMismatch {
			mismatch = f
		}
	}
	assert.Equal(t, 4, counts[ledger.FindingDuplicate])
	assert.GreaterOrEqual(t, counts[ledger.FindingOutlier], 1)
	require.Equal(t, 1, counts[ledger.FindingKindMismatch])
	assert.Equal(t, ledger.KindExpense, mismatch.ProposedKind)

	// Repair with the default selection removes the duplicates only.
	before := s.balance("demo-checking").Replayed
	rec = s.do(http.MethodPost, "/api/wallets/demo-checking/repair", map[string]any{"actor": "demo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	repaired := decode[api.RepairResponse](t, rec)
	assert.Len(t, repaired.Plan.Voids, 4)
	assert.True(t, repaired.Balance.Sub(before).Equal(decimal.RequireFromString("586.65")))
}

func TestScenario_ERPIntegration(t *testing.T) {
	s := newTestServer(t)
	s.load("erp-integration")

	view := s.balance("demo-erp")
	// 600 + 175.50 in sales, -1800 rent, +42.17 yield
	assert.True(t, view.Replayed.Equal(decimal.RequireFromString("-982.33")), view.Replayed.String())

	rec := s.do(http.MethodGet, "/api/notifications?userId=demo-user", nil)
	notes := decode[[]ledger.Notification](t, rec)
	kinds := map[ledger.NotificationKind]int{}
	for _, n := range notes {
		kinds[n.Kind]++
	}
	assert.Equal(t, 2, kinds[ledger.NotifyMinimalRecord])

	for _, id := range []string{"1001", "1002"} {
		stub, err := s.store.GetPendingSync(t.Context(), ingest.Source, id)
		require.NoError(t, err)
		assert.Equal(t, ingest.EventSaleCreated, stub.Event)
	}
}

func TestScenario_UnknownAndReset(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.load("transfer-pair")
	rec = s.do(http.MethodPost, "/api/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/wallets?userId=demo-user", nil)
	assert.Empty(t, decode[[]api.WalletDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", string(bytesTrim(rec.Body.Bytes())))
}

func bytesTrim(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
