/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates wallets and entries that exercise
	one part of the ledger: transfer resolution, anomaly diagnostics, or
	ERP webhook ingestion.

AVAILABLE SCENARIOS:

	transfer-pair:     Checking and savings with unlinked transfer legs
	duplicate-import:  Double import, an outlier, a misclassified payment
	erp-integration:   ERP wallet fed by webhooks, unfetched sales pending sync

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create wallets
 3. Insert entries (or deliver webhook events)
 4. Recompute every wallet so stored balances match the replay

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "duplicate-import"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Wallet and webhook handlers
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ingest"
	"github.com/warp/wallet-ledger/ledger"
)

const demoUser ledger.UserID = "demo-user"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "transfer-pair",
		Name:        "Transfer Pair",
		Description: "Checking and savings wallets whose transfer legs carry no counterpart",
		Category:    "transfers",
	},
	{
		ID:          "duplicate-import",
		Name:        "Duplicate Import",
		Description: "A statement imported twice, an outlier and a payment recorded as income",
		Category:    "diagnostics",
	},
	{
		ID:          "erp-integration",
		Name:        "ERP Integration",
		Description: "Gestão Click webhooks; sales the ERP API cannot serve stay as minimal records pending sync",
		Category:    "ingestion",
	},
}

// resetter is implemented by stores that can be wiped.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "transfer-pair":
		err = h.loadTransferPairScenario(r.Context())
	case "duplicate-import":
		err = h.loadDuplicateImportScenario(r.Context())
	case "erp-integration":
		err = h.loadERPIntegrationScenario(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioStart anchors scenario dates to the first day of last month.
func (h *Handler) scenarioStart() time.Time {
	now := h.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
}

func (h *Handler) loadTransferPairScenario(ctx context.Context) error {
	start := h.scenarioStart()
	checking := ledger.Wallet{ID: "demo-checking", UserID: demoUser, Name: "Conta corrente", Type: ledger.WalletChecking}
	savings := ledger.Wallet{ID: "demo-savings", UserID: demoUser, Name: "Poupança", Type: ledger.WalletSavings}
	if err := h.createWallets(ctx, checking, savings); err != nil {
		return err
	}

	inputs := []ledger.EntryInput{
		{WalletID: checking.ID, Kind: ledger.KindIncome, Amount: dec("5000"), OccurredAt: start.AddDate(0, 0, 4), Name: "Salário", Category: "Salário"},
		{WalletID: checking.ID, Kind: ledger.KindExpense, Amount: dec("1450.90"), OccurredAt: start.AddDate(0, 0, 9), Name: "Aluguel", Category: "Moradia"},
		// Out and in legs without counterparts; the resolver pairs them by
		// amount and time.
		{WalletID: checking.ID, Kind: ledger.KindTransfer, Amount: dec("1000"), OccurredAt: start.AddDate(0, 0, 10), Name: "Transferência para poupança",
			Meta: ledger.Provenance{Transfer: &ledger.TransferRef{Direction: ledger.DirectionOut}}},
		{WalletID: savings.ID, Kind: ledger.KindTransfer, Amount: dec("1000"), OccurredAt: start.AddDate(0, 0, 10).Add(3 * time.Hour), Name: "Transferência recebida",
			Meta: ledger.Provenance{Transfer: &ledger.TransferRef{Direction: ledger.DirectionIn}}},
		// Direction unknown on both sides; the earlier leg becomes the source.
		{WalletID: savings.ID, Kind: ledger.KindTransfer, Amount: dec("250"), OccurredAt: start.AddDate(0, 0, 20), Name: "Resgate poupança"},
		{WalletID: checking.ID, Kind: ledger.KindTransfer, Amount: dec("250"), OccurredAt: start.AddDate(0, 0, 21), Name: "Resgate poupança"},
		{WalletID: savings.ID, Kind: ledger.KindIncome, Amount: dec("6.12"), OccurredAt: start.AddDate(0, 0, 28), Name: "Rendimento", Category: "Rendimentos"},
	}
	if err := h.insertEntries(ctx, inputs); err != nil {
		return err
	}
	return h.recompute(ctx, checking.ID, savings.ID)
}

func (h *Handler) loadDuplicateImportScenario(ctx context.Context) error {
	start := h.scenarioStart()
	checking := ledger.Wallet{ID: "demo-checking", UserID: demoUser, Name: "Conta corrente", Type: ledger.WalletChecking}
	if err := h.createWallets(ctx, checking); err != nil {
		return err
	}

	statement := []ledger.EntryInput{
		{Kind: ledger.KindIncome, Amount: dec("4200"), OccurredAt: start.AddDate(0, 0, 4), Name: "Salário", Category: "Salário"},
		{Kind: ledger.KindExpense, Amount: dec("89.90"), OccurredAt: start.AddDate(0, 0, 6), Name: "Internet", Category: "Moradia"},
		{Kind: ledger.KindExpense, Amount: dec("312.45"), OccurredAt: start.AddDate(0, 0, 8), Name: "Supermercado", Category: "Alimentação"},
		{Kind: ledger.KindExpense, Amount: dec("120"), OccurredAt: start.AddDate(0, 0, 12), Name: "Farmácia", Category: "Saúde"},
		{Kind: ledger.KindExpense, Amount: dec("64.30"), OccurredAt: start.AddDate(0, 0, 15), Name: "Combustível", Category: "Transporte"},
	}
	// The same statement imported a second time.
	inputs := append(append([]ledger.EntryInput{}, statement...), statement[1:]...)
	inputs = append(inputs,
		ledger.EntryInput{Kind: ledger.KindExpense, Amount: dec("18900"), OccurredAt: start.AddDate(0, 0, 18), Name: "Compra cartão", Category: "Compras"},
		ledger.EntryInput{Kind: ledger.KindIncome, Amount: dec("350"), OccurredAt: start.AddDate(0, 0, 21), Name: "Pagamento boleto condomínio", Category: "Moradia"},
	)
	for i := range inputs {
		inputs[i].WalletID = checking.ID
	}
	if err := h.insertEntries(ctx, inputs); err != nil {
		return err
	}
	return h.recompute(ctx, checking.ID)
}

func (h *Handler) loadERPIntegrationScenario(ctx context.Context) error {
	if h.Reconciler == nil {
		return errors.New("webhook reconciler not configured")
	}
	start := h.scenarioStart()
	erp := ledger.Wallet{ID: "demo-erp", UserID: demoUser, Name: "Gestão Click", Type: ledger.WalletChecking, AllowNegative: true}
	if err := h.createWallets(ctx, erp); err != nil {
		return err
	}
	if err := h.Store.SetIntegrationWallet(ctx, demoUser, ingest.Source, erp.ID); err != nil {
		return err
	}

	day := func(d int) string { return start.AddDate(0, 0, d).Format("2006-01-02") }
	events := []struct {
		event string
		data  string
	}{
		{ingest.EventSaleCreated, fmt.Sprintf(`{"id":"1001","codigo":"1001","nome_cliente":"Padaria Central","data":%q,"valor_total":"600,00",
			"pagamentos":[{"pagamento":{"id":"p1","data_vencimento":%q,"valor":"300,00","liquidado":"1"}},
			              {"pagamento":{"id":"p2","data_vencimento":%q,"valor":"300,00"}}]}`, day(3), day(3), day(33))},
		{ingest.EventTransactionCreated, fmt.Sprintf(`{"id":"t-1","tipo":"despesa","descricao":"Aluguel loja","valor":"-1.800,00","nome_plano_conta":"Aluguel","data_vencimento":%q,"liquidado":1}`, day(9))},
		{ingest.EventTransactionCreated, fmt.Sprintf(`{"id":"t-2","tipo":"receita","descricao":"Rendimento aplicação","valor":"42,17","nome_plano_conta":"Rendimentos","data_vencimento":%q,"liquidado":1}`, day(27))},
		{ingest.EventSaleCreated, fmt.Sprintf(`{"id":"1002","amount":175.5,"description":"Venda balcão","data":%q}`, day(14))},
	}
	for _, ev := range events {
		env := ingest.Envelope{Event: ev.event, Data: json.RawMessage(ev.data), UserID: demoUser}
		if _, err := h.Reconciler.Handle(ctx, env); err != nil {
			return fmt.Errorf("deliver %s: %w", ev.event, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) createWallets(ctx context.Context, wallets ...ledger.Wallet) error {
	for _, w := range wallets {
		if err := h.Store.CreateWallet(ctx, w); err != nil {
			return fmt.Errorf("create wallet %s: %w", w.ID, err)
		}
	}
	return nil
}

func (h *Handler) insertEntries(ctx context.Context, inputs []ledger.EntryInput) error {
	for _, in := range inputs {
		if in.UserID == "" {
			in.UserID = demoUser
		}
		if in.Status == "" {
			in.Status = ledger.StatusPaid
		}
		e, err := ledger.NewEntry(in)
		if err != nil {
			return fmt.Errorf("entry %q: %w", in.Name, err)
		}
		if _, err := h.Store.InsertEntry(ctx, e); err != nil {
			return fmt.Errorf("insert %q: %w", in.Name, err)
		}
	}
	return nil
}

func (h *Handler) recompute(ctx context.Context, ids ...ledger.WalletID) error {
	_, err := h.Wallets.RecomputeAll(ctx, ids)
	return err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
