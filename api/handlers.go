/*
handlers.go - HTTP API handlers for the wallet ledger

PURPOSE:
  Exposes the ledger services via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the wallet service and the webhook
  reconciler.

ENDPOINTS:
  Wallets:
    GET    /api/wallets?userId=              List a user's wallets
    POST   /api/wallets                      Create wallet
    GET    /api/wallets/{id}/balance         Stored vs replayed balance
    GET    /api/wallets/{id}/entries         Entries in replay order
    POST   /api/wallets/{id}/entries         Record a manual posting
    GET    /api/wallets/{id}/audit           Audit trail
    POST   /api/wallets/{id}/recompute       Replay and store the balance
    POST   /api/wallets/{id}/diagnostics     Anomaly report
    POST   /api/wallets/{id}/repair          Apply findings, recompute

  Entries:
    DELETE /api/entries/{id}                 Void an entry

  Reconciliation:
    POST   /api/reconciliation/groups        Tag entries with a code
    GET    /api/reconciliation/groups/{code} Entries carrying the code

  Integration:
    POST   /api/webhooks/gestao-click        Webhook receiver
    POST   /api/sync/process-due             Retry due pending syncs
    PUT    /api/integrations/gestao-click    Set the user's ERP wallet
    GET    /api/notifications?userId=        User notifications

ERROR HANDLING:
  Errors are returned as JSON {error, details} with:
  - 400: Validation errors, invalid input, malformed webhook payloads
  - 404: Wallet, entry or pending sync not found
  - 409: Duplicate external id, optimistic-lock conflicts
  - 422: Posting would break the wallet floor
  - 500: Internal errors

SECURITY NOTE:
  No authentication. userId in requests scopes lookups to the user's own
  wallets but is not a credential.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-ledger/ingest"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/wallet"
)

const maxWebhookBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.Store
	Wallets    *wallet.Service
	Reconciler *ingest.Reconciler
	Syncer     *ingest.Syncer
	Log        logrus.FieldLogger
	Now        func() time.Time

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(store ledger.Store, wallets *wallet.Service, reconciler *ingest.Reconciler, syncer *ingest.Syncer, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Store:      store,
		Wallets:    wallets,
		Reconciler: reconciler,
		Syncer:     syncer,
		Log:        log,
		Now:        func() time.Time { return time.Now().UTC() },
		validate:   validator.New(),
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// ListWallets returns the wallets of one user.
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	wallets, err := h.Store.ListWallets(r.Context(), ledger.UserID(userID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list wallets", err)
		return
	}
	dtos := make([]WalletDTO, len(wallets))
	for i, wl := range wallets {
		dtos[i] = toWalletDTO(wl)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateWallet creates an empty wallet. Balances only change through
// entries.
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Type == "" {
		req.Type = string(ledger.WalletChecking)
	}
	wl := ledger.Wallet{
		ID:            ledger.WalletID(req.ID),
		UserID:        ledger.UserID(req.UserID),
		Name:          req.Name,
		Type:          ledger.WalletType(req.Type),
		AllowNegative: req.AllowNegative,
		DueDay:        req.DueDay,
		ClosingDay:    req.ClosingDay,
	}
	if req.CreditLimit != nil {
		if req.CreditLimit.IsNegative() {
			writeError(w, http.StatusBadRequest, "creditLimit must not be negative", nil)
			return
		}
		wl.CreditLimit = *req.CreditLimit
	}
	if err := h.Store.CreateWallet(r.Context(), wl); err != nil {
		writeServiceError(w, "Failed to create wallet", err)
		return
	}
	created, err := h.Store.GetWallet(r.Context(), wl.ID)
	if err != nil {
		writeServiceError(w, "Failed to load wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(created))
}

// GetBalance compares the stored balance with a fresh replay.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedWallet(w, r, r.URL.Query().Get("userId"))
	if !ok {
		return
	}
	view, err := h.Wallets.Balance(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetEntries returns a wallet's entries in replay order, voided ones
// included.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedWallet(w, r, r.URL.Query().Get("userId"))
	if !ok {
		return
	}
	entries, err := h.Wallets.Entries(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// RecordEntry stores a manual posting and recomputes the wallet.
func (h *Handler) RecordEntry(w http.ResponseWriter, r *http.Request) {
	var req RecordEntryRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	id, ok := h.ownedWallet(w, r, req.UserID)
	if !ok {
		return
	}

	occurredAt := h.Now()
	if req.OccurredAt != "" {
		t, err := ingest.ParseDate(req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurredAt", err)
			return
		}
		occurredAt = t
	}
	var paymentDate *time.Time
	if req.PaymentDate != "" {
		t, err := ingest.ParseDate(req.PaymentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paymentDate", err)
			return
		}
		paymentDate = &t
	}
	var meta ledger.Provenance
	if req.Transfer != nil {
		meta.Transfer = &ledger.TransferRef{
			Direction:           ledger.Direction(req.Transfer.Direction),
			CounterpartWalletID: ledger.WalletID(req.Transfer.CounterpartWalletID),
			CounterpartEntryID:  ledger.EntryID(req.Transfer.CounterpartEntryID),
		}
	}

	result, err := h.Wallets.Record(r.Context(), wallet.RecordRequest{
		EntryInput: ledger.EntryInput{
			ID:          ledger.EntryID(req.ID),
			WalletID:    id,
			UserID:      ledger.UserID(req.UserID),
			Kind:        ledger.Kind(req.Kind),
			Amount:      req.Amount,
			OccurredAt:  occurredAt,
			Name:        req.Name,
			Description: req.Description,
			Category:    req.Category,
			Status:      ledger.EntryStatus(req.Status),
			PaymentDate: paymentDate,
			Meta:        meta,
		},
		Actor: actorOr(req.Actor, req.UserID),
	})
	if err != nil {
		writeServiceError(w, "Failed to record entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordEntryResponse{Entry: toEntryDTO(result.Entry), Recompute: result.Recompute})
}

// VoidEntry voids an entry and recomputes the wallets of its account.
func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	id := ledger.EntryID(chi.URLParam(r, "id"))
	actor := actorOr(r.URL.Query().Get("actor"), "api")

	result, err := h.Wallets.Void(r.Context(), id, actor)
	if err != nil {
		writeServiceError(w, "Failed to void entry", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetAudit returns the audit trail of a wallet.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedWallet(w, r, r.URL.Query().Get("userId"))
	if !ok {
		return
	}
	entries, err := h.Store.ListAudit(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to list audit entries", err)
		return
	}
	dtos := make([]AuditDTO, len(entries))
	for i, a := range entries {
		dtos[i] = toAuditDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Recompute replays the wallet and stores the result.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	var req WalletScopedRequest
	if !h.decodeOptionalJSON(w, r, &req) {
		return
	}
	id, ok := h.ownedWallet(w, r, req.UserID)
	if !ok {
		return
	}
	result, err := h.Wallets.Recompute(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to recompute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// DIAGNOSTICS HANDLERS
// =============================================================================

// Diagnose returns the anomaly report of a wallet.
func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	var req DiagnosticsRequest
	if !h.decodeOptionalJSON(w, r, &req) {
		return
	}
	id, ok := h.ownedWallet(w, r, req.UserID)
	if !ok {
		return
	}
	report, err := h.Wallets.Diagnose(r.Context(), id, req.ExpectedBalance)
	if err != nil {
		writeServiceError(w, "Failed to diagnose wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Repair applies selected findings and returns the corrected balance.
func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	var req RepairRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	id, ok := h.ownedWallet(w, r, req.UserID)
	if !ok {
		return
	}
	result, err := h.Wallets.Repair(r.Context(), wallet.RepairRequest{
		WalletID:        id,
		ExpectedBalance: req.ExpectedBalance,
		FindingIDs:      req.FindingIDs,
		Actor:           req.Actor,
	})
	if err != nil {
		writeServiceError(w, "Failed to repair wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, RepairResponse{
		Report:    result.Report,
		Plan:      toPlanDTO(result.Plan),
		Balance:   result.Recompute.Balance,
		Recompute: result.Recompute,
		Related:   result.Related,
	})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// TagReconciliationGroup tags entries of one user with a reconciliation
// code.
func (h *Handler) TagReconciliationGroup(w http.ResponseWriter, r *http.Request) {
	var req ReconciliationGroupRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	ids := make([]ledger.EntryID, len(req.EntryIDs))
	for i, id := range req.EntryIDs {
		ids[i] = ledger.EntryID(id)
	}
	entries, err := h.Wallets.TagReconciliation(r.Context(), ledger.UserID(req.UserID), req.Code, ids, actorOr(req.Actor, req.UserID))
	if err != nil {
		writeServiceError(w, "Failed to tag entries", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationGroupDTO{Code: req.Code, Entries: toEntryDTOs(entries), Total: signedTotal(entries)})
}

// GetReconciliationGroup lists the entries tagged with a code.
func (h *Handler) GetReconciliationGroup(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	code := chi.URLParam(r, "code")
	entries, err := h.Wallets.ReconciliationGroup(r.Context(), ledger.UserID(userID), code)
	if err != nil {
		writeServiceError(w, "Failed to load reconciliation group", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationGroupDTO{Code: code, Entries: toEntryDTOs(entries), Total: signedTotal(entries)})
}

// =============================================================================
// INTEGRATION HANDLERS
// =============================================================================

// GestaoClickWebhook receives ERP events. Anything that parses is
// acknowledged with 200 so the producer does not retry; fetch failures end
// up as pending syncs.
func (h *Handler) GestaoClickWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	env, err := ingest.ParseEnvelope(body)
	if err != nil {
		h.Log.WithError(err).Warn("rejected webhook envelope")
		writeError(w, http.StatusBadRequest, "Invalid webhook payload", err)
		return
	}

	outcome, err := h.Reconciler.Handle(r.Context(), env)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformedPayload) {
			h.Log.WithError(err).WithField("event", env.Event).Warn("rejected webhook data")
			writeError(w, http.StatusBadRequest, "Invalid webhook payload", err)
			return
		}
		h.Log.WithError(err).WithField("event", env.Event).Error("webhook could not be recorded")
		writeError(w, http.StatusInternalServerError, "Failed to record webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ProcessDue retries pending syncs whose time has come. Meant to be called
// by an external scheduler.
func (h *Handler) ProcessDue(w http.ResponseWriter, r *http.Request) {
	var req ProcessDueRequest
	if !h.decodeOptionalJSON(w, r, &req) {
		return
	}
	report, err := h.Syncer.ProcessDue(r.Context(), h.Now(), req.Limit)
	if err != nil {
		writeServiceError(w, "Failed to process pending syncs", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SetIntegrationWallet routes a user's ERP records to one of their wallets.
func (h *Handler) SetIntegrationWallet(w http.ResponseWriter, r *http.Request) {
	var req IntegrationRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	wl, err := h.Store.GetWallet(r.Context(), ledger.WalletID(req.WalletID))
	if err != nil {
		writeServiceError(w, "Failed to load wallet", err)
		return
	}
	if wl.UserID != ledger.UserID(req.UserID) {
		writeError(w, http.StatusNotFound, "Wallet not found", ledger.ErrWalletNotFound)
		return
	}
	if err := h.Store.SetIntegrationWallet(r.Context(), wl.UserID, ingest.Source, wl.ID); err != nil {
		writeServiceError(w, "Failed to set integration wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "source": ingest.Source, "wallet_id": req.WalletID})
}

// ListNotifications returns a user's notifications, newest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	list, err := h.Store.ListNotifications(r.Context(), ledger.UserID(userID))
	if err != nil {
		writeServiceError(w, "Failed to list notifications", err)
		return
	}
	if list == nil {
		list = []ledger.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

// =============================================================================
// HELPERS
// =============================================================================

// ownedWallet reads the {id} URL parameter and, when userID is given,
// checks that the wallet belongs to that user. Foreign wallets are
// reported as not found.
func (h *Handler) ownedWallet(w http.ResponseWriter, r *http.Request, userID string) (ledger.WalletID, bool) {
	id := ledger.WalletID(chi.URLParam(r, "id"))
	wl, err := h.Store.GetWallet(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to load wallet", err)
		return "", false
	}
	if userID != "" && wl.UserID != ledger.UserID(userID) {
		writeError(w, http.StatusNotFound, "Wallet not found", ledger.ErrWalletNotFound)
		return "", false
	}
	return id, true
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func (h *Handler) decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func actorOr(actor, fallback string) string {
	if strings.TrimSpace(actor) != "" {
		return actor
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError picks the status from the error category.
func writeServiceError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrDuplicateExternalID), errors.Is(err, ledger.ErrPersistenceConflict):
		return http.StatusConflict
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsClientError(err), errors.Is(err, ingest.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
