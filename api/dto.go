/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

  Request bodies follow the webhook producer's camelCase (userId,
  expectedBalance); responses use snake_case.

VALIDATION:
  Request types carry go-playground/validator tags, checked by decodeJSON
  before a handler sees the value.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/wallet"
)

// =============================================================================
// WALLETS
// =============================================================================

type WalletDTO struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Balance       decimal.Decimal `json:"balance"`
	AllowNegative bool            `json:"allow_negative"`
	CreditLimit   decimal.Decimal `json:"credit_limit"`
	DueDay        int             `json:"due_day,omitempty"`
	ClosingDay    int             `json:"closing_day,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     string          `json:"created_at,omitempty"`
}

type CreateWalletRequest struct {
	ID            string           `json:"id"`
	UserID        string           `json:"userId" validate:"required"`
	Name          string           `json:"name" validate:"required"`
	Type          string           `json:"type" validate:"omitempty,oneof=checking savings cash credit_card investment other"`
	AllowNegative bool             `json:"allowNegative"`
	CreditLimit   *decimal.Decimal `json:"creditLimit"`
	DueDay        int              `json:"dueDay" validate:"min=0,max=31"`
	ClosingDay    int              `json:"closingDay" validate:"min=0,max=31"`
}

type WalletScopedRequest struct {
	UserID string `json:"userId"`
}

// =============================================================================
// ENTRIES
// =============================================================================

type EntryDTO struct {
	ID                 string            `json:"id"`
	WalletID           string            `json:"wallet_id"`
	UserID             string            `json:"user_id"`
	Kind               string            `json:"kind"`
	Amount             decimal.Decimal   `json:"amount"`
	OccurredAt         string            `json:"occurred_at"`
	Sequence           int64             `json:"sequence"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Category           string            `json:"category,omitempty"`
	Status             string            `json:"status"`
	PaymentDate        *string           `json:"payment_date,omitempty"`
	Reconciled         bool              `json:"reconciled"`
	ReconciliationCode string            `json:"reconciliation_code,omitempty"`
	Meta               ledger.Provenance `json:"metadata"`
}

type RecordEntryRequest struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId" validate:"required"`
	Kind        string           `json:"kind" validate:"required,oneof=expense income deposit investment transfer"`
	Amount      decimal.Decimal  `json:"amount"`
	OccurredAt  string           `json:"occurredAt"`
	Name        string           `json:"name" validate:"required"`
	Description string           `json:"description"`
	Category    string           `json:"category"`
	Status      string           `json:"status" validate:"omitempty,oneof=pending paid"`
	PaymentDate string           `json:"paymentDate"`
	Transfer    *TransferRequest `json:"transfer"`
	Actor       string           `json:"actor"`
}

type TransferRequest struct {
	Direction           string `json:"direction" validate:"omitempty,oneof=in out"`
	CounterpartWalletID string `json:"counterpartWalletId"`
	CounterpartEntryID  string `json:"counterpartEntryId"`
}

type RecordEntryResponse struct {
	Entry     EntryDTO                 `json:"entry"`
	Recompute []wallet.RecomputeResult `json:"recompute"`
}

// =============================================================================
// DIAGNOSTICS & REPAIR
// =============================================================================

type DiagnosticsRequest struct {
	UserID          string           `json:"userId"`
	ExpectedBalance *decimal.Decimal `json:"expectedBalance"`
}

type RepairRequest struct {
	UserID          string           `json:"userId"`
	ExpectedBalance *decimal.Decimal `json:"expectedBalance"`
	FindingIDs      []string         `json:"findingIds"`
	Actor           string           `json:"actor" validate:"required"`
}

type ReplacementDTO struct {
	Replaces string   `json:"replaces"`
	Entry    EntryDTO `json:"entry"`
}

type PlanDTO struct {
	Voids            []string         `json:"voids"`
	Replacements     []ReplacementDTO `json:"replacements"`
	Applied          []ledger.Finding `json:"applied"`
	Skipped          []ledger.Finding `json:"skipped,omitempty"`
	ProjectedBalance decimal.Decimal  `json:"projected_balance"`
}

type RepairResponse struct {
	Report    ledger.Report            `json:"report"`
	Plan      PlanDTO                  `json:"plan"`
	Balance   decimal.Decimal          `json:"corrected_balance"`
	Recompute wallet.RecomputeResult   `json:"recompute"`
	Related   []wallet.RecomputeResult `json:"related,omitempty"`
}

// =============================================================================
// RECONCILIATION, SYNC, INTEGRATIONS
// =============================================================================

type ReconciliationGroupRequest struct {
	UserID   string   `json:"userId" validate:"required"`
	Code     string   `json:"code" validate:"required"`
	EntryIDs []string `json:"entryIds" validate:"required,min=1,dive,required"`
	Actor    string   `json:"actor"`
}

type ReconciliationGroupDTO struct {
	Code    string          `json:"code"`
	Entries []EntryDTO      `json:"entries"`
	Total   decimal.Decimal `json:"total"` // Signed sum of the group
}

type ProcessDueRequest struct {
	Limit int `json:"limit" validate:"gte=0"`
}

type IntegrationRequest struct {
	UserID   string `json:"userId" validate:"required"`
	WalletID string `json:"walletId" validate:"required"`
}

type AuditDTO struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	WalletID  string         `json:"wallet_id,omitempty"`
	EntryID   string         `json:"entry_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		ID:            string(w.ID),
		UserID:        string(w.UserID),
		Name:          w.Name,
		Type:          string(w.Type),
		Balance:       w.Balance,
		AllowNegative: w.AllowNegative,
		CreditLimit:   w.CreditLimit,
		DueDay:        w.DueDay,
		ClosingDay:    w.ClosingDay,
		Version:       w.Version,
		CreatedAt:     formatTime(w.CreatedAt),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:                 string(e.ID),
		WalletID:           string(e.WalletID),
		UserID:             string(e.UserID),
		Kind:               string(e.Kind),
		Amount:             e.Amount,
		OccurredAt:         formatTime(e.OccurredAt),
		Sequence:           e.Sequence,
		Name:               e.Name,
		Description:        e.Description,
		Category:           e.Category,
		Status:             string(e.Status),
		Reconciled:         e.Reconciled,
		ReconciliationCode: e.ReconciliationCode,
		Meta:               e.Meta,
	}
	if e.PaymentDate != nil {
		s := formatTime(*e.PaymentDate)
		dto.PaymentDate = &s
	}
	return dto
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toPlanDTO(p ledger.CorrectionPlan) PlanDTO {
	dto := PlanDTO{
		Voids:            make([]string, len(p.Voids)),
		Replacements:     make([]ReplacementDTO, len(p.Replacements)),
		Applied:          p.Applied,
		Skipped:          p.Skipped,
		ProjectedBalance: p.ProjectedBalance,
	}
	for i, id := range p.Voids {
		dto.Voids[i] = string(id)
	}
	for i, r := range p.Replacements {
		dto.Replacements[i] = ReplacementDTO{Replaces: string(r.Replaces), Entry: toEntryDTO(r.Entry)}
	}
	if dto.Applied == nil {
		dto.Applied = []ledger.Finding{}
	}
	return dto
}

func toAuditDTO(a ledger.AuditEntry) AuditDTO {
	return AuditDTO{
		ID:        a.ID,
		Timestamp: formatTime(a.Timestamp),
		Actor:     a.Actor,
		Action:    string(a.Action),
		WalletID:  string(a.WalletID),
		EntryID:   string(a.EntryID),
		Payload:   a.Payload,
	}
}

// signedTotal sums entries with their balance effect. Transfers count by
// direction; transfers without one count as outgoing.
func signedTotal(entries []ledger.Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.IsVoided() {
			continue
		}
		switch {
		case e.Kind.IsCredit(), e.Kind == ledger.KindTransfer && e.Direction() == ledger.DirectionIn:
			total = total.Add(e.Amount)
		default:
			total = total.Sub(e.Amount)
		}
	}
	return total
}
