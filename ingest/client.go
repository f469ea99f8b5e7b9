package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SALES API - What the reconciler needs from the ERP
// =============================================================================

// SalesAPI fetches sales from the external system. Implemented over HTTP by
// gestaoclick.Client.
type SalesAPI interface {
	// GetSale returns one sale or an error wrapping ErrSaleNotFound.
	GetSale(ctx context.Context, id string) (Sale, error)

	// ListSales returns one page (1-based) of sales dated within [from, to].
	ListSales(ctx context.Context, from, to time.Time, page int) (SalePage, error)
}

type SalePage struct {
	Sales      []Sale
	Page       int
	TotalPages int
}

// =============================================================================
// SALE & INSTALLMENT - ERP records, Portuguese field names
// =============================================================================

type Sale struct {
	ID           ID     `json:"id"`
	Code         string `json:"codigo"`
	CustomerName string `json:"nome_cliente"`
	Date         Date   `json:"data"`
	Total        Number `json:"valor_total"`
	Status       string `json:"nome_situacao"`
	Category     string `json:"nome_plano_conta"`
	Description  string `json:"descricao"`

	Installments []Installment `json:"parcelas"`
}

// UnmarshalJSON accepts installments either as "parcelas": [{...}] or in
// the ERP's wrapped form "pagamentos": [{"pagamento": {...}}]. Webhook
// payloads may carry "valor"/"amount" and "description" instead of the
// listing field names.
func (s *Sale) UnmarshalJSON(b []byte) error {
	type plain Sale
	var aux struct {
		plain
		Payments []struct {
			Payment Installment `json:"pagamento"`
		} `json:"pagamentos"`
		Valor       Number `json:"valor"`
		Amount      Number `json:"amount"`
		EnglishDesc string `json:"description"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = Sale(aux.plain)
	for _, alt := range []Number{aux.Valor, aux.Amount} {
		if !s.Total.Valid && alt.Valid {
			s.Total = alt
		}
	}
	if s.Description == "" {
		s.Description = aux.EnglishDesc
	}
	if len(s.Installments) == 0 {
		for _, p := range aux.Payments {
			s.Installments = append(s.Installments, p.Payment)
		}
	}
	return nil
}

// Amount returns the total, or the sum of the installments when the total
// is missing.
func (s Sale) Amount() decimal.Decimal {
	if s.Total.Valid && !s.Total.Value.IsZero() {
		return s.Total.Value
	}
	sum := decimal.Zero
	for _, inst := range s.Installments {
		sum = sum.Add(inst.Amount.Value)
	}
	return sum
}

type Installment struct {
	ID            ID     `json:"id"`
	Number        int    `json:"numero,omitempty"`
	DueDate       Date   `json:"data_vencimento"`
	PaidDate      Date   `json:"data_pagamento"`
	Amount        Number `json:"valor"`
	PaymentMethod string `json:"nome_forma_pagamento"`
	Category      string `json:"nome_plano_conta"`
	Settled       Flag   `json:"liquidado"`
	Status        string `json:"status"`
}

// Paid reports whether the installment has been settled.
func (i Installment) Paid() bool {
	if bool(i.Settled) || !i.PaidDate.IsZero() {
		return true
	}
	switch i.Status {
	case "pago", "paga", "liquidado", "paid", "confirmado":
		return true
	}
	return false
}

// =============================================================================
// TRANSACTION - Standalone financial movement
// =============================================================================

type TransactionType string

const (
	TransactionRevenue  TransactionType = "receita"
	TransactionExpense  TransactionType = "despesa"
	TransactionTransfer TransactionType = "transferencia"
)

type Transaction struct {
	ID          ID              `json:"id"`
	Type        TransactionType `json:"tipo"`
	Description string          `json:"descricao"`
	Amount      Number          `json:"valor"`
	DueDate     Date            `json:"data_vencimento"`
	PaidDate    Date            `json:"data_liquidacao"`
	Settled     Flag            `json:"liquidado"`
	Category    string          `json:"nome_plano_conta"`
	Direction   string          `json:"sentido,omitempty"` // Transfers: "entrada" or "saida"
}
