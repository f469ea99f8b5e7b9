/*
event.go - Webhook envelope and typed events

PURPOSE:
  Turns the raw webhook body {event, data, userId} into one of a closed set
  of typed events. Anything else is a *ParseError.

EVENTS (producer gestao_click):
  gestao_click.sale.created                SaleEvent
  gestao_click.sale.updated                SaleEvent
  gestao_click.sale.deleted                SaleEvent (Deleted = true)
  gestao_click.installment.paid            InstallmentEvent
  gestao_click.installment.status_changed  InstallmentEvent
  gestao_click.transaction.created         TransactionEvent
  gestao_click.transaction.updated         TransactionEvent

SEE ALSO:
  - decode.go: Tolerant number/date decoding
  - reconciler.go: Consumes the events
*/
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/wallet-ledger/ledger"
)

const Source = "gestao_click"

const (
	EventSaleCreated              = "gestao_click.sale.created"
	EventSaleUpdated              = "gestao_click.sale.updated"
	EventSaleDeleted              = "gestao_click.sale.deleted"
	EventInstallmentPaid          = "gestao_click.installment.paid"
	EventInstallmentStatusChanged = "gestao_click.installment.status_changed"
	EventTransactionCreated       = "gestao_click.transaction.created"
	EventTransactionUpdated       = "gestao_click.transaction.updated"
)

// Envelope is the webhook body.
type Envelope struct {
	Event  string          `json:"event" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
	UserID ledger.UserID   `json:"userId" validate:"required"`
}

var validate = validator.New()

// ParseEnvelope decodes and validates a webhook body.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ParseError{Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
	}
	env.Event = strings.TrimSpace(env.Event)
	if err := validate.Struct(env); err != nil {
		var verrs validator.ValidationErrors
		field := ""
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = verrs[0].Field()
		}
		return Envelope{}, &ParseError{Event: env.Event, Field: field, Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
	}
	return env, nil
}

// =============================================================================
// TYPED EVENTS
// =============================================================================

// Event is implemented by SaleEvent, InstallmentEvent and TransactionEvent.
type Event interface {
	Name() string
	User() ledger.UserID
	// LockKey identifies the external record; events with the same key are
	// processed one at a time.
	LockKey() string
}

type SaleEvent struct {
	Event   string
	UserID  ledger.UserID
	Sale    Sale // As delivered; may be partial
	Deleted bool
}

func (e SaleEvent) Name() string { return e.Event }
func (e SaleEvent) User() ledger.UserID { return e.UserID }
func (e SaleEvent) LockKey() string { return "sale:" + string(e.Sale.ID) }
func (e SaleEvent) SaleID() string { return string(e.Sale.ID) }

type InstallmentEvent struct {
	Event       string
	UserID      ledger.UserID
	SaleID      string
	Installment Installment
}

func (e InstallmentEvent) Name() string { return e.Event }
func (e InstallmentEvent) User() ledger.UserID { return e.UserID }
func (e InstallmentEvent) LockKey() string { return "sale:" + e.SaleID }

type TransactionEvent struct {
	Event       string
	UserID      ledger.UserID
	Transaction Transaction
}

func (e TransactionEvent) Name() string { return e.Event }
func (e TransactionEvent) User() ledger.UserID { return e.UserID }
func (e TransactionEvent) LockKey() string { return "transaction:" + string(e.Transaction.ID) }

// installmentPayload is the data of installment events: the installment
// fields plus the owning sale id.
type installmentPayload struct {
	Installment
	SaleID ID `json:"venda_id"`
}

// ParseEvent decodes env.Data according to env.Event.
func ParseEvent(env Envelope) (Event, error) {
	fail := func(field string, err error) (Event, error) {
		return nil, &ParseError{Event: env.Event, Field: field, Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
	}

	switch env.Event {
	case EventSaleCreated, EventSaleUpdated, EventSaleDeleted:
		var sale Sale
		if err := json.Unmarshal(env.Data, &sale); err != nil {
			return fail("", err)
		}
		if sale.ID == "" {
			return fail("id", errors.New("sale id is required"))
		}
		return SaleEvent{Event: env.Event, UserID: env.UserID, Sale: sale, Deleted: env.Event == EventSaleDeleted}, nil

	case EventInstallmentPaid, EventInstallmentStatusChanged:
		var p installmentPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fail("", err)
		}
		if p.SaleID == "" {
			return fail("venda_id", errors.New("sale id is required"))
		}
		if p.ID == "" {
			return fail("id", errors.New("installment id is required"))
		}
		if env.Event == EventInstallmentPaid {
			p.Settled = true
		}
		return InstallmentEvent{Event: env.Event, UserID: env.UserID, SaleID: string(p.SaleID), Installment: p.Installment}, nil

	case EventTransactionCreated, EventTransactionUpdated:
		var tx Transaction
		if err := json.Unmarshal(env.Data, &tx); err != nil {
			return fail("", err)
		}
		if tx.ID == "" {
			return fail("id", errors.New("transaction id is required"))
		}
		if !tx.Amount.Valid || tx.Amount.Value.IsZero() {
			return fail("valor", ledger.ErrInvalidAmount)
		}
		return TransactionEvent{Event: env.Event, UserID: env.UserID, Transaction: tx}, nil
	}

	return nil, &ParseError{Event: env.Event, Err: ErrUnrecognizedEvent}
}
