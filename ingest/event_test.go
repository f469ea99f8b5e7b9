package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ingest"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/ledger/store"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ingest.ParseEnvelope([]byte(`{"event":" gestao_click.sale.created ","data":{"id":1},"userId":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, ingest.EventSaleCreated, env.Event)
	assert.Equal(t, ledger.UserID("u1"), env.UserID)

	_, err = ingest.ParseEnvelope([]byte(`{"event":"gestao_click.sale.created","data":{"id":1}}`))
	var perr *ingest.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "UserID", perr.Field)
	assert.ErrorIs(t, err, ingest.ErrMalformedPayload)

	_, err = ingest.ParseEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, ingest.ErrMalformedPayload)
}

func envelope(event string, data string) ingest.Envelope {
	return ingest.Envelope{Event: event, Data: json.RawMessage(data), UserID: "user-1"}
}

func TestParseEvent(t *testing.T) {
	t.Run("sale events", func(t *testing.T) {
		ev, err := ingest.ParseEvent(envelope(ingest.EventSaleDeleted, `{"id":"S1"}`))
		require.NoError(t, err)
		sale, ok := ev.(ingest.SaleEvent)
		require.True(t, ok)
		assert.True(t, sale.Deleted)
		assert.Equal(t, "S1", sale.SaleID())
		assert.Equal(t, "sale:S1", ev.LockKey())
	})

	t.Run("installment paid marks settled", func(t *testing.T) {
		ev, err := ingest.ParseEvent(envelope(ingest.EventInstallmentPaid, `{"id":7,"venda_id":"S1","valor":"10"}`))
		require.NoError(t, err)
		inst := ev.(ingest.InstallmentEvent)
		assert.Equal(t, "S1", inst.SaleID)
		assert.True(t, bool(inst.Installment.Settled))
		assert.Equal(t, "sale:S1", ev.LockKey())
	})

	t.Run("transaction", func(t *testing.T) {
		ev, err := ingest.ParseEvent(envelope(ingest.EventTransactionCreated, `{"id":3,"tipo":"despesa","valor":"-15,90"}`))
		require.NoError(t, err)
		tx := ev.(ingest.TransactionEvent)
		assert.Equal(t, ingest.TransactionExpense, tx.Transaction.Type)
		assert.True(t, tx.Transaction.Amount.Value.Equal(decimal.RequireFromString("-15.90")))
		assert.Equal(t, "transaction:3", ev.LockKey())
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name  string
			env   ingest.Envelope
			field string
			is    error
		}{
			{"unknown event", envelope("gestao_click.customer.created", `{}`), "", ingest.ErrUnrecognizedEvent},
			{"sale without id", envelope(ingest.EventSaleCreated, `{"valor_total":10}`), "id", ingest.ErrMalformedPayload},
			{"installment without sale", envelope(ingest.EventInstallmentPaid, `{"id":1}`), "venda_id", ingest.ErrMalformedPayload},
			{"transaction without amount", envelope(ingest.EventTransactionUpdated, `{"id":1}`), "valor", ingest.ErrMalformedPayload},
			{"sale data not an object", envelope(ingest.EventSaleUpdated, `[1,2]`), "", ingest.ErrMalformedPayload},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ingest.ParseEvent(tt.env)
				var perr *ingest.ParseError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, tt.field, perr.Field)
				assert.ErrorIs(t, err, tt.is)
			})
		}
	})
}

func TestMapCategory(t *testing.T) {
	tests := []struct {
		category string
		amount   int64
		want     ledger.Kind
	}{
		{"Vendas de produtos", 100, ledger.KindDeposit},
		{"Prestação de serviços", 100, ledger.KindDeposit},
		{"Impostos sobre vendas", 100, ledger.KindDeposit}, // "vendas" outranks "impostos"
		{"Simples Nacional", 100, ledger.KindExpense},
		{"Comissões", 100, ledger.KindExpense},
		{"Custo das mercadorias vendidas", 100, ledger.KindExpense},
		{"CMV", 100, ledger.KindExpense},
		{"Despesas financeiras", 100, ledger.KindExpense},
		{"Receitas financeiras", 100, ledger.KindIncome},
		{"Rendimentos de aplicação", 100, ledger.KindIncome},
		{"Investimentos", 100, ledger.KindInvestment},
		{"Outros", 100, ledger.KindDeposit},
		{"Outros", -100, ledger.KindExpense},
		{"", -1, ledger.KindExpense},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			assert.Equal(t, tt.want, ingest.MapCategory(tt.category, decimal.NewFromInt(tt.amount)))
		})
	}
}

func TestWalletRouter(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWallet(ctx, ledger.Wallet{ID: "erp", UserID: "u1"}))
	require.NoError(t, mem.SetIntegrationWallet(ctx, "u1", ingest.Source, "erp"))

	withDefault := ingest.NewWalletRouter(mem, ingest.Source, "fallback")
	id, err := withDefault.Route(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletID("erp"), id)

	id, err = withDefault.Route(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletID("fallback"), id)

	_, err = ingest.NewWalletRouter(mem, ingest.Source, "").Route(ctx, "u2")
	assert.True(t, errors.Is(err, ledger.ErrWalletNotFound))
}
