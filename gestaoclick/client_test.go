package gestaoclick_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/gestaoclick"
	"github.com/warp/wallet-ledger/ingest"
)

func newClient(t *testing.T, handler http.HandlerFunc) *gestaoclick.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := gestaoclick.NewClient(gestaoclick.ClientConfig{
		BaseURL:     srv.URL,
		AccessToken: "access",
		SecretToken: "secret",
		HTTPClient:  srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresTokens(t *testing.T) {
	_, err := gestaoclick.NewClient(gestaoclick.ClientConfig{AccessToken: "a"})
	assert.ErrorIs(t, err, gestaoclick.ErrNotConfigured)
}

func TestGetSale(t *testing.T) {
	// GIVEN: The API returns a wrapped sale with string amounts
	// WHEN: Fetching it
	// THEN: Headers are sent and the sale decodes

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vendas/123", r.URL.Path)
		assert.Equal(t, "access", r.Header.Get("access-token"))
		assert.Equal(t, "secret", r.Header.Get("secret-access-token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"status":"success","data":{
			"id":"123","codigo":"V-1","valor_total":"150,00","data":"2024-04-02",
			"pagamentos":[{"pagamento":{"id":"9","valor":"150,00","data_vencimento":"2024-04-10"}}]
		}}`))
	})

	sale, err := c.GetSale(context.Background(), "123")

	require.NoError(t, err)
	assert.Equal(t, ingest.ID("123"), sale.ID)
	assert.True(t, sale.Amount().Equal(decimal.NewFromInt(150)))
	require.Len(t, sale.Installments, 1)
	assert.Equal(t, ingest.ID("9"), sale.Installments[0].ID)
}

func TestGetSale_NotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"404", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"empty data", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":200,"status":"success","data":null}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newClient(t, tt.handler).GetSale(context.Background(), "x")
			assert.ErrorIs(t, err, ingest.ErrSaleNotFound)
		})
	}
}

func TestGetSale_ServerError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.GetSale(context.Background(), "1")

	var apiErr *gestaoclick.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Body)
}

func TestGetSale_HonoursContext(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetSale(ctx, "1")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListSales(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/vendas", r.URL.Path)
		assert.Equal(t, "2024-01-01", q.Get("data_inicio"))
		assert.Equal(t, "2024-03-31", q.Get("data_fim"))
		assert.Equal(t, "2", q.Get("pagina"))
		_, _ = w.Write([]byte(`{"code":200,"status":"success",
			"meta":{"total_registros":3,"total_paginas":3,"pagina_atual":2},
			"data":[{"id":1,"valor_total":"10"},{"id":2,"valor_total":"20"}]}`))
	})

	page, err := c.ListSales(context.Background(), from, to, 2)

	require.NoError(t, err)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Sales, 2)
	assert.Equal(t, ingest.ID("2"), page.Sales[1].ID)
}
